package encryption

import (
	"bytes"
	"fmt"

	"fieldsync/internal/fieldsync"
)

// testHeader is prepended by TestSealer so sealed output differs from plaintext.
var testHeader = []byte("FSSEAL\x00\x00")

// TestSealer is a deterministic, reversible sealer for tests. It does no cryptography.
type TestSealer struct {
	setupCalled bool
}

var _ fieldsync.Sealer = (*TestSealer)(nil)

func NewTestSealer() *TestSealer {
	return &TestSealer{}
}

func (s *TestSealer) Setup() error {
	s.setupCalled = true
	return nil
}

func (s *TestSealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, 0, len(testHeader)+len(plaintext))
	out = append(out, testHeader...)
	return append(out, plaintext...), nil
}

func (s *TestSealer) Open(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, testHeader) {
		return nil, fmt.Errorf("invalid test seal header")
	}
	return append([]byte(nil), sealed[len(testHeader):]...), nil
}

func (s *TestSealer) IsConfigured() bool {
	return true
}
