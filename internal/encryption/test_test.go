package encryption

import (
	"bytes"
	"testing"

	"fieldsync/internal/config"
)

func TestTestSealer(t *testing.T) {
	t.Parallel()
	s := NewTestSealer()
	if err := s.Setup(); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !s.setupCalled {
		t.Error("Setup() did not record that it was called")
	}

	sealed, err := s.Seal([]byte("token"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(sealed, []byte("token")) {
		t.Error("sealed output equals plaintext")
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != "token" {
		t.Errorf("Open() = %q, want %q", got, "token")
	}

	if _, err := s.Open([]byte("token")); err == nil {
		t.Error("Open() without header expected error")
	}
}

func TestNewSealerFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.EncryptionConfig
		wantErr bool
	}{
		{"age", config.EncryptionConfig{Type: "age", IdentityPath: "/tmp/k"}, false},
		{"default is age", config.EncryptionConfig{IdentityPath: "/tmp/k"}, false},
		{"age without path", config.EncryptionConfig{Type: "age"}, true},
		{"test", config.EncryptionConfig{Type: "test"}, false},
		{"unknown", config.EncryptionConfig{Type: "rot13"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSealerFromConfig(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSealerFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got == nil {
				t.Error("NewSealerFromConfig() returned nil")
			}
		})
	}
}
