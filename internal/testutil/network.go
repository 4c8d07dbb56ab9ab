package testutil

import (
	"context"
	"sync"
	"time"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

// StubProber answers probes from a table keyed by endpoint URL.
// URLs without an entry are unavailable.
type StubProber struct {
	mu      sync.Mutex
	results map[string]model.ProbeResult
	calls   map[string]int
	// Gate, if set, blocks every probe until it is closed or the context ends.
	Gate chan struct{}
}

var _ fieldsync.Prober = (*StubProber)(nil)

func NewStubProber() *StubProber {
	return &StubProber{
		results: make(map[string]model.ProbeResult),
		calls:   make(map[string]int),
	}
}

// SetAvailable marks url reachable (or not) with a verified probe.
func (p *StubProber) SetAvailable(url string, available bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := model.ProbeResult{Available: available, ResponseTime: 10 * time.Millisecond}
	if available {
		r.StatusCode = 200
	} else {
		r.Err = "connection refused"
	}
	p.results[url] = r
}

// SetUnverified marks url reachable only by the TCP fallback.
func (p *StubProber) SetUnverified(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[url] = model.ProbeResult{Available: true, Unverified: true, ResponseTime: 20 * time.Millisecond}
}

func (p *StubProber) Probe(ctx context.Context, ep model.Endpoint, timeout time.Duration) model.ProbeResult {
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[ep.URL]++
	r, ok := p.results[ep.URL]
	if !ok {
		r = model.ProbeResult{Err: "no route to host"}
	}
	r.Endpoint = ep
	return r
}

// Calls returns how many times url was probed.
func (p *StubProber) Calls(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

// StubEndpointSource is a fixed fieldsync.EndpointSource.
type StubEndpointSource struct {
	mu  sync.Mutex
	url string
}

var _ fieldsync.EndpointSource = (*StubEndpointSource)(nil)

// NewOnlineEndpoint returns a source whose active endpoint is url.
func NewOnlineEndpoint(url string) *StubEndpointSource {
	return &StubEndpointSource{url: url}
}

// NewOfflineEndpoint returns a source with no active endpoint.
func NewOfflineEndpoint() *StubEndpointSource {
	return &StubEndpointSource{}
}

// Set changes the active endpoint. An empty url means offline.
func (s *StubEndpointSource) Set(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

func (s *StubEndpointSource) ActiveEndpoint() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url, s.url != ""
}

func (s *StubEndpointSource) IsOnline() bool {
	_, ok := s.ActiveEndpoint()
	return ok
}
