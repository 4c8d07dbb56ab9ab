package fieldsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fieldsync/internal/model"
)

// EndpointSource exposes the currently selected endpoint.
type EndpointSource interface {
	ActiveEndpoint() (string, bool)
	IsOnline() bool
}

// ConnectionManager probes the configured endpoints and tracks which one is active.
// Checks never overlap: concurrent callers share the result of the in-flight check.
type ConnectionManager struct {
	endpoints []model.Endpoint
	prober    Prober
	store     Store
	timeout   time.Duration
	logger    Logger
	clock     Clock

	group     singleflight.Group
	listeners *listeners[model.ConnectionStatus]

	mu     sync.RWMutex
	status model.ConnectionStatus
	active *model.Endpoint
}

var _ EndpointSource = (*ConnectionManager)(nil)

// NewConnectionManager creates a manager in the offline state. Endpoints keep their
// configured order, which breaks priority ties.
func NewConnectionManager(endpoints []model.Endpoint, prober Prober, store Store, timeout time.Duration, logger Logger, clock Clock) *ConnectionManager {
	eps := make([]model.Endpoint, len(endpoints))
	copy(eps, endpoints)
	return &ConnectionManager{
		endpoints: eps,
		prober:    prober,
		store:     store,
		timeout:   timeout,
		logger:    logger,
		clock:     clock,
		listeners: newListeners[model.ConnectionStatus]("connection", logger),
		status:    model.ConnectionStatus{CurrentMode: model.ModeOffline},
	}
}

// Endpoints returns the configured candidates in configuration order.
func (m *ConnectionManager) Endpoints() []model.Endpoint {
	eps := make([]model.Endpoint, len(m.endpoints))
	copy(eps, m.endpoints)
	return eps
}

// CheckConnectivity probes every endpoint concurrently, selects the reachable one
// with the highest priority, stores and publishes the resulting status.
func (m *ConnectionManager) CheckConnectivity(ctx context.Context) model.ConnectionStatus {
	v, _, shared := m.group.Do("check", func() (any, error) {
		return m.check(ctx), nil
	})
	if shared {
		m.logger.Debug("joined in-flight connectivity check")
	}
	return v.(model.ConnectionStatus)
}

// ForceCheck re-runs a connectivity check for a manual retry.
func (m *ConnectionManager) ForceCheck(ctx context.Context) model.ConnectionStatus {
	return m.CheckConnectivity(ctx)
}

func (m *ConnectionManager) check(ctx context.Context) model.ConnectionStatus {
	results := m.probeAll(ctx)

	status := model.ConnectionStatus{
		CurrentMode:   model.ModeOffline,
		LastCheckedAt: m.clock.Now(),
	}

	var best *model.ProbeResult
	for i := range results {
		r := &results[i]
		if !r.Available {
			continue
		}
		switch r.Endpoint.Type {
		case model.EndpointCloud:
			status.CloudAvailable = true
		case model.EndpointLocal:
			status.LocalAvailable = true
		}
		if best == nil || r.Endpoint.Priority > best.Endpoint.Priority {
			best = r
		}
	}

	var active *model.Endpoint
	if best != nil {
		ep := best.Endpoint
		active = &ep
		status.IsOnline = true
		status.CurrentMode = modeFor(ep.Type)
		status.ResponseTime = best.ResponseTime
		status.ActiveEndpoint = ep.Name
		if best.Unverified {
			m.logger.Warn("active endpoint reachability unverified", "endpoint", ep.Name, "url", ep.URL)
		}
	}

	m.apply(ctx, status, active)
	m.logger.Info("connectivity checked",
		"online", status.IsOnline,
		"mode", string(status.CurrentMode),
		"endpoint", status.ActiveEndpoint,
		"response_time", status.ResponseTime)
	return status
}

func (m *ConnectionManager) probeAll(ctx context.Context) []model.ProbeResult {
	results := make([]model.ProbeResult, len(m.endpoints))
	var g errgroup.Group
	for i, ep := range m.endpoints {
		g.Go(func() error {
			results[i] = m.prober.Probe(ctx, ep, m.timeout)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Diagnose probes every endpoint and returns the raw results without changing state.
func (m *ConnectionManager) Diagnose(ctx context.Context) []model.ProbeResult {
	return m.probeAll(ctx)
}

func modeFor(t model.EndpointType) model.Mode {
	if t == model.EndpointLocal {
		return model.ModeLocal
	}
	return model.ModeCloud
}

// apply installs a new status, persists it and notifies listeners.
func (m *ConnectionManager) apply(ctx context.Context, status model.ConnectionStatus, active *model.Endpoint) {
	m.mu.Lock()
	m.status = status
	m.active = active
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveConnectionStatus(ctx, status); err != nil {
			m.logger.Error("failed to persist connection status", "error", err)
		}
	}

	m.listeners.notify(status)
}

// Status returns a copy of the current status.
func (m *ConnectionManager) Status() model.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports whether an endpoint is currently active.
func (m *ConnectionManager) IsOnline() bool {
	return m.Status().IsOnline
}

// ActiveEndpoint returns the base URL of the selected endpoint.
func (m *ConnectionManager) ActiveEndpoint() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return "", false
	}
	return m.active.URL, true
}

// SimulateOffline forces the offline status until the next real check.
// Periodic checks are not stopped.
func (m *ConnectionManager) SimulateOffline(ctx context.Context) {
	m.logger.Info("simulating offline mode")
	m.goOffline(ctx)
}

// RestoreConnectivity ends a simulated outage by running a real check.
func (m *ConnectionManager) RestoreConnectivity(ctx context.Context) model.ConnectionStatus {
	m.logger.Info("restoring connectivity")
	return m.CheckConnectivity(ctx)
}

// NetworkChanged handles platform connectivity notifications.
func (m *ConnectionManager) NetworkChanged(ctx context.Context, up bool) {
	if up {
		m.CheckConnectivity(ctx)
		return
	}
	m.logger.Info("platform reported network down")
	m.goOffline(ctx)
}

func (m *ConnectionManager) goOffline(ctx context.Context) {
	m.apply(ctx, model.ConnectionStatus{
		CurrentMode:   model.ModeOffline,
		LastCheckedAt: m.clock.Now(),
	}, nil)
}

// LastPersisted returns the status saved by the most recent check, possibly from an
// earlier process. It does not change the in-memory state.
func (m *ConnectionManager) LastPersisted(ctx context.Context) (*model.ConnectionStatus, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.LoadConnectionStatus(ctx)
}

// AddListener registers fn to be called after every status change.
func (m *ConnectionManager) AddListener(fn func(model.ConnectionStatus)) ListenerID {
	return m.listeners.add(fn)
}

// RemoveListener unregisters a listener. Unknown IDs are ignored.
func (m *ConnectionManager) RemoveListener(id ListenerID) {
	m.listeners.remove(id)
}
