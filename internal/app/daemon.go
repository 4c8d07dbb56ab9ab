package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
	"fieldsync/internal/scheduler"
)

// Watcher receives state changes while the daemon runs. Nil fields are skipped.
type Watcher struct {
	Connection func(model.ConnectionStatus)
	Sync       func(model.SyncStatus)
	Reference  func(fieldsync.RefreshEvent)
}

// Run keeps the engine going until ctx is cancelled: connectivity is rechecked,
// the queue drained and the reference snapshot refreshed on their intervals.
// Interface changes on the host are reported to the connection manager, and
// coming back online triggers an immediate drain.
func (a *FieldApp) Run(ctx context.Context, w Watcher) error {
	a.checkOnce.Do(func() {})

	var drains background
	defer drains.wait()

	var online atomic.Bool
	connID := a.conn.AddListener(func(st model.ConnectionStatus) {
		was := online.Swap(st.IsOnline)
		if w.Connection != nil {
			w.Connection(st)
		}
		if st.IsOnline && !was {
			drains.start(func() { a.sync.Tick(ctx) })
		}
	})
	defer a.conn.RemoveListener(connID)

	if w.Sync != nil {
		id := a.sync.AddListener(w.Sync)
		defer a.sync.RemoveListener(id)
	}
	if w.Reference != nil {
		id := a.refs.AddListener(w.Reference)
		defer a.refs.RemoveListener(id)
	}

	link := &linkWatcher{up: a.linkUp, conn: a.conn}

	sched := scheduler.New(a.logger)
	jobs := []scheduler.Job{
		{
			Name:     "network",
			Interval: a.networkPoll,
			Run:      link.poll,
		},
		{
			Name:     "connectivity",
			Interval: a.cfg.Connection.CheckInterval.Duration,
			Run: func(ctx context.Context) error {
				a.conn.CheckConnectivity(ctx)
				return nil
			},
		},
		{
			Name:     "sync",
			Interval: a.cfg.Sync.Interval.Duration,
			Run: func(ctx context.Context) error {
				a.sync.Tick(ctx)
				return nil
			},
		},
		{
			Name:     "reference",
			Interval: a.cfg.Reference.RefreshInterval.Duration,
			Run:      a.refreshReference,
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("scheduling daemon jobs: %w", err)
		}
	}

	a.logger.Info("daemon starting", "device_id", a.cfg.DeviceID, "endpoints", len(a.cfg.Endpoints))
	if err := link.poll(ctx); err != nil {
		a.logger.Warn("network interfaces unavailable", "error", err)
	}
	a.conn.CheckConnectivity(ctx)
	if err := a.refreshReference(ctx); err != nil {
		a.logger.Warn("initial reference sync failed", "error", err)
	}

	sched.Start()
	<-ctx.Done()
	sched.Stop()

	a.logger.Info("daemon stopped")
	return nil
}

// refreshReference syncs a stale snapshot when an endpoint is reachable.
func (a *FieldApp) refreshReference(ctx context.Context) error {
	if !a.conn.IsOnline() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	res, err := a.refs.Sync(ctx, false)
	if err != nil {
		return err
	}
	if !res.Cached {
		a.logger.Info("reference snapshot refreshed", "records", res.RecordCount)
	}
	return nil
}

// background runs goroutines that must finish before Run returns. Once wait has
// been called, start is a no-op.
type background struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
}

func (b *background) start(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *background) wait() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.wg.Wait()
}
