package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldsync/internal/model"
)

// DefaultStaleAfter is how long a reference snapshot stays fresh.
const DefaultStaleAfter = 4 * time.Hour

// RefreshResult reports the outcome of a reference sync.
type RefreshResult struct {
	Success     bool
	RecordCount int
	Message     string
	Cached      bool // Snapshot was fresh and no fetch happened
}

// RefreshState is the phase reported to progress listeners.
type RefreshState string

const (
	RefreshSyncing  RefreshState = "syncing"
	RefreshComplete RefreshState = "complete"
	RefreshError    RefreshState = "error"
)

// RefreshEvent is published while a reference sync runs.
type RefreshEvent struct {
	State    RefreshState
	Progress int // 0..100
	Message  string
}

// SnapshotStatus summarizes the stored reference snapshot.
type SnapshotStatus struct {
	HasData      bool
	LastSyncAt   time.Time
	DataVersion  string
	TotalRecords int
	IsStale      bool
}

// ReferenceCache keeps a local copy of the vehicle and permit holder tables and
// answers lookups from it without the network.
type ReferenceCache struct {
	conn        EndpointSource
	client      Client
	prober      Prober
	store       Store
	logger      Logger
	clock       Clock
	staleAfter  time.Duration
	directHosts []string
	probeTime   time.Duration

	inFlight  atomic.Bool
	listeners *listeners[RefreshEvent]
}

// ReferenceOptions tunes a ReferenceCache. Zero values select defaults.
type ReferenceOptions struct {
	StaleAfter   time.Duration
	DirectHosts  []string // Privileged hosts tried before the active endpoint
	ProbeTimeout time.Duration
}

func NewReferenceCache(conn EndpointSource, client Client, prober Prober, store Store, opts ReferenceOptions, logger Logger, clock Clock) *ReferenceCache {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	return &ReferenceCache{
		conn:        conn,
		client:      client,
		prober:      prober,
		store:       store,
		logger:      logger,
		clock:       clock,
		staleAfter:  opts.StaleAfter,
		directHosts: opts.DirectHosts,
		probeTime:   opts.ProbeTimeout,
		listeners:   newListeners[RefreshEvent]("reference", logger),
	}
}

// Sync refreshes the snapshot when it is stale or force is set. Only one sync runs at a
// time; a concurrent caller gets ErrRefreshInProgress. On failure the previous snapshot
// is kept untouched.
func (c *ReferenceCache) Sync(ctx context.Context, force bool) (RefreshResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return RefreshResult{Message: ErrRefreshInProgress.Error()}, ErrRefreshInProgress
	}
	defer c.inFlight.Store(false)
	return c.refresh(ctx, force)
}

// refresh does the work of Sync. The caller holds inFlight.
func (c *ReferenceCache) refresh(ctx context.Context, force bool) (RefreshResult, error) {
	if !force {
		meta, err := c.store.SnapshotMeta(ctx)
		if err != nil {
			return RefreshResult{Message: err.Error()}, fmt.Errorf("reading snapshot metadata: %w", err)
		}
		if meta != nil && c.clock.Now().Sub(meta.LastSyncAt) < c.staleAfter {
			c.logger.Debug("reference snapshot fresh, skipping fetch", "last_sync", meta.LastSyncAt)
			return RefreshResult{
				Success:     true,
				RecordCount: meta.TotalRecords,
				Message:     "using cached data",
				Cached:      true,
			}, nil
		}
	}

	c.publish(RefreshSyncing, 0, "starting reference sync")

	snap, source, err := c.fetch(ctx)
	if err != nil {
		c.publish(RefreshError, 0, err.Error())
		c.logger.Error("reference sync failed", "error", err)
		return RefreshResult{Message: err.Error()}, err
	}

	c.publish(RefreshSyncing, 50, "storing reference data")

	now := c.clock.Now()
	snap.Meta = model.SnapshotMeta{
		LastSyncAt:   now,
		DataVersion:  fmt.Sprintf("v%d", now.UnixMilli()),
		TotalRecords: len(snap.Vehicles) + len(snap.PermitHolders),
	}
	if err := c.store.ReplaceSnapshot(ctx, snap); err != nil {
		c.publish(RefreshError, 0, err.Error())
		return RefreshResult{Message: err.Error()}, fmt.Errorf("storing reference snapshot: %w", err)
	}

	msg := fmt.Sprintf("synced %d vehicles and %d permit holders", len(snap.Vehicles), len(snap.PermitHolders))
	c.publish(RefreshSyncing, 100, msg)
	c.publish(RefreshComplete, 100, msg)
	c.logger.Info("reference snapshot replaced",
		"source", source,
		"vehicles", len(snap.Vehicles),
		"permit_holders", len(snap.PermitHolders),
		"version", snap.Meta.DataVersion)

	return RefreshResult{Success: true, RecordCount: snap.Meta.TotalRecords, Message: msg}, nil
}

// InProgress reports whether a sync is currently running.
func (c *ReferenceCache) InProgress() bool { return c.inFlight.Load() }

// fetch picks a source and downloads both tables. It returns the base URL used.
func (c *ReferenceCache) fetch(ctx context.Context) (*model.ReferenceSnapshot, string, error) {
	baseURL, ok := c.directHost(ctx)
	if !ok {
		baseURL, ok = c.conn.ActiveEndpoint()
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: %w", ErrSnapshotFetchFailed, ErrNoEndpoint)
	}

	snap, err := c.fetchEssential(ctx, baseURL)
	if err == nil {
		return snap, baseURL, nil
	}
	c.logger.Warn("essential reference endpoints failed, trying legacy", "url", baseURL, "error", err)

	snap, legacyErr := c.fetchLegacy(ctx, baseURL)
	if legacyErr != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrSnapshotFetchFailed, errors.Join(err, legacyErr))
	}
	return snap, baseURL, nil
}

// directHost returns the first privileged host that answers a verified health probe.
func (c *ReferenceCache) directHost(ctx context.Context) (string, bool) {
	for _, host := range c.directHosts {
		ep := model.Endpoint{Name: "direct", URL: strings.TrimRight(host, "/"), Type: model.EndpointLocal}
		r := c.prober.Probe(ctx, ep, c.probeTime)
		if r.Available && !r.Unverified {
			c.logger.Debug("using direct reference host", "url", ep.URL)
			return ep.URL, true
		}
	}
	return "", false
}

func (c *ReferenceCache) fetchEssential(ctx context.Context, baseURL string) (*model.ReferenceSnapshot, error) {
	var snap model.ReferenceSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.client.FetchVehicles(gctx, baseURL)
		if err != nil {
			return fmt.Errorf("fetching vehicles: %w", err)
		}
		snap.Vehicles = v
		return nil
	})
	g.Go(func() error {
		p, err := c.client.FetchPermitHolders(gctx, baseURL)
		if err != nil {
			return fmt.Errorf("fetching permit holders: %w", err)
		}
		snap.PermitHolders = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *ReferenceCache) fetchLegacy(ctx context.Context, baseURL string) (*model.ReferenceSnapshot, error) {
	var snap model.ReferenceSnapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := c.client.FetchLegacyVehicles(gctx, baseURL)
		if err != nil {
			return fmt.Errorf("fetching legacy vehicles: %w", err)
		}
		snap.Vehicles = v
		return nil
	})
	g.Go(func() error {
		p, err := c.client.FetchLegacyPermitHolders(gctx, baseURL)
		if err != nil {
			return fmt.Errorf("fetching legacy users: %w", err)
		}
		snap.PermitHolders = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *ReferenceCache) publish(state RefreshState, progress int, msg string) {
	c.listeners.notify(RefreshEvent{State: state, Progress: progress, Message: msg})
}

// AddListener registers fn for refresh progress events.
func (c *ReferenceCache) AddListener(fn func(RefreshEvent)) ListenerID {
	return c.listeners.add(fn)
}

// RemoveListener unregisters a listener.
func (c *ReferenceCache) RemoveListener(id ListenerID) {
	c.listeners.remove(id)
}

// Status describes the stored snapshot and whether it is stale.
func (c *ReferenceCache) Status(ctx context.Context) (SnapshotStatus, error) {
	meta, err := c.store.SnapshotMeta(ctx)
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("reading snapshot metadata: %w", err)
	}
	if meta == nil {
		return SnapshotStatus{IsStale: true}, nil
	}
	vehicles, holders, err := c.store.ReferenceCounts(ctx)
	if err != nil {
		return SnapshotStatus{}, fmt.Errorf("counting reference records: %w", err)
	}
	return SnapshotStatus{
		HasData:      vehicles+holders > 0,
		LastSyncAt:   meta.LastSyncAt,
		DataVersion:  meta.DataVersion,
		TotalRecords: meta.TotalRecords,
		IsStale:      c.clock.Now().Sub(meta.LastSyncAt) >= c.staleAfter,
	}, nil
}

// Clear removes the snapshot and its metadata.
func (c *ReferenceCache) Clear(ctx context.Context) error {
	if err := c.store.ClearSnapshot(ctx); err != nil {
		return fmt.Errorf("clearing reference data: %w", err)
	}
	c.logger.Info("reference data cleared")
	return nil
}

// ClearAndResync clears the snapshot and immediately fetches a new one. It holds the
// sync slot for both steps, so a concurrent Sync cannot interleave with the clear.
func (c *ReferenceCache) ClearAndResync(ctx context.Context) (RefreshResult, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return RefreshResult{Message: ErrRefreshInProgress.Error()}, ErrRefreshInProgress
	}
	defer c.inFlight.Store(false)

	if err := c.Clear(ctx); err != nil {
		return RefreshResult{Message: err.Error()}, err
	}
	return c.refresh(ctx, true)
}

// LookupVehicle finds a vehicle by equipment number: exact case-insensitive match
// first, then a substring match in either direction. Returns nil if nothing matches.
func (c *ReferenceCache) LookupVehicle(ctx context.Context, key string) (*model.Vehicle, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}

	v, err := c.store.FindVehicleByEquipNo(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("looking up vehicle: %w", err)
	}
	if v != nil {
		return v, nil
	}

	all, err := c.store.ListVehicles(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing vehicles: %w", err)
	}
	needle := strings.ToUpper(key)
	for _, cand := range all {
		if containsEither(strings.ToUpper(cand.EquipNo), needle) {
			return cand, nil
		}
	}
	return nil, nil
}

// LookupPermitHolder finds a permit holder by name: exact case-insensitive match first,
// then a substring match on the name in either direction or on the ID number.
func (c *ReferenceCache) LookupPermitHolder(ctx context.Context, key string) (*model.PermitHolder, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}

	p, err := c.store.FindPermitHolderByName(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("looking up permit holder: %w", err)
	}
	if p != nil {
		return p, nil
	}

	all, err := c.store.ListPermitHolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing permit holders: %w", err)
	}
	needle := strings.ToLower(key)
	for _, cand := range all {
		if containsEither(strings.ToLower(cand.Name), needle) ||
			(cand.IDNumber != "" && strings.Contains(strings.ToLower(cand.IDNumber), needle)) {
			return cand, nil
		}
	}
	return nil, nil
}

func containsEither(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// LookupVehicleByID uses the id index, falling back to a full scan when the index is
// missing. Records absent locally are fetched from the active endpoint if there is one.
func (c *ReferenceCache) LookupVehicleByID(ctx context.Context, id int64) (*model.Vehicle, error) {
	v, err := c.store.FindVehicleByID(ctx, id)
	if errors.Is(err, ErrIndexMissing) {
		c.logger.Warn("vehicle id index missing, scanning", "id", id)
		v, err = scanVehicles(ctx, c.store, id)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up vehicle %d: %w", id, err)
	}
	if v != nil {
		return v, nil
	}

	baseURL, ok := c.conn.ActiveEndpoint()
	if !ok {
		return nil, nil
	}
	v, err = c.client.FetchVehicle(ctx, baseURL, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("remote vehicle lookup failed", "id", id, "error", err)
		}
		return nil, nil
	}
	return v, nil
}

// LookupPermitHolderByID mirrors LookupVehicleByID for permit holders.
func (c *ReferenceCache) LookupPermitHolderByID(ctx context.Context, id int64) (*model.PermitHolder, error) {
	p, err := c.store.FindPermitHolderByID(ctx, id)
	if errors.Is(err, ErrIndexMissing) {
		c.logger.Warn("permit holder id index missing, scanning", "id", id)
		p, err = scanPermitHolders(ctx, c.store, id)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up permit holder %d: %w", id, err)
	}
	if p != nil {
		return p, nil
	}

	baseURL, ok := c.conn.ActiveEndpoint()
	if !ok {
		return nil, nil
	}
	p, err = c.client.FetchPermitHolder(ctx, baseURL, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("remote permit holder lookup failed", "id", id, "error", err)
		}
		return nil, nil
	}
	return p, nil
}

// scanVehicles returns the vehicle with the lowest equipment number among those with id.
func scanVehicles(ctx context.Context, store Store, id int64) (*model.Vehicle, error) {
	all, err := store.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*model.Vehicle
	for _, v := range all {
		if v.ID == id {
			matches = append(matches, v)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].EquipNo < matches[j].EquipNo })
	return matches[0], nil
}

func scanPermitHolders(ctx context.Context, store Store, id int64) (*model.PermitHolder, error) {
	all, err := store.ListPermitHolders(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*model.PermitHolder
	for _, p := range all {
		if p.ID == id {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Name < matches[j].Name })
	return matches[0], nil
}

// Resolve looks up the record a scan points at.
func (c *ReferenceCache) Resolve(ctx context.Context, p model.ScanPayload) (*model.ReferenceRecord, error) {
	switch p.Kind {
	case model.RecordVehicle:
		var v *model.Vehicle
		var err error
		if p.ID != 0 {
			v, err = c.LookupVehicleByID(ctx, p.ID)
		} else {
			v, err = c.LookupVehicle(ctx, p.Key)
		}
		if err != nil || v == nil {
			return nil, err
		}
		return &model.ReferenceRecord{Kind: model.RecordVehicle, Vehicle: v}, nil
	case model.RecordPermitHolder:
		var ph *model.PermitHolder
		var err error
		if p.ID != 0 {
			ph, err = c.LookupPermitHolderByID(ctx, p.ID)
		} else {
			ph, err = c.LookupPermitHolder(ctx, p.Key)
		}
		if err != nil || ph == nil {
			return nil, err
		}
		return &model.ReferenceRecord{Kind: model.RecordPermitHolder, PermitHolder: ph}, nil
	default:
		return nil, fmt.Errorf("unknown scan kind %q", p.Kind)
	}
}
