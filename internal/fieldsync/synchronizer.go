package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fieldsync/internal/model"
)

// MaxRetries is the number of failed attempts after which a queue item stops being
// retried automatically.
const MaxRetries = 3

// RunResult counts what one queue drain did.
type RunResult struct {
	Processed int
	Succeeded int
	Failed    int
	Dropped   int
	Deferred  int
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeDropped
	outcomeDeferred
)

// Synchronizer drains the outbound queue against the active endpoint, one item at a
// time, in priority order.
type Synchronizer struct {
	conn    EndpointSource
	tokens  TokenSource
	client  Client
	store   Store
	limiter *rate.Limiter
	logger  Logger
	clock   Clock
	idgen   IDGenerator

	running   atomic.Bool
	listeners *listeners[model.SyncStatus]
}

// NewSynchronizer creates a Synchronizer. A nil limiter disables throttling.
func NewSynchronizer(conn EndpointSource, tokens TokenSource, client Client, store Store, limiter *rate.Limiter, logger Logger, clock Clock, idgen IDGenerator) *Synchronizer {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Synchronizer{
		conn:      conn,
		tokens:    tokens,
		client:    client,
		store:     store,
		limiter:   limiter,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		listeners: newListeners[model.SyncStatus]("sync", logger),
	}
}

// Enqueue adds an item for an existing local entity. Enqueueing the same entity twice
// leaves the stored item unchanged and returns it with created=false.
func (s *Synchronizer) Enqueue(ctx context.Context, kind model.QueueKind, refID string, priority int) (*model.QueueItem, bool, error) {
	item := &model.QueueItem{
		ID:        s.idgen.New(),
		Kind:      kind,
		RefID:     refID,
		Priority:  priority,
		CreatedAt: s.clock.Now(),
	}
	created, err := s.store.Enqueue(ctx, item)
	if err != nil {
		return nil, false, fmt.Errorf("enqueueing %s %s: %w", kind, refID, err)
	}
	if !created {
		s.logger.Debug("entity already queued", "kind", string(kind), "ref_id", refID)
		existing, err := s.findQueued(ctx, kind, refID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			item = existing
		}
	}
	s.publishStatus(ctx)
	return item, created, nil
}

func (s *Synchronizer) findQueued(ctx context.Context, kind model.QueueKind, refID string) (*model.QueueItem, error) {
	items, err := s.store.ListQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading queue: %w", err)
	}
	for _, it := range items {
		if it.Kind == kind && it.RefID == refID {
			return it, nil
		}
	}
	return nil, nil
}

// RecordInspection stores a new inspection and queues it in one transaction.
func (s *Synchronizer) RecordInspection(ctx context.Context, ins *model.Inspection) error {
	now := s.clock.Now()
	if ins.ID == "" {
		ins.ID = s.idgen.New()
	}
	ins.CreatedAt = now
	ins.UpdatedAt = now
	ins.PendingSync = true

	item := &model.QueueItem{
		ID:        s.idgen.New(),
		Kind:      model.KindInspection,
		RefID:     ins.ID,
		Priority:  model.PriorityInspection,
		CreatedAt: now,
	}
	if err := s.store.CreateInspection(ctx, ins, item); err != nil {
		return fmt.Errorf("recording inspection: %w", err)
	}
	s.logger.Info("inspection recorded", "id", ins.ID, "equip_no", ins.EquipNo)
	s.publishStatus(ctx)
	return nil
}

// RecordPhoto stores a new photo for an existing inspection and queues it.
func (s *Synchronizer) RecordPhoto(ctx context.Context, photo *model.Photo) error {
	now := s.clock.Now()
	if photo.ID == "" {
		photo.ID = s.idgen.New()
	}
	photo.CreatedAt = now
	photo.PendingSync = true

	item := &model.QueueItem{
		ID:        s.idgen.New(),
		Kind:      model.KindPhoto,
		RefID:     photo.ID,
		Priority:  model.PriorityPhoto,
		CreatedAt: now,
	}
	if err := s.store.CreatePhoto(ctx, photo, item); err != nil {
		return fmt.Errorf("recording photo: %w", err)
	}
	s.logger.Info("photo recorded", "id", photo.ID, "inspection_id", photo.InspectionID, "bytes", len(photo.Data))
	s.publishStatus(ctx)
	return nil
}

// Tick is the periodic entry point. It drains the queue when online and idle.
func (s *Synchronizer) Tick(ctx context.Context) {
	if !s.conn.IsOnline() || s.running.Load() {
		return
	}
	if _, err := s.RunOnce(ctx, "timer"); err != nil && !errors.Is(err, ErrAlreadySyncing) {
		s.logger.Warn("periodic sync failed", "error", err)
	}
}

// ForceSync drains the queue now. It returns ErrAlreadySyncing if a drain is running.
func (s *Synchronizer) ForceSync(ctx context.Context) (RunResult, error) {
	return s.RunOnce(ctx, "force")
}

// RunOnce drains every eligible queue item once. trigger is recorded in the run history.
func (s *Synchronizer) RunOnce(ctx context.Context, trigger string) (RunResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		return RunResult{}, ErrAlreadySyncing
	}
	started := s.clock.Now()
	s.publishStatus(ctx)

	res, err := s.drain(ctx)

	s.running.Store(false)
	s.publishStatus(ctx)
	if res.Processed > 0 || res.Deferred > 0 || err != nil {
		s.recordRun(ctx, trigger, started, res, err)
	}
	return res, err
}

// IsSyncing reports whether a drain is running.
func (s *Synchronizer) IsSyncing() bool { return s.running.Load() }

func (s *Synchronizer) drain(ctx context.Context) (RunResult, error) {
	var res RunResult

	items, err := s.store.ListQueueItems(ctx)
	if err != nil {
		return res, fmt.Errorf("loading queue: %w", err)
	}
	// Inspection items by entity id, failed ones included, so photos can tell a
	// parent that is still on its way from one that will not be sent.
	parents := make(map[string]*model.QueueItem)
	eligible := items[:0]
	for _, it := range items {
		if it.Kind == model.KindInspection {
			parents[it.RefID] = it
		}
		if it.Retries < MaxRetries {
			eligible = append(eligible, it)
		}
	}
	sortQueue(eligible)

	if len(eligible) == 0 {
		s.touchLastSync(ctx)
		return res, nil
	}

	baseURL, ok := s.conn.ActiveEndpoint()
	if !ok {
		s.logger.Info("no active endpoint, queue left untouched", "pending", len(eligible))
		return res, ErrNoEndpoint
	}

	s.logger.Info("sync started", "items", len(eligible), "endpoint", baseURL)
	for _, item := range eligible {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := s.process(ctx, baseURL, item, parents)
		if err != nil {
			return res, err
		}
		switch out {
		case outcomeSucceeded:
			res.Processed++
			res.Succeeded++
		case outcomeFailed:
			res.Processed++
			res.Failed++
		case outcomeDropped:
			res.Dropped++
		case outcomeDeferred:
			res.Deferred++
		}
		s.publishStatus(ctx)
	}

	s.touchLastSync(ctx)
	s.logger.Info("sync finished",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"deferred", res.Deferred)
	return res, nil
}

// sortQueue orders by priority, then creation time, then ID for a stable order.
func sortQueue(items []*model.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// process handles one item. A returned error is a local failure that aborts the run;
// submission failures are recorded on the item and reported as outcomeFailed.
// parents holds the queued inspection items of this run, keyed by inspection id.
func (s *Synchronizer) process(ctx context.Context, baseURL string, item *model.QueueItem, parents map[string]*model.QueueItem) (outcome, error) {
	switch item.Kind {
	case model.KindInspection:
		ins, err := s.store.GetInspection(ctx, item.RefID)
		if err != nil {
			return 0, fmt.Errorf("loading inspection %s: %w", item.RefID, err)
		}
		if ins == nil || !ins.PendingSync {
			return s.drop(ctx, item)
		}

		var serverID int64
		err = s.submit(ctx, func(token string) error {
			id, err := s.client.SubmitInspection(ctx, baseURL, token, ins)
			serverID = id
			return err
		})
		if err != nil {
			return s.fail(ctx, item, err)
		}
		if err := s.store.MarkInspectionSynced(ctx, ins.ID, serverID, item.ID); err != nil {
			return 0, fmt.Errorf("marking inspection %s synced: %w", ins.ID, err)
		}
		s.logger.Info("inspection synced", "id", ins.ID, "server_id", serverID)
		return outcomeSucceeded, nil

	case model.KindPhoto:
		photo, err := s.store.GetPhoto(ctx, item.RefID)
		if err != nil {
			return 0, fmt.Errorf("loading photo %s: %w", item.RefID, err)
		}
		if photo == nil || !photo.PendingSync {
			return s.drop(ctx, item)
		}

		parent, err := s.store.GetInspection(ctx, photo.InspectionID)
		if err != nil {
			return 0, fmt.Errorf("loading inspection %s: %w", photo.InspectionID, err)
		}
		if parent != nil && parent.PendingSync {
			pi, queued := parents[parent.ID]
			if queued && pi.Retries < MaxRetries {
				s.logger.Debug("photo deferred until its inspection syncs", "id", photo.ID, "inspection_id", parent.ID)
				return outcomeDeferred, nil
			}
			if queued {
				return s.fail(ctx, item, fmt.Errorf("%w: inspection %s failed to sync", ErrParentNotSynced, parent.ID))
			}
			return s.fail(ctx, item, fmt.Errorf("%w: inspection %s is no longer queued", ErrParentNotSynced, parent.ID))
		}
		target := photo.InspectionID
		if parent != nil && parent.ServerID != 0 {
			target = strconv.FormatInt(parent.ServerID, 10)
		}

		err = s.submit(ctx, func(token string) error {
			return s.client.SubmitPhoto(ctx, baseURL, token, photo, target)
		})
		if err != nil {
			return s.fail(ctx, item, err)
		}
		if err := s.store.MarkPhotoSynced(ctx, photo.ID, item.ID); err != nil {
			return 0, fmt.Errorf("marking photo %s synced: %w", photo.ID, err)
		}
		s.logger.Info("photo synced", "id", photo.ID)
		return outcomeSucceeded, nil

	default:
		return s.fail(ctx, item, fmt.Errorf("unknown queue item kind %q", item.Kind))
	}
}

// submit sends one request. A 401 triggers exactly one token refresh and one resubmission.
func (s *Synchronizer) submit(ctx context.Context, send func(token string) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := s.tokens.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	err = send(token)
	if !IsAuthFailure(err) {
		return err
	}

	s.logger.Info("token rejected, refreshing")
	token, err = s.tokens.RefreshToken(ctx)
	if err != nil {
		return fmt.Errorf("%w: refreshing token: %w", ErrSubmissionFailed, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return send(token)
}

func (s *Synchronizer) drop(ctx context.Context, item *model.QueueItem) (outcome, error) {
	if err := s.store.DeleteQueueItem(ctx, item.ID); err != nil {
		return 0, fmt.Errorf("dropping queue item %s: %w", item.ID, err)
	}
	s.logger.Info("queue item dropped, entity missing or already synced", "kind", string(item.Kind), "ref_id", item.RefID)
	return outcomeDropped, nil
}

func (s *Synchronizer) fail(ctx context.Context, item *model.QueueItem, cause error) (outcome, error) {
	if errors.Is(cause, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return 0, cause
	}
	retries, err := s.store.RecordQueueFailure(ctx, item.ID, cause.Error())
	if err != nil {
		return 0, fmt.Errorf("recording failure for %s: %w", item.ID, err)
	}
	item.Retries = retries
	item.LastError = cause.Error()
	if retries >= MaxRetries {
		s.logger.Error("queue item failed permanently", "kind", string(item.Kind), "ref_id", item.RefID, "error", cause)
	} else {
		s.logger.Warn("submission failed", "kind", string(item.Kind), "ref_id", item.RefID, "retries", retries, "error", cause)
	}
	return outcomeFailed, nil
}

func (s *Synchronizer) touchLastSync(ctx context.Context) {
	now := s.clock.Now().UTC().Format(time.RFC3339Nano)
	if err := s.store.SetMetadata(ctx, MetaQueueLastRun, now); err != nil {
		s.logger.Error("failed to store last sync time", "error", err)
	}
}

func (s *Synchronizer) recordRun(ctx context.Context, trigger string, started time.Time, res RunResult, runErr error) {
	run := &model.SyncRun{
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: s.clock.Now(),
		Processed:  res.Processed,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Dropped:    res.Dropped,
		Deferred:   res.Deferred,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := s.store.RecordSyncRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("failed to record sync run", "error", err)
	}
}

// RetryFailedItems makes items that exhausted their retries eligible again.
func (s *Synchronizer) RetryFailedItems(ctx context.Context) (int64, error) {
	n, err := s.store.ResetFailedQueueItems(ctx, MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items: %w", err)
	}
	s.logger.Info("failed items reset", "count", n)
	s.publishStatus(ctx)
	return n, nil
}

// ClearFailedItems deletes items that exhausted their retries.
func (s *Synchronizer) ClearFailedItems(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteFailedQueueItems(ctx, MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("clearing failed items: %w", err)
	}
	s.logger.Info("failed items cleared", "count", n)
	s.publishStatus(ctx)
	return n, nil
}

// Status computes the current queue summary.
func (s *Synchronizer) Status(ctx context.Context) (model.SyncStatus, error) {
	items, err := s.store.ListQueueItems(ctx)
	if err != nil {
		return model.SyncStatus{}, fmt.Errorf("loading queue: %w", err)
	}
	status := model.SyncStatus{
		IsOnline:  s.conn.IsOnline(),
		IsSyncing: s.running.Load(),
	}
	for _, it := range items {
		if it.Retries >= MaxRetries {
			status.FailedCount++
		} else {
			status.PendingCount++
		}
	}

	raw, ok, err := s.store.GetMetadata(ctx, MetaQueueLastRun)
	if err != nil {
		return model.SyncStatus{}, fmt.Errorf("loading last sync time: %w", err)
	}
	if ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			status.LastSyncAt = t
		}
	}
	return status, nil
}

// History returns the most recent sync runs, newest first.
func (s *Synchronizer) History(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return s.store.ListSyncRuns(ctx, limit)
}

func (s *Synchronizer) publishStatus(ctx context.Context) {
	status, err := s.Status(ctx)
	if err != nil {
		s.logger.Error("failed to compute sync status", "error", err)
		return
	}
	s.listeners.notify(status)
}

// AddListener registers fn to receive every sync status change.
func (s *Synchronizer) AddListener(fn func(model.SyncStatus)) ListenerID {
	return s.listeners.add(fn)
}

// RemoveListener unregisters a listener.
func (s *Synchronizer) RemoveListener(id ListenerID) {
	s.listeners.remove(id)
}
