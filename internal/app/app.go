package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/database"
	"fieldsync/internal/encryption"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

// Version is reported to the server on device registration.
var Version = "0.1.0"

// FieldApp is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the DB lifecycle on Close.
type FieldApp struct {
	cfg     *config.Config
	db      *database.SQLiteDatabase
	client  *api.Client
	conn    *fieldsync.ConnectionManager
	auth    *fieldsync.AuthProvider
	refs    *fieldsync.ReferenceCache
	sync    *fieldsync.Synchronizer
	logger  fieldsync.Logger
	clock   fieldsync.Clock
	op      *Operation
	logFile *os.File

	// linkUp and networkPoll drive the daemon's interface watcher.
	linkUp      func() (bool, error)
	networkPoll time.Duration

	checkOnce sync.Once
}

// NewFieldApp creates a fully wired FieldApp from the given config.
// operation identifies the CLI command being run (e.g. "SyncRun", "Daemon").
// The caller must call Close when done.
func NewFieldApp(cfg *config.Config, operation string) (*FieldApp, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clock := fieldsync.RealClock{}
	op := NewOperation(operation, clock.Now())

	logger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a, err := wire(cfg, log, clock, nil)
	if err != nil {
		logFile.Close()
		return nil, err
	}
	a.op = op
	a.logFile = logFile
	return a, nil
}

// wire builds the engine. transport overrides the HTTP transport when non-nil.
func wire(cfg *config.Config, logger fieldsync.Logger, clock fieldsync.Clock, transport http.RoundTripper) (*FieldApp, error) {
	sealer, err := encryption.NewSealerFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating sealer: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID, sealer)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if err := db.CheckMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database schema out of date: %w", err)
	}

	client := api.NewClient(api.Options{
		RequestTimeout:  cfg.Sync.RequestTimeout.Duration,
		AllowUnverified: cfg.Connection.AllowUnverified,
		Transport:       transport,
	}, logger)

	endpoints := make([]model.Endpoint, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		endpoints[i] = model.Endpoint{
			Name:     ep.Name,
			URL:      ep.URL,
			Type:     model.EndpointType(ep.Type),
			Priority: ep.Priority,
		}
	}

	conn := fieldsync.NewConnectionManager(endpoints, client, db, cfg.Connection.ProbeTimeout.Duration, logger, clock)
	auth := fieldsync.NewAuthProvider(cfg.DeviceID, Version, conn, client, db, logger, clock)
	refs := fieldsync.NewReferenceCache(conn, client, client, db, fieldsync.ReferenceOptions{
		StaleAfter:   cfg.Reference.StaleAfter.Duration,
		DirectHosts:  cfg.Reference.DirectHosts,
		ProbeTimeout: cfg.Connection.ProbeTimeout.Duration,
	}, logger, clock)
	limiter := rate.NewLimiter(rate.Limit(cfg.Sync.SubmissionsPerSecond), 1)
	synchronizer := fieldsync.NewSynchronizer(conn, auth, client, db, limiter, logger, clock, fieldsync.UUIDGenerator{})

	return &FieldApp{
		cfg:    cfg,
		db:     db,
		client: client,
		conn:   conn,
		auth:   auth,
		refs:   refs,
		sync:   synchronizer,
		logger: logger,
		clock:  clock,
		op:     NewOperation("", clock.Now()),

		linkUp:      interfacesUp,
		networkPoll: networkPollInterval,
	}, nil
}

// ensureConnected runs the first connectivity check of a one-shot command.
func (a *FieldApp) ensureConnected(ctx context.Context) {
	a.checkOnce.Do(func() {
		a.conn.CheckConnectivity(ctx)
	})
}

// Overview is everything the status command prints.
type Overview struct {
	Connection model.ConnectionStatus
	Sync       model.SyncStatus
	Reference  fieldsync.SnapshotStatus
	Credential *model.Credential
}

// Status reports the stored state without touching the network.
func (a *FieldApp) Status(ctx context.Context) (*Overview, error) {
	var ov Overview
	last, err := a.conn.LastPersisted(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		ov.Connection = *last
	} else {
		ov.Connection = a.conn.Status()
	}
	if ov.Sync, err = a.sync.Status(ctx); err != nil {
		return nil, err
	}
	ov.Sync.IsOnline = ov.Connection.IsOnline
	if ov.Reference, err = a.refs.Status(ctx); err != nil {
		return nil, err
	}
	if ov.Credential, err = a.auth.Credential(ctx); err != nil {
		return nil, err
	}
	return &ov, nil
}

// Connectivity

func (a *FieldApp) CheckConnectivity(ctx context.Context) model.ConnectionStatus {
	a.checkOnce.Do(func() {})
	return a.conn.ForceCheck(ctx)
}

func (a *FieldApp) Diagnose(ctx context.Context) []model.ProbeResult {
	return a.conn.Diagnose(ctx)
}

// GoOffline forces the offline state and persists it.
func (a *FieldApp) GoOffline(ctx context.Context) model.ConnectionStatus {
	a.checkOnce.Do(func() {})
	a.conn.SimulateOffline(ctx)
	return a.conn.Status()
}

// Sync queue

// SyncNow checks connectivity and drains the queue once.
func (a *FieldApp) SyncNow(ctx context.Context) (fieldsync.RunResult, error) {
	a.ensureConnected(ctx)
	return a.sync.RunOnce(ctx, "cli")
}

func (a *FieldApp) RetryFailed(ctx context.Context) (int64, error) {
	return a.sync.RetryFailedItems(ctx)
}

func (a *FieldApp) ClearFailed(ctx context.Context) (int64, error) {
	return a.sync.ClearFailedItems(ctx)
}

func (a *FieldApp) SyncHistory(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return a.sync.History(ctx, limit)
}

// Reference data

func (a *FieldApp) SyncReference(ctx context.Context, force bool) (fieldsync.RefreshResult, error) {
	a.ensureConnected(ctx)
	return a.refs.Sync(ctx, force)
}

func (a *FieldApp) ReferenceStatus(ctx context.Context) (fieldsync.SnapshotStatus, error) {
	return a.refs.Status(ctx)
}

func (a *FieldApp) ClearReference(ctx context.Context) error {
	return a.refs.Clear(ctx)
}

func (a *FieldApp) ResyncReference(ctx context.Context) (fieldsync.RefreshResult, error) {
	a.ensureConnected(ctx)
	return a.refs.ClearAndResync(ctx)
}

// LookupVehicle answers from the local snapshot only.
func (a *FieldApp) LookupVehicle(ctx context.Context, key string) (*model.Vehicle, error) {
	return a.refs.LookupVehicle(ctx, key)
}

// LookupPermitHolder answers from the local snapshot only.
func (a *FieldApp) LookupPermitHolder(ctx context.Context, key string) (*model.PermitHolder, error) {
	return a.refs.LookupPermitHolder(ctx, key)
}

// ResolveScan decodes a scanned code and looks up its record. Numeric IDs missing
// from the snapshot are fetched from the server when one is reachable.
func (a *FieldApp) ResolveScan(ctx context.Context, text string) (*model.ReferenceRecord, error) {
	payload, err := fieldsync.ParseScan(text)
	if err != nil {
		return nil, err
	}
	if payload.ID != 0 {
		a.ensureConnected(ctx)
	}
	return a.refs.Resolve(ctx, payload)
}

// Capture

// AddInspection records an inspection and queues it for upload.
func (a *FieldApp) AddInspection(ctx context.Context, ins *model.Inspection) error {
	return a.sync.RecordInspection(ctx, ins)
}

// AddPhoto records a photo for a local inspection and queues it for upload.
// The MIME type is sniffed from the data.
func (a *FieldApp) AddPhoto(ctx context.Context, inspectionID, category string, data []byte) (*model.Photo, error) {
	ins, err := a.db.GetInspection(ctx, inspectionID)
	if err != nil {
		return nil, fmt.Errorf("loading inspection: %w", err)
	}
	if ins == nil {
		return nil, fmt.Errorf("inspection %s not found", inspectionID)
	}
	photo := &model.Photo{
		InspectionID: inspectionID,
		Category:     category,
		MIME:         http.DetectContentType(data),
		Data:         data,
	}
	if err := a.sync.RecordPhoto(ctx, photo); err != nil {
		return nil, err
	}
	return photo, nil
}

// Credentials

func (a *FieldApp) Credential(ctx context.Context) (*model.Credential, error) {
	return a.auth.Credential(ctx)
}

// RefreshToken discards the current token and requests a new one.
func (a *FieldApp) RefreshToken(ctx context.Context) (*model.Credential, error) {
	a.ensureConnected(ctx)
	return a.auth.RequestNewToken(ctx)
}

// ValidateToken asks the server whether the stored token is still accepted.
func (a *FieldApp) ValidateToken(ctx context.Context) (bool, error) {
	a.ensureConnected(ctx)
	token, err := a.auth.GetToken(ctx)
	if err != nil {
		return false, err
	}
	return a.auth.ValidateToken(ctx, token), nil
}

// Fail marks the current operation as failed. The status is logged on Close.
func (a *FieldApp) Fail(err error) {
	a.op.Fail(err)
}

// Close logs the operation outcome and releases the database and log file.
func (a *FieldApp) Close() error {
	var firstErr error

	a.logger.Info("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"duration", a.op.Duration(a.clock.Now()).String())

	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
