package app

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/devserver"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

var jpegData = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := config.NewConfig("dev-test", t.TempDir())
	cfg.Endpoints = []config.EndpointConfig{{Name: "dev", URL: url, Type: "local", Priority: 1}}
	cfg.Database = config.DatabaseConfig{Type: "memory"}
	cfg.Encryption = config.EncryptionConfig{Type: "test"}
	cfg.Reference.DirectHosts = nil
	cfg.Connection.ProbeTimeout = config.D(2 * time.Second)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *FieldApp {
	t.Helper()
	a, err := wire(cfg, fieldsync.NewNopLogger(), fieldsync.RealClock{}, nil)
	if err != nil {
		t.Fatalf("wire() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func newBackend(t *testing.T) (*devserver.Server, string) {
	t.Helper()
	srv := devserver.New(devserver.Options{Secret: "app-test"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func closedURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func sampleInspection() *model.Inspection {
	return &model.Inspection{
		VehicleID:      1,
		EquipNo:        "EQ-100-A",
		InspectorName:  "Budi Santoso",
		InspectionDate: time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC),
		InspectionType: "daily",
		Status:         model.StatusPass,
		StarRating:     5,
	}
}

func TestFieldApp_CaptureAndSync(t *testing.T) {
	ctx := context.Background()
	srv, url := newBackend(t)
	a := newTestApp(t, testConfig(t, url))

	ins := sampleInspection()
	if err := a.AddInspection(ctx, ins); err != nil {
		t.Fatalf("AddInspection() error = %v", err)
	}
	photo, err := a.AddPhoto(ctx, ins.ID, "tires", jpegData)
	if err != nil {
		t.Fatalf("AddPhoto() error = %v", err)
	}
	if photo.MIME != "image/jpeg" {
		t.Errorf("MIME = %q, want image/jpeg", photo.MIME)
	}

	res, err := a.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Succeeded != 2 {
		t.Errorf("SyncNow() = %+v, want 2 succeeded", res)
	}

	received := srv.Inspections()
	if len(received) != 1 {
		t.Fatalf("server received %d inspections, want 1", len(received))
	}
	if received[0].DeviceID != "dev-test" || received[0].Inspection.LocalID != ins.ID {
		t.Errorf("received = %+v", received[0])
	}
	photos := srv.Photos()
	if len(photos) != 1 || photos[0].InspectionID != "1001" || photos[0].Category != "tires" {
		t.Errorf("photos = %+v", photos)
	}

	ov, err := a.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !ov.Connection.IsOnline || ov.Sync.PendingCount != 0 {
		t.Errorf("Status() = %+v", ov)
	}
	if ov.Credential == nil || ov.Credential.IsTemporary {
		t.Errorf("Credential = %+v, want server token", ov.Credential)
	}
}

func TestFieldApp_AddPhotoUnknownInspection(t *testing.T) {
	a := newTestApp(t, testConfig(t, closedURL(t)))
	if _, err := a.AddPhoto(context.Background(), "missing", "tires", jpegData); err == nil {
		t.Fatal("AddPhoto() for unknown inspection succeeded")
	}
}

func TestFieldApp_Offline(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, testConfig(t, closedURL(t)))

	if err := a.AddInspection(ctx, sampleInspection()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SyncNow(ctx); !errors.Is(err, fieldsync.ErrNoEndpoint) {
		t.Fatalf("SyncNow() error = %v, want ErrNoEndpoint", err)
	}

	ov, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Connection.IsOnline || ov.Sync.PendingCount != 1 {
		t.Errorf("Status() = %+v, want offline with one pending", ov)
	}
	if ov.Credential != nil {
		t.Errorf("Credential = %+v, want none before any request", ov.Credential)
	}
}

func TestFieldApp_Reference(t *testing.T) {
	ctx := context.Background()
	_, url := newBackend(t)
	a := newTestApp(t, testConfig(t, url))

	res, err := a.SyncReference(ctx, false)
	if err != nil {
		t.Fatalf("SyncReference() error = %v", err)
	}
	want := len(devserver.SeedVehicles) + len(devserver.SeedPermitHolders)
	if !res.Success || res.RecordCount != want {
		t.Errorf("SyncReference() = %+v, want %d records", res, want)
	}

	v, err := a.LookupVehicle(ctx, "EQ-200-B")
	if err != nil || v == nil {
		t.Fatalf("LookupVehicle() = %v, %v", v, err)
	}

	tests := []struct {
		scan     string
		wantKind model.RecordKind
	}{
		{scan: "EQUIP:LV-015", wantKind: model.RecordVehicle},
		{scan: "KIMPER:Siti Rahmawati", wantKind: model.RecordPermitHolder},
		{scan: "KIMPER:2", wantKind: model.RecordPermitHolder},
	}
	for _, tt := range tests {
		t.Run(tt.scan, func(t *testing.T) {
			rec, err := a.ResolveScan(ctx, tt.scan)
			if err != nil {
				t.Fatalf("ResolveScan() error = %v", err)
			}
			if rec == nil || rec.Kind != tt.wantKind {
				t.Errorf("ResolveScan() = %+v, want kind %q", rec, tt.wantKind)
			}
		})
	}

	if err := a.ClearReference(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := a.ReferenceStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.HasData || !st.IsStale {
		t.Errorf("ReferenceStatus() after clear = %+v", st)
	}
}

func TestFieldApp_Token(t *testing.T) {
	ctx := context.Background()
	srv, url := newBackend(t)
	a := newTestApp(t, testConfig(t, url))

	valid, err := a.ValidateToken(ctx)
	if err != nil || !valid {
		t.Fatalf("ValidateToken() = %v, %v; want true", valid, err)
	}
	first, _ := a.Credential(ctx)

	srv.RevokeTokens()
	if valid, _ := a.ValidateToken(ctx); valid {
		t.Error("revoked token still valid")
	}

	cred, err := a.RefreshToken(ctx)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if cred.Token == first.Token {
		t.Error("RefreshToken() returned the revoked token")
	}
	if valid, _ := a.ValidateToken(ctx); !valid {
		t.Error("refreshed token rejected")
	}
}

func TestFieldApp_Run(t *testing.T) {
	srv, url := newBackend(t)
	cfg := testConfig(t, url)
	cfg.Sync.Interval = config.D(time.Hour)
	a := newTestApp(t, cfg)

	if err := a.AddInspection(context.Background(), sampleInspection()); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var connections []model.ConnectionStatus
	drained := make(chan struct{})
	var once sync.Once

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, Watcher{
			Connection: func(st model.ConnectionStatus) {
				mu.Lock()
				connections = append(connections, st)
				mu.Unlock()
			},
			Sync: func(st model.SyncStatus) {
				if !st.IsSyncing && st.PendingCount == 0 {
					once.Do(func() { close(drained) })
				}
			},
		})
	}()

	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue not drained after coming online")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := len(srv.Inspections()); n != 1 {
		t.Errorf("server received %d inspections, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(connections) == 0 || !connections[0].IsOnline {
		t.Errorf("connection updates = %+v", connections)
	}
}

func TestNewFieldApp_InvalidConfig(t *testing.T) {
	cfg := config.NewConfig("dev-test", t.TempDir())
	cfg.Endpoints = nil
	if _, err := NewFieldApp(cfg, "Status"); err == nil {
		t.Fatal("NewFieldApp() accepted a config without endpoints")
	}
}
