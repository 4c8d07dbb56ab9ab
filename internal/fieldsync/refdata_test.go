package fieldsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"fieldsync/internal/database"
	"fieldsync/internal/database/migrations"
	"fieldsync/internal/encryption"
	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
	"fieldsync/internal/testutil"
)

var (
	testVehicles = []model.Vehicle{
		{ID: 1, EquipNo: "EQ-100-A", Description: "Haul truck", Company: "PT Tambang Jaya", Year: 2021},
		{ID: 2, EquipNo: "EQ-200-B", Description: "Excavator", Company: "PT Tambang Jaya", Year: 2020},
		{ID: 3, EquipNo: "LV-015", Description: "Light vehicle", Company: "CV Mitra Karya", Year: 2022},
	}
	testPermitHolders = []model.PermitHolder{
		{ID: 1, Name: "Budi Santoso", IDNumber: "KMP-0001", Department: "Hauling"},
		{ID: 2, Name: "Siti Rahmawati", IDNumber: "KMP-0002", Department: "Loading"},
	}
)

type refFixture struct {
	cache  *fieldsync.ReferenceCache
	client *testutil.FakeClient
	conn   *testutil.StubEndpointSource
	prober *testutil.StubProber
	clock  *testutil.StubClock
}

func newRefFixture(t *testing.T, store fieldsync.Store, opts fieldsync.ReferenceOptions) *refFixture {
	t.Helper()
	if store == nil {
		store = testutil.NewTestDatabase(t)
	}
	f := &refFixture{
		client: testutil.NewFakeClient(),
		conn:   testutil.NewOnlineEndpoint(lanURL),
		prober: testutil.NewStubProber(),
		clock:  testutil.FixedClock(),
	}
	f.client.Vehicles = testVehicles
	f.client.PermitHolders = testPermitHolders
	f.cache = fieldsync.NewReferenceCache(f.conn, f.client, f.prober, store, opts, fieldsync.NewNopLogger(), f.clock)
	return f
}

func (f *refFixture) mustSync(t *testing.T) {
	t.Helper()
	if _, err := f.cache.Sync(context.Background(), true); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestReferenceCache_Sync(t *testing.T) {
	ctx := context.Background()

	t.Run("stores the snapshot", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		res, err := f.cache.Sync(ctx, false)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if !res.Success || res.Cached || res.RecordCount != 5 {
			t.Errorf("Sync() = %+v, want success with 5 records", res)
		}

		st, err := f.cache.Status(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !st.HasData || st.IsStale || st.TotalRecords != 5 {
			t.Errorf("Status() = %+v", st)
		}
		if want := fmt.Sprintf("v%d", f.clock.Now().UnixMilli()); st.DataVersion != want {
			t.Errorf("DataVersion = %q, want %q", st.DataVersion, want)
		}
	})

	t.Run("fresh snapshot is not refetched", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)

		f.clock.Advance(fieldsync.DefaultStaleAfter - time.Second)
		res, err := f.cache.Sync(ctx, false)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Cached || res.RecordCount != 5 {
			t.Errorf("Sync() = %+v, want cached", res)
		}
		if n := f.client.Calls("FetchVehicles"); n != 1 {
			t.Errorf("FetchVehicles called %d times, want 1", n)
		}
	})

	t.Run("snapshot is stale at exactly the threshold", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)

		f.clock.Advance(fieldsync.DefaultStaleAfter)
		st, _ := f.cache.Status(ctx)
		if !st.IsStale {
			t.Error("Status().IsStale = false at the threshold")
		}
		res, err := f.cache.Sync(ctx, false)
		if err != nil {
			t.Fatal(err)
		}
		if res.Cached {
			t.Error("Sync() used the cache at the threshold")
		}
		if n := f.client.Calls("FetchVehicles"); n != 2 {
			t.Errorf("FetchVehicles called %d times, want 2", n)
		}
	})

	t.Run("custom staleness", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{StaleAfter: time.Minute})
		f.mustSync(t)
		f.clock.Advance(time.Minute)
		if res, _ := f.cache.Sync(ctx, false); res.Cached {
			t.Error("Sync() used the cache past a one minute threshold")
		}
	})

	t.Run("failure keeps the previous snapshot", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)
		before, _ := f.cache.Status(ctx)

		f.clock.Advance(time.Hour)
		f.client.EssentialErr = &fieldsync.StatusError{Code: 500}
		f.client.LegacyErr = fmt.Errorf("%w: refused", fieldsync.ErrUnreachable)
		res, err := f.cache.Sync(ctx, true)
		if !errors.Is(err, fieldsync.ErrSnapshotFetchFailed) {
			t.Fatalf("Sync() error = %v, want ErrSnapshotFetchFailed", err)
		}
		if res.Success {
			t.Error("failed Sync() reported success")
		}

		after, _ := f.cache.Status(ctx)
		if after.DataVersion != before.DataVersion || after.TotalRecords != before.TotalRecords {
			t.Errorf("Status() after failure = %+v, want %+v", after, before)
		}
		v, err := f.cache.LookupVehicle(ctx, "EQ-100-A")
		if err != nil || v == nil {
			t.Errorf("LookupVehicle() after failure = %v, %v", v, err)
		}
	})

	t.Run("offline without direct host fails", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.conn.Set("")
		_, err := f.cache.Sync(ctx, true)
		if !errors.Is(err, fieldsync.ErrSnapshotFetchFailed) || !errors.Is(err, fieldsync.ErrNoEndpoint) {
			t.Errorf("Sync() error = %v, want ErrSnapshotFetchFailed and ErrNoEndpoint", err)
		}
	})

	t.Run("legacy endpoints are the fallback", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.client.EssentialErr = &fieldsync.StatusError{Code: 404}
		f.client.LegacyVehicles = []model.Vehicle{{ID: 9, EquipNo: "OLD-1"}}
		f.client.LegacyPermitHolders = []model.PermitHolder{{ID: 9, Name: "Old Timer"}}

		res, err := f.cache.Sync(ctx, true)
		if err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if res.RecordCount != 2 {
			t.Errorf("RecordCount = %d, want 2", res.RecordCount)
		}
		if v, _ := f.cache.LookupVehicle(ctx, "OLD-1"); v == nil {
			t.Error("legacy vehicle not stored")
		}
	})

	t.Run("verified direct host is used while offline", func(t *testing.T) {
		direct := "http://localhost:8082"
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{DirectHosts: []string{direct + "/"}})
		f.conn.Set("")
		f.prober.SetAvailable(direct, true)

		if _, err := f.cache.Sync(ctx, true); err != nil {
			t.Fatalf("Sync() error = %v", err)
		}
		if f.prober.Calls(direct) != 1 {
			t.Errorf("direct host probed %d times, want 1", f.prober.Calls(direct))
		}
	})

	t.Run("unverified direct host is skipped", func(t *testing.T) {
		direct := "http://localhost:8082"
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{DirectHosts: []string{direct}})
		f.conn.Set("")
		f.prober.SetUnverified(direct)

		if _, err := f.cache.Sync(ctx, true); !errors.Is(err, fieldsync.ErrNoEndpoint) {
			t.Errorf("Sync() error = %v, want ErrNoEndpoint", err)
		}
	})
}

func TestReferenceCache_SyncInProgress(t *testing.T) {
	direct := "http://localhost:8082"
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{DirectHosts: []string{direct}})
	f.prober.SetAvailable(direct, true)
	f.prober.Gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.cache.Sync(context.Background(), true)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !f.cache.InProgress() {
		if time.Now().After(deadline) {
			t.Fatal("first Sync() never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := f.cache.Sync(context.Background(), true); !errors.Is(err, fieldsync.ErrRefreshInProgress) {
		t.Errorf("concurrent Sync() error = %v, want ErrRefreshInProgress", err)
	}
	if _, err := f.cache.ClearAndResync(context.Background()); !errors.Is(err, fieldsync.ErrRefreshInProgress) {
		t.Errorf("ClearAndResync() error = %v, want ErrRefreshInProgress", err)
	}

	close(f.prober.Gate)
	if err := <-done; err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if f.cache.InProgress() {
		t.Error("InProgress() still true after Sync returned")
	}
}

func TestReferenceCache_ClearAndResyncHoldsSyncSlot(t *testing.T) {
	ctx := context.Background()
	direct := "http://localhost:8082"
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{DirectHosts: []string{direct}})
	f.prober.SetAvailable(direct, true)
	f.mustSync(t)

	f.prober.Gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.cache.ClearAndResync(ctx)
		done <- err
	}()

	// The fetch blocks on the gate, so once the snapshot is gone the call is
	// between its clear and its fetch.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if st, _ := f.cache.Status(ctx); !st.HasData {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ClearAndResync() never cleared the snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !f.cache.InProgress() {
		t.Error("InProgress() = false between clear and fetch")
	}
	if _, err := f.cache.Sync(ctx, true); !errors.Is(err, fieldsync.ErrRefreshInProgress) {
		t.Errorf("Sync() during ClearAndResync error = %v, want ErrRefreshInProgress", err)
	}

	close(f.prober.Gate)
	if err := <-done; err != nil {
		t.Fatalf("ClearAndResync() error = %v", err)
	}
	if st, _ := f.cache.Status(ctx); !st.HasData {
		t.Error("no data after ClearAndResync")
	}
	if f.cache.InProgress() {
		t.Error("InProgress() still true after ClearAndResync returned")
	}
}

func TestReferenceCache_Progress(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		var events []fieldsync.RefreshEvent
		f.cache.AddListener(func(e fieldsync.RefreshEvent) { events = append(events, e) })
		f.mustSync(t)

		want := []struct {
			state    fieldsync.RefreshState
			progress int
		}{
			{fieldsync.RefreshSyncing, 0},
			{fieldsync.RefreshSyncing, 50},
			{fieldsync.RefreshSyncing, 100},
			{fieldsync.RefreshComplete, 100},
		}
		if len(events) != len(want) {
			t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
		}
		for i, w := range want {
			if events[i].State != w.state || events[i].Progress != w.progress {
				t.Errorf("events[%d] = %+v, want %s %d", i, events[i], w.state, w.progress)
			}
		}
	})

	t.Run("failure", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.client.EssentialErr = errors.New("down")
		f.client.LegacyErr = errors.New("down")
		var events []fieldsync.RefreshEvent
		f.cache.AddListener(func(e fieldsync.RefreshEvent) { events = append(events, e) })

		_, _ = f.cache.Sync(ctx, true)
		if len(events) != 2 || events[1].State != fieldsync.RefreshError {
			t.Errorf("events = %+v, want syncing then error", events)
		}
	})

	t.Run("cached sync publishes nothing", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)
		calls := 0
		f.cache.AddListener(func(fieldsync.RefreshEvent) { calls++ })
		_, _ = f.cache.Sync(ctx, false)
		if calls != 0 {
			t.Errorf("listener called %d times for a cached sync", calls)
		}
	})
}

func TestReferenceCache_ClearAndResync(t *testing.T) {
	ctx := context.Background()
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
	f.mustSync(t)

	if err := f.cache.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	st, _ := f.cache.Status(ctx)
	if st.HasData || !st.IsStale {
		t.Errorf("Status() after Clear = %+v", st)
	}
	if v, _ := f.cache.LookupVehicle(ctx, "EQ-100-A"); v != nil {
		t.Error("vehicle still found after Clear")
	}

	res, err := f.cache.ClearAndResync(ctx)
	if err != nil || !res.Success {
		t.Fatalf("ClearAndResync() = %+v, %v", res, err)
	}
	st, _ = f.cache.Status(ctx)
	if !st.HasData {
		t.Error("no data after ClearAndResync")
	}
}

func TestReferenceCache_LookupVehicle(t *testing.T) {
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
	f.mustSync(t)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "exact", key: "EQ-200-B", want: "EQ-200-B"},
		{name: "case insensitive", key: "eq-200-b", want: "EQ-200-B"},
		{name: "surrounding space", key: "  LV-015 ", want: "LV-015"},
		{name: "key contained in record", key: "100", want: "EQ-100-A"},
		{name: "record contained in key", key: "UNIT EQ-100-A BAY 3", want: "EQ-100-A"},
		{name: "no match", key: "ZZ-999"},
		{name: "blank", key: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := f.cache.LookupVehicle(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("LookupVehicle() error = %v", err)
			}
			got := ""
			if v != nil {
				got = v.EquipNo
			}
			if got != tt.want {
				t.Errorf("LookupVehicle(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestReferenceCache_LookupPermitHolder(t *testing.T) {
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
	f.mustSync(t)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "exact", key: "Siti Rahmawati", want: "Siti Rahmawati"},
		{name: "case insensitive", key: "budi santoso", want: "Budi Santoso"},
		{name: "partial name", key: "Rahma", want: "Siti Rahmawati"},
		{name: "id number", key: "kmp-0001", want: "Budi Santoso"},
		{name: "no match", key: "Nobody"},
		{name: "blank", key: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.cache.LookupPermitHolder(context.Background(), tt.key)
			if err != nil {
				t.Fatalf("LookupPermitHolder() error = %v", err)
			}
			got := ""
			if p != nil {
				got = p.Name
			}
			if got != tt.want {
				t.Errorf("LookupPermitHolder(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestReferenceCache_LookupByID(t *testing.T) {
	ctx := context.Background()

	t.Run("local hit does not touch the network", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)
		v, err := f.cache.LookupVehicleByID(ctx, 2)
		if err != nil || v == nil || v.EquipNo != "EQ-200-B" {
			t.Fatalf("LookupVehicleByID(2) = %+v, %v", v, err)
		}
		p, err := f.cache.LookupPermitHolderByID(ctx, 1)
		if err != nil || p == nil || p.Name != "Budi Santoso" {
			t.Fatalf("LookupPermitHolderByID(1) = %+v, %v", p, err)
		}
		if f.client.Calls("FetchVehicle")+f.client.Calls("FetchPermitHolder") != 0 {
			t.Error("remote lookup for a local record")
		}
	})

	t.Run("local miss is fetched remotely when online", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)
		f.client.RemoteVehicles = map[int64]model.Vehicle{42: {ID: 42, EquipNo: "NEW-42"}}
		f.client.RemotePermitHolders = map[int64]model.PermitHolder{42: {ID: 42, Name: "New Hire"}}

		v, err := f.cache.LookupVehicleByID(ctx, 42)
		if err != nil || v == nil || v.EquipNo != "NEW-42" {
			t.Errorf("LookupVehicleByID(42) = %+v, %v", v, err)
		}
		p, err := f.cache.LookupPermitHolderByID(ctx, 42)
		if err != nil || p == nil || p.Name != "New Hire" {
			t.Errorf("LookupPermitHolderByID(42) = %+v, %v", p, err)
		}
	})

	t.Run("local miss offline is nil", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.mustSync(t)
		f.conn.Set("")
		v, err := f.cache.LookupVehicleByID(ctx, 42)
		if err != nil || v != nil {
			t.Errorf("LookupVehicleByID(42) = %+v, %v; want nil, nil", v, err)
		}
		if f.client.Calls("FetchVehicle") != 0 {
			t.Error("remote lookup while offline")
		}
	})

	t.Run("remote failure is not an error", func(t *testing.T) {
		f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
		f.client.RemoteErr = fmt.Errorf("%w: timeout", fieldsync.ErrUnreachable)
		p, err := f.cache.LookupPermitHolderByID(ctx, 42)
		if err != nil || p != nil {
			t.Errorf("LookupPermitHolderByID(42) = %+v, %v; want nil, nil", p, err)
		}
	})
}

// newUnindexedStore returns a store migrated only to the first schema version,
// which lacks the id indexes.
func newUnindexedStore(t *testing.T) *database.SQLiteDatabase {
	t.Helper()
	db, err := database.OpenConnection(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := migrations.MigrateTo(db, 1); err != nil {
		db.Close()
		t.Fatal(err)
	}
	store := database.NewSQLiteDatabaseFromDB(db, encryption.NewTestSealer())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestReferenceCache_LookupByIDWithoutIndex(t *testing.T) {
	ctx := context.Background()
	vehicles := append([]model.Vehicle{{ID: 2, EquipNo: "AA-DUP"}}, testVehicles...)

	indexed := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
	scanned := newRefFixture(t, newUnindexedStore(t), fieldsync.ReferenceOptions{})
	for _, f := range []*refFixture{indexed, scanned} {
		f.client.Vehicles = vehicles
		f.mustSync(t)
		f.conn.Set("")
	}

	for _, id := range []int64{1, 2, 3, 99} {
		want, err := indexed.cache.LookupVehicleByID(ctx, id)
		if err != nil {
			t.Fatalf("indexed LookupVehicleByID(%d) error = %v", id, err)
		}
		got, err := scanned.cache.LookupVehicleByID(ctx, id)
		if err != nil {
			t.Fatalf("scanned LookupVehicleByID(%d) error = %v", id, err)
		}
		if (want == nil) != (got == nil) || (want != nil && *want != *got) {
			t.Errorf("LookupVehicleByID(%d): scan = %+v, index = %+v", id, got, want)
		}
	}

	got, err := scanned.cache.LookupVehicleByID(ctx, 2)
	if err != nil || got == nil || got.EquipNo != "AA-DUP" {
		t.Errorf("duplicate id resolved to %+v, %v; want AA-DUP", got, err)
	}

	p, err := scanned.cache.LookupPermitHolderByID(ctx, 2)
	if err != nil || p == nil || p.Name != "Siti Rahmawati" {
		t.Errorf("LookupPermitHolderByID(2) = %+v, %v", p, err)
	}
}

func TestReferenceCache_Resolve(t *testing.T) {
	f := newRefFixture(t, nil, fieldsync.ReferenceOptions{})
	f.mustSync(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		payload   model.ScanPayload
		wantKind  model.RecordKind
		wantLabel string
		wantErr   bool
	}{
		{name: "vehicle by key", payload: model.ScanPayload{Kind: model.RecordVehicle, Key: "EQ-200-B"},
			wantKind: model.RecordVehicle, wantLabel: "EQ-200-B"},
		{name: "vehicle by id", payload: model.ScanPayload{Kind: model.RecordVehicle, ID: 3},
			wantKind: model.RecordVehicle, wantLabel: "LV-015"},
		{name: "permit holder by id", payload: model.ScanPayload{Kind: model.RecordPermitHolder, ID: 2},
			wantKind: model.RecordPermitHolder, wantLabel: "Siti Rahmawati"},
		{name: "permit holder by name", payload: model.ScanPayload{Kind: model.RecordPermitHolder, Key: "Budi"},
			wantKind: model.RecordPermitHolder, wantLabel: "Budi Santoso"},
		{name: "unknown record", payload: model.ScanPayload{Kind: model.RecordVehicle, Key: "NOPE-1"}},
		{name: "unknown kind", payload: model.ScanPayload{Kind: "trailer", Key: "X"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := f.cache.Resolve(ctx, tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantLabel == "" {
				if rec != nil {
					t.Errorf("Resolve() = %+v, want nil", rec)
				}
				return
			}
			if rec == nil {
				t.Fatal("Resolve() = nil")
			}
			if rec.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", rec.Kind, tt.wantKind)
			}
			label := ""
			switch rec.Kind {
			case model.RecordVehicle:
				label = rec.Vehicle.EquipNo
			case model.RecordPermitHolder:
				label = rec.PermitHolder.Name
			}
			if label != tt.wantLabel {
				t.Errorf("resolved %q, want %q", label, tt.wantLabel)
			}
		})
	}
}
