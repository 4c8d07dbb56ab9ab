package fieldsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
	"fieldsync/internal/testutil"
)

const (
	cloudURL = "https://cloud.example"
	lanURL   = "http://lan.example:8082"
)

var testEndpoints = []model.Endpoint{
	{Name: "cloud", URL: cloudURL, Type: model.EndpointCloud, Priority: 1},
	{Name: "site-lan", URL: lanURL, Type: model.EndpointLocal, Priority: 2},
}

func newConnectionManager(t *testing.T, prober fieldsync.Prober, eps []model.Endpoint) *fieldsync.ConnectionManager {
	t.Helper()
	return fieldsync.NewConnectionManager(eps, prober, testutil.NewTestDatabase(t), time.Second,
		fieldsync.NewNopLogger(), testutil.FixedClock())
}

func TestConnectionManager_CheckConnectivity(t *testing.T) {
	tests := []struct {
		name       string
		cloud, lan bool
		wantOnline bool
		wantMode   model.Mode
		wantActive string
		wantURL    string
	}{
		{name: "both reachable prefers higher priority", cloud: true, lan: true,
			wantOnline: true, wantMode: model.ModeLocal, wantActive: "site-lan", wantURL: lanURL},
		{name: "only cloud", cloud: true,
			wantOnline: true, wantMode: model.ModeCloud, wantActive: "cloud", wantURL: cloudURL},
		{name: "only lan", lan: true,
			wantOnline: true, wantMode: model.ModeLocal, wantActive: "site-lan", wantURL: lanURL},
		{name: "nothing reachable", wantMode: model.ModeOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prober := testutil.NewStubProber()
			prober.SetAvailable(cloudURL, tt.cloud)
			prober.SetAvailable(lanURL, tt.lan)
			m := newConnectionManager(t, prober, testEndpoints)

			st := m.CheckConnectivity(context.Background())
			if st.IsOnline != tt.wantOnline {
				t.Errorf("IsOnline = %v, want %v", st.IsOnline, tt.wantOnline)
			}
			if st.CurrentMode != tt.wantMode {
				t.Errorf("CurrentMode = %q, want %q", st.CurrentMode, tt.wantMode)
			}
			if st.ActiveEndpoint != tt.wantActive {
				t.Errorf("ActiveEndpoint = %q, want %q", st.ActiveEndpoint, tt.wantActive)
			}
			if st.CloudAvailable != tt.cloud || st.LocalAvailable != tt.lan {
				t.Errorf("availability = cloud %v lan %v, want %v %v", st.CloudAvailable, st.LocalAvailable, tt.cloud, tt.lan)
			}

			url, ok := m.ActiveEndpoint()
			if ok != tt.wantOnline || url != tt.wantURL {
				t.Errorf("ActiveEndpoint() = %q, %v; want %q, %v", url, ok, tt.wantURL, tt.wantOnline)
			}
			if m.IsOnline() != tt.wantOnline {
				t.Errorf("IsOnline() = %v, want %v", m.IsOnline(), tt.wantOnline)
			}
		})
	}
}

func TestConnectionManager_PriorityTieUsesConfigOrder(t *testing.T) {
	eps := []model.Endpoint{
		{Name: "first", URL: "http://a.example", Type: model.EndpointLocal, Priority: 2},
		{Name: "second", URL: "http://b.example", Type: model.EndpointCloud, Priority: 2},
	}
	prober := testutil.NewStubProber()
	prober.SetAvailable("http://a.example", true)
	prober.SetAvailable("http://b.example", true)
	m := newConnectionManager(t, prober, eps)

	for range 5 {
		if st := m.CheckConnectivity(context.Background()); st.ActiveEndpoint != "first" {
			t.Fatalf("ActiveEndpoint = %q, want first", st.ActiveEndpoint)
		}
	}
}

func TestConnectionManager_UnverifiedEndpointIsSelected(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(cloudURL, true)
	prober.SetUnverified(lanURL)
	m := newConnectionManager(t, prober, testEndpoints)

	st := m.CheckConnectivity(context.Background())
	if st.ActiveEndpoint != "site-lan" {
		t.Errorf("ActiveEndpoint = %q, want site-lan", st.ActiveEndpoint)
	}
}

func TestConnectionManager_PersistsStatus(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(cloudURL, true)
	m := newConnectionManager(t, prober, testEndpoints)

	before, err := m.LastPersisted(context.Background())
	if err != nil {
		t.Fatalf("LastPersisted() error = %v", err)
	}
	if before != nil {
		t.Fatalf("LastPersisted() before any check = %+v, want nil", before)
	}

	want := m.CheckConnectivity(context.Background())
	got, err := m.LastPersisted(context.Background())
	if err != nil {
		t.Fatalf("LastPersisted() error = %v", err)
	}
	if got == nil {
		t.Fatal("LastPersisted() = nil after a check")
	}
	if got.ActiveEndpoint != want.ActiveEndpoint || got.CurrentMode != want.CurrentMode || !got.LastCheckedAt.Equal(want.LastCheckedAt) {
		t.Errorf("LastPersisted() = %+v, want %+v", got, want)
	}
}

func TestConnectionManager_Listeners(t *testing.T) {
	t.Run("panicking listener does not stop the others", func(t *testing.T) {
		prober := testutil.NewStubProber()
		prober.SetAvailable(cloudURL, true)
		m := newConnectionManager(t, prober, testEndpoints)

		var order []string
		m.AddListener(func(model.ConnectionStatus) {
			order = append(order, "first")
			panic("boom")
		})
		m.AddListener(func(st model.ConnectionStatus) {
			order = append(order, "second:"+st.ActiveEndpoint)
		})

		m.CheckConnectivity(context.Background())
		if len(order) != 2 || order[0] != "first" || order[1] != "second:cloud" {
			t.Errorf("listener calls = %v", order)
		}
	})

	t.Run("removed listener is not called", func(t *testing.T) {
		m := newConnectionManager(t, testutil.NewStubProber(), testEndpoints)
		calls := 0
		id := m.AddListener(func(model.ConnectionStatus) { calls++ })
		m.CheckConnectivity(context.Background())
		m.RemoveListener(id)
		m.RemoveListener(id)
		m.CheckConnectivity(context.Background())
		if calls != 1 {
			t.Errorf("listener called %d times, want 1", calls)
		}
	})
}

func TestConnectionManager_SimulateOffline(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(lanURL, true)
	m := newConnectionManager(t, prober, testEndpoints)
	ctx := context.Background()

	m.CheckConnectivity(ctx)
	var seen []bool
	m.AddListener(func(st model.ConnectionStatus) { seen = append(seen, st.IsOnline) })

	m.SimulateOffline(ctx)
	if m.IsOnline() {
		t.Fatal("still online after SimulateOffline")
	}
	if _, ok := m.ActiveEndpoint(); ok {
		t.Error("ActiveEndpoint() reported an endpoint while offline")
	}
	if st := m.Status(); st.CurrentMode != model.ModeOffline {
		t.Errorf("CurrentMode = %q, want offline", st.CurrentMode)
	}

	if st := m.RestoreConnectivity(ctx); !st.IsOnline {
		t.Fatal("RestoreConnectivity() stayed offline")
	}
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Errorf("listener saw %v, want [false true]", seen)
	}
}

func TestConnectionManager_NetworkChanged(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(cloudURL, true)
	m := newConnectionManager(t, prober, testEndpoints)
	ctx := context.Background()

	m.NetworkChanged(ctx, true)
	if !m.IsOnline() {
		t.Fatal("offline after network up")
	}
	calls := prober.Calls(cloudURL)

	m.NetworkChanged(ctx, false)
	if m.IsOnline() {
		t.Fatal("online after network down")
	}
	if prober.Calls(cloudURL) != calls {
		t.Error("network down triggered a probe")
	}
}

func TestConnectionManager_Diagnose(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(cloudURL, true)
	m := newConnectionManager(t, prober, testEndpoints)

	results := m.Diagnose(context.Background())
	if len(results) != 2 {
		t.Fatalf("Diagnose() returned %d results, want 2", len(results))
	}
	if results[0].Endpoint.Name != "cloud" || !results[0].Available {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].Endpoint.Name != "site-lan" || results[1].Available {
		t.Errorf("results[1] = %+v", results[1])
	}
	if m.IsOnline() {
		t.Error("Diagnose() changed the connection state")
	}
}

func TestConnectionManager_ConcurrentChecksShareOneProbe(t *testing.T) {
	prober := testutil.NewStubProber()
	prober.SetAvailable(cloudURL, true)
	prober.Gate = make(chan struct{})
	m := newConnectionManager(t, prober, testEndpoints)

	var wg sync.WaitGroup
	results := make([]model.ConnectionStatus, 5)
	check := func(i int) {
		defer wg.Done()
		results[i] = m.CheckConnectivity(context.Background())
	}

	wg.Add(1)
	go check(0)
	time.Sleep(50 * time.Millisecond)
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go check(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(prober.Gate)
	wg.Wait()

	if got := prober.Calls(cloudURL); got != 1 {
		t.Errorf("cloud probed %d times, want 1", got)
	}
	for i, st := range results {
		if st.ActiveEndpoint != "cloud" {
			t.Errorf("results[%d].ActiveEndpoint = %q, want cloud", i, st.ActiveEndpoint)
		}
	}
}
