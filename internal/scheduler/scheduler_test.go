package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/scheduler"
)

func TestScheduler_Add(t *testing.T) {
	tests := []struct {
		name    string
		jobs    []scheduler.Job
		wantErr bool
	}{
		{
			name: "valid job",
			jobs: []scheduler.Job{{Name: "sync", Interval: time.Minute, Run: func(context.Context) error { return nil }}},
		},
		{
			name:    "zero interval",
			jobs:    []scheduler.Job{{Name: "sync", Run: func(context.Context) error { return nil }}},
			wantErr: true,
		},
		{
			name: "duplicate name",
			jobs: []scheduler.Job{
				{Name: "sync", Interval: time.Minute, Run: func(context.Context) error { return nil }},
				{Name: "sync", Interval: time.Hour, Run: func(context.Context) error { return nil }},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := scheduler.New(nil)
			var err error
			for _, j := range tt.jobs {
				if err = s.Add(j); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduler_Jobs(t *testing.T) {
	s := scheduler.New(nil)
	noop := func(context.Context) error { return nil }
	if err := s.Add(scheduler.Job{Name: "queue", Interval: time.Minute, Run: noop}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(scheduler.Job{Name: "refdata", Interval: time.Hour, Run: noop}); err != nil {
		t.Fatal(err)
	}

	if got := len(s.Jobs()); got != 2 {
		t.Fatalf("Jobs() has %d entries, want 2", got)
	}
	s.Remove("queue")
	s.Remove("unknown")
	jobs := s.Jobs()
	if _, ok := jobs["queue"]; ok {
		t.Error("removed job still listed")
	}
	if _, ok := jobs["refdata"]; !ok {
		t.Error("refdata job missing")
	}
}

func TestScheduler_Runs(t *testing.T) {
	s := scheduler.New(nil)
	var runs atomic.Int32
	ran := make(chan struct{}, 1)
	err := s.Add(scheduler.Job{
		Name:     "tick",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			select {
			case ran <- struct{}{}:
			default:
			}
			return errors.New("job errors are logged, not fatal")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Start()
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run within 5s")
	}
	s.Stop()

	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job ran after Stop")
	}
}

func TestScheduler_StopCancelsContext(t *testing.T) {
	s := scheduler.New(nil)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	err := s.Add(scheduler.Job{
		Name:     "long",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
				return nil
			}
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start within 5s")
	}
	s.Stop()
	select {
	case <-cancelled:
	default:
		t.Error("Stop returned before the running job observed cancellation")
	}
}
