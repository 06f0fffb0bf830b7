package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddValidation(t *testing.T) {
	s := New(time.UTC, testLogger())
	noop := func(ctx context.Context) error { return nil }

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"valid", Job{Name: "a", Every: time.Second, Run: noop}, false},
		{"duplicate", Job{Name: "a", Every: time.Second, Run: noop}, true},
		{"no name", Job{Every: time.Second, Run: noop}, true},
		{"no func", Job{Name: "b", Every: time.Second}, true},
		{"zero interval", Job{Name: "c", Run: noop}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Add(tt.job); (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunNow(t *testing.T) {
	s := New(time.UTC, testLogger())
	var runs atomic.Int32
	boom := errors.New("boom")

	s.Add(Job{Name: "ok", Every: time.Hour, Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})
	s.Add(Job{Name: "bad", Every: time.Hour, Run: func(ctx context.Context) error { return boom }})

	if err := s.RunNow("ok"); err != nil {
		t.Fatalf("RunNow(ok) error = %v", err)
	}
	if err := s.RunNow("bad"); !errors.Is(err, boom) {
		t.Errorf("RunNow(bad) error = %v, want boom", err)
	}
	if err := s.RunNow("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("RunNow(missing) error = %v, want ErrUnknownJob", err)
	}
	if runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runs.Load())
	}

	status := s.Status()
	if len(status) != 2 || status[0].Name != "bad" || status[1].Name != "ok" {
		t.Fatalf("Status() = %+v", status)
	}
	if status[0].LastError != "boom" || status[0].Runs != 1 {
		t.Errorf("bad status = %+v", status[0])
	}
	if status[1].LastError != "" || status[1].LastRun == nil {
		t.Errorf("ok status = %+v", status[1])
	}
}

func TestJobTimeout(t *testing.T) {
	s := New(time.UTC, testLogger())
	s.Add(Job{Name: "slow", Every: time.Hour, Timeout: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	if err := s.RunNow("slow"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("RunNow() error = %v, want deadline exceeded", err)
	}
}

func TestScheduledRuns(t *testing.T) {
	s := New(time.UTC, testLogger())
	var runs atomic.Int32
	s.Add(Job{Name: "tick", Every: time.Second, Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})

	s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	// Stopping twice is harmless
	s.Stop()
}

func TestStopCancelsRunningJob(t *testing.T) {
	s := New(time.UTC, testLogger())
	started := make(chan struct{})
	s.Add(Job{Name: "long", Every: time.Second, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})

	s.Start(context.Background())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not cancel the running job")
	}
}
