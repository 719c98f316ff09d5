package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"marki/services"
)

type fakeRelances struct {
	res services.CronResult
	err error
}

func (f fakeRelances) ProcessDue(context.Context) (services.CronResult, error) { return f.res, f.err }

type fakeSync struct {
	ran int
	err error
}

func (f fakeSync) RunDue(context.Context) (int, error) { return f.ran, f.err }

func TestRelanceWorkerRun(t *testing.T) {
	w := NewRelanceWorker(fakeRelances{res: services.CronResult{ProcessedCount: 2, SentCount: 2}})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	w = NewRelanceWorker(fakeRelances{err: services.ErrRunInProgress})
	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("a busy run should be skipped, got %v", err)
	}

	boom := errors.New("parse down")
	w = NewRelanceWorker(fakeRelances{err: boom})
	if err := w.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v", err)
	}
}

func TestSyncWorkerReturnsRunError(t *testing.T) {
	boom := errors.New("source unreachable")
	w := NewSyncWorker(fakeSync{ran: 1, err: boom})
	if err := w.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v", err)
	}
}

func TestSchedulerRunsImmediateJobs(t *testing.T) {
	s := NewScheduler()
	var immediate, delayed atomic.Int32

	if err := s.Every("now", time.Hour, true, func(context.Context) error {
		immediate.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("later", time.Hour, false, func(context.Context) error {
		delayed.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Every("broken", 0, true, func(context.Context) error { return nil }); err == nil {
		t.Fatal("zero interval accepted")
	}

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for immediate.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if immediate.Load() != 1 {
		t.Fatalf("immediate job ran %d times", immediate.Load())
	}
	if delayed.Load() != 0 {
		t.Fatalf("delayed job ran before its interval")
	}
}
