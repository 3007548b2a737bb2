package stream

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"ganymede/internal/domain"
)

func TestSubscriptionStartsReady(t *testing.T) {
	s := NewSubscription("coordinator->processor/AAPL/1m")
	if err := s.Acquire(context.Background(), true, time.Second); err != nil {
		t.Fatalf("first Acquire should succeed: %v", err)
	}
}

func TestBlockingAcquire(t *testing.T) {
	s := NewSubscription("coordinator->processor/AAPL/1m")
	ctx := context.Background()

	if err := s.Acquire(ctx, true, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Token is out; a short blocking wait must time out.
	err := s.Acquire(ctx, true, 20*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("Acquire err = %v, want ErrTimeout", err)
	}

	// A release from the consumer unblocks the producer.
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, true, time.Second) }()
	time.Sleep(10 * time.Millisecond)
	s.Release()
	if err := <-done; err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}

	// Timeouts do not count as overruns.
	if got := s.Overruns(); got != 0 {
		t.Errorf("Overruns = %d, want 0", got)
	}
}

func TestNonBlockingAcquire(t *testing.T) {
	s := NewSubscription("coordinator->processor/AAPL/1m")
	ctx := context.Background()

	if err := s.Acquire(ctx, false, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Consumer busy: overrun, counted, immediate.
	for i := 1; i <= 3; i++ {
		err := s.Acquire(ctx, false, 0)
		if !errors.Is(err, domain.ErrOverrun) {
			t.Fatalf("Acquire err = %v, want ErrOverrun", err)
		}
		if got := s.Overruns(); got != int64(i) {
			t.Errorf("Overruns = %d, want %d", got, i)
		}
	}

	// After the consumer catches up, acquisition succeeds again.
	s.Release()
	if err := s.Acquire(ctx, false, 0); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	s := NewSubscription("x")
	s.Release()
	s.Release()
	if err := s.Acquire(context.Background(), true, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Only one token ever exists.
	if err := s.Acquire(context.Background(), false, 0); !errors.Is(err, domain.ErrOverrun) {
		t.Fatalf("double Acquire err = %v, want ErrOverrun", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	s := NewSubscription("x")
	if err := s.Acquire(context.Background(), true, time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx, true, time.Minute) }()
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire err = %v, want context.Canceled", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(slog.Default())

	a := r.Subscribe("coordinator", "processor", "AAPL", "1m")
	b := r.Subscribe("coordinator", "processor", "AAPL", "1m")
	if a != b {
		t.Error("same sync point should return the same subscription")
	}
	if a.Name() != "coordinator->processor/AAPL/1m" {
		t.Errorf("Name = %q", a.Name())
	}

	c := r.Subscribe("processor", "analysis", "AAPL", "5m")
	if a == c {
		t.Error("different sync points must not share a subscription")
	}

	// Drive one overrun and snapshot.
	ctx := context.Background()
	if err := a.Acquire(ctx, false, 0); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Acquire(ctx, false, 0); !errors.Is(err, domain.ErrOverrun) {
		t.Fatalf("Acquire err = %v, want ErrOverrun", err)
	}
	r.NoteOverrun(a)

	snap := r.Snapshot()
	if snap["coordinator->processor/AAPL/1m"] != 1 {
		t.Errorf("snapshot = %v", snap)
	}
	if snap["processor->analysis/AAPL/5m"] != 0 {
		t.Errorf("untouched point overruns = %d, want 0", snap["processor->analysis/AAPL/5m"])
	}

	r.Reset()
	if len(r.Snapshot()) != 0 {
		t.Error("Reset should drop all sync points")
	}
}
