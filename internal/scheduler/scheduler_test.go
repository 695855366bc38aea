package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/scheduler"
)

func TestRegister_RejectsEmptyNameAndNonPositiveCadence(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)

	if err := s.Register(&scheduler.Job{Name: "", Cadence: time.Second, Run: noop}); err == nil {
		t.Fatal("expected error for empty job name")
	}
	if err := s.Register(&scheduler.Job{Name: "x", Cadence: 0, Run: noop}); err == nil {
		t.Fatal("expected error for non-positive cadence")
	}
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	job := &scheduler.Job{Name: "dup", Cadence: time.Second, Run: noop}
	if err := s.Register(job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Register(job); err == nil {
		t.Fatal("expected error registering the same job name twice")
	}
}

func TestRun_FiresRegisteredJobRepeatedly(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	var fires int64
	err := s.Register(&scheduler.Job{
		Name:    "ticker",
		Cadence: 2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&fires, 1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	if atomic.LoadInt64(&fires) < 3 {
		t.Fatalf("expected at least 3 fires in 50ms at a 2ms cadence, got %d", fires)
	}
}

func TestRunOnce_ReturnsJobError(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	wantErr := errors.New("boom")
	if err := s.Register(&scheduler.Job{Name: "failer", Cadence: time.Hour, Run: func(ctx context.Context) error {
		return wantErr
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := s.RunOnce(context.Background(), "failer")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestRunOnce_UnknownJobErrors(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	if err := s.RunOnce(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestStatus_ReflectsFailureStreak(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	wantErr := errors.New("boom")
	if err := s.Register(&scheduler.Job{Name: "failer", Cadence: time.Hour, Run: func(ctx context.Context) error {
		return wantErr
	}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_ = s.RunOnce(context.Background(), "failer")
	_ = s.RunOnce(context.Background(), "failer")

	snap, err := s.Status("failer")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.FailureStreak != 2 {
		t.Fatalf("expected FailureStreak=2, got %d", snap.FailureStreak)
	}
	if snap.LastErr == nil {
		t.Fatal("expected LastErr to be set")
	}
}

func TestFire_SkipsOverlappingRun(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 8)
	release := make(chan struct{})
	var fires int64
	if err := s.Register(&scheduler.Job{
		Name:    "slow",
		Cadence: time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt64(&fires, 1)
			<-release
			return nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(release)

	if atomic.LoadInt64(&fires) != 1 {
		t.Fatalf("expected exactly one fire while the job is still running, got %d", fires)
	}
}

func TestFire_BoundsConcurrentRunsBySemaphore(t *testing.T) {
	s := scheduler.New(zap.NewNop(), nil, time.Millisecond, 1)
	release := make(chan struct{})
	var current, peak int64

	observe := func(ctx context.Context) error {
		n := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt64(&current, -1)
		return nil
	}

	for _, name := range []string{"a", "b"} {
		if err := s.Register(&scheduler.Job{Name: name, Cadence: time.Millisecond, Run: observe}); err != nil {
			t.Fatalf("register %q: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(20 * time.Millisecond)
	close(release)
	cancel()
	s.Wait()

	if atomic.LoadInt64(&peak) > 1 {
		t.Fatalf("expected at most 1 concurrently running job with maxConcurrent=1, observed peak=%d", peak)
	}
}

func noop(ctx context.Context) error { return nil }
