package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnFailureHookAndNoFirstError(t *testing.T) {
	var mu sync.Mutex
	var names []string
	s := NewSupervisor(context.Background(), WithFailureHook(func(name string, err error) {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
	}))

	s.Spawn("boom", func(ctx context.Context) error { return errors.New("bad") })
	s.Spawn("panics", func(ctx context.Context) error { panic("oops") })
	s.Spawn("ok", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("spawn failures must not surface as supervisor error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 {
		t.Fatalf("expected 2 failures, got %v", names)
	}
}

func TestSpawnAfterCancelIsNoop(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Cancel()
	var ran atomic.Bool
	s.Spawn("late", func(ctx context.Context) error { ran.Store(true); return nil })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if ran.Load() {
		t.Fatalf("task should not run after cancel")
	}
}

func TestGoRestartRestartsOnError(t *testing.T) {
	var runs atomic.Int32
	var failures atomic.Int32
	s := NewSupervisor(context.Background(), WithFailureHook(func(string, error) { failures.Add(1) }))
	done := make(chan struct{})
	s.GoRestart("loop", func(ctx context.Context) error {
		if runs.Add(1) >= 3 {
			close(done)
			<-ctx.Done()
			return ctx.Err()
		}
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("restart loop did not reach third run")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if failures.Load() != 2 {
		t.Fatalf("expected 2 failures, got %d", failures.Load())
	}
}

func TestSnapshotCountsPanics(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("p", func(ctx context.Context) error { panic("x") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected first error from panicking goroutine")
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Panics != 1 || snap.Tasks[0].Failures != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestGoRestartGivesUpAfterMaxRestarts(t *testing.T) {
	var runs atomic.Int32
	s := NewSupervisor(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithStopOnCleanExit(false), WithMaxRestarts(2), WithRestartBackoff(time.Millisecond, time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if runs.Load() != 3 {
		t.Fatalf("runs = %d, want first run plus 2 restarts", runs.Load())
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}
	st := snap.Tasks[0]
	if st.Name != "flaky" || st.Runs != 3 || st.Restarts != 2 || st.Failures != 3 || st.Active != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if !strings.Contains(st.LastErr, "exited") {
		t.Fatalf("last err = %q", st.LastErr)
	}
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.Go("fatal", func(ctx context.Context) error { return errors.New("disk gone") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "fatal: disk gone") {
		t.Fatalf("err = %v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters = %+v", c)
	}
}
