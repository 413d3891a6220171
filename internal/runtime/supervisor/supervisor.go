// Package supervisor runs named goroutines under one cancellable context.
// Every task is panic-safe and leaves per-name statistics behind for the
// health snapshot.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"feedwatch/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	started atomic.Uint64
	active  atomic.Int64

	log         logx.Logger
	cancelOnErr bool
	onFailure   FailureHook

	errOnce  sync.Once
	firstErr atomic.Pointer[error]

	wg       sync.WaitGroup
	doneOnce sync.Once
	doneCh   chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type SupervisorOption func(*Supervisor)

// FailureHook observes failed runs (errors and recovered panics). It runs on
// the failing goroutine and must not block for long.
type FailureHook func(name string, err error)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first Go failure.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithFailureHook registers h for every failed run, including each failed
// GoRestart attempt and every Spawn failure.
func WithFailureHook(h FailureHook) SupervisorOption {
	return func(s *Supervisor) { s.onFailure = h }
}

// SupervisorCounters are best-effort goroutine counters.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// TaskStats aggregates every run recorded under one task name.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Runs        uint64        `json:"runs"`
	Restarts    uint64        `json:"restarts"`
	Failures    uint64        `json:"failures"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at"`
	LastPanic   string        `json:"last_panic,omitempty"`
	Runtime     time.Duration `json:"runtime"`
}

type Snapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Tasks      []TaskStats        `json:"tasks"`
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error published by a Go task, if any.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{Active: s.active.Load(), Started: s.started.Load()}
}

// Snapshot lists per-task stats, active tasks first, then most recently
// started.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Tasks = make([]TaskStats, 0, len(s.tasks))
	for _, st := range s.tasks {
		snap.Tasks = append(snap.Tasks, *st)
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Tasks, func(a, b TaskStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		if c := b.LastStartAt.Compare(a.LastStartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

// Go runs fn until it returns. A failure publishes the supervisor's first
// error and, with WithCancelOnError, cancels every other task.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.launch(func() {
		s.log.Debug("task started", logx.String("name", name))
		if err := s.call(name, false, fn); err != nil {
			s.setErr(err)
			s.report(name, err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		s.log.Debug("task stopped", logx.String("name", name))
	})
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) launch(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// call runs one attempt of fn with panic recovery and records it under name.
// Cancellation of the supervisor counts as a clean exit.
func (s *Supervisor) call(name string, restart bool, fn func(context.Context) error) (err error) {
	st, start := s.begin(name, restart)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
			s.mu.Lock()
			st.Panics++
			st.LastPanic = fmt.Sprint(r)
			s.mu.Unlock()
		}
		if errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
		s.mu.Lock()
		now := time.Now()
		st.Active--
		st.LastStopAt = now
		st.Runtime += now.Sub(start)
		s.mu.Unlock()
	}()
	return fn(s.ctx)
}

func (s *Supervisor) begin(name string, restart bool) (*TaskStats, time.Time) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.tasks[name]
	if st == nil {
		st = &TaskStats{Name: name}
		s.tasks[name] = st
	}
	st.Runs++
	st.Active++
	if restart {
		st.Restarts++
	}
	st.LastStartAt = now
	return st, now
}

// report records a failed run and hands it to the failure hook.
func (s *Supervisor) report(name string, err error) {
	s.mu.Lock()
	if st := s.tasks[name]; st != nil {
		st.Failures++
		st.LastErr = err.Error()
		st.LastErrAt = time.Now()
	}
	s.mu.Unlock()
	if s.onFailure != nil {
		s.onFailure(name, err)
	}
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
}
