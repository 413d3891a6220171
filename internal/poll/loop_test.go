package poll

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/alert"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/internal/ratelimit"
	"feedwatch/internal/storage"
	"feedwatch/pkg/logx"
)

type scripted struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	since    []string
	convErr  error
	panicMsg string
	page     *provider.TweetPage
}

func (s *scripted) HomeTimeline(ctx context.Context, sinceID string, max int) (*provider.TweetPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.calls++
	s.since = append(s.since, sinceID)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	if s.page != nil {
		return s.page, nil
	}
	return &provider.TweetPage{}, nil
}

func (s *scripted) ConvertPage(ctx context.Context, page *provider.TweetPage, origin model.Origin) ([]*model.Post, error) {
	if s.convErr != nil {
		return nil, s.convErr
	}
	return make([]*model.Post, len(page.Data)), nil
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Alert(ctx context.Context, text string) {
	a.mu.Lock()
	a.msgs = append(a.msgs, text)
	a.mu.Unlock()
}

func newLoop(src Source, al alert.Alerter) (*Loop, *[]time.Duration) {
	l := New(Config{RateLimitBackoff: time.Second, NetworkRetries: 2, NetworkBackoff: time.Millisecond}, src, al, nil, logx.Nop())
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return l, &slept
}

func TestRateLimitAbandonsAfterFiveRetries(t *testing.T) {
	src := &scripted{errs: repeat(&ratelimit.Error{Class: ratelimit.HomeTimeline}, 10)}
	al := &alerts{}
	l, slept := newLoop(src, al)

	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if src.calls != 6 {
		t.Fatalf("calls = %d, want 6", src.calls)
	}
	if len(*slept) != 5 || (*slept)[0] != time.Second {
		t.Fatalf("backoffs = %v", *slept)
	}
	st := l.Status()
	if !st.Enabled || st.Skipped != 1 || len(al.msgs) != 0 {
		t.Fatalf("status = %+v alerts=%v", st, al.msgs)
	}
}

func TestRateLimitRecovers(t *testing.T) {
	src := &scripted{
		errs: repeat(&ratelimit.Error{Class: ratelimit.HomeTimeline}, 2),
		page: &provider.TweetPage{Data: []provider.Tweet{{ID: "5"}}, Meta: provider.Meta{NewestID: "5"}},
	}
	l, _ := newLoop(src, nil)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := src.since[len(src.since)-1]; got != "5" {
		t.Fatalf("since id not advanced: %q", got)
	}
	if st := l.Status(); st.Ticks != 2 || st.Skipped != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestTransientNetworkSkipsTick(t *testing.T) {
	src := &scripted{errs: repeat(io.ErrUnexpectedEOF, 5)}
	l, _ := newLoop(src, nil)
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if src.calls != 3 || !l.Enabled() {
		t.Fatalf("calls=%d enabled=%v", src.calls, l.Enabled())
	}
}

func TestDatabaseErrorDisablesUntilRestart(t *testing.T) {
	src := &scripted{convErr: errors.Join(storage.ErrDatabase, errors.New("disk full"))}
	al := &alerts{}
	l, _ := newLoop(src, al)

	err := l.Tick(context.Background())
	if !errors.Is(err, storage.ErrDatabase) {
		t.Fatalf("err = %v", err)
	}
	if l.Enabled() || l.State() != StateDisabled || len(al.msgs) != 1 {
		t.Fatalf("enabled=%v state=%s alerts=%v", l.Enabled(), l.State(), al.msgs)
	}

	src.convErr = nil
	l.Restart()
	if !l.Enabled() || l.State() != StateIdle {
		t.Fatalf("restart did not re-enable")
	}
	if err := l.Tick(context.Background()); err != nil {
		t.Fatalf("tick after restart: %v", err)
	}
}

func TestUnexpectedErrorDisables(t *testing.T) {
	src := &scripted{errs: []error{&provider.APIError{Status: 401, Title: "Unauthorized"}}}
	l, _ := newLoop(src, nil)
	if err := l.Tick(context.Background()); err == nil || l.Enabled() {
		t.Fatalf("401 must disable the loop, err=%v", err)
	}
}

func TestPanicDisables(t *testing.T) {
	src := &scripted{panicMsg: "boom"}
	al := &alerts{}
	l, _ := newLoop(src, al)
	if err := l.safeTick(context.Background()); err == nil {
		t.Fatalf("expected error from panic")
	}
	if l.Enabled() || len(al.msgs) != 1 {
		t.Fatalf("enabled=%v alerts=%v", l.Enabled(), al.msgs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &scripted{}
	l, _ := newLoop(src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for l.Status().Ticks == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestRunCyclesThroughIdle(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64, eventbus.PollState)
	defer unsub()

	src := &scripted{page: &provider.TweetPage{Data: []provider.Tweet{{ID: "1"}}}}
	l := New(Config{Interval: 5 * time.Millisecond}, src, nil, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	want := []string{"fetching", "converting", "sleeping", "idle", "fetching"}
	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case e := <-events:
			got = append(got, e.Data.(eventbus.StateEvent).State)
		case <-deadline:
			t.Fatalf("states = %v", got)
		}
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}
