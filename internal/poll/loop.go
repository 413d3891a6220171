// Package poll pulls the home timeline on an interval and feeds every page
// through conversion.
package poll

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"feedwatch/internal/alert"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/internal/ratelimit"
	"feedwatch/pkg/logx"
)

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateConverting State = "converting"
	StateSleeping   State = "sleeping"
	StateDisabled   State = "disabled"
)

// Source is the ApiClient surface the loop drives.
type Source interface {
	HomeTimeline(ctx context.Context, sinceID string, max int) (*provider.TweetPage, error)
	ConvertPage(ctx context.Context, page *provider.TweetPage, origin model.Origin) ([]*model.Post, error)
}

type Config struct {
	Interval         time.Duration
	PageSize         int
	RateLimitBackoff time.Duration
	RateLimitRetries int
	NetworkRetries   int
	NetworkBackoff   time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		c.PageSize = 100
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 30 * time.Second
	}
	if c.RateLimitRetries <= 0 {
		c.RateLimitRetries = 5
	}
	if c.NetworkRetries <= 0 {
		c.NetworkRetries = 3
	}
	if c.NetworkBackoff <= 0 {
		c.NetworkBackoff = 5 * time.Second
	}
}

// Status is a point-in-time view for health reporting.
type Status struct {
	State     State     `json:"state"`
	Enabled   bool      `json:"enabled"`
	LastError string    `json:"last_error,omitempty"`
	LastTick  time.Time `json:"last_tick"`
	SinceID   string    `json:"since_id,omitempty"`
	Ticks     uint64    `json:"ticks"`
	Skipped   uint64    `json:"skipped"`
}

type Loop struct {
	cfg   Config
	src   Source
	alert alert.Alerter
	bus   eventbus.Bus
	log   logx.Logger
	sleep func(ctx context.Context, d time.Duration) error

	wake chan struct{}

	mu       sync.Mutex
	state    State
	enabled  bool
	lastErr  error
	lastTick time.Time
	sinceID  string
	ticks    uint64
	skipped  uint64
}

func New(cfg Config, src Source, alerter alert.Alerter, bus eventbus.Bus, log logx.Logger) *Loop {
	cfg.defaults()
	if alerter == nil {
		alerter = alert.Nop
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{
		cfg: cfg, src: src, alert: alerter, bus: bus, log: log,
		sleep:   sleepCtx,
		wake:    make(chan struct{}, 1),
		state:   StateIdle,
		enabled: true,
	}
}

// Run ticks until ctx is cancelled. A disabled loop keeps sleeping until
// Restart.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("poll loop started", logx.Duration("interval", l.cfg.Interval))
	for {
		if l.Enabled() {
			_ = l.safeTick(ctx)
			if l.Enabled() {
				l.setState(StateSleeping, "")
			}
		}
		t := time.NewTimer(l.cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-l.wake:
			t.Stop()
		case <-t.C:
		}
		if l.Enabled() {
			l.setState(StateIdle, "")
		}
	}
}

// Restart re-enables a disabled loop and triggers an immediate tick.
func (l *Loop) Restart() {
	l.mu.Lock()
	l.enabled = true
	l.lastErr = nil
	l.mu.Unlock()
	l.setState(StateIdle, "restart")
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{State: l.state, Enabled: l.enabled, LastTick: l.lastTick, SinceID: l.sinceID, Ticks: l.ticks, Skipped: l.skipped}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st
}

func (l *Loop) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("poll tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = l.disable(ctx, fmt.Errorf("panic: %v", r))
		}
	}()
	return l.Tick(ctx)
}

// Tick runs one fetch/convert cycle. Rate limits and transient network
// errors skip the tick after bounded retries; anything else disables the
// loop and is returned.
func (l *Loop) Tick(ctx context.Context) error {
	start := time.Now()
	l.setState(StateFetching, "")

	l.mu.Lock()
	since := l.sinceID
	l.mu.Unlock()

	var (
		page          *provider.TweetPage
		err           error
		limited, nets int
	)
	for {
		page, err = l.src.HomeTimeline(ctx, since, l.cfg.PageSize)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case errors.Is(err, ratelimit.ErrRateLimited):
			limited++
			if limited > l.cfg.RateLimitRetries {
				l.skip("rate limited", err)
				return nil
			}
			l.log.Debug("home timeline rate limited, backing off", logx.Int("retry", limited), logx.Duration("backoff", l.cfg.RateLimitBackoff))
			if err := l.sleep(ctx, l.cfg.RateLimitBackoff); err != nil {
				return err
			}
		case provider.IsTransient(err):
			nets++
			if nets > l.cfg.NetworkRetries {
				l.skip("network", err)
				return nil
			}
			l.log.Debug("home timeline transient error, retrying", logx.Int("retry", nets), logx.Err(err))
			if err := l.sleep(ctx, l.cfg.NetworkBackoff); err != nil {
				return err
			}
		default:
			return l.disable(ctx, err)
		}
	}

	l.setState(StateConverting, "")
	posts, err := l.src.ConvertPage(ctx, page, model.OriginAuto)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return l.disable(ctx, err)
	}

	l.mu.Lock()
	if page.Meta.NewestID != "" {
		l.sinceID = page.Meta.NewestID
	}
	l.lastTick = time.Now()
	l.ticks++
	l.mu.Unlock()

	ticks.WithLabelValues("ok").Inc()
	tickSeconds.Observe(time.Since(start).Seconds())
	if len(posts) > 0 {
		l.log.Debug("poll tick converted posts", logx.Int("posts", len(posts)), logx.Duration("took", time.Since(start)))
	}
	return nil
}

func (l *Loop) skip(reason string, err error) {
	l.mu.Lock()
	l.skipped++
	l.mu.Unlock()
	ticks.WithLabelValues("skipped").Inc()
	l.log.Warn("poll tick abandoned", logx.String("reason", reason), logx.Err(err))
}

func (l *Loop) disable(ctx context.Context, err error) error {
	l.mu.Lock()
	l.enabled = false
	l.lastErr = err
	l.mu.Unlock()
	ticks.WithLabelValues("failed").Inc()
	l.setState(StateDisabled, err.Error())
	l.log.Error("poll loop disabled", logx.Err(err))
	l.alert.Alert(context.WithoutCancel(ctx), "Poll loop disabled: "+err.Error())
	return err
}

func (l *Loop) setState(s State, reason string) {
	l.mu.Lock()
	changed := l.state != s
	l.state = s
	l.mu.Unlock()
	if changed && l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.PollState, Data: eventbus.StateEvent{State: string(s), Reason: reason}})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
