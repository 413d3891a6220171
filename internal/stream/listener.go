// Package stream keeps the filtered-stream connection alive and its rule set
// aligned with the watched accounts.
package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"feedwatch/internal/alert"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/storage"
	"feedwatch/pkg/logx"
)

// RuleTag marks rules owned by this listener; other rules are left alone.
const RuleTag = "feedwatch"

var errClosed = errors.New("stream closed by server")

type Provider interface {
	StreamRules(ctx context.Context) ([]provider.Rule, error)
	AddStreamRules(ctx context.Context, rules []provider.Rule) error
	DeleteStreamRules(ctx context.Context, ids []string) error
	Stream(ctx context.Context, onConnect func(), fn func(provider.StreamEvent) error) error
}

type Converter interface {
	ConvertPost(ctx context.Context, payload provider.TweetPayload, origin model.Origin, minor bool) (*model.Post, error)
}

type Spawner interface {
	Spawn(name string, fn func(ctx context.Context) error)
}

type Config struct {
	MaxRules       int
	MaxRuleLen     int
	ResyncDelay    time.Duration
	ReconnectDelay time.Duration
	ErrorWindow    time.Duration
	ErrorThreshold int
	// MaxRestarts bounds supervised reconnects before the task is declared
	// dead (0 = unlimited).
	MaxRestarts int
}

func (c *Config) defaults() {
	if c.MaxRules <= 0 {
		c.MaxRules = 5
	}
	if c.MaxRuleLen <= 0 {
		c.MaxRuleLen = 512
	}
	if c.ResyncDelay <= 0 {
		c.ResyncDelay = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 10 * time.Second
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 10 * time.Minute
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 5
	}
}

type Status struct {
	Running      bool      `json:"running"`
	Reconnecting bool      `json:"reconnecting"`
	Connected    bool      `json:"connected"`
	LastConnect  time.Time `json:"last_connect"`
	Rules        int       `json:"rules"`
	Dropped      int       `json:"dropped"`
	RecentErrors int       `json:"recent_errors"`
}

// unexpectedError is a failure inside event handling rather than on the
// connection itself.
type unexpectedError struct{ err error }

func (e *unexpectedError) Error() string { return "stream handler: " + e.err.Error() }
func (e *unexpectedError) Unwrap() error { return e.err }

// storageError means a converted post could not be persisted. It stops the
// listener instead of reconnecting.
type storageError struct{ err error }

func (e *storageError) Error() string { return "stream storage: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

type Listener struct {
	cfg     Config
	prov    Provider
	conv    Converter
	resync  func(ctx context.Context) error
	spawner Spawner
	alert   alert.Alerter
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	reconnecting atomic.Bool

	mu          sync.Mutex
	parent      context.Context
	cancel      context.CancelFunc
	sup         *rtsup.Supervisor
	gen         uint64
	running     bool
	connected   bool
	lastConnect time.Time
	errTimes    []time.Time
	alerted     bool
	storageDown bool
	resyncTimer *time.Timer
	rules       int
	dropped     int
}

// New builds a listener. resync performs a full timeline resync and may be nil.
func New(cfg Config, prov Provider, conv Converter, resync func(ctx context.Context) error, spawner Spawner,
	alerter alert.Alerter, bus eventbus.Bus, log logx.Logger) *Listener {
	cfg.defaults()
	if alerter == nil {
		alerter = alert.Nop
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Listener{cfg: cfg, prov: prov, conv: conv, resync: resync, spawner: spawner, alert: alerter, bus: bus, log: log, now: time.Now}
}

// Start launches the supervised connection task.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	l.parent = ctx
	l.mu.Unlock()
	l.launch()
}

// Stop cancels the connection and waits for the task to exit.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, sup := l.cancel, l.sup
	l.gen++
	l.running = false
	l.connected = false
	if l.resyncTimer != nil {
		l.resyncTimer.Stop()
		l.resyncTimer = nil
	}
	l.parent = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if sup != nil {
		return sup.Wait(ctx)
	}
	return nil
}

// IsRunning is false only when the task is dead and no reconnect is in flight.
func (l *Listener) IsRunning() bool {
	if l.reconnecting.Load() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Running:      l.running,
		Reconnecting: l.reconnecting.Load(),
		Connected:    l.connected,
		LastConnect:  l.lastConnect,
		Rules:        l.rules,
		Dropped:      l.dropped,
		RecentErrors: len(l.pruneLocked(l.now())),
	}
}

// Reconnect tears down the current connection task and starts a fresh one
// after ReconnectDelay. Concurrent calls collapse into one.
func (l *Listener) Reconnect() bool {
	if !l.reconnecting.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer l.reconnecting.Store(false)
		l.mu.Lock()
		parent := l.parent
		l.mu.Unlock()
		if parent == nil {
			return
		}
		t := time.NewTimer(l.cfg.ReconnectDelay)
		defer t.Stop()
		select {
		case <-parent.Done():
			return
		case <-t.C:
		}
		reconnects.Inc()
		l.log.Info("stream manual reconnect")
		l.launch()
	}()
	return true
}

// EnsureRunning reconnects a dead listener; it reports whether a reconnect
// was scheduled.
func (l *Listener) EnsureRunning() bool {
	if l.IsRunning() {
		return false
	}
	l.mu.Lock()
	started := l.parent != nil
	l.mu.Unlock()
	if !started {
		return false
	}
	l.log.Warn("stream listener not running, reconnecting")
	return l.Reconnect()
}

func (l *Listener) launch() {
	l.mu.Lock()
	if l.parent == nil || l.parent.Err() != nil {
		l.mu.Unlock()
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(l.parent)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(l.log), rtsup.WithCancelOnError(false))
	l.gen++
	gen := l.gen
	l.cancel, l.sup, l.running = cancel, sup, true
	l.mu.Unlock()

	sup.GoRestart("stream.listen", func(ctx context.Context) error { return l.listen(ctx, cancel) },
		rtsup.WithRestartBackoff(time.Second, 5*time.Minute),
		rtsup.WithMaxRestarts(l.cfg.MaxRestarts),
		rtsup.WithStopOnCleanExit(false))
	l.publish("running", "")

	go func() {
		_ = sup.Wait(context.Background())
		l.mu.Lock()
		current := l.gen == gen
		if current {
			l.running = false
			l.connected = false
		}
		l.mu.Unlock()
		if current {
			l.publish("stopped", "")
			l.log.Warn("stream listener task exited")
		}
	}()
}

// listen runs one connection. stop ends the task for good; it is used when
// persistence fails.
func (l *Listener) listen(ctx context.Context, stop context.CancelFunc) error {
	err := l.prov.Stream(ctx, l.onConnect, func(ev provider.StreamEvent) error {
		return l.handle(ctx, ev)
	})
	var se *storageError
	if errors.As(err, &se) {
		l.halt(ctx, err)
		stop()
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errClosed
	}
	l.onError(ctx, err)

	var ue *unexpectedError
	if errors.As(err, &ue) {
		l.log.Error("stream listener failed", logx.Err(err))
		l.alert.Alert(context.WithoutCancel(ctx), "Stream listener failed, reconnecting: "+err.Error())
		l.Reconnect()
	} else {
		l.log.Warn("stream connection lost", logx.Err(err))
	}
	return err
}

func (l *Listener) handle(ctx context.Context, ev provider.StreamEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("stream handler panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = &unexpectedError{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	events.Inc()
	if _, err := l.conv.ConvertPost(ctx, ev.Payload(), model.OriginAuto, false); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, storage.ErrDatabase) {
			return &storageError{err: err}
		}
		return &unexpectedError{err: err}
	}
	l.mu.Lock()
	l.storageDown = false
	l.mu.Unlock()
	return nil
}

// halt records a storage failure. The operator is alerted once per outage;
// the listener stays down until EnsureRunning or Reconnect.
func (l *Listener) halt(ctx context.Context, err error) {
	l.mu.Lock()
	l.connected = false
	first := !l.storageDown
	l.storageDown = true
	l.mu.Unlock()

	errorsTotal.Inc()
	l.publish("disabled", err.Error())
	l.log.Error("stream listener stopped on storage failure", logx.Err(err))
	if first {
		l.alert.Alert(context.WithoutCancel(ctx), "Stream listener stopped, storage failed: "+err.Error())
	}
}

func (l *Listener) onConnect() {
	l.mu.Lock()
	l.connected = true
	l.lastConnect = l.now()
	l.errTimes = nil
	l.alerted = false
	l.mu.Unlock()
	l.log.Info("stream connected")
	l.publish("connected", "")
	l.scheduleResync()
}

func (l *Listener) onError(ctx context.Context, err error) {
	errorsTotal.Inc()
	now := l.now()
	l.mu.Lock()
	l.connected = false
	l.errTimes = append(l.pruneLocked(now), now)
	n := len(l.errTimes)
	fire := n >= l.cfg.ErrorThreshold && !l.alerted
	if fire {
		l.alerted = true
	}
	l.mu.Unlock()

	l.publish("error", err.Error())
	if fire {
		l.alert.Alert(context.WithoutCancel(ctx), fmt.Sprintf("Stream unstable: %d errors in %s, last: %v", n, l.cfg.ErrorWindow, err))
	}
	l.scheduleResync()
}

func (l *Listener) pruneLocked(now time.Time) []time.Time {
	cut := now.Add(-l.cfg.ErrorWindow)
	i := 0
	for i < len(l.errTimes) && l.errTimes[i].Before(cut) {
		i++
	}
	l.errTimes = l.errTimes[i:]
	return l.errTimes
}

// scheduleResync (re)arms the delayed full resync; bursts collapse into one.
func (l *Listener) scheduleResync() {
	if l.resync == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.parent == nil {
		return
	}
	if l.resyncTimer != nil {
		l.resyncTimer.Stop()
	}
	parent := l.parent
	l.resyncTimer = time.AfterFunc(l.cfg.ResyncDelay, func() {
		run := func(ctx context.Context) error {
			resyncs.Inc()
			return l.resync(ctx)
		}
		if l.spawner != nil {
			l.spawner.Spawn("stream.resync", run)
			return
		}
		if err := run(parent); err != nil {
			l.log.Warn("stream resync failed", logx.Err(err))
		}
	})
}

// ReloadListeners replaces the owned rule set with rules covering ids.
// Accounts beyond the rule budget are dropped deterministically and alerted.
func (l *Listener) ReloadListeners(ctx context.Context, ids []string) error {
	values, dropped := PackRules(ids, l.cfg.MaxRules, l.cfg.MaxRuleLen)

	existing, err := l.prov.StreamRules(ctx)
	if err != nil {
		return fmt.Errorf("stream: list rules: %w", err)
	}
	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[v] = true
	}
	var del []string
	for _, r := range existing {
		if r.Tag != RuleTag {
			continue
		}
		if want[r.Value] {
			delete(want, r.Value)
			continue
		}
		del = append(del, r.ID)
	}
	var add []provider.Rule
	for _, v := range values {
		if want[v] {
			add = append(add, provider.Rule{Value: v, Tag: RuleTag})
		}
	}

	if err := l.prov.DeleteStreamRules(ctx, del); err != nil {
		return fmt.Errorf("stream: delete rules: %w", err)
	}
	if err := l.prov.AddStreamRules(ctx, add); err != nil {
		return fmt.Errorf("stream: add rules: %w", err)
	}

	l.mu.Lock()
	l.rules, l.dropped = len(values), len(dropped)
	l.mu.Unlock()
	ruleGauge.Set(float64(len(values)))
	l.log.Info("stream rules reloaded", logx.Int("accounts", len(ids)), logx.Int("rules", len(values)),
		logx.Int("added", len(add)), logx.Int("deleted", len(del)), logx.Int("dropped", len(dropped)))

	if len(dropped) > 0 {
		l.alert.Alert(ctx, fmt.Sprintf("Stream rule budget exceeded: %d of %d accounts not covered (first dropped: %s)",
			len(dropped), len(uniqueSorted(ids)), dropped[0]))
	}
	return nil
}

func (l *Listener) publish(state, reason string) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: eventbus.StreamState, Data: eventbus.StateEvent{State: state, Reason: reason}})
}
