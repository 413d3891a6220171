package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"feedwatch/internal/alert"
	"feedwatch/internal/apiclient"
	"feedwatch/internal/config"
	"feedwatch/internal/detect"
	"feedwatch/internal/eventbus"
	"feedwatch/internal/fanout"
	"feedwatch/internal/feed"
	"feedwatch/internal/model"
	"feedwatch/internal/notifier"
	"feedwatch/internal/observability/debug"
	"feedwatch/internal/poll"
	"feedwatch/internal/provider"
	"feedwatch/internal/ratelimit"
	"feedwatch/internal/render"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/storage"
	"feedwatch/internal/stream"
	"feedwatch/internal/subs"
	kit "feedwatch/internal/transport"
	telegram "feedwatch/internal/transport/telegram/adapter"
	"feedwatch/pkg/logx"
)

const (
	jobResync  = feed.JobResync
	jobCleanup = "cleanup"
	jobHealth  = "health"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *storage.Store
	adapter *telegram.Adapter
	notif   *notifier.Service
	alerter *alert.Operator

	api      *apiclient.Client
	registry *subs.Registry
	poller   *poll.Loop
	listener *stream.Listener
	queue    *render.Queue
	renderer *render.Renderer
	sched    *scheduler.Service
	debug    *debug.Service
	engine   *feed.Engine

	schedules schedules
	render    renderSettings
}

// NewApp loads the config and builds every component without starting any.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &App{cfgPath: cfgPath, cfgm: cfgm}

	tgCfg, _ := mapTelegramConfig(cfg)
	ad, err := telegram.New(tgCfg, logx.NewConsole("INFO").Comp("telegram"))
	if err != nil {
		return nil, err
	}
	a.adapter = ad

	// Start with the operator sink off so Apply does not warn about a
	// missing target, then set the target and apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetOperatorTarget(cfg.Telegram.AlertChat, cfg.Telegram.AlertThread)
	logSvc.Apply(logCfg)
	a.logs, a.log = logSvc, log.Comp("app")

	a.bus = eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	a.store, err = storage.Open(ctx, sc, log.Comp("storage"))
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = a.store.Close()
		}
	}()

	ncfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, ad, log.Comp("notifier"), a.bus, a.store)
	a.alerter = alert.NewOperator(a.notif, alertTarget(cfg), log.Comp("alert"))

	limits, _ := mapRateLimits(cfg)
	pc, _ := mapProviderConfig(cfg)
	prov, err := provider.New(pc, ratelimit.NewSet(limits), log.Comp("provider"))
	if err != nil {
		return nil, err
	}

	// fanout needs the ApiClient for lookups and the ApiClient needs the
	// detector (and so fanout) at construction; ents closes the loop.
	fc, dc, ac, _ := mapFanoutConfig(cfg)
	ents := &lateEntities{}
	a.registry = subs.New(a.store)
	disp := fanout.New(fc, a.registry, ents, a.store, ad, log.Comp("fanout"), fanout.WithGate(deliverable))
	det := detect.New(dc, a.bus, disp, log.Comp("detect"))
	a.api, err = apiclient.New(ac, prov, a.store, det, a, log.Comp("apiclient"))
	if err != nil {
		return nil, err
	}
	ents.Entities = a.api

	if cfg.Stream.Enabled {
		stc, _ := mapStreamConfig(cfg)
		a.listener = stream.New(stc, prov, a.api, a.resync, a, a.alerter, a.bus, log.Comp("stream"))
	} else if cfg.Poll.Enabled {
		plc, _ := mapPollConfig(cfg)
		a.poller = poll.New(plc, a.api, a.alerter, a.bus, log.Comp("poll"))
	}

	a.render, _ = mapRenderConfig(cfg)
	a.renderer, err = render.NewRenderer(a.render.renderer, a.api, a.store, log.Comp("render"))
	if err != nil {
		return nil, err
	}
	a.queue = render.NewQueue(a.render.queue, a.renderer, a.bus, log.Comp("render.queue"))

	a.schedules, _ = mapSchedules(cfg)
	a.sched = scheduler.New(scheduler.Config{Timezone: a.schedules.timezone}, log.Comp("scheduler"), a.bus,
		rtsup.WithFailureHook(a.onTaskFailure))

	a.engine = feed.New(feed.Config{}, a.engineDeps(), log.Comp("feed"))

	dbg, _ := mapDebugConfig(cfg)
	a.debug = debug.New(dbg, func(ctx context.Context) any { return a.engine.Health(ctx) }, log.Comp("debug"))

	ok = true
	return a, nil
}

// Engine is the facade the command layer drives.
func (a *App) Engine() *feed.Engine { return a.engine }

func (a *App) engineDeps() feed.Deps {
	d := feed.Deps{
		Store:      a.store,
		Accounts:   a.api,
		Registry:   a.registry,
		Render:     a.queue,
		Scheduler:  a.sched,
		Supervisor: a,
	}
	// Leave the interfaces nil (not typed-nil) for the mode that is off.
	if a.listener != nil {
		d.Stream = a.listener
	}
	if a.poller != nil {
		d.Poller = a.poller
	}
	return d
}

// lateEntities forwards to an Entities set after construction.
type lateEntities struct{ fanout.Entities }

// deliverable gates fan-out to channels the adapter can address.
func deliverable(ch model.Channel) bool {
	return ch.Platform == model.PlatformTelegram && ch.ChatID != 0
}

func alertTarget(cfg *config.Config) kit.ChatTarget {
	return kit.ChatTarget{ChatID: cfg.Telegram.AlertChat, ThreadID: cfg.Telegram.AlertThread}
}

// Spawn runs a detached task on the app supervisor. Tasks spawned before
// Start or after Stop are dropped.
func (a *App) Spawn(name string, fn func(ctx context.Context) error) {
	if sup := a.sup; sup != nil {
		sup.Spawn(name, fn)
		return
	}
	a.log.Debug("spawn without supervisor; task dropped", logx.String("task", name))
}

// Snapshot reports the app supervisor's per-task stats.
func (a *App) Snapshot() rtsup.Snapshot {
	return a.sup.Snapshot()
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.StateEvent:
		a.log.Info("ingestion state", logx.String("type", e.Type), logx.String("state", d.State), logx.String("reason", d.Reason))
	case eventbus.RenderEvent:
		a.log.Warn("render job failed", logx.Job(d.JobID), logx.Post(d.PostID), logx.String("err", d.Err))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func (a *App) onTaskFailure(name string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	ctx := context.Background()
	if a.sup != nil {
		ctx = a.sup.Context()
	}
	a.alerter.Alert(ctx, fmt.Sprintf("task %s failed: %v", name, err))
}

func (a *App) resync(ctx context.Context) error { return a.engine.Resync(ctx) }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithFailureHook(a.onTaskFailure),
	)
	a.cfgm.SetLogger(a.log.Comp("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	runCtx := a.sup.Context()
	if err := a.adapter.Start(runCtx); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.sched.Start(runCtx)
	a.queue.Start(runCtx)

	switch {
	case a.listener != nil:
		if err := a.reloadStreamRules(runCtx); err != nil {
			a.log.Warn("initial stream rule sync failed", logx.Err(err))
		}
		a.listener.Start(runCtx)
	case a.poller != nil:
		a.sup.Go("poll.loop", a.poller.Run)
	default:
		a.log.Warn("both poll and stream are disabled; only manual resync will ingest posts")
	}

	if err := a.debug.Start(runCtx); err != nil {
		a.log.Error("debug server not started", logx.Err(err))
	}

	events, unsub := a.bus.Subscribe(64, eventbus.PollState, eventbus.StreamState, eventbus.RenderFailed)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("storage", a.store.Driver()),
		logx.Bool("stream", a.listener != nil),
		logx.Bool("poll", a.poller != nil),
	)
	return nil
}

func (a *App) reloadStreamRules(ctx context.Context) error {
	ids, err := a.registry.WatchedAccountIDs(ctx)
	if err != nil {
		return err
	}
	return a.listener.ReloadListeners(ctx, ids)
}

// registerJobs installs the maintenance jobs. A job configured "off" is
// simply not registered.
func (a *App) registerJobs() error {
	add := func(name, spec string, timeout time.Duration, fn scheduler.JobFunc) error {
		err := a.sched.Add(name, spec, timeout, fn)
		if errors.Is(err, scheduler.ErrDisabled) {
			a.log.Info("job disabled", logx.Job(name))
			return nil
		}
		return err
	}
	if err := add(jobResync, a.schedules.resync, 30*time.Minute, a.resync); err != nil {
		return err
	}
	if err := add(jobCleanup, a.schedules.cleanup, 5*time.Minute, a.cleanupArtifacts); err != nil {
		return err
	}
	if a.listener == nil {
		return nil
	}
	return add(jobHealth, a.schedules.health, 10*time.Second, func(context.Context) error {
		if a.listener.EnsureRunning() {
			a.alerter.Alert(a.sup.Context(), "stream listener was down; reconnecting")
		}
		return nil
	})
}

func (a *App) cleanupArtifacts(ctx context.Context) error {
	n, err := render.CleanupArtifacts(a.render.renderer.ArtifactDir, a.render.maxAge, time.Now())
	if n > 0 {
		a.log.Info("artifacts removed", logx.Int("count", n))
	}
	return err
}

// reloadLoop applies the live sections of every committed config and warns
// about the rest.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			ch := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if ch.Empty() {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			a.applyLive(c, newCfg, ch)

			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
			a.log.Info("config reloaded", fields...)
			if len(ch.RestartRequired) > 0 {
				a.log.Warn("config sections changed that need a restart",
					logx.Strings("sections", ch.RestartRequired))
			}
		}
	}
}

func (a *App) applyLive(c context.Context, cfg *config.Config, ch config.Change) {
	if ch.Has("alerts") || ch.Has("logging") {
		// target first so Apply does not warn when the sink is enabled
		a.logs.SetOperatorTarget(cfg.Telegram.AlertChat, cfg.Telegram.AlertThread)
		a.alerter.SetTarget(alertTarget(cfg))
		a.logs.Apply(mapLogConfig(cfg))
	}

	if ch.Has("notifier") {
		prev := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(cfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
			switch {
			case prev && !ncfg.Enabled:
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			case !prev && ncfg.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(c)
			}
		}
	}

	if ch.Has("debug") {
		dc, err := mapDebugConfig(cfg)
		if err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else if err := a.debug.Reconfigure(c, dc); err != nil {
			a.log.Error("debug server reload failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it does not, report when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("stream", 3*time.Second, func(c context.Context) error {
		if a.listener != nil {
			return a.listener.Stop(c)
		}
		return nil
	})
	step("render", 3*time.Second, func(c context.Context) error {
		err := a.queue.Stop(c)
		a.renderer.Close()
		return err
	})
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	// poll loop, config watch/reload and spawned tasks
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
