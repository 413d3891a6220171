package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"feedwatch/internal/eventbus"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/pkg/logx"
)

var (
	ErrUnknownJob = errors.New("scheduler: unknown job")
	ErrBusy       = errors.New("scheduler: job already running")
	ErrStopped    = errors.New("scheduler: not running")
)

const defaultHistorySize = 50

type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	supOpts []rtsup.SupervisorOption

	parser cron.Parser
	c      *cron.Cron
	loc    *time.Location
	sup    *rtsup.Supervisor

	jobs    map[string]*job
	history []RunResult
}

// New builds a stopped scheduler. supOpts are passed to the supervisor each
// Start creates (e.g. a failure hook that alerts the operator).
func New(cfg Config, log logx.Logger, bus eventbus.Bus, supOpts ...rtsup.SupervisorOption) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		supOpts: supOpts,
		parser:  specParser,
		jobs:    map[string]*job{},
	}
}

// Add registers (or replaces) a job. A disabled schedule ("off") returns
// ErrDisabled and removes any previous job of that name.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn JobFunc) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("scheduler: name required")
	}
	if fn == nil {
		return errors.New("scheduler: job func required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		s.Remove(name)
		if errors.Is(err, ErrDisabled) {
			return err
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, ok := everyOf(spec); !ok {
		if _, err := s.parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid cron %q: %w", name, spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: spec, timeout: timeout, run: fn}
	s.jobs[name] = j
	if s.c != nil {
		s.registerLocked(j)
	}
	return nil
}

func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(j *job) {
	fire := cron.FuncJob(func() { _ = s.trigger(j.name, false) })
	if every, ok := everyOf(j.spec); ok {
		sched, jitter := withSpread(every, time.Now().In(s.loc), j.name)
		j.spread = jitter
		j.entryID = s.c.Schedule(sched, fire)
	} else {
		id, err := s.c.AddJob(j.spec, fire)
		if err != nil {
			s.log.Error("schedule register failed", logx.Job(j.name), logx.String("spec", j.spec), logx.Err(err))
			return
		}
		j.entryID = id
	}
	s.log.Debug("schedule registered",
		logx.Job(j.name),
		logx.String("spec", j.spec),
		logx.Duration("spread", j.spread),
	)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		j.entryID = 0
		s.registerLocked(j)
	}
	s.c.Start()
}

// Start begins triggering. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	opts := append([]rtsup.SupervisorOption{rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)}, s.supOpts...)
	s.sup = rtsup.NewSupervisor(ctx, opts...)
	for _, j := range s.jobs {
		j.running = false
	}
	s.startCronLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Apply updates the config. A timezone change re-registers every job.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.c == nil || !tzChanged {
		return
	}
	<-s.c.Stop().Done()
	s.startCronLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()))
}

// Stop halts triggering and cancels in-flight runs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("jobs did not finish before stop deadline", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// RunNow triggers name immediately, outside its schedule. ErrBusy means a
// run is already in flight.
func (s *Service) RunNow(name string) error {
	return s.trigger(name, true)
}

func (s *Service) trigger(name string, manual bool) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownJob
	}
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if j.running {
		j.skipped++
		s.mu.Unlock()
		jobRuns.WithLabelValues(name, "skipped").Inc()
		s.log.Debug("schedule trigger skipped (still running)", logx.Job(name))
		s.publish(EventJobSkipped, RunResult{Name: name, Started: time.Now(), Manual: manual})
		return ErrBusy
	}
	j.running = true
	run, timeout := j.run, j.timeout
	s.mu.Unlock()

	sup.Spawn("job."+name, func(ctx context.Context) error {
		return s.execute(ctx, name, run, timeout, manual)
	})
	return nil
}

func (s *Service) execute(ctx context.Context, name string, run JobFunc, timeout time.Duration, manual bool) (err error) {
	started := time.Now()
	defer func() {
		s.mu.Lock()
		if j, ok := s.jobs[name]; ok {
			j.running = false
		}
		s.mu.Unlock()
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = run(ctx)

	res := RunResult{Name: name, Started: started, Took: time.Since(started), Manual: manual}
	switch {
	case err == nil:
		jobRuns.WithLabelValues(name, "ok").Inc()
		s.log.Debug("job finished", logx.Job(name), logx.Duration("took", res.Took))
		s.record(res)
		s.publish(EventJobDone, res)
		return nil
	case errors.Is(err, context.Canceled):
		res.Canceled = true
		res.Err = err.Error()
		jobRuns.WithLabelValues(name, "canceled").Inc()
		s.record(res)
		return err
	default:
		res.Err = err.Error()
		jobRuns.WithLabelValues(name, "error").Inc()
		s.record(res)
		s.publish(EventJobFailed, res)
		return fmt.Errorf("job %s: %w", name, err)
	}
}

func (s *Service) record(r RunResult) {
	jobSeconds.WithLabelValues(r.Name).Observe(r.Took.Seconds())
	s.mu.Lock()
	s.history = append(s.history, r)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append(s.history[:0:0], s.history[over:]...)
	}
	s.mu.Unlock()
}

func (s *Service) publish(typ string, r RunResult) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: r})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.c != nil, Timezone: strings.TrimSpace(s.cfg.Timezone)}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		info := JobInfo{Name: j.name, Spec: j.spec, Timeout: j.timeout, Running: j.running, Skipped: j.skipped}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(a, b int) bool { return snap.Jobs[a].Name < snap.Jobs[b].Name })
	snap.History = append([]RunResult(nil), s.history...)
	return snap
}
