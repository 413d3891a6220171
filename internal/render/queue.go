// Package render runs screenshot jobs on a bounded queue served by a fixed
// worker pool.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedwatch/internal/eventbus"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("render: queue full")
	ErrRestarted = errors.New("render: worker pool restarted")
	ErrStopped   = errors.New("render: queue stopped")
)

// Job renders one post. Text, when set, is pinned over the screenshot in
// place of the post's translation or rendered text.
type Job struct {
	ID        string
	PostID    string
	Requester string
	Text      string
}

type Result struct {
	JobID  string
	PostID string
	File   string
	Text   string
	Took   time.Duration
}

// Runner executes one job; the chromedp Renderer is the production runner.
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// Future resolves once the job finished, failed or was lost to a restart.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future { return &Future{done: make(chan struct{})} }

func (f *Future) resolve(res Result, err error) {
	f.res, f.err = res, err
	close(f.done)
}

func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type task struct {
	job    Job
	future *Future
}

type QueueConfig struct {
	Workers   int
	QueueSize int
	// DurationWindow caps how many recent durations feed the estimate.
	DurationWindow int
	// DefaultEstimate is used before any job completed.
	DefaultEstimate time.Duration
}

type Stats struct {
	Workers     int           `json:"workers"`
	Busy        int           `json:"busy"`
	Queued      int           `json:"queued"`
	Capacity    int           `json:"capacity"`
	AvgDuration time.Duration `json:"avg_duration"`
	Done        uint64        `json:"done"`
	Failed      uint64        `json:"failed"`
}

type Queue struct {
	cfg    QueueConfig
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger

	tasks chan *task

	mu        sync.Mutex
	parent    context.Context
	cancel    context.CancelFunc
	sup       *rtsup.Supervisor
	busy      int
	durations []time.Duration
	done      uint64
	failed    uint64
}

func NewQueue(cfg QueueConfig, runner Runner, bus eventbus.Bus, log logx.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.DurationWindow <= 0 {
		cfg.DurationWindow = 20
	}
	if cfg.DefaultEstimate <= 0 {
		cfg.DefaultEstimate = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{cfg: cfg, runner: runner, bus: bus, log: log, tasks: make(chan *task, cfg.QueueSize)}
}

// Start launches the workers.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.parent = ctx
	q.mu.Unlock()
	q.launch()
}

// Stop cancels running jobs and waits for workers. Queued jobs stay queued.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	cancel, sup := q.cancel, q.sup
	q.cancel, q.sup, q.parent = nil, nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return sup.Wait(ctx)
}

// Restart cancels running workers and launches a fresh pool. In-flight jobs
// fail with ErrRestarted; queued jobs are picked up by the new workers.
func (q *Queue) Restart(ctx context.Context) error {
	q.mu.Lock()
	cancel, sup := q.cancel, q.sup
	q.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := sup.Wait(ctx); err != nil {
			return err
		}
	}
	q.log.Info("render workers restarted")
	q.launch()
	return nil
}

func (q *Queue) launch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.parent == nil || q.parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithCancel(q.parent)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(q.log), rtsup.WithCancelOnError(false))
	q.cancel, q.sup = cancel, sup
	for i := 0; i < q.cfg.Workers; i++ {
		sup.Go0(fmt.Sprintf("render.worker.%d", i), q.worker)
	}
}

// Submit enqueues a job. It returns the job's future, its queue position and
// an estimated wait of avg × ceil(position / workers). A full queue returns
// ErrQueueFull without side effects.
func (q *Queue) Submit(job Job) (*Future, int, time.Duration, error) {
	t := &task{job: job, future: newFuture()}
	select {
	case q.tasks <- t:
	default:
		submits.WithLabelValues("full").Inc()
		return nil, 0, 0, ErrQueueFull
	}
	submits.WithLabelValues("queued").Inc()
	pos := len(q.tasks)
	if pos < 1 {
		pos = 1
	}
	rounds := (pos + q.cfg.Workers - 1) / q.cfg.Workers
	return t.future, pos, q.avg() * time.Duration(rounds), nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Workers:     q.cfg.Workers,
		Busy:        q.busy,
		Queued:      len(q.tasks),
		Capacity:    cap(q.tasks),
		AvgDuration: q.avgLocked(),
		Done:        q.done,
		Failed:      q.failed,
	}
}

func (q *Queue) avg() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.avgLocked()
}

func (q *Queue) avgLocked() time.Duration {
	if len(q.durations) == 0 {
		return q.cfg.DefaultEstimate
	}
	var sum time.Duration
	for _, d := range q.durations {
		sum += d
	}
	return sum / time.Duration(len(q.durations))
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			if ctx.Err() != nil {
				q.requeue(t)
				return
			}
			q.run(ctx, t)
		}
	}
}

// requeue returns a task picked up during cancellation; it was never started.
func (q *Queue) requeue(t *task) {
	select {
	case q.tasks <- t:
	default:
		t.future.resolve(Result{}, ErrRestarted)
	}
}

func (q *Queue) run(ctx context.Context, t *task) {
	q.mu.Lock()
	q.busy++
	q.mu.Unlock()
	busyGauge.Inc()

	start := time.Now()
	res, err := q.safeRun(ctx, t.job)
	took := time.Since(start)
	if ctx.Err() != nil {
		err = ErrRestarted
	}

	q.mu.Lock()
	q.busy--
	if err == nil {
		q.durations = append(q.durations, took)
		if len(q.durations) > q.cfg.DurationWindow {
			q.durations = q.durations[len(q.durations)-q.cfg.DurationWindow:]
		}
		q.done++
	} else {
		q.failed++
	}
	q.mu.Unlock()
	busyGauge.Dec()

	ev := eventbus.RenderEvent{JobID: t.job.ID, PostID: t.job.PostID}
	if err != nil {
		jobs.WithLabelValues("failed").Inc()
		ev.Err = err.Error()
		q.publish(eventbus.RenderFailed, ev)
		q.log.Warn("render job failed", logx.Job(t.job.ID), logx.Post(t.job.PostID), logx.Err(err))
	} else {
		jobs.WithLabelValues("done").Inc()
		jobSeconds.Observe(took.Seconds())
		res.Took = took
		ev.File = res.File
		q.publish(eventbus.RenderDone, ev)
	}
	t.future.resolve(res, err)
}

func (q *Queue) safeRun(ctx context.Context, job Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("render panic: %v", r)
		}
	}()
	return q.runner.Run(ctx, job)
}

func (q *Queue) publish(typ string, ev eventbus.RenderEvent) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
