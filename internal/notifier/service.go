package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedwatch/internal/eventbus"
	rtsup "feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/transport"
	"feedwatch/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 100

type job struct {
	n   transport.Notification
	key string
}

// pipeline is one Start..Stop lifetime: the queue, its workers and the
// optional dedup writer.
type pipeline struct {
	queue    chan job
	persist  chan dedupWrite
	sup      *rtsup.Supervisor
	inflight sync.WaitGroup
	stopped  chan struct{}
}

// Service is the async alert pipeline. It is safe for concurrent use.
type Service struct {
	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	store  DedupStore

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	dedup   *suppressor
	cur     *pipeline
	closing *pipeline

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the pipeline. bus and store may be nil.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	s := &Service{sender: sender, log: log, bus: bus, store: store}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Worker count and queue size take effect on
// the next Start; rate and dedup settings apply immediately.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if s.dedup == nil || s.dedup.window != cfg.DedupWindow || s.dedup.size != cfg.DedupMaxEntries {
		s.dedup = newSuppressor(cfg.DedupWindow, cfg.DedupMaxEntries)
	}
}

// Start launches the workers. It is a no-op when disabled or running, and
// waits for a Stop in progress first.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if prev := s.closing; prev != nil {
		s.mu.Unlock()
		select {
		case <-prev.stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}

	p := &pipeline{
		queue:   make(chan job, s.cfg.QueueSize),
		stopped: make(chan struct{}),
		sup:     rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	if s.cfg.PersistDedup && s.store != nil {
		p.persist = make(chan dedupWrite, 1024)
		p.sup.Go0("dedup.persist", func(c context.Context) { s.persistLoop(c, p.persist) })
	}
	for i := range s.cfg.Workers {
		p.sup.Go0(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) { s.workerLoop(c, p.queue) })
	}
	s.cur = p
}

// Stop refuses new alerts and drains the queue until ctx expires, then
// cancels the workers.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.cur
	if p == nil {
		closing := s.closing
		s.mu.Unlock()
		if closing != nil {
			select {
			case <-closing.stopped:
			case <-ctx.Done():
			}
		}
		return
	}
	s.cur, s.closing = nil, p
	s.mu.Unlock()

	go func() {
		defer close(p.stopped)
		p.inflight.Wait()
		close(p.queue)
		if p.persist != nil {
			close(p.persist)
		}
		_ = p.sup.Wait(context.Background())
		p.sup.Cancel()
		s.mu.Lock()
		if s.closing == p {
			s.closing = nil
		}
		s.mu.Unlock()
	}()

	select {
	case <-p.stopped:
	case <-ctx.Done():
		p.sup.Cancel()
	}
}

// Notify enqueues a notification. Duplicates inside the dedup window are
// dropped silently.
func (s *Service) Notify(ctx context.Context, n transport.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	p, dd := s.cur, s.dedup
	if p == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	p.inflight.Add(1)
	s.mu.Unlock()
	defer p.inflight.Done()

	key := dedupKey(n)
	if key != "" && !dd.allow(ctx, key, s.store, p.persist) {
		alerts.WithLabelValues("deduped").Inc()
		s.publish(EventDeduped, n, key, nil)
		return nil
	}

	select {
	case p.queue <- job{n: n, key: key}:
		alerts.WithLabelValues("queued").Inc()
		s.publish(EventQueued, n, key, nil)
		return nil
	default:
		alerts.WithLabelValues("dropped").Inc()
		s.publish(EventDropped, n, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns recently sent alerts, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if over := len(s.history) - historySize; over > 0 {
		s.history = s.history[over:]
	}
}

func (s *Service) publish(typ string, n transport.Notification, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := AlertEvent{ChatID: n.Target.ChatID, ThreadID: n.Target.ThreadID, Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
