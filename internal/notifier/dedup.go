package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"feedwatch/internal/transport"
	"feedwatch/pkg/logx"
)

const (
	dedupLookupTimeout = 50 * time.Millisecond
	dedupWriteTimeout  = 250 * time.Millisecond
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey fingerprints channel, target, priority and text. Empty text has
// no key and is never suppressed.
func dedupKey(n transport.Notification) string {
	if n.Text == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d:%d:%d|", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Priority)
	_, _ = h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// suppressor remembers recently sent keys until their window ends. Entries
// expire with the window and the oldest are evicted past size.
type suppressor struct {
	window time.Duration
	size   int
	recent *expirable.LRU[string, time.Time]
}

func newSuppressor(window time.Duration, size int) *suppressor {
	s := &suppressor{window: window, size: size}
	if window > 0 {
		s.recent = expirable.NewLRU[string, time.Time](size, nil, window)
	}
	return s
}

// allow reports whether key may be sent now and, if so, opens a new window
// for it. A persisted window from an earlier run also suppresses; new
// windows are handed to persist without blocking.
func (s *suppressor) allow(ctx context.Context, key string, store DedupStore, persist chan<- dedupWrite) bool {
	if s.recent == nil {
		return true
	}
	now := time.Now()
	if until, ok := s.recent.Get(key); ok && now.Before(until) {
		return false
	}
	if store != nil && persist != nil {
		lctx, cancel := context.WithTimeout(ctx, dedupLookupTimeout)
		until, ok, err := store.GetDedup(lctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.recent.Add(key, until)
			return false
		}
	}

	until := now.Add(s.window)
	s.recent.Add(key, until)
	if persist != nil {
		select {
		case persist <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, writes <-chan dedupWrite) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-writes:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, dedupWriteTimeout)
			if err := s.store.PutDedup(wctx, w.key, w.until); err != nil {
				s.log.Debug("dedup window not persisted", logx.Err(err))
			}
			cancel()
		}
	}
}
