package notifier

import (
	"context"
	"math/rand/v2"
	"time"

	"feedwatch/pkg/logx"
)

const sendTimeout = 10 * time.Second

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one alert, retrying with backoff. Rate and retry settings
// are read per job so a reload applies to queued alerts too.
func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	if s.sender == nil {
		return
	}
	text := severityPrefix(j.n.Priority) + j.n.Text
	if text == "" {
		return
	}

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryDelay(cfg, attempt))
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return
			}
		}
		if werr := lim.Wait(ctx); werr != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_, err = s.sender.SendText(sctx, j.n.Target, text, j.n.Options)
		cancel()
		if err == nil {
			alerts.WithLabelValues("sent").Inc()
			s.appendHistory(text)
			s.publish(EventSent, j.n, j.key, nil)
			return
		}
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	alerts.WithLabelValues("failed").Inc()
	s.log.Warn("alert dropped after retries", logx.Err(err), logx.Int("attempts", cfg.RetryMax+1))
	s.publish(EventFailed, j.n, j.key, err)
}

func severityPrefix(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	}
	return ""
}

// retryDelay doubles RetryBase per attempt up to RetryMaxDelay and applies
// +/-30% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
