package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"feedwatch/pkg/logx"
)

// A run that lasted this long before failing resets the backoff.
const healthyRun = 30 * time.Second

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff bounds the exponential backoff between attempts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n failed restarts (0 = unlimited). The
// first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithStopOnCleanExit controls whether a nil return ends the loop (default)
// or counts as a failure and restarts.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

// WithPublishFirstError surfaces the first failed attempt as the supervisor
// error while the loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

var errExited = errors.New("exited")

// GoRestart runs fn and restarts it after every error or panic with jittered
// exponential backoff until the supervisor is cancelled.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second, stopOnCleanExit: true}
	for _, o := range opts {
		o(&pol)
	}
	pol.maxBackoff = max(pol.maxBackoff, pol.minBackoff)

	s.launch(func() {
		backoff := pol.minBackoff
		for restarts := 0; s.ctx.Err() == nil; restarts++ {
			start := time.Now()
			err := s.call(name, restarts > 0, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil {
				if pol.stopOnCleanExit {
					return
				}
				err = fmt.Errorf("%s: %w", name, errExited)
			}
			s.report(name, err)
			if pol.publishFirstErr {
				s.setErr(err)
			}
			if pol.maxRestarts > 0 && restarts >= pol.maxRestarts {
				s.log.Error("task gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				return
			}
			if time.Since(start) >= healthyRun {
				backoff = pol.minBackoff
			}
			wait := jitter(backoff)
			s.log.Warn("task restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			backoff = min(backoff*2, pol.maxBackoff)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		return d + time.Duration(rand.Int64N(j+1))
	}
	return d
}
