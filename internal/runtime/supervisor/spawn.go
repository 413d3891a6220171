package supervisor

import (
	"context"

	"feedwatch/pkg/logx"
)

// Spawn runs a detached, fire-and-forget task. A failing task is logged and
// reported to the failure hook but never becomes the supervisor's error.
// Spawn is a no-op once the supervisor is cancelled.
func (s *Supervisor) Spawn(name string, fn func(ctx context.Context) error) {
	if s == nil || fn == nil || s.ctx.Err() != nil {
		return
	}
	s.launch(func() {
		if err := s.call(name, false, fn); err != nil {
			s.log.Warn("task failed", logx.String("name", name), logx.Err(err))
			s.report(name, err)
		}
	})
}
