package feed

import (
	"context"
	"time"

	"feedwatch/internal/poll"
	"feedwatch/internal/render"
	"feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/stream"
)

// Health is a point-in-time view of every ingestion and worker subsystem.
// Sections for disabled subsystems are nil.
type Health struct {
	At         time.Time            `json:"at"`
	Mode       string               `json:"mode"`
	Poll       *poll.Status         `json:"poll,omitempty"`
	Stream     *stream.Status       `json:"stream,omitempty"`
	Render     *render.Stats        `json:"render,omitempty"`
	Jobs       []scheduler.JobInfo  `json:"jobs,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// OK reports whether the active ingestion path is running.
func (h Health) OK() bool {
	switch {
	case h.Stream != nil:
		return h.Stream.Running || h.Stream.Reconnecting
	case h.Poll != nil:
		return h.Poll.Enabled
	}
	return false
}

func (e *Engine) Health(ctx context.Context) Health {
	h := Health{At: e.now(), Mode: "none"}
	if e.deps.Poller != nil {
		st := e.deps.Poller.Status()
		h.Poll, h.Mode = &st, "poll"
	}
	if e.deps.Stream != nil {
		st := e.deps.Stream.Status()
		h.Stream, h.Mode = &st, "stream"
	}
	if e.deps.Render != nil {
		st := e.deps.Render.Stats()
		h.Render = &st
	}
	if e.deps.Scheduler != nil {
		h.Jobs = e.deps.Scheduler.Snapshot().Jobs
	}
	if e.deps.Supervisor != nil {
		snap := e.deps.Supervisor.Snapshot()
		h.Supervisor = &snap
	}
	return h
}
