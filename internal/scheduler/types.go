package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	// HistorySize caps the run history kept for Snapshot. Default 50.
	HistorySize int
}

// JobFunc is one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type job struct {
	name    string
	spec    string // normalized cron spec or "@every <d>"
	timeout time.Duration
	run     JobFunc

	entryID cron.EntryID // 0 when not registered
	spread  time.Duration
	running bool
	skipped uint64
}

// RunResult is one finished run, kept in the history ring.
type RunResult struct {
	Name     string
	Started  time.Time
	Took     time.Duration
	Err      string
	Manual   bool
	Canceled bool
}

type JobInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Running bool
	Skipped uint64
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Running  bool
	Timezone string
	Jobs     []JobInfo
	History  []RunResult
}

// Event types published on the bus.
const (
	EventJobDone    = "job.done"
	EventJobFailed  = "job.failed"
	EventJobSkipped = "job.skipped"
)
