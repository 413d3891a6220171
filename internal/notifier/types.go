package notifier

import (
	"context"
	"time"

	"feedwatch/internal/transport"
)

type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBase {
		c.RetryMaxDelay = max(c.RetryBase, 10*time.Second)
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 1000
	}
	return c
}

// Sender is the subset of the chat adapter alerts go through.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// DedupStore persists suppression windows across restarts.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// AlertEvent is published on the event bus for every pipeline outcome.
type AlertEvent struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// Event types.
const (
	EventQueued  = "alert.queued"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
	EventSent    = "alert.sent"
	EventFailed  = "alert.failed"
)
