package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field adds one key to a log event. Later fields overwrite earlier ones
// with the same key.
type Field func(e *zerolog.Event)

func String(k, v string) Field            { return func(e *zerolog.Event) { e.Str(k, v) } }
func Strings(k string, v []string) Field  { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Int(k string, v int) Field           { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field       { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field     { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Float64(k string, v float64) Field   { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Bool(k string, v bool) Field         { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field    { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field           { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack is a no-op for a blank trace.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Keys shared by every component, so log queries can follow one post or
// account across the pipeline.

func Post(id string) Field    { return String("post", id) }
func Account(id string) Field { return String("account", id) }
func Sub(id string) Field     { return String("sub", id) }
func Job(id string) Field     { return String("job", id) }

// Chat tags a delivery target; a zero thread is omitted.
func Chat(chatID int64, threadID int) Field {
	return func(e *zerolog.Event) {
		e.Int64("chat", chatID)
		if threadID != 0 {
			e.Int("thread", threadID)
		}
	}
}
