package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "feedwatch/internal/transport"
	"feedwatch/pkg/tgui"
)

const (
	operatorQueueSize = 256
	operatorFieldMax  = 600
	operatorStackMax  = 900
)

// operatorSink mirrors log lines at or above a level to the operator chat.
// Writes never block the logging goroutine: lines over the rate limit or
// beyond the queue are dropped and counted.
type operatorSink struct {
	mu       sync.Mutex
	sender   TextSender
	target   kit.ChatTarget
	limiter  *rate.Limiter
	minLevel zerolog.Level

	queue   chan operatorLine
	dropped atomic.Uint64

	once sync.Once
	stop context.CancelFunc
	wg   sync.WaitGroup
}

type operatorLine struct {
	to   kit.ChatTarget
	text string
}

func newOperatorSink(sender TextSender, threadID int) *operatorSink {
	return &operatorSink{
		sender:   sender,
		target:   kit.ChatTarget{ThreadID: threadID},
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
		queue:    make(chan operatorLine, operatorQueueSize),
	}
}

func (o *operatorSink) configure(cfg OperatorConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ThreadID != 0 {
		o.target.ThreadID = cfg.ThreadID
	}
	o.mu.Unlock()
}

func (o *operatorSink) setTarget(chatID int64, threadID int) {
	o.mu.Lock()
	o.target.ChatID = chatID
	if threadID != 0 {
		o.target.ThreadID = threadID
	}
	o.mu.Unlock()
}

func (o *operatorSink) setSender(sender TextSender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *operatorSink) hasTarget() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target.ChatID != 0
}

// start launches the delivery goroutine once.
func (o *operatorSink) start() {
	o.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		o.mu.Lock()
		o.stop = cancel
		o.mu.Unlock()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.run(ctx)
		}()
	})
}

func (o *operatorSink) close() {
	o.mu.Lock()
	stop := o.stop
	o.stop = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
		o.wg.Wait()
	}
}

func (o *operatorSink) run(ctx context.Context) {
	opt := &kit.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true}
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender != nil {
				_, _ = sender.SendText(ctx, line.to, line.text, opt)
			}
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to, lim, minLevel := o.target, o.limiter, o.minLevel
	ready := o.sender != nil && to.ChatID != 0
	o.mu.Unlock()

	if !ready || level < minLevel {
		return len(p), nil
	}
	if !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	text := formatOperatorLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- operatorLine{to: to, text: text}:
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

// formatOperatorLine renders one JSON log line as Telegram HTML: the level
// and message on the first line, then one key=value line per field in key
// order, the stack last. Non-JSON input is escaped as is.
func formatOperatorLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return tgui.Esc(tgui.TruncRunes(raw, operatorStackMax)).String()
	}

	head := tgui.Esc(fieldString(m["message"]))
	if lvl := fieldString(m["level"]); lvl != "" {
		head = tgui.JoinH(" ", tgui.B("["+strings.ToUpper(lvl)+"]"), head)
	}
	lines := []tgui.H{head}

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := tgui.TruncRunes(fieldString(m[k]), operatorFieldMax)
		lines = append(lines, tgui.Code(k)+"="+tgui.Esc(v))
	}
	if st := fieldString(m["stack"]); st != "" {
		lines = append(lines, tgui.Code(tgui.TruncRunes(st, operatorStackMax)))
	}
	return tgui.JoinH("\n", lines...).String()
}

func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	return fmt.Sprint(v)
}
