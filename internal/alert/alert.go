// Package alert routes operator-facing alerts to the notifier pipeline.
package alert

import (
	"context"
	"errors"
	"sync"

	"feedwatch/internal/notifier"
	"feedwatch/internal/transport"
	"feedwatch/pkg/logx"
)

// Alerter raises an operator alert. Implementations never block for long
// and never fail the caller.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

// Func adapts a function to Alerter.
type Func func(ctx context.Context, text string)

func (f Func) Alert(ctx context.Context, text string) { f(ctx, text) }

// Nop discards alerts.
var Nop Alerter = Func(func(context.Context, string) {})

type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Operator sends alerts to the operator chat through the notifier and
// mirrors them to the log.
type Operator struct {
	n   Notifier
	log logx.Logger

	mu     sync.RWMutex
	target transport.ChatTarget
}

func NewOperator(n Notifier, target transport.ChatTarget, log logx.Logger) *Operator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Operator{n: n, target: target, log: log}
}

// SetTarget changes the alert chat, for config reloads.
func (o *Operator) SetTarget(t transport.ChatTarget) {
	o.mu.Lock()
	o.target = t
	o.mu.Unlock()
}

func (o *Operator) Alert(ctx context.Context, text string) {
	o.log.Warn("alert", logx.String("text", text))

	o.mu.RLock()
	to := o.target
	o.mu.RUnlock()
	if o.n == nil || to.ChatID == 0 {
		return
	}
	err := o.n.Notify(ctx, transport.Notification{
		Channel:  "telegram",
		Priority: 9,
		Target:   to,
		Text:     text,
		Options:  &transport.SendOptions{DisablePreview: true},
	})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		o.log.Debug("alert not queued", logx.Err(err))
	}
}
