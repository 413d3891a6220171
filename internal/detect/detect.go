// Package detect classifies conversions and decides what reaches fan-out.
package detect

import (
	"context"
	"strconv"
	"time"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/model"
	"feedwatch/pkg/logx"
)

// Dispatcher delivers detected changes to subscriptions.
type Dispatcher interface {
	DispatchPost(ctx context.Context, p *model.Post) error
	DispatchAccount(ctx context.Context, a *model.Account, changes []model.AccountChange) error
}

type Config struct {
	// FollowerWindow is the bucket size for follower notifications.
	FollowerWindow int64
	// StaleAfter excludes new posts older than this from fan-out (0 disables).
	StaleAfter time.Duration
}

type Detector struct {
	cfg      Config
	bus      eventbus.Bus
	dispatch Dispatcher
	log      logx.Logger
	now      func() time.Time
}

func New(cfg Config, bus eventbus.Bus, dispatch Dispatcher, log logx.Logger) *Detector {
	if cfg.FollowerWindow <= 0 {
		cfg.FollowerWindow = 1000
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Detector{cfg: cfg, bus: bus, dispatch: dispatch, log: log, now: time.Now}
}

// PostUpdate classifies a conversion. old is nil for a post never seen before.
func (d *Detector) PostUpdate(ctx context.Context, p, old *model.Post) error {
	if p == nil {
		return nil
	}
	if old != nil {
		detected.WithLabelValues("post_touched").Inc()
		d.publish(eventbus.PostTouched, eventbus.PostEvent{Post: p})
		return nil
	}

	fanout := p.Origin != model.OriginManual && !d.stale(p)
	detected.WithLabelValues("post_new").Inc()
	d.publish(eventbus.PostNew, eventbus.PostEvent{Post: p, Fanout: fanout})
	if !fanout {
		d.log.Debug("new post not fanned out", logx.Post(p.ID), logx.String("origin", string(p.Origin)),
			logx.Time("created_at", p.CreatedAt))
		return nil
	}
	if d.dispatch == nil {
		return nil
	}
	return d.dispatch.DispatchPost(ctx, p)
}

func (d *Detector) stale(p *model.Post) bool {
	if d.cfg.StaleAfter <= 0 || p.CreatedAt.IsZero() {
		return false
	}
	return d.now().Sub(p.CreatedAt) > d.cfg.StaleAfter
}

// AccountUpdate compares profile fields independently. Fields never observed
// before (empty, UnknownCount) do not produce changes.
func (d *Detector) AccountUpdate(ctx context.Context, a, old *model.Account) error {
	changes := Diff(a, old, d.cfg.FollowerWindow)
	if len(changes) == 0 {
		return nil
	}
	detected.WithLabelValues("account_changed").Add(float64(len(changes)))
	d.publish(eventbus.AccountChanged, eventbus.AccountEvent{Account: a, Changes: changes})
	if d.dispatch == nil {
		return nil
	}
	return d.dispatch.DispatchAccount(ctx, a, changes)
}

// Diff returns the profile changes between old and a.
func Diff(a, old *model.Account, window int64) []model.AccountChange {
	if a == nil || old == nil {
		return nil
	}
	if window <= 0 {
		window = 1000
	}
	var out []model.AccountChange
	str := func(kind model.ChangeKind, was, now string) {
		if was != "" && was != now {
			out = append(out, model.AccountChange{Kind: kind, Old: was, New: now})
		}
	}
	str(model.ChangeName, old.Name, a.Name)
	str(model.ChangeAvatar, old.AvatarURL, a.AvatarURL)
	str(model.ChangeBio, old.Bio, a.Bio)

	if old.Followers != model.UnknownCount && a.Followers != model.UnknownCount &&
		old.Followers/window != a.Followers/window {
		out = append(out, model.AccountChange{
			Kind: model.ChangeFollowers,
			Old:  strconv.FormatInt(old.Followers, 10),
			New:  strconv.FormatInt(a.Followers, 10),
		})
	}
	return out
}

func (d *Detector) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
