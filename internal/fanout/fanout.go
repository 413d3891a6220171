// Package fanout matches detected changes against subscriptions and delivers
// them through the chat adapter.
package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedwatch/internal/model"
	"feedwatch/internal/storage"
	"feedwatch/internal/transport"
	"feedwatch/pkg/logx"
	"feedwatch/pkg/tgui"
)

// Sender is the subset of transport.Adapter used for delivery.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendMedia(ctx context.Context, to transport.ChatTarget, caption string, media []transport.Media, opt *transport.SendOptions) (transport.MessageRef, error)
}

// ChannelGate reports whether a channel currently accepts deliveries.
type ChannelGate func(ch model.Channel) bool

// Translator turns text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, target string) (string, error)
}

type Registry interface {
	ForAccount(ctx context.Context, accountID string) ([]model.Subscription, error)
}

// Entities resolves stored posts and accounts; ApiClient satisfies it.
type Entities interface {
	GetPost(ctx context.Context, id string) (*model.Post, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SetTranslation(ctx context.Context, id, text string) error
}

type Failures interface {
	AddDeliveryFailure(ctx context.Context, f model.DeliveryFailure) error
}

type Config struct {
	// RelevanceFollowers is the follower bar for mention relay; verified
	// accounts always pass.
	RelevanceFollowers int64
	TranslateTo        string
	// PostURL is a fmt pattern taking handle and post id.
	PostURL string
}

// Message is one rendered delivery: text plus ordered media references.
type Message struct {
	Text  string
	Media []transport.Media
}

type Dispatcher struct {
	cfg        Config
	reg        Registry
	entities   Entities
	failures   Failures
	sender     Sender
	gate       ChannelGate
	translator Translator
	log        logx.Logger
	now        func() time.Time

	mu sync.RWMutex
}

type Option func(*Dispatcher)

func WithGate(g ChannelGate) Option { return func(d *Dispatcher) { d.gate = g } }

func WithTranslator(t Translator) Option { return func(d *Dispatcher) { d.translator = t } }

func New(cfg Config, reg Registry, entities Entities, failures Failures, sender Sender, log logx.Logger, opts ...Option) *Dispatcher {
	if cfg.PostURL == "" {
		cfg.PostURL = "https://x.com/%s/status/%s"
	}
	if cfg.TranslateTo == "" {
		cfg.TranslateTo = "en"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, reg: reg, entities: entities, failures: failures, sender: sender, log: log, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// SetTranslator swaps the translator at runtime; nil disables translation.
func (d *Dispatcher) SetTranslator(t Translator) {
	d.mu.Lock()
	d.translator = t
	d.mu.Unlock()
}

func (d *Dispatcher) currentTranslator() Translator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.translator
}

// DispatchPost delivers a new post to the author's subscribers and relays it
// to subscribers of relevant mentioned accounts. Delivery failures are
// recorded per subscription; only lookup errors are returned.
func (d *Dispatcher) DispatchPost(ctx context.Context, p *model.Post) error {
	if p == nil {
		return nil
	}
	author, err := d.account(ctx, p.AuthorID)
	if err != nil {
		return err
	}
	subs, err := d.reg.ForAccount(ctx, p.AuthorID)
	if err != nil {
		return err
	}

	job := &postJob{d: d, post: p, author: author}
	if p.Kind == model.KindRepost && p.RefPostID != "" {
		if ref, err := d.post(ctx, p.RefPostID); err != nil {
			return err
		} else if ref != nil {
			job.ref = ref
		}
	}

	targeted := make(map[model.Channel]bool)
	for _, sub := range subs {
		if !sub.Accepts(p.Kind) {
			deliveries.WithLabelValues("post", "filtered").Inc()
			continue
		}
		targeted[sub.Channel] = true
		job.deliver(ctx, sub, nil)
	}

	if p.Kind == model.KindRepost {
		return nil
	}
	for _, id := range p.Mentions {
		if id == p.AuthorID {
			continue
		}
		mentioned, err := d.account(ctx, id)
		if err != nil {
			return err
		}
		if !mentioned.Relevant(d.cfg.RelevanceFollowers) {
			continue
		}
		relay, err := d.reg.ForAccount(ctx, id)
		if err != nil {
			return err
		}
		for _, sub := range relay {
			if !sub.Flags.MentionRelay || targeted[sub.Channel] {
				continue
			}
			targeted[sub.Channel] = true
			job.deliver(ctx, sub, mentioned)
		}
	}
	return nil
}

// DispatchAccount delivers profile changes to subscriptions that opted into
// the changed field. Failed sends are logged.
func (d *Dispatcher) DispatchAccount(ctx context.Context, a *model.Account, changes []model.AccountChange) error {
	if a == nil || len(changes) == 0 {
		return nil
	}
	subs, err := d.reg.ForAccount(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		var wanted []model.AccountChange
		for _, c := range changes {
			if wants(sub, a, c) {
				wanted = append(wanted, c)
			}
		}
		if len(wanted) == 0 {
			continue
		}
		if d.gate != nil && !d.gate(sub.Channel) {
			deliveries.WithLabelValues("account", "disabled").Inc()
			continue
		}
		msg := renderAccount(a, wanted)
		if err := d.send(ctx, sub.Channel, msg); err != nil {
			deliveries.WithLabelValues("account", "failed").Inc()
			d.log.Warn("account change delivery failed", logx.Sub(sub.ID), logx.Account(a.ID), logx.Err(err))
			continue
		}
		deliveries.WithLabelValues("account", "ok").Inc()
	}
	return nil
}

func wants(sub model.Subscription, a *model.Account, c model.AccountChange) bool {
	switch c.Kind {
	case model.ChangeName:
		return sub.Flags.ProfileName
	case model.ChangeBio:
		return sub.Flags.ProfileBio
	case model.ChangeAvatar:
		return sub.Flags.ProfileAvatar
	case model.ChangeFollowers:
		t := sub.Flags.FollowerThreshold
		return t > 0 && a.Followers >= t
	}
	return false
}

type postJob struct {
	d      *Dispatcher
	post   *model.Post
	ref    *model.Post
	author *model.Account

	translated    string
	translateDone bool
}

// deliver sends one message; via is the mentioned account for relayed copies.
func (j *postJob) deliver(ctx context.Context, sub model.Subscription, via *model.Account) {
	kind := "post"
	if via != nil {
		kind = "relay"
	}
	d := j.d
	if d.gate != nil && !d.gate(sub.Channel) {
		deliveries.WithLabelValues(kind, "disabled").Inc()
		j.fail(ctx, sub, "channel disabled")
		return
	}

	var translation string
	if sub.Flags.Translate {
		translation = j.translation(ctx)
	}
	msg := renderPost(d.cfg.PostURL, j.post, j.ref, j.author, via, translation)
	if err := d.send(ctx, sub.Channel, msg); err != nil {
		deliveries.WithLabelValues(kind, "failed").Inc()
		d.log.Warn("delivery failed", logx.Sub(sub.ID), logx.Chat(sub.Channel.ChatID, sub.Channel.ThreadID), logx.Post(j.post.ID), logx.Err(err))
		j.fail(ctx, sub, err.Error())
		return
	}
	deliveries.WithLabelValues(kind, "ok").Inc()
}

// translation translates the post once per dispatch. Failures fall back to
// the untranslated text.
func (j *postJob) translation(ctx context.Context) string {
	if j.translateDone {
		return j.translated
	}
	j.translateDone = true

	src := j.post
	if j.ref != nil {
		src = j.ref
	}
	if src.Translated != "" {
		j.translated = src.Translated
		return j.translated
	}
	tr := j.d.currentTranslator()
	if tr == nil || src.RenderedText == "" {
		return ""
	}
	out, err := tr.Translate(ctx, src.RenderedText, j.d.cfg.TranslateTo)
	if err != nil {
		translations.WithLabelValues("failed").Inc()
		j.d.log.Warn("translation failed, delivering untranslated", logx.Post(src.ID), logx.Err(err))
		return ""
	}
	translations.WithLabelValues("ok").Inc()
	j.translated = out
	if err := j.d.entities.SetTranslation(ctx, src.ID, out); err != nil {
		j.d.log.Warn("store translation failed", logx.Post(src.ID), logx.Err(err))
	}
	return out
}

func (j *postJob) fail(ctx context.Context, sub model.Subscription, reason string) {
	if j.d.failures == nil {
		return
	}
	err := j.d.failures.AddDeliveryFailure(ctx, model.DeliveryFailure{
		SubscriptionID: sub.ID,
		PostID:         j.post.ID,
		Reason:         reason,
		At:             j.d.now().UTC(),
	})
	if err != nil {
		j.d.log.Error("record delivery failure", logx.Sub(sub.ID), logx.Post(j.post.ID), logx.Err(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, ch model.Channel, msg Message) error {
	to := transport.ChatTarget{ChatID: ch.ChatID, ThreadID: ch.ThreadID}
	opt := &transport.SendOptions{ParseMode: tgui.ParseMode, DisablePreview: true}
	var err error
	if len(msg.Media) > 0 {
		_, err = d.sender.SendMedia(ctx, to, msg.Text, msg.Media, opt)
	} else {
		_, err = d.sender.SendText(ctx, to, msg.Text, opt)
	}
	return err
}

func (d *Dispatcher) account(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, nil
	}
	a, err := d.entities.GetAccount(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (d *Dispatcher) post(ctx context.Context, id string) (*model.Post, error) {
	p, err := d.entities.GetPost(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return p, err
}
