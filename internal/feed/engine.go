// Package feed is the Engine facade the command layer talks to: subscription
// administration, delivery failure lists, render jobs, resync and health.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"feedwatch/internal/model"
	"feedwatch/internal/poll"
	"feedwatch/internal/provider"
	"feedwatch/internal/ratelimit"
	"feedwatch/internal/render"
	"feedwatch/internal/runtime/supervisor"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/storage"
	"feedwatch/internal/stream"
	"feedwatch/pkg/logx"
)

var (
	ErrAlreadySubscribed = errors.New("feed: already subscribed")
	ErrNotSubscribed     = errors.New("feed: not subscribed")
	ErrUnknownAccount    = errors.New("feed: unknown account")
	ErrInvalidOption     = errors.New("feed: invalid option")
)

// JobResync is the scheduler job name ForceResync triggers.
const JobResync = "resync"

// Store is the persistence the facade administers.
type Store interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	UpdateSubscriptionFlags(ctx context.Context, id string, f model.SubscriptionFlags) error
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscription(ctx context.Context, ch model.Channel, accountID string) (*model.Subscription, error)
	ListSubscriptionsByChannel(ctx context.Context, ch model.Channel) ([]model.Subscription, error)
	CountSubscriptionsForAccount(ctx context.Context, accountID string) (int, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
	ListDeliveryFailures(ctx context.Context, subscriptionID string) ([]model.DeliveryFailure, error)
	ClearDeliveryFailures(ctx context.Context, subscriptionID string) (int64, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Accounts resolves accounts and manages the provider follow graph.
type Accounts interface {
	FetchAccount(ctx context.Context, id string) (*model.Account, error)
	FetchAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
	FetchTimeline(ctx context.Context, userID, sinceID string, max int) ([]*model.Post, error)
	Follow(ctx context.Context, accountID string) error
	Unfollow(ctx context.Context, accountID string) error
}

type Registry interface {
	WatchedAccountIDs(ctx context.Context) ([]string, error)
	Invalidate()
}

type Streamer interface {
	ReloadListeners(ctx context.Context, ids []string) error
	Status() stream.Status
}

type Poller interface {
	Status() poll.Status
	Restart()
}

type Renderer interface {
	Submit(job render.Job) (*render.Future, int, time.Duration, error)
	Stats() render.Stats
}

type Scheduler interface {
	RunNow(name string) error
	Snapshot() scheduler.Snapshot
}

type Supervised interface {
	Snapshot() supervisor.Snapshot
}

// Deps wires the facade. Stream and Poller are nil when that ingestion mode
// is off; Scheduler may be nil, in which case ForceResync runs inline.
type Deps struct {
	Store      Store
	Accounts   Accounts
	Registry   Registry
	Stream     Streamer
	Poller     Poller
	Render     Renderer
	Scheduler  Scheduler
	Supervisor Supervised
}

type Config struct {
	// ResyncPageSize bounds each per-account timeline fetch during resync.
	ResyncPageSize int
}

type Engine struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Engine {
	if cfg.ResyncPageSize <= 0 {
		cfg.ResyncPageSize = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{cfg: cfg, deps: deps, log: log, now: time.Now}
}

// Actor identifies who issued an administrative command.
type Actor struct {
	UserID  int64
	Channel model.Channel
}

// SubscriptionView pairs a subscription with the account it watches.
type SubscriptionView struct {
	model.Subscription
	Handle string `json:"handle"`
	Name   string `json:"name"`
}

// Subscribe makes the actor's channel watch ref (a handle, "@handle" or a
// numeric account id). The first subscription to an account follows it on
// the provider so the home timeline covers it.
func (e *Engine) Subscribe(ctx context.Context, actor Actor, ref string) (sub *model.Subscription, err error) {
	start := e.now()
	defer func() { e.audit(ctx, actor, "subscribe", ref, start, err) }()

	acct, err := e.resolveRemote(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := e.deps.Store.GetSubscription(ctx, actor.Channel, acct.ID); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	before, err := e.deps.Store.CountSubscriptionsForAccount(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	sub = &model.Subscription{
		ID:        uuid.NewString(),
		Channel:   actor.Channel,
		AccountID: acct.ID,
		Flags:     model.DefaultFlags(),
	}
	if err := e.deps.Store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrAlreadySubscribed
		}
		return nil, err
	}

	if before == 0 && e.deps.Poller != nil {
		if ferr := e.deps.Accounts.Follow(ctx, acct.ID); ferr != nil {
			e.log.Warn("follow failed; home timeline will miss this account",
				logx.Account(acct.ID), logx.Err(ferr))
		}
	}
	e.afterWatchChange(ctx)
	e.log.Info("subscribed", logx.Account(acct.ID), logx.String("handle", acct.Handle),
		logx.Chat(actor.Channel.ChatID, actor.Channel.ThreadID))
	return sub, nil
}

// Unsubscribe removes the channel's subscription to ref and its failure list.
// The last subscription to an account unfollows it.
func (e *Engine) Unsubscribe(ctx context.Context, actor Actor, ref string) (err error) {
	start := e.now()
	defer func() { e.audit(ctx, actor, "unsubscribe", ref, start, err) }()

	sub, err := e.subscriptionFor(ctx, actor.Channel, ref)
	if err != nil {
		return err
	}
	if err := e.deps.Store.DeleteSubscription(ctx, sub.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotSubscribed
		}
		return err
	}
	defer e.afterWatchChange(ctx)

	left, err := e.deps.Store.CountSubscriptionsForAccount(ctx, sub.AccountID)
	if err != nil {
		return err
	}
	if left == 0 && e.deps.Poller != nil {
		if uerr := e.deps.Accounts.Unfollow(ctx, sub.AccountID); uerr != nil {
			e.log.Warn("unfollow failed", logx.Account(sub.AccountID), logx.Err(uerr))
		}
	}
	return nil
}

// Configure applies patch to the channel's subscription to ref.
func (e *Engine) Configure(ctx context.Context, actor Actor, ref string, patch FlagPatch) (sub *model.Subscription, err error) {
	start := e.now()
	defer func() { e.audit(ctx, actor, "configure", ref+" "+patch.String(), start, err) }()

	sub, err = e.subscriptionFor(ctx, actor.Channel, ref)
	if err != nil {
		return nil, err
	}
	patch.Apply(&sub.Flags)
	if err := e.deps.Store.UpdateSubscriptionFlags(ctx, sub.ID, sub.Flags); err != nil {
		return nil, err
	}
	e.deps.Registry.Invalidate()
	return sub, nil
}

// ListSubscriptions returns the channel's subscriptions with account handles.
func (e *Engine) ListSubscriptions(ctx context.Context, ch model.Channel) ([]SubscriptionView, error) {
	subs, err := e.deps.Store.ListSubscriptionsByChannel(ctx, ch)
	if err != nil {
		return nil, err
	}
	out := make([]SubscriptionView, 0, len(subs))
	for _, s := range subs {
		v := SubscriptionView{Subscription: s}
		if a, err := e.deps.Store.GetAccount(ctx, s.AccountID); err == nil {
			v.Handle, v.Name = a.Handle, a.Name
		}
		out = append(out, v)
	}
	return out, nil
}

// ListUndelivered returns the posts the channel's subscription to ref failed
// to receive.
func (e *Engine) ListUndelivered(ctx context.Context, ch model.Channel, ref string) ([]model.DeliveryFailure, error) {
	sub, err := e.subscriptionFor(ctx, ch, ref)
	if err != nil {
		return nil, err
	}
	return e.deps.Store.ListDeliveryFailures(ctx, sub.ID)
}

// ClearUndelivered empties the failure list and reports how many entries
// were dropped.
func (e *Engine) ClearUndelivered(ctx context.Context, actor Actor, ref string) (n int64, err error) {
	start := e.now()
	defer func() { e.audit(ctx, actor, "clear_undelivered", ref, start, err) }()

	sub, err := e.subscriptionFor(ctx, actor.Channel, ref)
	if err != nil {
		return 0, err
	}
	return e.deps.Store.ClearDeliveryFailures(ctx, sub.ID)
}

// SubmitRender queues a screenshot of postID with an optional overlay text.
// It returns the job future, the queue position and the estimated wait;
// render.ErrQueueFull is returned synchronously.
func (e *Engine) SubmitRender(ctx context.Context, requester, postID, text string) (*render.Future, int, time.Duration, error) {
	postID = strings.TrimSpace(postID)
	if postID == "" || !isNumeric(postID) {
		return nil, 0, 0, fmt.Errorf("%w: post id %q", ErrInvalidOption, postID)
	}
	job := render.Job{ID: uuid.NewString(), PostID: postID, Requester: requester, Text: strings.TrimSpace(text)}
	fut, pos, eta, err := e.deps.Render.Submit(job)
	if err != nil {
		return nil, 0, 0, err
	}
	e.log.Debug("render queued", logx.Job(job.ID), logx.Post(postID), logx.Int("pos", pos))
	return fut, pos, eta, nil
}

// ForceResync triggers a full resync now. scheduler.ErrBusy means one is
// already running.
func (e *Engine) ForceResync(ctx context.Context) error {
	if e.deps.Scheduler != nil {
		err := e.deps.Scheduler.RunNow(JobResync)
		if !errors.Is(err, scheduler.ErrStopped) && !errors.Is(err, scheduler.ErrUnknownJob) {
			return err
		}
	}
	return e.Resync(ctx)
}

// Resync refreshes every watched account and its latest posts. Posts already
// known only get their volatile fields refreshed. A rate limit stops the pass
// early; other per-account failures are collected.
func (e *Engine) Resync(ctx context.Context) error {
	ids, err := e.deps.Registry.WatchedAccountIDs(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := e.deps.Accounts.FetchAccount(ctx, id); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return fmt.Errorf("resync: %w", err)
			}
			if errors.Is(err, storage.ErrDatabase) {
				return err
			}
			if !errors.Is(err, provider.ErrNotFound) {
				errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			}
			continue
		}
		if _, err := e.deps.Accounts.FetchTimeline(ctx, id, "", e.cfg.ResyncPageSize); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				return fmt.Errorf("resync: %w", err)
			}
			if errors.Is(err, storage.ErrDatabase) {
				return err
			}
			errs = append(errs, fmt.Errorf("timeline %s: %w", id, err))
		}
	}
	e.log.Info("resync finished", logx.Int("accounts", len(ids)), logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// RestartPoll re-enables a poll loop that disabled itself.
func (e *Engine) RestartPoll() bool {
	if e.deps.Poller == nil {
		return false
	}
	e.deps.Poller.Restart()
	return true
}

// afterWatchChange invalidates the registry and pushes the watch set to the
// stream rules.
func (e *Engine) afterWatchChange(ctx context.Context) {
	e.deps.Registry.Invalidate()
	if e.deps.Stream == nil {
		return
	}
	ids, err := e.deps.Registry.WatchedAccountIDs(ctx)
	if err == nil {
		err = e.deps.Stream.ReloadListeners(ctx, ids)
	}
	if err != nil {
		e.log.Warn("stream rule reload failed", logx.Err(err))
	}
}

// resolveRemote finds an account, asking the provider when it is unknown
// locally.
func (e *Engine) resolveRemote(ctx context.Context, ref string) (*model.Account, error) {
	id, handle, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	var a *model.Account
	if id != "" {
		a, err = e.deps.Accounts.FetchAccount(ctx, id)
	} else {
		a, err = e.deps.Accounts.FetchAccountByHandle(ctx, handle)
	}
	if errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, ref)
	}
	return a, err
}

// subscriptionFor resolves ref from the local store only.
func (e *Engine) subscriptionFor(ctx context.Context, ch model.Channel, ref string) (*model.Subscription, error) {
	id, handle, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if id == "" {
		a, err := e.deps.Store.GetAccountByHandle(ctx, handle)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotSubscribed
		}
		if err != nil {
			return nil, err
		}
		id = a.ID
	}
	sub, err := e.deps.Store.GetSubscription(ctx, ch, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotSubscribed
	}
	return sub, err
}

func (e *Engine) audit(ctx context.Context, actor Actor, action, target string, start time.Time, err error) {
	entry := storage.AuditEntry{
		At:       start,
		ActorID:  actor.UserID,
		ChatID:   actor.Channel.ChatID,
		ThreadID: actor.Channel.ThreadID,
		Action:   action,
		Target:   target,
		OK:       err == nil,
		TookMS:   e.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if aerr := e.deps.Store.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		e.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

// parseRef splits an account reference into a numeric id or a handle.
func parseRef(ref string) (id, handle string, err error) {
	r := strings.TrimSpace(ref)
	r = strings.TrimPrefix(r, "@")
	if r == "" {
		return "", "", fmt.Errorf("%w: empty account reference", ErrInvalidOption)
	}
	if isNumeric(r) {
		return r, "", nil
	}
	for _, c := range r {
		if !(c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return "", "", fmt.Errorf("%w: invalid handle %q", ErrInvalidOption, ref)
		}
	}
	return "", r, nil
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
