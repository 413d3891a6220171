// Package apiclient converts provider payloads into normalized entities and
// keeps the store and entity caches consistent with every conversion.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"feedwatch/internal/cache"
	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/internal/storage"
	"feedwatch/pkg/logx"
)

// Provider is the subset of the REST client ApiClient drives.
type Provider interface {
	GetTweet(ctx context.Context, id string) (*provider.TweetPayload, error)
	GetUser(ctx context.Context, id string) (*provider.User, error)
	GetUserByUsername(ctx context.Context, handle string) (*provider.User, error)
	GetUsers(ctx context.Context, ids []string) ([]provider.User, error)
	UserTimeline(ctx context.Context, userID, sinceID, paginationToken string, max int) (*provider.TweetPage, error)
	HomeTimeline(ctx context.Context, sinceID string, max int) (*provider.TweetPage, error)
	Follow(ctx context.Context, targetID string) error
	Unfollow(ctx context.Context, targetID string) error
}

type Store interface {
	GetPost(ctx context.Context, id string) (*model.Post, error)
	SavePost(ctx context.Context, p *model.Post) error
	SetPostTranslation(ctx context.Context, id, translated string) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error)
	SaveAccount(ctx context.Context, a *model.Account) error
}

// Detector receives every conversion as (new, old).
type Detector interface {
	PostUpdate(ctx context.Context, p, old *model.Post) error
	AccountUpdate(ctx context.Context, a, old *model.Account) error
}

// Spawner runs detached supervised tasks.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context) error)
}

type Config struct {
	// FollowerNoise ignores follower decreases up to this many accounts.
	FollowerNoise int64
	PostCache     int
	AccountCache  int
}

type Client struct {
	cfg      Config
	prov     Provider
	store    Store
	detector Detector
	spawner  Spawner
	log      logx.Logger
	now      func() time.Time

	// mu serializes conversions: persist and cache update form one critical section.
	mu       sync.Mutex
	posts    *cache.Cache[*model.Post]
	accounts *cache.Cache[*model.Account]
}

func New(cfg Config, prov Provider, store Store, detector Detector, spawner Spawner, log logx.Logger) (*Client, error) {
	if cfg.FollowerNoise < 0 {
		cfg.FollowerNoise = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, prov: prov, store: store, detector: detector, spawner: spawner, log: log, now: time.Now}

	var err error
	c.posts, err = cache.New[*model.Post]("posts", cfg.PostCache, store.GetPost, cache.WithClone((*model.Post).Clone))
	if err != nil {
		return nil, err
	}
	c.accounts, err = cache.New[*model.Account]("accounts", cfg.AccountCache, store.GetAccount, cache.WithClone((*model.Account).Clone))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetPost is a cached store lookup. Unknown ids return storage.ErrNotFound.
func (c *Client) GetPost(ctx context.Context, id string) (*model.Post, error) {
	return c.posts.Get(ctx, id)
}

// GetAccount is a cached store lookup. Unknown ids return storage.ErrNotFound.
func (c *Client) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return c.accounts.Get(ctx, id)
}

// SetTranslation stores a translation for a post.
func (c *Client) SetTranslation(ctx context.Context, id, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.SetPostTranslation(ctx, id, text); err != nil {
		return err
	}
	c.posts.Invalidate(id)
	return nil
}

// InvalidateCaches drops every cached entity.
func (c *Client) InvalidateCaches() {
	c.posts.InvalidateAll()
	c.accounts.InvalidateAll()
}

func (c *Client) lookupPost(ctx context.Context, id string) (*model.Post, error) {
	p, err := c.posts.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (c *Client) lookupAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := c.accounts.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

func (c *Client) spawnPostUpdate(p, old *model.Post) {
	if c.detector == nil {
		return
	}
	p, old = p.Clone(), old.Clone()
	run := func(ctx context.Context) error { return c.detector.PostUpdate(ctx, p, old) }
	if c.spawner == nil {
		if err := run(context.Background()); err != nil {
			c.log.Warn("post update failed", logx.Post(p.ID), logx.Err(err))
		}
		return
	}
	c.spawner.Spawn("detect.post", run)
}

func (c *Client) spawnAccountUpdate(a, old *model.Account) {
	if c.detector == nil {
		return
	}
	a, old = a.Clone(), old.Clone()
	run := func(ctx context.Context) error { return c.detector.AccountUpdate(ctx, a, old) }
	if c.spawner == nil {
		if err := run(context.Background()); err != nil {
			c.log.Warn("account update failed", logx.Account(a.ID), logx.Err(err))
		}
		return
	}
	c.spawner.Spawn("detect.account", run)
}

func errStore(op string, err error) error {
	return fmt.Errorf("apiclient: %s: %w", op, err)
}
