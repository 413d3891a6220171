package apiclient

import (
	"context"
	"errors"

	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/internal/storage"
)

// FetchPost pulls a post from the provider and converts it.
func (c *Client) FetchPost(ctx context.Context, id string, origin model.Origin) (*model.Post, error) {
	payload, err := c.prov.GetTweet(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.ConvertPost(ctx, *payload, origin, false)
}

// PostOrFetch returns the stored post, fetching it when unknown.
func (c *Client) PostOrFetch(ctx context.Context, id string, origin model.Origin) (*model.Post, error) {
	p, err := c.GetPost(ctx, id)
	if err == nil && !p.Minor {
		return p, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return c.FetchPost(ctx, id, origin)
}

func (c *Client) FetchAccount(ctx context.Context, id string) (*model.Account, error) {
	u, err := c.prov.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.ConvertAccount(ctx, *u)
}

func (c *Client) FetchAccountByHandle(ctx context.Context, handle string) (*model.Account, error) {
	u, err := c.prov.GetUserByUsername(ctx, handle)
	if err != nil {
		return nil, err
	}
	return c.ConvertAccount(ctx, *u)
}

// FetchAccounts refreshes accounts in provider-sized batches. Ids the
// provider no longer knows are skipped.
func (c *Client) FetchAccounts(ctx context.Context, ids []string) ([]*model.Account, error) {
	var out []*model.Account
	for start := 0; start < len(ids); start += provider.MaxUsersPerLookup {
		end := min(start+provider.MaxUsersPerLookup, len(ids))
		users, err := c.prov.GetUsers(ctx, ids[start:end])
		if err != nil {
			return out, err
		}
		for _, u := range users {
			a, err := c.ConvertAccount(ctx, u)
			if err != nil {
				return out, err
			}
			out = append(out, a)
		}
	}
	return out, nil
}

// FetchTimeline converts one page of a user's posts.
func (c *Client) FetchTimeline(ctx context.Context, userID, sinceID string, max int) ([]*model.Post, error) {
	page, err := c.prov.UserTimeline(ctx, userID, sinceID, "", max)
	if err != nil {
		return nil, err
	}
	return c.ConvertPage(ctx, page, model.OriginAuto)
}

// HomeTimeline returns the raw page; the poll loop owns conversion.
func (c *Client) HomeTimeline(ctx context.Context, sinceID string, max int) (*provider.TweetPage, error) {
	return c.prov.HomeTimeline(ctx, sinceID, max)
}

// ConvertPage converts each post of a page once, skipping ids repeated within the page.
func (c *Client) ConvertPage(ctx context.Context, page *provider.TweetPage, origin model.Origin) ([]*model.Post, error) {
	seen := make(map[string]struct{}, len(page.Data))
	out := make([]*model.Post, 0, len(page.Data))
	for _, payload := range page.Payloads() {
		if _, dup := seen[payload.Data.ID]; dup {
			continue
		}
		seen[payload.Data.ID] = struct{}{}
		p, err := c.ConvertPost(ctx, payload, origin, false)
		if err != nil {
			return out, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) Follow(ctx context.Context, accountID string) error {
	return c.prov.Follow(ctx, accountID)
}

func (c *Client) Unfollow(ctx context.Context, accountID string) error {
	return c.prov.Unfollow(ctx, accountID)
}
