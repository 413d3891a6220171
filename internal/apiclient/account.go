package apiclient

import (
	"context"

	"feedwatch/internal/model"
	"feedwatch/internal/provider"
)

// ConvertAccount converts and persists one user payload.
func (c *Client) ConvertAccount(ctx context.Context, u provider.User) (*model.Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, _, err := c.convertAccountLocked(ctx, u)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (c *Client) convertAccountLocked(ctx context.Context, u provider.User) (*model.Account, *model.Account, error) {
	old, err := c.lookupAccount(ctx, u.ID)
	if err != nil {
		return nil, nil, errStore("load account", err)
	}

	a := model.NewAccount(u.ID)
	if old != nil {
		a = old.Clone()
	}
	a.Name = u.Name
	a.Handle = u.Username
	a.AvatarURL = u.ProfileImageURL
	a.Bio = u.Description
	a.Protected = u.Protected
	a.Verified = u.Verified || isVerifiedType(u.VerifiedType)
	a.PinnedPostID = u.PinnedTweetID
	if len(u.Raw) > 0 {
		a.Raw = u.Raw
	}
	if !u.CreatedAt.IsZero() {
		a.CreatedAt = u.CreatedAt
	}
	if m := u.PublicMetrics; m != nil {
		a.Following = m.FollowingCount
		a.Posts = m.TweetCount
		a.Followers = c.applyFollowers(a.Followers, m.FollowersCount)
	}
	a.UpdatedAt = c.now().UTC()

	if err := c.store.SaveAccount(ctx, a); err != nil {
		return nil, nil, errStore("save account", err)
	}
	c.accounts.Update(a.ID, a)
	c.spawnAccountUpdate(a, old)
	return a, old, nil
}

// applyFollowers drops decreases within the noise margin.
func (c *Client) applyFollowers(prev, next int64) int64 {
	if prev == model.UnknownCount || next >= prev {
		return next
	}
	if prev-next > c.cfg.FollowerNoise {
		return next
	}
	return prev
}

func isVerifiedType(t string) bool {
	switch t {
	case "blue", "business", "government":
		return true
	}
	return false
}
