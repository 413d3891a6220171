package apiclient

import (
	"context"
	"html"
	"strings"

	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/pkg/logx"
)

// maxRefDepth bounds recursive conversion of referenced posts.
const maxRefDepth = 2

// ConvertPost converts and persists one payload.
//
// A payload for an unseen id, or a non-minor payload for a stored minor
// record, rebuilds the post in full. Anything else only refreshes volatile
// fields. A full rebuild that cannot resolve author or referenced linkage is
// stored as minor.
func (c *Client) ConvertPost(ctx context.Context, payload provider.TweetPayload, origin model.Origin, minor bool) (*model.Post, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.convertPostLocked(ctx, payload.Data, &payload.Includes, origin, minor, 0)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (c *Client) convertPostLocked(ctx context.Context, t provider.Tweet, in *provider.Includes, origin model.Origin, minor bool, depth int) (*model.Post, error) {
	old, err := c.lookupPost(ctx, t.ID)
	if err != nil {
		return nil, errStore("load post", err)
	}

	var p *model.Post
	if old != nil && !(old.Minor && !minor) {
		p = c.refreshPost(old, t)
		conversions.WithLabelValues("volatile").Inc()
	} else {
		p, err = c.buildPost(ctx, t, in, origin, minor, old, depth)
		if err != nil {
			return nil, err
		}
		conversions.WithLabelValues("full").Inc()
	}

	if err := c.store.SavePost(ctx, p); err != nil {
		return nil, errStore("save post", err)
	}
	c.posts.Update(p.ID, p)
	c.spawnPostUpdate(p, old)
	return p, nil
}

func (c *Client) refreshPost(old *model.Post, t provider.Tweet) *model.Post {
	p := old.Clone()
	if t.PublicMetrics != nil {
		p.Counters = counters(t.PublicMetrics)
	}
	if t.PossiblySensitive != nil {
		p.Sensitive = *t.PossiblySensitive
	}
	if len(t.Raw) > 0 {
		p.Raw = t.Raw
	}
	p.UpdatedAt = c.now().UTC()
	return p
}

func (c *Client) buildPost(ctx context.Context, t provider.Tweet, in *provider.Includes, origin model.Origin, minor bool, old *model.Post, depth int) (*model.Post, error) {
	text, ents := t.Text, t.Entities
	if t.NoteTweet != nil && t.NoteTweet.Text != "" {
		text = t.NoteTweet.Text
		if t.NoteTweet.Entities != nil {
			ents = t.NoteTweet.Entities
		}
	}
	now := c.now().UTC()
	p := &model.Post{
		ID:           t.ID,
		AuthorID:     t.AuthorID,
		Text:         text,
		RenderedText: renderText(text, ents),
		Minor:        minor,
		Origin:       origin,
		Lang:         t.Lang,
		Sensitive:    t.PossiblySensitive != nil && *t.PossiblySensitive,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    now,
		Raw:          t.Raw,
	}
	if t.PublicMetrics != nil {
		p.Counters = counters(t.PublicMetrics)
	}
	if old != nil {
		p.Origin = old.Origin
		p.Translated = old.Translated
		if t.PossiblySensitive == nil {
			p.Sensitive = old.Sensitive
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = old.CreatedAt
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	var missing []string

	// Author.
	if p.AuthorID == "" {
		missing = append(missing, "author")
	} else if a, err := c.resolveAccount(ctx, p.AuthorID, in); err != nil {
		return nil, err
	} else if a == nil {
		missing = append(missing, "author")
	}

	// Referenced posts.
	var replied, quoted, reposted string
	for _, r := range t.ReferencedTweets {
		switch r.Type {
		case provider.RefRetweeted:
			reposted = r.ID
		case provider.RefQuoted:
			quoted = r.ID
		case provider.RefRepliedTo:
			replied = r.ID
		}
	}
	switch {
	case reposted != "":
		p.Kind, p.RefPostID = model.KindRepost, reposted
	case replied != "" && quoted != "":
		p.Kind, p.RefPostID, p.QuotedPostID = model.KindQuoteReply, replied, quoted
	case quoted != "":
		p.Kind, p.RefPostID = model.KindQuote, quoted
	case replied != "":
		p.Kind, p.RefPostID = model.KindReply, replied
	default:
		p.Kind = model.KindPost
	}

	if p.RefPostID != "" {
		ref, err := c.resolvePost(ctx, p.RefPostID, in, origin, depth)
		if err != nil {
			return nil, err
		}
		if ref != nil && ref.AuthorID != "" {
			p.RefAuthorID = ref.AuthorID
		} else {
			missing = append(missing, "referenced post")
			if p.Kind == model.KindReply || p.Kind == model.KindQuoteReply {
				p.RefAuthorID = t.InReplyToUserID
			}
		}
		if p.RefAuthorID != "" {
			a, err := c.lookupAccount(ctx, p.RefAuthorID)
			if err != nil {
				return nil, errStore("load account", err)
			}
			if a == nil {
				if a, err = c.resolveAccount(ctx, p.RefAuthorID, in); err != nil {
					return nil, err
				}
			}
			if a == nil {
				missing = append(missing, "referenced author")
			} else {
				p.RefAuthorHandle = a.Handle
			}
		}
	}
	if p.QuotedPostID != "" {
		ref, err := c.resolvePost(ctx, p.QuotedPostID, in, origin, depth)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			missing = append(missing, "quoted post")
		}
	}

	// Media, poll, mentions.
	if t.Attachments != nil {
		for _, key := range t.Attachments.MediaKeys {
			m := in.MediaByKey(key)
			if m == nil {
				continue
			}
			p.Media = append(p.Media, model.Media{
				Key:        m.MediaKey,
				Type:       model.MediaType(m.Type),
				URL:        m.BestURL(),
				PreviewURL: m.PreviewImageURL,
			})
		}
		if len(t.Attachments.PollIDs) > 0 {
			if pl := in.Poll(t.Attachments.PollIDs[0]); pl != nil {
				p.Poll = convertPoll(pl)
			}
		}
	}
	if ents != nil {
		seen := map[string]bool{}
		for _, m := range ents.Mentions {
			id := m.ID
			if id == "" {
				for _, u := range in.Users {
					if strings.EqualFold(u.Username, m.Username) {
						id = u.ID
						break
					}
				}
			}
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			p.Mentions = append(p.Mentions, id)
			if u := in.User(id); u != nil {
				if _, _, err := c.convertAccountLocked(ctx, *u); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(missing) > 0 || !p.Complete() {
		if !minor {
			forcedMinor.Inc()
			log := c.log.Warn
			if depth > 0 {
				log = c.log.Debug
			}
			log("post stored as minor: unresolved linkage", logx.Post(p.ID),
				logx.Strings("missing", missing), logx.String("kind", string(p.Kind)))
		}
		p.Minor = true
	}
	return p, nil
}

// resolveAccount converts the account from includes or finds it in the
// store. A nil account means it is not known yet.
func (c *Client) resolveAccount(ctx context.Context, id string, in *provider.Includes) (*model.Account, error) {
	if u := in.User(id); u != nil {
		a, _, err := c.convertAccountLocked(ctx, *u)
		return a, err
	}
	a, err := c.lookupAccount(ctx, id)
	if err != nil {
		return nil, errStore("load account", err)
	}
	return a, nil
}

// resolvePost converts a referenced post from includes, or falls back to the store.
func (c *Client) resolvePost(ctx context.Context, id string, in *provider.Includes, origin model.Origin, depth int) (*model.Post, error) {
	if t := in.Tweet(id); t != nil && depth < maxRefDepth {
		// An included referenced post carries no expansions of its own.
		return c.convertPostLocked(ctx, *t, in, origin, false, depth+1)
	}
	ref, err := c.lookupPost(ctx, id)
	if err != nil {
		return nil, errStore("load post", err)
	}
	return ref, nil
}

func counters(m *provider.TweetMetrics) model.Counters {
	return model.Counters{
		Likes:   m.LikeCount,
		Reposts: m.RetweetCount,
		Replies: m.ReplyCount,
		Quotes:  m.QuoteCount,
		Views:   m.ImpressionCount,
	}
}

func convertPoll(pl *provider.Poll) *model.Poll {
	out := &model.Poll{EndsAt: pl.EndDatetime, Status: pl.VotingStatus}
	for _, o := range pl.Options {
		out.Options = append(out.Options, model.PollOption{Label: o.Label, Votes: o.Votes})
	}
	return out
}

// renderText expands shortened links and strips trailing media links.
func renderText(text string, ents *provider.Entities) string {
	if ents == nil {
		return html.UnescapeString(text)
	}
	var media []provider.URLEntity
	for _, u := range ents.URLs {
		if isMediaURL(u) {
			media = append(media, u)
			continue
		}
		if u.URL != "" && u.ExpandedURL != "" {
			text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
		}
	}
	text = strings.TrimSpace(text)
	for trimmed := true; trimmed; {
		trimmed = false
		for _, u := range media {
			if u.URL != "" && strings.HasSuffix(text, u.URL) {
				text = strings.TrimSpace(strings.TrimSuffix(text, u.URL))
				trimmed = true
			}
		}
	}
	for _, u := range media {
		if u.URL != "" && u.ExpandedURL != "" {
			text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
		}
	}
	return html.UnescapeString(text)
}

func isMediaURL(u provider.URLEntity) bool {
	if u.MediaKey != "" {
		return true
	}
	d := u.DisplayURL
	return strings.HasPrefix(d, "pic.twitter.com/") || strings.HasPrefix(d, "pic.x.com/")
}
