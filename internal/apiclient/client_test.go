package apiclient

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"feedwatch/internal/model"
	"feedwatch/internal/provider"
	"feedwatch/internal/storage"
	"feedwatch/pkg/logx"
)

type updates struct {
	mu       sync.Mutex
	posts    []pair
	accounts int
}

type pair struct{ new, old *model.Post }

func (u *updates) PostUpdate(ctx context.Context, p, old *model.Post) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.posts = append(u.posts, pair{p, old})
	return nil
}

func (u *updates) AccountUpdate(ctx context.Context, a, old *model.Account) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accounts++
	return nil
}

func newTestClient(t *testing.T, cfg Config) (*Client, *storage.Store, *updates) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	up := &updates{}
	c, err := New(cfg, nil, st, up, nil, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c, st, up
}

func decode(t *testing.T, s string) provider.TweetPayload {
	t.Helper()
	var p provider.TweetPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

const quotePayload = `{
  "data": {"id":"10","text":"look https://t.co/q https://t.co/m","author_id":"1","created_at":"2024-05-01T12:00:00.000Z",
    "referenced_tweets":[{"type":"quoted","id":"9"}],
    "attachments":{"media_keys":["3_1"]},
    "entities":{"urls":[
      {"start":5,"end":17,"url":"https://t.co/q","expanded_url":"https://x.com/bob/status/9","display_url":"x.com/bob/status/9"},
      {"start":18,"end":30,"url":"https://t.co/m","expanded_url":"https://x.com/alice/status/10/photo/1","display_url":"pic.x.com/m","media_key":"3_1"}],
      "mentions":[]},
    "public_metrics":{"retweet_count":1,"reply_count":0,"like_count":5,"quote_count":0,"impression_count":100}},
  "includes": {
    "users":[{"id":"1","name":"Alice","username":"alice","public_metrics":{"followers_count":100,"following_count":1,"tweet_count":1}},
             {"id":"2","name":"Bob","username":"bob"}],
    "tweets":[{"id":"9","text":"original","author_id":"2","created_at":"2024-05-01T11:00:00.000Z"}],
    "media":[{"media_key":"3_1","type":"photo","url":"https://pbs/1.jpg"}]}
}`

func TestConvertQuoteComplete(t *testing.T) {
	c, st, up := newTestClient(t, Config{})
	ctx := context.Background()

	p, err := c.ConvertPost(ctx, decode(t, quotePayload), model.OriginAuto, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if p.Kind != model.KindQuote || p.RefPostID != "9" || p.RefAuthorID != "2" || p.RefAuthorHandle != "bob" {
		t.Fatalf("linkage mismatch: %+v", p)
	}
	if p.Minor {
		t.Fatalf("fully expanded payload must be complete")
	}
	if p.RenderedText != "look https://x.com/bob/status/9" {
		t.Fatalf("rendered text: %q", p.RenderedText)
	}
	if len(p.Media) != 1 || p.Media[0].URL != "https://pbs/1.jpg" {
		t.Fatalf("media: %+v", p.Media)
	}
	if _, err := st.GetPost(ctx, "9"); err != nil {
		t.Fatalf("referenced post should be stored: %v", err)
	}
	if a, err := st.GetAccount(ctx, "2"); err != nil || a.Handle != "bob" {
		t.Fatalf("referenced author should be stored: %v", err)
	}
	// post 9 converted first, then post 10
	if len(up.posts) != 2 || up.posts[1].new.ID != "10" || up.posts[1].old != nil {
		t.Fatalf("detector calls: %+v", up.posts)
	}
}

func TestConvertIsIdempotentOnceComplete(t *testing.T) {
	c, _, up := newTestClient(t, Config{})
	ctx := context.Background()
	payload := decode(t, quotePayload)

	first, err := c.ConvertPost(ctx, payload, model.OriginAuto, false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := c.ConvertPost(ctx, payload, model.OriginManual, false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Kind != first.Kind || second.RenderedText != first.RenderedText || second.Origin != model.OriginAuto ||
		second.RefAuthorID != first.RefAuthorID || second.Minor {
		t.Fatalf("terminal record changed: %+v vs %+v", second, first)
	}
	last := up.posts[len(up.posts)-1]
	if last.old == nil {
		t.Fatalf("second conversion must be a touch")
	}
}

func TestMinorToCompleteNeverReverts(t *testing.T) {
	c, st, _ := newTestClient(t, Config{})
	ctx := context.Background()

	stub := provider.TweetPayload{Data: provider.Tweet{ID: "10", Text: "look", AuthorID: "1"}}
	p, err := c.ConvertPost(ctx, stub, model.OriginAuto, true)
	if err != nil || !p.Minor {
		t.Fatalf("stub should be minor: %+v %v", p, err)
	}

	full := decode(t, quotePayload)
	p, err = c.ConvertPost(ctx, full, model.OriginAuto, false)
	if err != nil || p.Minor || p.Kind != model.KindQuote {
		t.Fatalf("full payload should complete the record: %+v %v", p, err)
	}

	stub.Data.PublicMetrics = &provider.TweetMetrics{LikeCount: 42}
	p, err = c.ConvertPost(ctx, stub, model.OriginAuto, true)
	if err != nil {
		t.Fatalf("minor refresh: %v", err)
	}
	stored, _ := st.GetPost(ctx, "10")
	if stored.Minor || stored.Kind != model.KindQuote || stored.RefPostID != "9" {
		t.Fatalf("complete record reverted: %+v", stored)
	}
	if stored.Counters.Likes != 42 {
		t.Fatalf("volatile fields should refresh, likes=%d", stored.Counters.Likes)
	}
}

func TestUnresolvedLinkageForcesMinor(t *testing.T) {
	c, _, _ := newTestClient(t, Config{})
	payload := decode(t, quotePayload)
	payload.Includes.Tweets = nil

	p, err := c.ConvertPost(context.Background(), payload, model.OriginAuto, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !p.Minor {
		t.Fatalf("missing referenced post must force minor")
	}

	// Once the referenced post is known, a full payload completes it.
	full := decode(t, quotePayload)
	p, err = c.ConvertPost(context.Background(), full, model.OriginAuto, false)
	if err != nil || p.Minor {
		t.Fatalf("rebuild should complete: %+v %v", p, err)
	}
}

func TestUnknownReferencedAuthorForcesMinor(t *testing.T) {
	c, st, _ := newTestClient(t, Config{})
	ctx := context.Background()
	repost := provider.TweetPayload{
		Data: provider.Tweet{ID: "20", AuthorID: "1", ReferencedTweets: []provider.ReferencedTweet{{Type: "retweeted", ID: "19"}}},
		Includes: provider.Includes{
			Users:  []provider.User{{ID: "1", Username: "alice"}},
			Tweets: []provider.Tweet{{ID: "19", AuthorID: "7"}},
		},
	}
	p, err := c.ConvertPost(ctx, repost, model.OriginAuto, false)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !p.Minor || p.RefAuthorID != "7" || p.RefAuthorHandle != "" {
		t.Fatalf("unknown referenced author must keep the post minor: %+v", p)
	}

	repost.Includes.Users = append(repost.Includes.Users, provider.User{ID: "7", Username: "carol"})
	p, err = c.ConvertPost(ctx, repost, model.OriginAuto, false)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if p.Minor || p.RefAuthorHandle != "carol" {
		t.Fatalf("known referenced author should complete the post: %+v", p)
	}
	if stored, err := st.GetPost(ctx, "20"); err != nil || stored.Minor {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
}

func TestSensitiveKeptWhenOmitted(t *testing.T) {
	c, st, _ := newTestClient(t, Config{})
	ctx := context.Background()
	flagged := decode(t, `{"data":{"id":"30","text":"x","author_id":"1","possibly_sensitive":true},
		"includes":{"users":[{"id":"1","username":"a"}]}}`)
	if p, err := c.ConvertPost(ctx, flagged, model.OriginAuto, false); err != nil || !p.Sensitive {
		t.Fatalf("flagged post: %+v %v", p, err)
	}

	partial := decode(t, `{"data":{"id":"30","text":"x","public_metrics":{"like_count":3}}}`)
	if _, err := c.ConvertPost(ctx, partial, model.OriginAuto, true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	stored, err := st.GetPost(ctx, "30")
	if err != nil || !stored.Sensitive || stored.Counters.Likes != 3 {
		t.Fatalf("payload without the flag must not clear it: %+v %v", stored, err)
	}

	cleared := decode(t, `{"data":{"id":"30","text":"x","possibly_sensitive":false}}`)
	if p, err := c.ConvertPost(ctx, cleared, model.OriginAuto, true); err != nil || p.Sensitive {
		t.Fatalf("explicit false should apply: %+v %v", p, err)
	}
}

func TestKindDetection(t *testing.T) {
	cases := []struct {
		refs []provider.ReferencedTweet
		want model.PostKind
	}{
		{nil, model.KindPost},
		{[]provider.ReferencedTweet{{Type: "retweeted", ID: "9"}}, model.KindRepost},
		{[]provider.ReferencedTweet{{Type: "quoted", ID: "9"}}, model.KindQuote},
		{[]provider.ReferencedTweet{{Type: "replied_to", ID: "9"}}, model.KindReply},
		{[]provider.ReferencedTweet{{Type: "replied_to", ID: "9"}, {Type: "quoted", ID: "8"}}, model.KindQuoteReply},
	}
	for i, tc := range cases {
		c, _, _ := newTestClient(t, Config{})
		payload := provider.TweetPayload{
			Data: provider.Tweet{ID: "10", AuthorID: "1", ReferencedTweets: tc.refs},
			Includes: provider.Includes{
				Users:  []provider.User{{ID: "1", Username: "a"}, {ID: "2", Username: "b"}},
				Tweets: []provider.Tweet{{ID: "9", AuthorID: "2"}, {ID: "8", AuthorID: "2"}},
			},
		}
		p, err := c.ConvertPost(context.Background(), payload, model.OriginAuto, false)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if p.Kind != tc.want || p.Minor {
			t.Fatalf("case %d: kind=%s minor=%v want %s", i, p.Kind, p.Minor, tc.want)
		}
	}
}

func TestFollowerNoise(t *testing.T) {
	c, _, _ := newTestClient(t, Config{FollowerNoise: 50})
	ctx := context.Background()
	user := func(n int64) provider.User {
		return provider.User{ID: "1", Username: "a", PublicMetrics: &provider.UserMetrics{FollowersCount: n}}
	}
	steps := []struct{ in, want int64 }{
		{1000, 1000},
		{980, 1000},
		{1010, 1010},
		{900, 900},
	}
	for _, s := range steps {
		a, err := c.ConvertAccount(ctx, user(s.in))
		if err != nil {
			t.Fatalf("convert: %v", err)
		}
		if a.Followers != s.want {
			t.Fatalf("followers in=%d got=%d want=%d", s.in, a.Followers, s.want)
		}
	}
}

func TestConvertPageDedupesWithinPage(t *testing.T) {
	c, _, up := newTestClient(t, Config{})
	page := &provider.TweetPage{
		Data: []provider.Tweet{{ID: "1", AuthorID: "u"}, {ID: "1", AuthorID: "u"}, {ID: "2", AuthorID: "u"}},
		Includes: provider.Includes{Users: []provider.User{{ID: "u", Username: "u"}}},
	}
	posts, err := c.ConvertPage(context.Background(), page, model.OriginAuto)
	if err != nil {
		t.Fatalf("convert page: %v", err)
	}
	if len(posts) != 2 || len(up.posts) != 2 {
		t.Fatalf("expected two conversions, got %d (detector %d)", len(posts), len(up.posts))
	}
}

func TestRenderText(t *testing.T) {
	ents := &provider.Entities{URLs: []provider.URLEntity{
		{URL: "https://t.co/a", ExpandedURL: "https://example.com/a"},
		{URL: "https://t.co/p", ExpandedURL: "https://x.com/u/status/1/photo/1", DisplayURL: "pic.twitter.com/p"},
	}}
	got := renderText("see https://t.co/a &amp; more https://t.co/p", ents)
	if got != "see https://example.com/a & more" {
		t.Fatalf("got %q", got)
	}
	got = renderText("https://t.co/p in the middle", ents)
	if got != "https://x.com/u/status/1/photo/1 in the middle" {
		t.Fatalf("non-trailing media link should expand, got %q", got)
	}
}

func TestMissingCreatedAtDefaultsToNow(t *testing.T) {
	c, _, _ := newTestClient(t, Config{})
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	p, err := c.ConvertPost(context.Background(), provider.TweetPayload{Data: provider.Tweet{ID: "5", AuthorID: "x"}}, model.OriginAuto, true)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !p.CreatedAt.Equal(fixed) {
		t.Fatalf("missing created_at should default to now, got %v", p.CreatedAt)
	}
}
