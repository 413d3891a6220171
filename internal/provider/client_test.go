package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"feedwatch/internal/ratelimit"
	"feedwatch/pkg/logx"
)

const tweetJSON = `{
  "data": {"id":"10","text":"hello @bob https://t.co/x","author_id":"1","created_at":"2024-05-01T12:00:00.000Z",
    "referenced_tweets":[{"type":"quoted","id":"9"}],
    "entities":{"urls":[{"start":11,"end":25,"url":"https://t.co/x","expanded_url":"https://example.com","display_url":"example.com"}],
      "mentions":[{"start":6,"end":10,"username":"bob","id":"2"}]},
    "public_metrics":{"retweet_count":1,"reply_count":2,"like_count":3,"quote_count":4,"impression_count":5}},
  "includes": {"users":[{"id":"1","name":"Alice","username":"alice"},{"id":"2","name":"Bob","username":"bob","verified":true,
      "public_metrics":{"followers_count":10000,"following_count":1,"tweet_count":2}}],
    "tweets":[{"id":"9","text":"orig","author_id":"2"}]}
}`

func newTestClient(t *testing.T, h http.Handler, limits *ratelimit.Set) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, BearerToken: "tok", SelfUserID: "me", Timeout: 5 * time.Second}, limits, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return c
}

func TestGetTweetDecodes(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets/10" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		if !strings.Contains(r.URL.Query().Get("expansions"), "referenced_tweets.id.author_id") {
			t.Errorf("expansions not requested")
		}
		fmt.Fprint(w, tweetJSON)
	}), nil)

	p, err := c.GetTweet(context.Background(), "10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Data.AuthorID != "1" || len(p.Data.ReferencedTweets) != 1 || p.Data.PublicMetrics.LikeCount != 3 {
		t.Fatalf("decode mismatch: %+v", p.Data)
	}
	if len(p.Data.Raw) == 0 {
		t.Fatalf("raw payload not kept")
	}
	if u := p.Includes.User("2"); u == nil || !u.Verified || u.PublicMetrics.FollowersCount != 10000 {
		t.Fatalf("includes user mismatch: %+v", u)
	}
	if tw := p.Includes.Tweet("9"); tw == nil || tw.AuthorID != "2" {
		t.Fatalf("includes tweet mismatch")
	}
}

func TestTooManyRequestsMapsToRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("x-rate-limit-reset", fmt.Sprint(time.Now().Add(time.Minute).Unix()))
		w.WriteHeader(http.StatusTooManyRequests)
	}), nil)

	_, err := c.HomeTimeline(context.Background(), "", 20)
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	var rl *ratelimit.Error
	if !errors.As(err, &rl) || rl.Class != ratelimit.HomeTimeline || rl.RetryAfter <= 0 {
		t.Fatalf("unexpected error detail: %#v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("429 must not be retried, got %d calls", calls.Load())
	}
}

func TestLocalLimiterDeniesBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	limits := ratelimit.NewSet(map[ratelimit.Class]ratelimit.Limit{ratelimit.GetAccount: {Capacity: 1, Period: time.Hour}})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"data":{"id":"1","name":"A","username":"a"}}`)
	}), limits)

	if _, err := c.GetUser(context.Background(), "1"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.GetUser(context.Background(), "1"); !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("expected local denial, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("denied call reached the server")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"title":"Service Unavailable"}`)
	}), nil)
	_, err := c.GetUsers(context.Background(), []string{"1", "2"})
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected APIError 503, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatalf("5xx should be transient")
	}
	if IsTransient(&APIError{Status: 400}) || IsTransient(context.Canceled) {
		t.Fatalf("4xx and cancellation are not transient")
	}
}

func TestNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}), nil)
	if _, err := c.GetUser(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStreamSkipsKeepAlives(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "\r\n")
		fmt.Fprint(w, `{"data":{"id":"1","text":"a","author_id":"u"},"matching_rules":[{"id":"r","tag":"t"}]}`+"\r\n")
		fmt.Fprint(w, "not json\r\n")
		fmt.Fprint(w, `{"data":{"id":"2","text":"b","author_id":"u"}}`+"\r\n")
	}), nil)

	var ids []string
	err := c.Stream(context.Background(), nil, func(ev StreamEvent) error {
		ids = append(ids, ev.Data.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("unexpected events: %v", ids)
	}
}

func TestRuleEndpoints(t *testing.T) {
	var bodies []string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `{"data":[{"id":"r1","value":"from:1"}]}`)
			return
		}
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		fmt.Fprint(w, `{}`)
	}), nil)

	rules, err := c.StreamRules(context.Background())
	if err != nil || len(rules) != 1 || rules[0].ID != "r1" {
		t.Fatalf("rules=%v err=%v", rules, err)
	}
	if err := c.AddStreamRules(context.Background(), []Rule{{Value: "from:2"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.DeleteStreamRules(context.Background(), []string{"r1"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(bodies) != 2 || !strings.Contains(bodies[0], `"add"`) || !strings.Contains(bodies[1], `"delete"`) {
		t.Fatalf("unexpected bodies: %v", bodies)
	}
}

func TestBestURL(t *testing.T) {
	m := Media{Variants: []MediaVariant{
		{ContentType: "application/x-mpegURL", URL: "hls"},
		{ContentType: "video/mp4", BitRate: 256, URL: "low"},
		{ContentType: "video/mp4", BitRate: 2176, URL: "high"},
	}}
	if m.BestURL() != "high" {
		t.Fatalf("got %s", m.BestURL())
	}
}
