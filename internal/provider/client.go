// Package provider talks to the microblogging platform's v2 REST and
// filtered-stream endpoints. Every call is gated by its rate limit class.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/ratelimit"
	"feedwatch/pkg/logx"
)

const (
	tweetFields = "created_at,author_id,referenced_tweets,entities,public_metrics,possibly_sensitive,lang," +
		"attachments,in_reply_to_user_id,conversation_id,note_tweet"
	tweetExpansions = "author_id,referenced_tweets.id,referenced_tweets.id.author_id,attachments.media_keys," +
		"attachments.poll_ids,entities.mentions.username"
	mediaFields = "url,preview_image_url,type,variants"
	userFields  = "name,username,profile_image_url,description,protected,verified,verified_type,public_metrics," +
		"pinned_tweet_id,created_at"
	pollFields = "options,end_datetime,voting_status"

	// MaxUsersPerLookup is the provider's batch limit for /2/users.
	MaxUsersPerLookup = 100
)

type Config struct {
	BaseURL string
	// BearerToken authenticates app-only calls (lookups, stream).
	BearerToken string
	// UserToken authenticates user-context calls (home timeline, follow).
	// Falls back to BearerToken when empty.
	UserToken  string
	SelfUserID string
	Timeout    time.Duration
	RetryMax   int
}

type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	stream *http.Client
	limits *ratelimit.Set
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, limits *ratelimit.Set, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.twitter.com"
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("provider: base url: %w", err)
	}
	if strings.TrimSpace(cfg.BearerToken) == "" {
		return nil, errors.New("provider: bearer token is empty")
	}
	if cfg.UserToken == "" {
		cfg.UserToken = cfg.BearerToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   newRESTClient(cfg.RetryMax, cfg.Timeout, log.Comp("provider.http")),
		stream: newStreamClient(),
		limits: limits,
		log:    log,
		now:    time.Now,
	}, nil
}

func (c *Client) SelfUserID() string { return c.cfg.SelfUserID }

func tweetQuery() url.Values {
	return url.Values{
		"tweet.fields": {tweetFields},
		"expansions":   {tweetExpansions},
		"media.fields": {mediaFields},
		"user.fields":  {userFields},
		"poll.fields":  {pollFields},
	}
}

// GetTweet fetches one post with expansions.
func (c *Client) GetTweet(ctx context.Context, id string) (*TweetPayload, error) {
	var out TweetPayload
	if err := c.do(ctx, ratelimit.GetPost, http.MethodGet, "/2/tweets/"+url.PathEscape(id), tweetQuery(), nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, ErrNotFound
	}
	return &out, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var out struct {
		Data User `json:"data"`
	}
	q := url.Values{"user.fields": {userFields}}
	if err := c.do(ctx, ratelimit.GetAccount, http.MethodGet, "/2/users/"+url.PathEscape(id), q, nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, ErrNotFound
	}
	return &out.Data, nil
}

func (c *Client) GetUserByUsername(ctx context.Context, handle string) (*User, error) {
	var out struct {
		Data User `json:"data"`
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	q := url.Values{"user.fields": {userFields}}
	if err := c.do(ctx, ratelimit.GetAccount, http.MethodGet, "/2/users/by/username/"+url.PathEscape(handle), q, nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, ErrNotFound
	}
	return &out.Data, nil
}

// GetUsers looks up to MaxUsersPerLookup ids in one call. Unknown ids are skipped.
func (c *Client) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxUsersPerLookup {
		return nil, fmt.Errorf("provider: %d ids exceeds lookup limit %d", len(ids), MaxUsersPerLookup)
	}
	var out struct {
		Data []User `json:"data"`
	}
	q := url.Values{"ids": {strings.Join(ids, ",")}, "user.fields": {userFields}}
	if err := c.do(ctx, ratelimit.GetAccounts, http.MethodGet, "/2/users", q, nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// UserTimeline returns one page of a user's posts (newest first).
func (c *Client) UserTimeline(ctx context.Context, userID, sinceID, paginationToken string, max int) (*TweetPage, error) {
	q := tweetQuery()
	q.Set("max_results", strconv.Itoa(clampPage(max)))
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	if paginationToken != "" {
		q.Set("pagination_token", paginationToken)
	}
	var out TweetPage
	if err := c.do(ctx, ratelimit.Timeline, http.MethodGet, "/2/users/"+url.PathEscape(userID)+"/tweets", q, nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// HomeTimeline returns one page of the authenticated user's home timeline.
func (c *Client) HomeTimeline(ctx context.Context, sinceID string, max int) (*TweetPage, error) {
	if c.cfg.SelfUserID == "" {
		return nil, errors.New("provider: self_user_id is required for the home timeline")
	}
	q := tweetQuery()
	q.Set("max_results", strconv.Itoa(clampPage(max)))
	if sinceID != "" {
		q.Set("since_id", sinceID)
	}
	var out TweetPage
	path := "/2/users/" + url.PathEscape(c.cfg.SelfUserID) + "/timelines/reverse_chronological"
	if err := c.do(ctx, ratelimit.HomeTimeline, http.MethodGet, path, q, nil, c.cfg.UserToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Follow(ctx context.Context, targetID string) error {
	body := map[string]string{"target_user_id": targetID}
	path := "/2/users/" + url.PathEscape(c.cfg.SelfUserID) + "/following"
	return c.do(ctx, ratelimit.Follow, http.MethodPost, path, nil, body, c.cfg.UserToken, nil)
}

func (c *Client) Unfollow(ctx context.Context, targetID string) error {
	path := "/2/users/" + url.PathEscape(c.cfg.SelfUserID) + "/following/" + url.PathEscape(targetID)
	return c.do(ctx, ratelimit.Unfollow, http.MethodDelete, path, nil, nil, c.cfg.UserToken, nil)
}

func (c *Client) StreamRules(ctx context.Context) ([]Rule, error) {
	var out struct {
		Data []Rule `json:"data"`
	}
	if err := c.do(ctx, ratelimit.StreamRules, http.MethodGet, "/2/tweets/search/stream/rules", nil, nil, c.cfg.BearerToken, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) AddStreamRules(ctx context.Context, rules []Rule) error {
	if len(rules) == 0 {
		return nil
	}
	add := make([]Rule, 0, len(rules))
	for _, r := range rules {
		add = append(add, Rule{Value: r.Value, Tag: r.Tag})
	}
	body := map[string]any{"add": add}
	return c.do(ctx, ratelimit.StreamRules, http.MethodPost, "/2/tweets/search/stream/rules", nil, body, c.cfg.BearerToken, nil)
}

func (c *Client) DeleteStreamRules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"delete": map[string][]string{"ids": ids}}
	return c.do(ctx, ratelimit.StreamRules, http.MethodPost, "/2/tweets/search/stream/rules", nil, body, c.cfg.BearerToken, nil)
}

// Stream connects to the filtered stream and calls fn for every event until
// the connection ends. onConnect (optional) runs once the server accepted the
// connection. Keep-alive newlines are skipped; undecodable lines are logged
// and dropped. A nil return means the server closed the stream.
func (c *Client) Stream(ctx context.Context, onConnect func(), fn func(StreamEvent) error) error {
	if err := c.limits.Acquire(ctx, ratelimit.StreamConnect); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/2/tweets/search/stream", tweetQuery(), nil, c.cfg.BearerToken)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(ratelimit.StreamConnect, resp); err != nil {
		return err
	}
	if onConnect != nil {
		onConnect()
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev StreamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			c.log.Warn("stream line dropped", logx.Err(err), logx.Int("bytes", len(line)))
			continue
		}
		if ev.Data.ID == "" {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return nil
}

func clampPage(n int) int {
	switch {
	case n <= 0:
		return 100
	case n < 5:
		return 5
	case n > 100:
		return 100
	}
	return n
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any, token string) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "feedwatch")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, class ratelimit.Class, method, path string, q url.Values, body any, token string, out any) error {
	if err := c.limits.Acquire(ctx, class); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, method, path, q, body, token)
	if err != nil {
		return err
	}
	start := c.now()
	resp, err := c.http.Do(req)
	requestDuration.WithLabelValues(string(class)).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		requests.WithLabelValues(string(class), "error").Inc()
		return err
	}
	defer resp.Body.Close()
	requests.WithLabelValues(string(class), strconv.Itoa(resp.StatusCode)).Inc()
	if err := c.checkStatus(class, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) checkStatus(class ratelimit.Class, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return rateLimitError(class, resp.Header, c.now())
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Title  string         `json:"title"`
		Detail string         `json:"detail"`
		Errors []apiErrorItem `json:"errors"`
	}
	_ = json.Unmarshal(b, &body)
	ae := &APIError{Status: resp.StatusCode, Title: body.Title, Detail: body.Detail}
	if ae.Title == "" && len(body.Errors) > 0 {
		ae.Title, ae.Detail = body.Errors[0].Title, body.Errors[0].Detail
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, ae.Error())
	}
	return ae
}
