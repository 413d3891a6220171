package provider

import (
	"encoding/json"
	"time"
)

// Tweet is the v2 post object. Raw keeps the original JSON for storage.
type Tweet struct {
	ID                string            `json:"id"`
	Text              string            `json:"text"`
	AuthorID          string            `json:"author_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at,omitempty"`
	Lang              string            `json:"lang,omitempty"`
	PossiblySensitive *bool             `json:"possibly_sensitive,omitempty"`
	ConversationID    string            `json:"conversation_id,omitempty"`
	InReplyToUserID   string            `json:"in_reply_to_user_id,omitempty"`
	ReferencedTweets  []ReferencedTweet `json:"referenced_tweets,omitempty"`
	Attachments       *Attachments      `json:"attachments,omitempty"`
	Entities          *Entities         `json:"entities,omitempty"`
	PublicMetrics     *TweetMetrics     `json:"public_metrics,omitempty"`
	NoteTweet         *NoteTweet        `json:"note_tweet,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (t *Tweet) UnmarshalJSON(b []byte) error {
	type alias Tweet
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*t = Tweet(a)
	t.Raw = append(json.RawMessage(nil), b...)
	return nil
}

const (
	RefRetweeted = "retweeted"
	RefQuoted    = "quoted"
	RefRepliedTo = "replied_to"
)

type ReferencedTweet struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type Attachments struct {
	MediaKeys []string `json:"media_keys,omitempty"`
	PollIDs   []string `json:"poll_ids,omitempty"`
}

type Entities struct {
	URLs     []URLEntity     `json:"urls,omitempty"`
	Mentions []MentionEntity `json:"mentions,omitempty"`
}

type URLEntity struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
	MediaKey    string `json:"media_key,omitempty"`
}

type MentionEntity struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Username string `json:"username"`
	ID       string `json:"id,omitempty"`
}

type TweetMetrics struct {
	RetweetCount    int64 `json:"retweet_count"`
	ReplyCount      int64 `json:"reply_count"`
	LikeCount       int64 `json:"like_count"`
	QuoteCount      int64 `json:"quote_count"`
	ImpressionCount int64 `json:"impression_count"`
}

// NoteTweet carries the full text of long posts.
type NoteTweet struct {
	Text     string    `json:"text"`
	Entities *Entities `json:"entities,omitempty"`
}

type User struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Username        string       `json:"username"`
	ProfileImageURL string       `json:"profile_image_url,omitempty"`
	Description     string       `json:"description,omitempty"`
	Protected       bool         `json:"protected,omitempty"`
	Verified        bool         `json:"verified,omitempty"`
	VerifiedType    string       `json:"verified_type,omitempty"`
	PublicMetrics   *UserMetrics `json:"public_metrics,omitempty"`
	PinnedTweetID   string       `json:"pinned_tweet_id,omitempty"`
	CreatedAt       time.Time    `json:"created_at,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (u *User) UnmarshalJSON(b []byte) error {
	type alias User
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*u = User(a)
	u.Raw = append(json.RawMessage(nil), b...)
	return nil
}

type UserMetrics struct {
	FollowersCount int64 `json:"followers_count"`
	FollowingCount int64 `json:"following_count"`
	TweetCount     int64 `json:"tweet_count"`
}

type Media struct {
	MediaKey        string         `json:"media_key"`
	Type            string         `json:"type"`
	URL             string         `json:"url,omitempty"`
	PreviewImageURL string         `json:"preview_image_url,omitempty"`
	Variants        []MediaVariant `json:"variants,omitempty"`
}

type MediaVariant struct {
	BitRate     int    `json:"bit_rate,omitempty"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// BestURL returns the direct URL, or the highest bitrate mp4 variant for videos.
func (m Media) BestURL() string {
	if m.URL != "" {
		return m.URL
	}
	best, rate := "", -1
	for _, v := range m.Variants {
		if v.ContentType == "video/mp4" && v.BitRate > rate {
			best, rate = v.URL, v.BitRate
		}
	}
	return best
}

type Poll struct {
	ID           string       `json:"id"`
	Options      []PollOption `json:"options"`
	EndDatetime  time.Time    `json:"end_datetime,omitempty"`
	VotingStatus string       `json:"voting_status,omitempty"`
}

type PollOption struct {
	Position int    `json:"position"`
	Label    string `json:"label"`
	Votes    int64  `json:"votes"`
}

// Includes holds the objects expanded alongside a response.
type Includes struct {
	Users  []User  `json:"users,omitempty"`
	Tweets []Tweet `json:"tweets,omitempty"`
	Media  []Media `json:"media,omitempty"`
	Polls  []Poll  `json:"polls,omitempty"`
}

func (in *Includes) User(id string) *User {
	if in == nil {
		return nil
	}
	for i := range in.Users {
		if in.Users[i].ID == id {
			return &in.Users[i]
		}
	}
	return nil
}

func (in *Includes) Tweet(id string) *Tweet {
	if in == nil {
		return nil
	}
	for i := range in.Tweets {
		if in.Tweets[i].ID == id {
			return &in.Tweets[i]
		}
	}
	return nil
}

func (in *Includes) MediaByKey(key string) *Media {
	if in == nil {
		return nil
	}
	for i := range in.Media {
		if in.Media[i].MediaKey == key {
			return &in.Media[i]
		}
	}
	return nil
}

func (in *Includes) Poll(id string) *Poll {
	if in == nil {
		return nil
	}
	for i := range in.Polls {
		if in.Polls[i].ID == id {
			return &in.Polls[i]
		}
	}
	return nil
}

// TweetPayload is one tweet plus its expansions, the unit ApiClient converts.
type TweetPayload struct {
	Data     Tweet    `json:"data"`
	Includes Includes `json:"includes"`
}

type Meta struct {
	ResultCount int    `json:"result_count"`
	NextToken   string `json:"next_token,omitempty"`
	NewestID    string `json:"newest_id,omitempty"`
	OldestID    string `json:"oldest_id,omitempty"`
}

type TweetPage struct {
	Data     []Tweet  `json:"data"`
	Includes Includes `json:"includes"`
	Meta     Meta     `json:"meta"`
}

// Payloads splits a page into per-tweet payloads sharing the page includes.
func (p *TweetPage) Payloads() []TweetPayload {
	out := make([]TweetPayload, 0, len(p.Data))
	for _, t := range p.Data {
		out = append(out, TweetPayload{Data: t, Includes: p.Includes})
	}
	return out
}

type Rule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// StreamEvent is one line of the filtered stream.
type StreamEvent struct {
	Data          Tweet    `json:"data"`
	Includes      Includes `json:"includes"`
	MatchingRules []Rule   `json:"matching_rules,omitempty"`
}

func (e StreamEvent) Payload() TweetPayload {
	return TweetPayload{Data: e.Data, Includes: e.Includes}
}

type apiErrorItem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
	Value  string `json:"value,omitempty"`
}
