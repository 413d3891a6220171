// Package model holds the normalized entities shared by every feedwatch
// component: posts, accounts, subscriptions and their delivery bookkeeping.
package model

import (
	"encoding/json"
	"time"
)

// UnknownCount marks a counter that has never been observed.
const UnknownCount int64 = -1

type PostKind string

const (
	KindPost       PostKind = "post"
	KindRepost     PostKind = "repost"
	KindQuote      PostKind = "quote"
	KindReply      PostKind = "reply"
	KindQuoteReply PostKind = "quote_reply"
)

// Referencing reports whether the kind carries a referenced post.
func (k PostKind) Referencing() bool {
	switch k {
	case KindRepost, KindQuote, KindReply, KindQuoteReply:
		return true
	}
	return false
}

type Origin string

const (
	OriginAuto   Origin = "auto"
	OriginManual Origin = "manual"
)

type Counters struct {
	Likes   int64 `json:"likes"`
	Reposts int64 `json:"reposts"`
	Replies int64 `json:"replies"`
	Quotes  int64 `json:"quotes"`
	Views   int64 `json:"views"`
}

type MediaType string

const (
	MediaPhoto MediaType = "photo"
	MediaVideo MediaType = "video"
	MediaGIF   MediaType = "animated_gif"
)

type Media struct {
	Key        string    `json:"key"`
	Type       MediaType `json:"type"`
	URL        string    `json:"url,omitempty"`
	PreviewURL string    `json:"preview_url,omitempty"`
}

type PollOption struct {
	Label string `json:"label"`
	Votes int64  `json:"votes"`
}

type Poll struct {
	Options []PollOption `json:"options"`
	EndsAt  time.Time    `json:"ends_at"`
	Status  string       `json:"status"`
}

// Post is a normalized microblog entry.
//
// Minor marks an incomplete record: author or referenced linkage could not be
// resolved at conversion time. A minor record is rebuilt in full the next
// time a complete payload for the same id arrives.
type Post struct {
	ID              string          `json:"id"`
	AuthorID        string          `json:"author_id"`
	Kind            PostKind        `json:"kind"`
	Text            string          `json:"text"`
	RenderedText    string          `json:"rendered_text"`
	RefPostID       string          `json:"ref_post_id,omitempty"`
	RefAuthorID     string          `json:"ref_author_id,omitempty"`
	RefAuthorHandle string          `json:"ref_author_handle,omitempty"`
	QuotedPostID    string          `json:"quoted_post_id,omitempty"`
	Minor           bool            `json:"minor"`
	Origin          Origin          `json:"origin"`
	Translated      string          `json:"translated,omitempty"`
	Counters        Counters        `json:"counters"`
	Media           []Media         `json:"media,omitempty"`
	Poll            *Poll           `json:"poll,omitempty"`
	Mentions        []string        `json:"mentions,omitempty"`
	Lang            string          `json:"lang,omitempty"`
	Sensitive       bool            `json:"sensitive"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SavedAt         time.Time       `json:"saved_at"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Complete reports whether all linkage required by the post kind is resolved.
func (p *Post) Complete() bool {
	if p == nil || p.AuthorID == "" {
		return false
	}
	if p.Kind.Referencing() && (p.RefPostID == "" || p.RefAuthorID == "") {
		return false
	}
	return true
}

// Clone returns a deep copy; cached values are shared between goroutines.
func (p *Post) Clone() *Post {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Media = append([]Media(nil), p.Media...)
	cp.Mentions = append([]string(nil), p.Mentions...)
	cp.Raw = append(json.RawMessage(nil), p.Raw...)
	if p.Poll != nil {
		poll := *p.Poll
		poll.Options = append([]PollOption(nil), p.Poll.Options...)
		cp.Poll = &poll
	}
	return &cp
}

type Account struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Handle       string          `json:"handle"`
	AvatarURL    string          `json:"avatar_url"`
	Bio          string          `json:"bio"`
	Protected    bool            `json:"protected"`
	Verified     bool            `json:"verified"`
	Followers    int64           `json:"followers"`
	Following    int64           `json:"following"`
	Posts        int64           `json:"posts"`
	PinnedPostID string          `json:"pinned_post_id,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	SavedAt      time.Time       `json:"saved_at"`
}

// NewAccount returns a placeholder with every counter unobserved.
func NewAccount(id string) *Account {
	return &Account{ID: id, Followers: UnknownCount, Following: UnknownCount, Posts: UnknownCount}
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Raw = append(json.RawMessage(nil), a.Raw...)
	return &cp
}

// Relevant reports whether the account clears the mention relay bar.
func (a *Account) Relevant(minFollowers int64) bool {
	if a == nil {
		return false
	}
	return a.Verified || a.Followers > minFollowers
}

type Platform string

const PlatformTelegram Platform = "telegram"

// Channel is one delivery destination.
type Channel struct {
	Platform Platform `json:"platform"`
	ChatID   int64    `json:"chat_id"`
	ThreadID int      `json:"thread_id"`
}

type SubscriptionFlags struct {
	Translate         bool  `json:"translate"`
	MentionRelay      bool  `json:"mention_relay"`
	Repost            bool  `json:"repost"`
	Quote             bool  `json:"quote"`
	Reply             bool  `json:"reply"`
	ProfileName       bool  `json:"profile_name"`
	ProfileBio        bool  `json:"profile_bio"`
	ProfileAvatar     bool  `json:"profile_avatar"`
	FollowerThreshold int64 `json:"follower_threshold"`
}

// DefaultFlags are applied to new subscriptions.
func DefaultFlags() SubscriptionFlags {
	return SubscriptionFlags{Repost: true, Quote: true, Reply: true}
}

type Subscription struct {
	ID        string            `json:"id"`
	Channel   Channel           `json:"channel"`
	AccountID string            `json:"account_id"`
	Flags     SubscriptionFlags `json:"flags"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Accepts reports whether the subscription wants posts of kind k.
func (s Subscription) Accepts(k PostKind) bool {
	switch k {
	case KindRepost:
		return s.Flags.Repost
	case KindQuote:
		return s.Flags.Quote
	case KindReply, KindQuoteReply:
		return s.Flags.Reply
	default:
		return true
	}
}

// TransRecord is the write-once result of a render job.
type TransRecord struct {
	PostID       string    `json:"post_id"`
	Requester    string    `json:"requester"`
	RenderedText string    `json:"rendered_text"`
	Filename     string    `json:"filename"`
	CreatedAt    time.Time `json:"created_at"`
}

type DeliveryFailure struct {
	SubscriptionID string    `json:"subscription_id"`
	PostID         string    `json:"post_id"`
	Reason         string    `json:"reason"`
	At             time.Time `json:"at"`
}

type ChangeKind string

const (
	ChangeName      ChangeKind = "name"
	ChangeAvatar    ChangeKind = "avatar"
	ChangeBio       ChangeKind = "bio"
	ChangeFollowers ChangeKind = "followers"
)

// AccountChange is one observed profile difference.
type AccountChange struct {
	Kind ChangeKind `json:"kind"`
	Old  string     `json:"old"`
	New  string     `json:"new"`
}
