package eventbus

import "feedwatch/internal/model"

// Event types published by feedwatch components.
const (
	PostNew        = "post.new"
	PostTouched    = "post.touched"
	AccountChanged = "account.changed"
	RenderDone     = "render.done"
	RenderFailed   = "render.failed"
	PollState      = "poll.state"
	StreamState    = "stream.state"
)

// PostEvent is the Data of PostNew and PostTouched.
type PostEvent struct {
	Post *model.Post
	// Fanout is false when the post was seen but is not delivered
	// (stale, manual origin, or a touch of a known post).
	Fanout bool
}

// AccountEvent is the Data of AccountChanged.
type AccountEvent struct {
	Account *model.Account
	Changes []model.AccountChange
}

// RenderEvent is the Data of RenderDone and RenderFailed.
type RenderEvent struct {
	JobID  string
	PostID string
	File   string
	Err    string
}

// StateEvent is the Data of PollState and StreamState.
type StateEvent struct {
	State  string
	Reason string
}
