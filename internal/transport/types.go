package transport

import "context"

// ChatTarget addresses a chat and, for forum supergroups, one topic.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// Media is a remote attachment referenced by URL.
type Media struct {
	Kind MediaKind
	URL  string
}

// Notification is one operator-facing alert. Priority runs 0..10; 9 and
// above is an incident.
type Notification struct {
	Channel  string
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is an outbound chat transport.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendMedia sends an album (or a single attachment) with caption on the first item.
	SendMedia(ctx context.Context, to ChatTarget, caption string, media []Media, opt *SendOptions) (MessageRef, error)
	// SendFile uploads a local file as a photo.
	SendFile(ctx context.Context, to ChatTarget, path, caption string, opt *SendOptions) (MessageRef, error)
}
