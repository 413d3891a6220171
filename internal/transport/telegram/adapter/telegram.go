package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "feedwatch/internal/transport"
	"feedwatch/pkg/logx"
	"feedwatch/pkg/tgui"
)

// Config configures the Telegram delivery adapter.
type Config struct {
	Token string
	// Offline skips the getMe handshake (tests, dry runs).
	Offline bool
	// Timeout bounds each Bot API HTTP call.
	Timeout time.Duration
}

// Adapter is a send-only Telegram transport used for subscription deliveries
// and operator alerts.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
}

var _ kit.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	if a.bot.Me != nil && a.bot.Me.Username != "" {
		a.log.Info("telegram adapter ready", logx.String("bot", a.bot.Me.Username))
	} else {
		a.log.Info("telegram adapter ready", logx.Bool("offline", a.cfg.Offline))
	}
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		a.log.Debug("telegram stop called but not running")
		return nil
	}
	a.log.Info("stopping")
	return nil
}

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
	telegramAlbumLimit   = 10
)

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	return &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		DisableNotification:   opt.Silent,
		ThreadID:              to.ThreadID,
	}
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	html := opt != nil && strings.EqualFold(opt.ParseMode, tgui.ParseMode)
	chunks := chunkText(text, telegramTextLimit, html)

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, a.sendOptions(to, opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendMedia sends remote media as albums of up to ten items. The caption
// rides on the first item; captions too long for Telegram go out as a
// separate text message first.
func (a *Adapter) SendMedia(ctx context.Context, to kit.ChatTarget, caption string, media []kit.Media, opt *kit.SendOptions) (kit.MessageRef, error) {
	if len(media) == 0 {
		return a.SendText(ctx, to, caption, opt)
	}

	var first kit.MessageRef
	if len([]rune(caption)) > telegramCaptionLimit {
		ref, err := a.SendText(ctx, to, caption, opt)
		if err != nil {
			return ref, err
		}
		first = ref
		caption = ""
	}

	chat := &tele.Chat{ID: to.ChatID}
	for start := 0; start < len(media); start += telegramAlbumLimit {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		end := min(start+telegramAlbumLimit, len(media))
		batch := media[start:end]
		itemCaption := ""
		if start == 0 {
			itemCaption = caption
		}

		if len(batch) == 1 {
			msg, err := a.bot.Send(chat, toSendable(batch[0], itemCaption), a.sendOptions(to, opt))
			if err != nil {
				return first, err
			}
			if first.ChatID == 0 {
				first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
			}
			continue
		}

		album := make(tele.Album, 0, len(batch))
		for i, m := range batch {
			c := ""
			if i == 0 {
				c = itemCaption
			}
			album = append(album, toInputtable(m, c))
		}
		msgs, err := a.bot.SendAlbum(chat, album, a.sendOptions(to, opt))
		if err != nil {
			return first, err
		}
		if first.ChatID == 0 && len(msgs) > 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgs[0].ID}
		}
	}
	return first, nil
}

func (a *Adapter) SendFile(ctx context.Context, to kit.ChatTarget, path, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	caption = tgui.TruncRunes(caption, telegramCaptionLimit-1)
	photo := &tele.Photo{File: tele.FromDisk(path), Caption: caption}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, photo, a.sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func toInputtable(m kit.Media, caption string) tele.Inputtable {
	switch m.Kind {
	case kit.MediaVideo, kit.MediaAnimation:
		return &tele.Video{File: tele.FromURL(m.URL), Caption: caption}
	default:
		return &tele.Photo{File: tele.FromURL(m.URL), Caption: caption}
	}
}

func toSendable(m kit.Media, caption string) tele.Sendable {
	switch m.Kind {
	case kit.MediaVideo:
		return &tele.Video{File: tele.FromURL(m.URL), Caption: caption}
	case kit.MediaAnimation:
		return &tele.Animation{File: tele.FromURL(m.URL), Caption: caption}
	default:
		return &tele.Photo{File: tele.FromURL(m.URL), Caption: caption}
	}
}
