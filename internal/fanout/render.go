package fanout

import (
	"fmt"

	"feedwatch/internal/model"
	"feedwatch/internal/transport"
	"feedwatch/pkg/tgui"
)

const maxAlbum = 10

func renderPost(urlPattern string, p, ref *model.Post, author, via *model.Account, translation string) Message {
	var parts []tgui.H
	if via != nil {
		parts = append(parts, tgui.Escf("📣 %s was mentioned", handleOf(via, via.ID)))
	}
	parts = append(parts, tgui.JoinH(" ", tgui.B(nameOf(author, p.AuthorID)), verb(p)))

	body := p
	if p.Kind == model.KindRepost && ref != nil {
		body = ref
	}
	parts = append(parts, tgui.Esc(body.RenderedText))
	if translation != "" {
		parts = append(parts, tgui.I(translation))
	}
	if body.Poll != nil && len(body.Poll.Options) > 0 {
		opts := make([]tgui.H, 0, len(body.Poll.Options))
		for _, o := range body.Poll.Options {
			opts = append(opts, tgui.Escf("▫️ %s (%d)", o.Label, o.Votes))
		}
		parts = append(parts, tgui.JoinH("\n", opts...))
	}
	url := fmt.Sprintf(urlPattern, urlHandle(author), p.ID)
	parts = append(parts, tgui.Link(url, url))

	return Message{Text: tgui.JoinH("\n\n", parts...).String(), Media: mediaOf(body)}
}

func verb(p *model.Post) tgui.H {
	ref := refHandle(p)
	switch p.Kind {
	case model.KindRepost:
		return tgui.Esc("reposted " + ref)
	case model.KindQuote:
		return tgui.Esc("quoted " + ref)
	case model.KindReply:
		return tgui.Esc("replied to " + ref)
	case model.KindQuoteReply:
		return tgui.Esc("replied to " + ref + " with a quote")
	default:
		return "posted"
	}
}

func refHandle(p *model.Post) string {
	if p.RefAuthorHandle != "" {
		return "@" + p.RefAuthorHandle
	}
	if p.RefAuthorID != "" {
		return "user " + p.RefAuthorID
	}
	return "a post"
}

func mediaOf(p *model.Post) []transport.Media {
	var out []transport.Media
	for _, m := range p.Media {
		if m.URL == "" || len(out) == maxAlbum {
			continue
		}
		kind := transport.MediaPhoto
		switch m.Type {
		case model.MediaVideo:
			kind = transport.MediaVideo
		case model.MediaGIF:
			kind = transport.MediaAnimation
		}
		out = append(out, transport.Media{Kind: kind, URL: m.URL})
	}
	return out
}

func renderAccount(a *model.Account, changes []model.AccountChange) Message {
	lines := []tgui.H{tgui.JoinH(" ", tgui.B(a.Name), tgui.Escf("(%s) updated their profile", handleOf(a, a.ID)))}
	for _, c := range changes {
		lines = append(lines, tgui.Escf("• %s: %s → %s", c.Kind, c.Old, c.New))
	}
	return Message{Text: tgui.JoinH("\n", lines...).String()}
}

func nameOf(a *model.Account, fallback string) string {
	if a == nil {
		return fallback
	}
	if a.Name != "" {
		return fmt.Sprintf("%s (@%s)", a.Name, a.Handle)
	}
	return "@" + a.Handle
}

func handleOf(a *model.Account, fallback string) string {
	if a == nil || a.Handle == "" {
		return fallback
	}
	return "@" + a.Handle
}

// urlHandle falls back to the handle-less "i" path the platform accepts.
func urlHandle(a *model.Account) string {
	if a == nil || a.Handle == "" {
		return "i"
	}
	return a.Handle
}
