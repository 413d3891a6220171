package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"feedwatch/internal/model"
)

const postColumns = `id, author_id, kind, text, rendered_text, ref_post_id, ref_author_id, ref_author_handle,
	quoted_post_id, minor, origin, translated, likes, reposts, replies, quotes, views, media, poll, mentions,
	lang, sensitive, created_at, updated_at, saved_at, raw`

// GetPost returns ErrNotFound when the id was never stored.
func (s *Store) GetPost(ctx context.Context, id string) (*model.Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get post", err)
	}
	return p, nil
}

// SavePost upserts p by id and stamps SavedAt.
func (s *Store) SavePost(ctx context.Context, p *model.Post) error {
	media, _ := json.Marshal(p.Media)
	mentions, _ := json.Marshal(p.Mentions)
	poll := ""
	if p.Poll != nil {
		b, _ := json.Marshal(p.Poll)
		poll = string(b)
	}
	p.SavedAt = s.now().UTC()
	_, err := s.exec(ctx, "save post", `INSERT INTO posts(`+postColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			author_id=excluded.author_id, kind=excluded.kind, text=excluded.text,
			rendered_text=excluded.rendered_text, ref_post_id=excluded.ref_post_id,
			ref_author_id=excluded.ref_author_id, ref_author_handle=excluded.ref_author_handle,
			quoted_post_id=excluded.quoted_post_id, minor=excluded.minor, origin=excluded.origin,
			translated=excluded.translated, likes=excluded.likes, reposts=excluded.reposts,
			replies=excluded.replies, quotes=excluded.quotes, views=excluded.views,
			media=excluded.media, poll=excluded.poll, mentions=excluded.mentions, lang=excluded.lang,
			sensitive=excluded.sensitive, updated_at=excluded.updated_at, saved_at=excluded.saved_at,
			raw=excluded.raw`,
		p.ID, p.AuthorID, string(p.Kind), p.Text, p.RenderedText, p.RefPostID, p.RefAuthorID, p.RefAuthorHandle,
		p.QuotedPostID, p.Minor, string(p.Origin), p.Translated,
		p.Counters.Likes, p.Counters.Reposts, p.Counters.Replies, p.Counters.Quotes, p.Counters.Views,
		string(media), poll, string(mentions), p.Lang, p.Sensitive,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatTime(p.SavedAt), string(p.Raw),
	)
	return err
}

// SetPostTranslation stores a translated text for the post.
func (s *Store) SetPostTranslation(ctx context.Context, id, translated string) error {
	_, err := s.exec(ctx, "set translation", `UPDATE posts SET translated = ? WHERE id = ?`, translated, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(r scanner) (*model.Post, error) {
	var (
		p                       model.Post
		kind, origin            string
		media, poll, mentions   string
		created, updated, saved string
		raw                     string
	)
	err := r.Scan(&p.ID, &p.AuthorID, &kind, &p.Text, &p.RenderedText, &p.RefPostID, &p.RefAuthorID,
		&p.RefAuthorHandle, &p.QuotedPostID, &p.Minor, &origin, &p.Translated,
		&p.Counters.Likes, &p.Counters.Reposts, &p.Counters.Replies, &p.Counters.Quotes, &p.Counters.Views,
		&media, &poll, &mentions, &p.Lang, &p.Sensitive, &created, &updated, &saved, &raw)
	if err != nil {
		return nil, err
	}
	p.Kind = model.PostKind(kind)
	p.Origin = model.Origin(origin)
	_ = json.Unmarshal([]byte(media), &p.Media)
	_ = json.Unmarshal([]byte(mentions), &p.Mentions)
	if poll != "" {
		var pl model.Poll
		if json.Unmarshal([]byte(poll), &pl) == nil {
			p.Poll = &pl
		}
	}
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	p.SavedAt = parseTime(saved)
	if raw != "" {
		p.Raw = json.RawMessage(raw)
	}
	return &p, nil
}
