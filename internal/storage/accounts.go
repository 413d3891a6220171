package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"feedwatch/internal/model"
)

const accountColumns = `id, name, handle, avatar_url, bio, protected, verified, followers, following, posts,
	pinned_post_id, raw, created_at, updated_at, saved_at`

func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return a, nil
}

// GetAccountByHandle matches handles case-insensitively.
func (s *Store) GetAccountByHandle(ctx context.Context, handle string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountColumns+` FROM accounts WHERE LOWER(handle) = LOWER(?)`), handle)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get account by handle", err)
	}
	return a, nil
}

func (s *Store) SaveAccount(ctx context.Context, a *model.Account) error {
	a.SavedAt = s.now().UTC()
	_, err := s.exec(ctx, "save account", `INSERT INTO accounts(`+accountColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, handle=excluded.handle, avatar_url=excluded.avatar_url, bio=excluded.bio,
			protected=excluded.protected, verified=excluded.verified, followers=excluded.followers,
			following=excluded.following, posts=excluded.posts, pinned_post_id=excluded.pinned_post_id,
			raw=excluded.raw, updated_at=excluded.updated_at, saved_at=excluded.saved_at`,
		a.ID, a.Name, a.Handle, a.AvatarURL, a.Bio, a.Protected, a.Verified, a.Followers, a.Following, a.Posts,
		a.PinnedPostID, string(a.Raw), formatTime(a.CreatedAt), formatTime(a.UpdatedAt), formatTime(a.SavedAt),
	)
	return err
}

func scanAccount(r scanner) (*model.Account, error) {
	var (
		a                       model.Account
		raw                     string
		created, updated, saved string
	)
	err := r.Scan(&a.ID, &a.Name, &a.Handle, &a.AvatarURL, &a.Bio, &a.Protected, &a.Verified,
		&a.Followers, &a.Following, &a.Posts, &a.PinnedPostID, &raw, &created, &updated, &saved)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		a.Raw = json.RawMessage(raw)
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	a.SavedAt = parseTime(saved)
	return &a, nil
}
