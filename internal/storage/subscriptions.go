package storage

import (
	"context"
	"database/sql"
	"errors"

	"feedwatch/internal/model"
)

const subscriptionColumns = `id, platform, chat_id, thread_id, account_id, translate, mention_relay, repost, quote,
	reply, profile_name, profile_bio, profile_avatar, follower_threshold, created_at, updated_at`

// CreateSubscription inserts sub. It returns ErrDuplicate when the channel
// already follows the account.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	now := s.now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	f := sub.Flags
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO subscriptions(`+subscriptionColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		sub.ID, string(sub.Channel.Platform), sub.Channel.ChatID, sub.Channel.ThreadID, sub.AccountID,
		f.Translate, f.MentionRelay, f.Repost, f.Quote, f.Reply, f.ProfileName, f.ProfileBio, f.ProfileAvatar,
		f.FollowerThreshold, formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("create subscription", err)
}

func (s *Store) UpdateSubscriptionFlags(ctx context.Context, id string, f model.SubscriptionFlags) error {
	res, err := s.exec(ctx, "update subscription", `UPDATE subscriptions SET translate=?, mention_relay=?, repost=?,
		quote=?, reply=?, profile_name=?, profile_bio=?, profile_avatar=?, follower_threshold=?, updated_at=?
		WHERE id = ?`,
		f.Translate, f.MentionRelay, f.Repost, f.Quote, f.Reply, f.ProfileName, f.ProfileBio, f.ProfileAvatar,
		f.FollowerThreshold, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes the subscription and its failure list.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("delete subscription", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE id = ?`), id)
	if err != nil {
		return wrap("delete subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM delivery_failures WHERE subscription_id = ?`), id); err != nil {
		return wrap("delete subscription failures", err)
	}
	return wrap("delete subscription", tx.Commit())
}

func (s *Store) GetSubscription(ctx context.Context, ch model.Channel, accountID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE platform = ? AND chat_id = ? AND thread_id = ? AND account_id = ?`),
		string(ch.Platform), ch.ChatID, ch.ThreadID, accountID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get subscription", err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptionsByAccount(ctx context.Context, accountID string) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx, `WHERE account_id = ? ORDER BY created_at, id`, accountID)
}

func (s *Store) ListSubscriptionsByChannel(ctx context.Context, ch model.Channel) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx, `WHERE platform = ? AND chat_id = ? AND thread_id = ? ORDER BY created_at, id`,
		string(ch.Platform), ch.ChatID, ch.ThreadID)
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx, `ORDER BY account_id, created_at, id`)
}

func (s *Store) CountSubscriptionsForAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM subscriptions WHERE account_id = ?`), accountID).Scan(&n)
	return n, wrap("count subscriptions", err)
}

// WatchedAccountIDs returns the distinct account ids with at least one subscription.
func (s *Store) WatchedAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT account_id FROM subscriptions ORDER BY account_id`)
	if err != nil {
		return nil, wrap("watched accounts", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("watched accounts", err)
		}
		out = append(out, id)
	}
	return out, wrap("watched accounts", rows.Err())
}

func (s *Store) listSubscriptions(ctx context.Context, where string, args ...any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+subscriptionColumns+` FROM subscriptions `+where), args...)
	if err != nil {
		return nil, wrap("list subscriptions", err)
	}
	defer rows.Close()
	var out []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, wrap("list subscriptions", err)
		}
		out = append(out, *sub)
	}
	return out, wrap("list subscriptions", rows.Err())
}

func scanSubscription(r scanner) (*model.Subscription, error) {
	var (
		sub              model.Subscription
		platform         string
		created, updated string
	)
	f := &sub.Flags
	err := r.Scan(&sub.ID, &platform, &sub.Channel.ChatID, &sub.Channel.ThreadID, &sub.AccountID,
		&f.Translate, &f.MentionRelay, &f.Repost, &f.Quote, &f.Reply, &f.ProfileName, &f.ProfileBio,
		&f.ProfileAvatar, &f.FollowerThreshold, &created, &updated)
	if err != nil {
		return nil, err
	}
	sub.Channel.Platform = model.Platform(platform)
	sub.CreatedAt = parseTime(created)
	sub.UpdatedAt = parseTime(updated)
	return &sub, nil
}
