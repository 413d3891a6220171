package storage

import (
	"context"

	"feedwatch/internal/model"
)

// AddDeliveryFailure appends to the subscription's failure list. Recording
// the same post twice keeps the first entry.
func (s *Store) AddDeliveryFailure(ctx context.Context, f model.DeliveryFailure) error {
	if f.At.IsZero() {
		f.At = s.now()
	}
	_, err := s.exec(ctx, "add delivery failure", `INSERT INTO delivery_failures(subscription_id, post_id, reason, at)
		VALUES(?,?,?,?) ON CONFLICT(subscription_id, post_id) DO NOTHING`,
		f.SubscriptionID, f.PostID, f.Reason, formatTime(f.At))
	return err
}

func (s *Store) ListDeliveryFailures(ctx context.Context, subscriptionID string) ([]model.DeliveryFailure, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT subscription_id, post_id, reason, at FROM delivery_failures
		WHERE subscription_id = ? ORDER BY at, post_id`), subscriptionID)
	if err != nil {
		return nil, wrap("list delivery failures", err)
	}
	defer rows.Close()
	var out []model.DeliveryFailure
	for rows.Next() {
		var (
			f  model.DeliveryFailure
			at string
		)
		if err := rows.Scan(&f.SubscriptionID, &f.PostID, &f.Reason, &at); err != nil {
			return nil, wrap("list delivery failures", err)
		}
		f.At = parseTime(at)
		out = append(out, f)
	}
	return out, wrap("list delivery failures", rows.Err())
}

// ClearDeliveryFailures empties the list and returns how many entries were removed.
func (s *Store) ClearDeliveryFailures(ctx context.Context, subscriptionID string) (int64, error) {
	res, err := s.exec(ctx, "clear delivery failures", `DELETE FROM delivery_failures WHERE subscription_id = ?`, subscriptionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertTransRecord stores a render result. Records are write-once:
// a second insert for the same filename returns ErrDuplicate.
func (s *Store) InsertTransRecord(ctx context.Context, r model.TransRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO trans_records(filename, post_id, requester, rendered_text, created_at)
		VALUES(?,?,?,?,?)`), r.Filename, r.PostID, r.Requester, r.RenderedText, formatTime(r.CreatedAt))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return wrap("insert trans record", err)
}

func (s *Store) ListTransRecords(ctx context.Context, postID string) ([]model.TransRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT filename, post_id, requester, rendered_text, created_at
		FROM trans_records WHERE post_id = ? ORDER BY created_at`), postID)
	if err != nil {
		return nil, wrap("list trans records", err)
	}
	defer rows.Close()
	var out []model.TransRecord
	for rows.Next() {
		var (
			r       model.TransRecord
			created string
		)
		if err := rows.Scan(&r.Filename, &r.PostID, &r.Requester, &r.RenderedText, &created); err != nil {
			return nil, wrap("list trans records", err)
		}
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, wrap("list trans records", rows.Err())
}
