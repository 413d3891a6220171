package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

const dedupPruneEvery = 500

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.exec(ctx, "append audit",
		`INSERT INTO audit(at, actor_id, chat_id, thread_id, action, target, ok, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		formatTime(e.At), e.ActorID, e.ChatID, e.ThreadID, e.Action, e.Target, e.OK,
		nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

// PutDedup remembers key until the given time (notifier dedup across restarts).
func (s *Store) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.exec(ctx, "put dedup",
		`INSERT INTO dedup(key, until) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli())
	if err == nil && s.dedupOps.Add(1)%dedupPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.exec(pctx, "prune dedup", `DELETE FROM dedup WHERE until < ?`, s.now().UnixMilli())
		cancel()
	}
	return err
}

func (s *Store) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("get dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
