package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"feedwatch/internal/model"
	"feedwatch/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "feedwatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: dialectPostgres}
	got := s.q(`SELECT a FROM t WHERE x = ? AND y = ?`)
	if got != `SELECT a FROM t WHERE x = $1 AND y = $2` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	s.dialect = dialectSQLite
	if s.q("?") != "?" {
		t.Fatalf("sqlite must keep ? placeholders")
	}
}

func TestPostRoundTrip(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	if _, err := st.GetPost(ctx, "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	p := &model.Post{
		ID: "1", AuthorID: "a", Kind: model.KindQuote, Text: "hi", RefPostID: "2", RefAuthorID: "b",
		Origin: model.OriginAuto, Minor: true, Counters: model.Counters{Likes: 3},
		Media:     []model.Media{{Key: "m1", Type: model.MediaPhoto, URL: "https://x/1.jpg"}},
		Poll:      &model.Poll{Options: []model.PollOption{{Label: "yes", Votes: 2}}, Status: "open"},
		Mentions:  []string{"c"},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := st.SavePost(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Minor = false
	p.Counters.Likes = 9
	if err := st.SavePost(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := st.GetPost(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Minor || got.Counters.Likes != 9 || got.Kind != model.KindQuote {
		t.Fatalf("upsert not applied: %+v", got)
	}
	if len(got.Media) != 1 || got.Poll == nil || got.Poll.Options[0].Votes != 2 || got.Mentions[0] != "c" {
		t.Fatalf("json columns lost: %+v", got)
	}
	if !got.CreatedAt.Equal(p.CreatedAt) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}
}

func TestAccountUnknownCounts(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	a := model.NewAccount("42")
	a.Handle = "Someone"
	if err := st.SaveAccount(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := st.GetAccountByHandle(ctx, "someone")
	if err != nil {
		t.Fatalf("get by handle: %v", err)
	}
	if got.Followers != model.UnknownCount {
		t.Fatalf("expected unknown followers, got %d", got.Followers)
	}
}

func TestSubscriptionUniqueness(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	ch := model.Channel{Platform: model.PlatformTelegram, ChatID: -100, ThreadID: 7}

	sub := &model.Subscription{ID: "s1", Channel: ch, AccountID: "a", Flags: model.DefaultFlags()}
	if err := st.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &model.Subscription{ID: "s2", Channel: ch, AccountID: "a"}
	if err := st.CreateSubscription(ctx, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	other := &model.Subscription{ID: "s3", Channel: model.Channel{Platform: model.PlatformTelegram, ChatID: -100}, AccountID: "a"}
	if err := st.CreateSubscription(ctx, other); err != nil {
		t.Fatalf("different thread is a different channel: %v", err)
	}

	n, err := st.CountSubscriptionsForAccount(ctx, "a")
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	ids, err := st.WatchedAccountIDs(ctx)
	if err != nil || len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("watched=%v err=%v", ids, err)
	}

	flags := model.SubscriptionFlags{MentionRelay: true}
	if err := st.UpdateSubscriptionFlags(ctx, "s1", flags); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetSubscription(ctx, ch, "a")
	if err != nil || got.Flags != flags {
		t.Fatalf("flags not updated: %+v err=%v", got, err)
	}

	if err := st.AddDeliveryFailure(ctx, model.DeliveryFailure{SubscriptionID: "s1", PostID: "p"}); err != nil {
		t.Fatalf("add failure: %v", err)
	}
	if err := st.DeleteSubscription(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteSubscription(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	fs, _ := st.ListDeliveryFailures(ctx, "s1")
	if len(fs) != 0 {
		t.Fatalf("failures should be removed with the subscription")
	}
}

func TestDeliveryFailuresDedup(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := st.AddDeliveryFailure(ctx, model.DeliveryFailure{SubscriptionID: "s", PostID: "p", Reason: "disabled"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	_ = st.AddDeliveryFailure(ctx, model.DeliveryFailure{SubscriptionID: "s", PostID: "q"})
	fs, err := st.ListDeliveryFailures(ctx, "s")
	if err != nil || len(fs) != 2 {
		t.Fatalf("failures=%v err=%v", fs, err)
	}
	n, err := st.ClearDeliveryFailures(ctx, "s")
	if err != nil || n != 2 {
		t.Fatalf("cleared=%d err=%v", n, err)
	}
}

func TestTransRecordWriteOnce(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	r := model.TransRecord{PostID: "1", Requester: "u", RenderedText: "x", Filename: "a.png"}
	if err := st.InsertTransRecord(ctx, r); err != nil {
		t.Fatalf("insert: %v", err)
	}
	r.RenderedText = "changed"
	if err := st.InsertTransRecord(ctx, r); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	rs, err := st.ListTransRecords(ctx, "1")
	if err != nil || len(rs) != 1 || rs[0].RenderedText != "x" {
		t.Fatalf("records=%v err=%v", rs, err)
	}
}

func TestDedupAndAudit(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	until := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("dedup=%v ok=%v err=%v", got, ok, err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{Action: "subscribe", Target: "a", OK: true}); err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestErrDatabaseWrapping(t *testing.T) {
	err := wrap("op", errors.New("disk I/O error"))
	if !errors.Is(err, ErrDatabase) {
		t.Fatalf("wrapped error must match ErrDatabase")
	}
	if wrap("op", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
