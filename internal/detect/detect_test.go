package detect

import (
	"context"
	"testing"
	"time"

	"feedwatch/internal/eventbus"
	"feedwatch/internal/model"
	"feedwatch/pkg/logx"
)

type recorder struct {
	posts    []*model.Post
	accounts [][]model.AccountChange
}

func (r *recorder) DispatchPost(ctx context.Context, p *model.Post) error {
	r.posts = append(r.posts, p)
	return nil
}

func (r *recorder) DispatchAccount(ctx context.Context, a *model.Account, ch []model.AccountChange) error {
	r.accounts = append(r.accounts, ch)
	return nil
}

func TestFollowerBuckets(t *testing.T) {
	cases := []struct {
		old, new int64
		want     int
	}{
		{4990, 4999, 0},
		{4990, 5001, 1},
		{5001, 4990, 1},
		{model.UnknownCount, 5001, 0},
		{4990, 4990, 0},
	}
	for _, c := range cases {
		old := &model.Account{ID: "a", Followers: c.old}
		cur := &model.Account{ID: "a", Followers: c.new}
		if got := len(Diff(cur, old, 1000)); got != c.want {
			t.Fatalf("%d→%d: got %d changes want %d", c.old, c.new, got, c.want)
		}
	}
}

func TestFollowerNotificationFiresOnce(t *testing.T) {
	rec := &recorder{}
	d := New(Config{FollowerWindow: 1000}, nil, rec, logx.Nop())
	ctx := context.Background()

	prev := &model.Account{ID: "a", Followers: 4990}
	for _, n := range []int64{4995, 4999, 5001, 5003, 5100} {
		cur := &model.Account{ID: "a", Followers: n}
		if err := d.AccountUpdate(ctx, cur, prev); err != nil {
			t.Fatalf("update: %v", err)
		}
		prev = cur
	}
	if len(rec.accounts) != 1 {
		t.Fatalf("expected exactly one follower notification, got %d", len(rec.accounts))
	}
}

func TestProfileChangesIndependent(t *testing.T) {
	old := &model.Account{ID: "a", Name: "Old", AvatarURL: "", Bio: "bio", Followers: model.UnknownCount}
	cur := &model.Account{ID: "a", Name: "New", AvatarURL: "https://x/a.jpg", Bio: "bio2", Followers: 10}
	ch := Diff(cur, old, 1000)
	if len(ch) != 2 {
		t.Fatalf("expected name+bio changes only, got %+v", ch)
	}
	if ch[0].Kind != model.ChangeName || ch[0].Old != "Old" || ch[0].New != "New" {
		t.Fatalf("unexpected name change %+v", ch[0])
	}
	if ch[1].Kind != model.ChangeBio {
		t.Fatalf("unexpected second change %+v", ch[1])
	}
	if Diff(cur, nil, 1000) != nil {
		t.Fatalf("first observation yields no changes")
	}
}

func TestPostUpdateFanout(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	rec := &recorder{}
	d := New(Config{StaleAfter: time.Hour}, bus, rec, logx.Nop())
	d.now = func() time.Time { return now }
	ctx := context.Background()

	fresh := &model.Post{ID: "1", Origin: model.OriginAuto, CreatedAt: now.Add(-time.Minute)}
	stale := &model.Post{ID: "2", Origin: model.OriginAuto, CreatedAt: now.Add(-2 * time.Hour)}
	manual := &model.Post{ID: "3", Origin: model.OriginManual, CreatedAt: now}

	_ = d.PostUpdate(ctx, fresh, nil)
	_ = d.PostUpdate(ctx, stale, nil)
	_ = d.PostUpdate(ctx, manual, nil)
	_ = d.PostUpdate(ctx, fresh, fresh)

	if len(rec.posts) != 1 || rec.posts[0].ID != "1" {
		t.Fatalf("only the fresh auto post should fan out, got %d", len(rec.posts))
	}

	var newCount, touched int
	for i := 0; i < 4; i++ {
		e := <-events
		switch e.Type {
		case eventbus.PostNew:
			newCount++
		case eventbus.PostTouched:
			touched++
		}
	}
	if newCount != 3 || touched != 1 {
		t.Fatalf("new=%d touched=%d", newCount, touched)
	}
}
