package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"feedwatch/internal/model"
	"feedwatch/internal/storage"
	"feedwatch/internal/transport"
	"feedwatch/pkg/logx"
)

type fakeRegistry map[string][]model.Subscription

func (r fakeRegistry) ForAccount(ctx context.Context, id string) ([]model.Subscription, error) {
	return r[id], nil
}

type fakeEntities struct {
	posts      map[string]*model.Post
	accounts   map[string]*model.Account
	translated map[string]string
}

func (e *fakeEntities) GetPost(ctx context.Context, id string) (*model.Post, error) {
	if p, ok := e.posts[id]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (e *fakeEntities) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	if a, ok := e.accounts[id]; ok {
		return a, nil
	}
	return nil, storage.ErrNotFound
}

func (e *fakeEntities) SetTranslation(ctx context.Context, id, text string) error {
	if e.translated == nil {
		e.translated = map[string]string{}
	}
	e.translated[id] = text
	return nil
}

type sent struct {
	to    transport.ChatTarget
	text  string
	media int
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail map[int64]error
}

func (s *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.record(to, text, 0)
}

func (s *fakeSender) SendMedia(ctx context.Context, to transport.ChatTarget, caption string, media []transport.Media, opt *transport.SendOptions) (transport.MessageRef, error) {
	return s.record(to, caption, len(media))
}

func (s *fakeSender) record(to transport.ChatTarget, text string, media int) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[to.ChatID]; err != nil {
		return transport.MessageRef{}, err
	}
	s.sent = append(s.sent, sent{to: to, text: text, media: media})
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (s *fakeSender) to(chat int64) []sent {
	var out []sent
	for _, m := range s.sent {
		if m.to.ChatID == chat {
			out = append(out, m)
		}
	}
	return out
}

type fakeFailures struct{ list []model.DeliveryFailure }

func (f *fakeFailures) AddDeliveryFailure(ctx context.Context, d model.DeliveryFailure) error {
	f.list = append(f.list, d)
	return nil
}

type fakeTranslator struct{ err error }

func (t fakeTranslator) Translate(ctx context.Context, text, target string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return "[" + target + "] " + text, nil
}

func sub(id, account string, chat int64, mut func(*model.SubscriptionFlags)) model.Subscription {
	f := model.DefaultFlags()
	if mut != nil {
		mut(&f)
	}
	return model.Subscription{ID: id, AccountID: account, Channel: model.Channel{Platform: model.PlatformTelegram, ChatID: chat}, Flags: f}
}

func fixture() (*fakeEntities, *fakeSender, *fakeFailures) {
	ents := &fakeEntities{
		posts: map[string]*model.Post{},
		accounts: map[string]*model.Account{
			"A": {ID: "A", Name: "Alice", Handle: "alice", Followers: 10},
			"B": {ID: "B", Name: "Bob", Handle: "bob", Verified: true, Followers: 10000},
			"C": {ID: "C", Name: "Carol", Handle: "carol", Followers: 3},
		},
	}
	return ents, &fakeSender{}, &fakeFailures{}
}

func TestMentionRelay(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{
		"B": {sub("s1", "B", 200, func(f *model.SubscriptionFlags) { f.MentionRelay = true })},
	}
	d := New(Config{RelevanceFollowers: 5000}, reg, ents, fails, snd, logx.Nop())

	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindPost, RenderedText: "hi @bob", Mentions: []string{"B"}}
	if err := d.DispatchPost(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(snd.sent) != 1 || snd.sent[0].to.ChatID != 200 {
		t.Fatalf("expected one relayed delivery to B's subscriber, got %+v", snd.sent)
	}
	if !strings.Contains(snd.sent[0].text, "@bob was mentioned") {
		t.Fatalf("relay header missing: %q", snd.sent[0].text)
	}
}

func TestMentionRelayNotDuplicated(t *testing.T) {
	ents, snd, fails := fixture()
	relay := func(f *model.SubscriptionFlags) { f.MentionRelay = true }
	reg := fakeRegistry{
		"A": {sub("a1", "A", 100, nil)},
		"B": {sub("b1", "B", 100, relay), sub("b2", "B", 200, relay), sub("b3", "B", 300, nil)},
		"C": {sub("c1", "C", 400, relay)},
	}
	d := New(Config{RelevanceFollowers: 5000}, reg, ents, fails, snd, logx.Nop())

	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindPost, Mentions: []string{"B", "C"}}
	if err := d.DispatchPost(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := len(snd.to(100)); n != 1 {
		t.Fatalf("chat 100 got %d messages", n)
	}
	if n := len(snd.to(200)); n != 1 {
		t.Fatalf("chat 200 got %d messages", n)
	}
	if n := len(snd.to(300)); n != 0 {
		t.Fatalf("relay without flag delivered: %d", n)
	}
	if n := len(snd.to(400)); n != 0 {
		t.Fatalf("irrelevant mention relayed: %d", n)
	}
}

func TestKindFlags(t *testing.T) {
	cases := []struct {
		kind model.PostKind
		mut  func(*model.SubscriptionFlags)
		want int
	}{
		{model.KindRepost, func(f *model.SubscriptionFlags) { f.Repost = false }, 0},
		{model.KindRepost, nil, 1},
		{model.KindQuote, func(f *model.SubscriptionFlags) { f.Quote = false }, 0},
		{model.KindReply, func(f *model.SubscriptionFlags) { f.Reply = false }, 0},
		{model.KindQuoteReply, func(f *model.SubscriptionFlags) { f.Reply = false }, 0},
		{model.KindQuoteReply, func(f *model.SubscriptionFlags) { f.Quote = false }, 1},
		{model.KindPost, func(f *model.SubscriptionFlags) { *f = model.SubscriptionFlags{} }, 1},
	}
	for i, tc := range cases {
		ents, snd, fails := fixture()
		reg := fakeRegistry{"A": {sub("s", "A", 1, tc.mut)}}
		d := New(Config{}, reg, ents, fails, snd, logx.Nop())
		p := &model.Post{ID: "1", AuthorID: "A", Kind: tc.kind, RefPostID: "9", RefAuthorID: "C", RefAuthorHandle: "carol"}
		if err := d.DispatchPost(context.Background(), p); err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if len(snd.sent) != tc.want {
			t.Fatalf("case %d (%s): deliveries=%d want %d", i, tc.kind, len(snd.sent), tc.want)
		}
	}
}

func TestRepostNeverRelays(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{"B": {sub("b", "B", 2, func(f *model.SubscriptionFlags) { f.MentionRelay = true })}}
	d := New(Config{RelevanceFollowers: 1}, reg, ents, fails, snd, logx.Nop())
	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindRepost, Mentions: []string{"B"}}
	_ = d.DispatchPost(context.Background(), p)
	if len(snd.sent) != 0 {
		t.Fatalf("repost relayed: %+v", snd.sent)
	}
}

func TestDisabledChannelAndSendFailureRecorded(t *testing.T) {
	ents, snd, fails := fixture()
	snd.fail = map[int64]error{2: errors.New("forbidden")}
	reg := fakeRegistry{"A": {sub("s1", "A", 1, nil), sub("s2", "A", 2, nil), sub("s3", "A", 3, nil)}}
	gate := func(ch model.Channel) bool { return ch.ChatID != 1 }
	d := New(Config{}, reg, ents, fails, snd, logx.Nop(), WithGate(gate))

	p := &model.Post{ID: "7", AuthorID: "A", Kind: model.KindPost}
	if err := d.DispatchPost(context.Background(), p); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(snd.sent) != 1 || snd.sent[0].to.ChatID != 3 {
		t.Fatalf("sent = %+v", snd.sent)
	}
	if len(fails.list) != 2 {
		t.Fatalf("failures = %+v", fails.list)
	}
	for _, f := range fails.list {
		if f.PostID != "7" {
			t.Fatalf("failure post id = %q", f.PostID)
		}
	}
	if fails.list[0].SubscriptionID != "s1" || fails.list[0].Reason != "channel disabled" {
		t.Fatalf("disabled failure = %+v", fails.list[0])
	}
}

func TestTranslation(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{"A": {
		sub("s1", "A", 1, func(f *model.SubscriptionFlags) { f.Translate = true }),
		sub("s2", "A", 2, func(f *model.SubscriptionFlags) { f.Translate = true }),
	}}
	d := New(Config{TranslateTo: "de"}, reg, ents, fails, snd, logx.Nop(), WithTranslator(fakeTranslator{}))
	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindPost, RenderedText: "hello"}
	_ = d.DispatchPost(context.Background(), p)
	if len(snd.sent) != 2 || !strings.Contains(snd.sent[0].text, "[de] hello") {
		t.Fatalf("translated text missing: %+v", snd.sent)
	}
	if ents.translated["1"] != "[de] hello" {
		t.Fatalf("translation not stored: %v", ents.translated)
	}
}

func TestTranslationFailureDeliversUntranslated(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{"A": {sub("s1", "A", 1, func(f *model.SubscriptionFlags) { f.Translate = true })}}
	d := New(Config{}, reg, ents, fails, snd, logx.Nop(), WithTranslator(fakeTranslator{err: errors.New("quota")}))
	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindPost, RenderedText: "hello"}
	_ = d.DispatchPost(context.Background(), p)
	if len(snd.sent) != 1 || strings.Contains(snd.sent[0].text, "<i>") {
		t.Fatalf("expected untranslated delivery: %+v", snd.sent)
	}
	if len(fails.list) != 0 {
		t.Fatalf("translation failure must not record a delivery failure")
	}
}

func TestMediaAlbum(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{"A": {sub("s1", "A", 1, nil)}}
	d := New(Config{}, reg, ents, fails, snd, logx.Nop())
	p := &model.Post{ID: "1", AuthorID: "A", Kind: model.KindPost, Media: []model.Media{
		{Key: "1", Type: model.MediaPhoto, URL: "https://p/1.jpg"},
		{Key: "2", Type: model.MediaVideo},
		{Key: "3", Type: model.MediaGIF, URL: "https://p/3.mp4"},
	}}
	_ = d.DispatchPost(context.Background(), p)
	if len(snd.sent) != 1 || snd.sent[0].media != 2 {
		t.Fatalf("sent = %+v", snd.sent)
	}
}

func TestDispatchAccountPerFieldFlags(t *testing.T) {
	ents, snd, fails := fixture()
	reg := fakeRegistry{"A": {
		sub("s1", "A", 1, func(f *model.SubscriptionFlags) { f.ProfileName = true }),
		sub("s2", "A", 2, func(f *model.SubscriptionFlags) { f.ProfileBio = true }),
		sub("s3", "A", 3, func(f *model.SubscriptionFlags) { f.FollowerThreshold = 5 }),
		sub("s4", "A", 4, func(f *model.SubscriptionFlags) { f.FollowerThreshold = 50 }),
	}}
	d := New(Config{}, reg, ents, fails, snd, logx.Nop())
	a := ents.accounts["A"]
	changes := []model.AccountChange{
		{Kind: model.ChangeName, Old: "Al", New: "Alice"},
		{Kind: model.ChangeFollowers, Old: "9", New: "10"},
	}
	if err := d.DispatchAccount(context.Background(), a, changes); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(snd.to(1)) != 1 || len(snd.to(2)) != 0 || len(snd.to(3)) != 1 || len(snd.to(4)) != 0 {
		t.Fatalf("sent = %+v", snd.sent)
	}
	if strings.Contains(snd.to(1)[0].text, "followers") {
		t.Fatalf("name-only subscriber got follower change: %q", snd.to(1)[0].text)
	}
}
