package model

import "testing"

func TestPostComplete(t *testing.T) {
	cases := []struct {
		name string
		p    Post
		want bool
	}{
		{"no author", Post{ID: "1", Kind: KindPost}, false},
		{"plain", Post{ID: "1", AuthorID: "a", Kind: KindPost}, true},
		{"repost missing ref", Post{ID: "1", AuthorID: "a", Kind: KindRepost}, false},
		{"quote missing ref author", Post{ID: "1", AuthorID: "a", Kind: KindQuote, RefPostID: "2"}, false},
		{"reply resolved", Post{ID: "1", AuthorID: "a", Kind: KindReply, RefPostID: "2", RefAuthorID: "b"}, true},
	}
	for _, c := range cases {
		if got := c.p.Complete(); got != c.want {
			t.Fatalf("%s: Complete()=%v want %v", c.name, got, c.want)
		}
	}
}

func TestSubscriptionAccepts(t *testing.T) {
	s := Subscription{Flags: SubscriptionFlags{Quote: true}}
	if !s.Accepts(KindPost) || !s.Accepts(KindQuote) {
		t.Fatalf("post and quote should be accepted")
	}
	if s.Accepts(KindRepost) || s.Accepts(KindReply) || s.Accepts(KindQuoteReply) {
		t.Fatalf("repost/reply/quote_reply should be rejected")
	}
}

func TestAccountRelevant(t *testing.T) {
	if !(&Account{Verified: true, Followers: 0}).Relevant(5000) {
		t.Fatalf("verified account is relevant")
	}
	if (&Account{Followers: 5000}).Relevant(5000) {
		t.Fatalf("threshold is strict")
	}
	if (*Account)(nil).Relevant(0) {
		t.Fatalf("nil account is never relevant")
	}
}

func TestPostCloneIsDeep(t *testing.T) {
	p := &Post{ID: "1", Media: []Media{{Key: "m"}}, Poll: &Poll{Options: []PollOption{{Label: "a"}}}}
	cp := p.Clone()
	cp.Media[0].Key = "x"
	cp.Poll.Options[0].Label = "b"
	if p.Media[0].Key != "m" || p.Poll.Options[0].Label != "a" {
		t.Fatalf("clone shares state with original")
	}
}
