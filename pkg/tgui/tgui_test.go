package tgui

import "testing"

func TestEscapingHelpers(t *testing.T) {
	cases := []struct {
		got  H
		want string
	}{
		{Esc(`a<b>&"c"`), "a&lt;b&gt;&amp;&#34;c&#34;"},
		{B("x<y"), "<b>x&lt;y</b>"},
		{I("it"), "<i>it</i>"},
		{Code("1&2"), "<code>1&amp;2</code>"},
		{Link("post", `https://x.test/a?b=1&c="2"`), `<a href="https://x.test/a?b=1&amp;c=&#34;2&#34;">post</a>`},
		{Link("bare", ""), "bare"},
		{Escf("%s has %d", "<me>", 3), "&lt;me&gt; has 3"},
		{JoinH("\n", B("a"), "", "  ", Esc("b")), "<b>a</b>\nb"},
	}
	for i, tc := range cases {
		if tc.got.String() != tc.want {
			t.Fatalf("case %d: got %q want %q", i, tc.got, tc.want)
		}
	}
}

func TestTruncRunes(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel…"},
		{"héllo wörld", 4, "héll…"},
		{"abc", 0, ""},
	}
	for _, tc := range cases {
		if got := TruncRunes(tc.in, tc.n); got != tc.want {
			t.Fatalf("TruncRunes(%q, %d) = %q want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
