package render

import (
	"testing"

	"feedwatch/internal/model"
)

func TestOverlayTextPrecedence(t *testing.T) {
	p := &model.Post{ID: "1", RenderedText: "original", Translated: "translated"}
	cases := []struct {
		name string
		job  Job
		post *model.Post
		want string
	}{
		{"requester text wins", Job{Text: " note "}, p, "note"},
		{"blank text falls back", Job{Text: "  "}, p, "translated"},
		{"translation", Job{}, p, "translated"},
		{"rendered text", Job{}, &model.Post{RenderedText: "original"}, "original"},
	}
	for _, tc := range cases {
		if got := overlayText(tc.job, tc.post); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
