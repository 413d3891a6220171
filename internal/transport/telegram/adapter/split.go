package adapter

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

// chunkText cuts s into pieces of at most limit runes. A cut lands on the
// last newline of the window when there is one; in HTML mode it never lands
// inside a tag.
func chunkText(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rest := []rune(s)
	var out []string
	for len(rest) > limit {
		window := rest[:limit]
		cut := limit
		if nl := lastIndex(window, '\n'); nl > 0 {
			cut = nl
		} else if html {
			if lt := lastIndex(window, '<'); lt > 0 && lt > lastIndex(window, '>') {
				cut = lt
			}
		}
		out = append(out, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 || len(out) == 0 {
		out = append(out, string(rest))
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i, v := range slices.Backward(rs) {
		if v == r {
			return i
		}
	}
	return -1
}
