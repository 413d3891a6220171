package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"feedwatch/pkg/logx"
)

func newTestService(token string) (*Service, http.Handler) {
	cfg := Config{Enabled: true, Token: token}
	s := New(cfg, func(ctx context.Context) any {
		return map[string]any{"poll": "idle"}
	}, logx.Nop())
	return s, s.handler(cfg)
}

func TestHandlerAuth(t *testing.T) {
	_, h := newTestService("secret")
	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"no token", "/healthz", "", http.StatusUnauthorized},
		{"query token", "/healthz?token=secret", "", http.StatusOK},
		{"bearer token", "/healthz", "Bearer secret", http.StatusOK},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestMetricsAndHealth(t *testing.T) {
	_, h := newTestService("")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("health json: %v", err)
	}
	if body["poll"] != "idle" {
		t.Fatalf("health = %v", body)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.2:6060":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("%q: got %v want %v", addr, got, want)
		}
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Addr() == "" {
		t.Fatalf("addr should be set once Start returns")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	s.Stop(stopCtx)
	if s.Addr() != "" {
		t.Fatalf("addr should be cleared after Stop")
	}
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	err := s.Start(context.Background())
	if !errors.Is(err, errInsecureBind) {
		t.Fatalf("err = %v", err)
	}
	if s.Addr() != "" {
		t.Fatalf("nothing should be bound")
	}
}

type fakeHealth struct {
	Healthy bool `json:"healthy"`
}

func (f fakeHealth) OK() bool { return f.Healthy }

func TestHealthStatusCode(t *testing.T) {
	for _, healthy := range []bool{true, false} {
		cfg := Config{Enabled: true}
		s := New(cfg, func(ctx context.Context) any { return fakeHealth{Healthy: healthy} }, logx.Nop())
		rec := httptest.NewRecorder()
		s.handler(cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		want := http.StatusOK
		if !healthy {
			want = http.StatusServiceUnavailable
		}
		if rec.Code != want || !strings.Contains(rec.Body.String(), `"healthy"`) {
			t.Fatalf("healthy=%v: %d %q", healthy, rec.Code, rec.Body.String())
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := map[string]string{
		"":               DefaultPrefix,
		"/":              DefaultPrefix,
		"ops/pprof":      "/ops/pprof/",
		" /ops/pprof/ ": "/ops/pprof/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Fatalf("normalizePrefix(%q) = %q want %q", in, got, want)
		}
	}
}
