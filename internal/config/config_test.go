package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  alert_chat: -100200
  alert_thread: 7
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./feedwatch.db
provider:
  bearer_token: xyz
  retry_max: 2
rate_limits:
  home_timeline:
    capacity: 10
    period: 15m
poll:
  enabled: true
  interval: 90s
stream:
  enabled: false
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.AlertChat != -100200 || cfg.Telegram.AlertThread != 7 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Provider.RetryMax != 2 {
		t.Fatalf("storage/provider = %+v / %+v", cfg.Storage, cfg.Provider)
	}
	rl, ok := cfg.RateLimits["home_timeline"]
	if !ok || rl.Capacity != 10 || rl.Period != "15m" {
		t.Fatalf("rate_limits = %+v", cfg.RateLimits)
	}
	if !cfg.Poll.Enabled || cfg.Poll.Interval != "90s" {
		t.Fatalf("poll = %+v", cfg.Poll)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	cases := []struct {
		name string
		file string
		data string
	}{
		{"unknown json key", "c.json", `{"telegram":{"token":"x"},"bogus":1}`},
		{"unknown nested yaml key", "c.yml", "poll:\n  enabled: true\n  every: 1m\n"},
		{"trailing json", "c.json", `{"telegram":{"token":"x"}} {}`},
		{"bad yaml", "c.yaml", "telegram: [unclosed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 5s ", 5 * time.Second, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err = %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Provider: ProviderConfig{BearerToken: "a"}}
	newCfg := &Config{
		Logging:  LoggingConfig{Level: "debug"},
		Provider: ProviderConfig{BearerToken: "b"},
		Telegram: TelegramConfig{AlertChat: 5},
	}
	ch := SummarizeChange(oldCfg, newCfg)
	if got := strings.Join(ch.Sections, ","); got != "alerts,logging,provider" {
		t.Fatalf("sections = %s", got)
	}
	if got := strings.Join(ch.RestartRequired, ","); got != "provider" {
		t.Fatalf("restart required = %s", got)
	}
	if !ch.Has("alerts") || ch.Has("storage") {
		t.Fatalf("Has mismatch: %+v", ch.Sections)
	}
	if !SummarizeChange(newCfg, newCfg).Empty() {
		t.Fatalf("identical configs should produce no change")
	}
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestReloadValidatesAndDedupes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if m.reload(context.Background()) {
		t.Fatalf("unchanged file must not publish")
	}

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return errors.New("bad level")
		}
		return nil
	})
	writeFile(t, path, `{"logging":{"level":"bogus"}}`)
	if m.reload(context.Background()) {
		t.Fatalf("rejected config must not publish")
	}
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config was committed")
	}

	writeFile(t, path, `{"logging":{"level":"debug"}}`)
	if !m.reload(context.Background()) {
		t.Fatalf("expected publish")
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("subscriber got nothing")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	m.publish(&Config{Logging: LoggingConfig{Level: "a"}})
	m.publish(&Config{Logging: LoggingConfig{Level: "b"}})
	if got := (<-sub).Logging.Level; got != "b" {
		t.Fatalf("got %q, want newest", got)
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestWatchPublishesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"logging":{"level":"info"}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level == "warn" {
				return
			}
		case <-tick.C:
			// rewrite until the watcher is up and sees it
			writeFile(t, path, `{"logging":{"level":"warn"}}`)
		case <-deadline:
			t.Fatalf("no reload published")
		}
	}
}
