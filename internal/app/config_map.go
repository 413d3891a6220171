package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"feedwatch/internal/apiclient"
	"feedwatch/internal/config"
	"feedwatch/internal/detect"
	"feedwatch/internal/fanout"
	"feedwatch/internal/notifier"
	"feedwatch/internal/observability/debug"
	"feedwatch/internal/poll"
	"feedwatch/internal/provider"
	"feedwatch/internal/ratelimit"
	"feedwatch/internal/render"
	"feedwatch/internal/scheduler"
	"feedwatch/internal/storage"
	"feedwatch/internal/stream"
	telegram "feedwatch/internal/transport/telegram/adapter"
	"feedwatch/pkg/logx"
)

const (
	defaultResyncSchedule  = "6h"
	defaultCleanupSchedule = "30 3 * * *"
	defaultHealthSchedule  = "1m"
	defaultArtifactMaxAge  = 7 * 24 * time.Hour
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

// validateConfig maps every section and reports all problems at once. It is
// the hot reload validator, so a broken edit never replaces a working config.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapTelegramConfig(cfg)
	collect(err)
	_, err = mapStorageConfig(cfg)
	collect(err)
	_, err = mapProviderConfig(cfg)
	collect(err)
	_, err = mapRateLimits(cfg)
	collect(err)
	_, err = mapPollConfig(cfg)
	collect(err)
	_, err = mapStreamConfig(cfg)
	collect(err)
	_, _, _, err = mapFanoutConfig(cfg)
	collect(err)
	_, err = mapRenderConfig(cfg)
	collect(err)
	_, err = mapSchedules(cfg)
	collect(err)
	_, err = mapNotifierConfig(cfg)
	collect(err)
	_, err = mapDebugConfig(cfg)
	collect(err)
	if cfg.Poll.Enabled && cfg.Stream.Enabled {
		collect(errors.New("poll.enabled and stream.enabled are mutually exclusive"))
	}
	return errors.Join(errs...)
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tc := cfg.Telegram
	timeout, err := parseDurationOrDefault("telegram.timeout", tc.Timeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	if strings.TrimSpace(tc.Token) == "" && !tc.Offline {
		return telegram.Config{}, errors.New("telegram.token is required unless telegram.offline=true")
	}
	return telegram.Config{Token: strings.TrimSpace(tc.Token), Offline: tc.Offline, Timeout: timeout}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   cfg.Telegram.AlertThread,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./feedwatch.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapProviderConfig(cfg *config.Config) (provider.Config, error) {
	pc := cfg.Provider
	timeout, err := parseDurationField("provider.timeout", pc.Timeout)
	if err != nil {
		return provider.Config{}, err
	}
	if strings.TrimSpace(pc.BearerToken) == "" {
		return provider.Config{}, errors.New("provider.bearer_token is required")
	}
	if pc.RetryMax < 0 {
		return provider.Config{}, errors.New("provider.retry_max must be >= 0")
	}
	return provider.Config{
		BaseURL:     strings.TrimSpace(pc.BaseURL),
		BearerToken: strings.TrimSpace(pc.BearerToken),
		UserToken:   strings.TrimSpace(pc.UserToken),
		SelfUserID:  strings.TrimSpace(pc.SelfUserID),
		Timeout:     timeout,
		RetryMax:    pc.RetryMax,
	}, nil
}

// mapRateLimits converts overrides; classes not listed keep their defaults.
func mapRateLimits(cfg *config.Config) (map[ratelimit.Class]ratelimit.Limit, error) {
	known := map[ratelimit.Class]bool{}
	for _, c := range ratelimit.Classes {
		known[c] = true
	}
	defaults := ratelimit.DefaultLimits()
	out := make(map[ratelimit.Class]ratelimit.Limit, len(cfg.RateLimits))
	for name, rc := range cfg.RateLimits {
		class := ratelimit.Class(strings.ToLower(strings.TrimSpace(name)))
		if !known[class] {
			return nil, fmt.Errorf("rate_limits: unknown class %q", name)
		}
		key := "rate_limits." + string(class)
		l := defaults[class]
		if rc.Capacity < 0 {
			return nil, fmt.Errorf("%s.capacity must be >= 0", key)
		}
		if rc.Capacity > 0 {
			l.Capacity = rc.Capacity
		}
		var err error
		if l.Period, err = parseDurationOrDefault(key+".period", rc.Period, l.Period); err != nil {
			return nil, err
		}
		if l.DelayedStart, err = parseDurationField(key+".delayed_start", rc.DelayedStart); err != nil {
			return nil, err
		}
		if l.Wait, err = parseDurationField(key+".wait", rc.Wait); err != nil {
			return nil, err
		}
		out[class] = l
	}
	return out, nil
}

func mapPollConfig(cfg *config.Config) (poll.Config, error) {
	pc := cfg.Poll
	var out poll.Config
	var err error
	if out.Interval, err = parseDurationField("poll.interval", pc.Interval); err != nil {
		return out, err
	}
	if out.RateLimitBackoff, err = parseDurationField("poll.rate_limit_backoff", pc.RateLimitBackoff); err != nil {
		return out, err
	}
	if pc.PageSize < 0 || pc.PageSize > 100 {
		return out, errors.New("poll.page_size must be within 0..100")
	}
	if pc.RateLimitRetries < 0 || pc.NetworkRetries < 0 {
		return out, errors.New("poll retries must be >= 0")
	}
	out.PageSize = pc.PageSize
	out.RateLimitRetries = pc.RateLimitRetries
	out.NetworkRetries = pc.NetworkRetries
	return out, nil
}

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	sc := cfg.Stream
	out := stream.Config{MaxRules: sc.MaxRules, MaxRuleLen: sc.MaxRuleLen, ErrorThreshold: sc.ErrorThreshold}
	if sc.MaxRules < 0 || sc.MaxRuleLen < 0 || sc.ErrorThreshold < 0 {
		return out, errors.New("stream limits must be >= 0")
	}
	var err error
	if out.ResyncDelay, err = parseDurationField("stream.resync_delay", sc.ResyncDelay); err != nil {
		return out, err
	}
	if out.ReconnectDelay, err = parseDurationField("stream.reconnect_delay", sc.ReconnectDelay); err != nil {
		return out, err
	}
	if out.ErrorWindow, err = parseDurationField("stream.error_window", sc.ErrorWindow); err != nil {
		return out, err
	}
	return out, nil
}

// mapFanoutConfig splits the fanout section across the three components it
// tunes.
func mapFanoutConfig(cfg *config.Config) (fanout.Config, detect.Config, apiclient.Config, error) {
	fc := cfg.Fanout
	if fc.RelevanceFollowers < 0 || fc.FollowerWindow < 0 || fc.FollowerNoise < 0 {
		return fanout.Config{}, detect.Config{}, apiclient.Config{}, errors.New("fanout thresholds must be >= 0")
	}
	if cfg.Cache.Posts < 0 || cfg.Cache.Accounts < 0 {
		return fanout.Config{}, detect.Config{}, apiclient.Config{}, errors.New("cache sizes must be >= 0")
	}
	stale, err := parseDurationField("fanout.stale_after", fc.StaleAfter)
	if err != nil {
		return fanout.Config{}, detect.Config{}, apiclient.Config{}, err
	}
	relevance := int64(fc.RelevanceFollowers)
	if relevance == 0 {
		relevance = 5000
	}
	return fanout.Config{
			RelevanceFollowers: relevance,
			TranslateTo:        strings.TrimSpace(fc.TranslateTo),
			PostURL:            strings.TrimSpace(fc.PostURL),
		},
		detect.Config{FollowerWindow: int64(fc.FollowerWindow), StaleAfter: stale},
		apiclient.Config{
			FollowerNoise: int64(fc.FollowerNoise),
			PostCache:     cfg.Cache.Posts,
			AccountCache:  cfg.Cache.Accounts,
		}, nil
}

type renderSettings struct {
	queue    render.QueueConfig
	renderer render.RendererConfig
	maxAge   time.Duration
}

func mapRenderConfig(cfg *config.Config) (renderSettings, error) {
	rc := cfg.Render
	var out renderSettings
	if rc.Workers < 0 || rc.QueueSize < 0 || rc.DurationWindow < 0 {
		return out, errors.New("render sizes must be >= 0")
	}
	timeout, err := parseDurationField("render.timeout", rc.Timeout)
	if err != nil {
		return out, err
	}
	if out.maxAge, err = parseDurationOrDefault("render.artifact_max_age", rc.ArtifactMaxAge, defaultArtifactMaxAge); err != nil {
		return out, err
	}
	postURL := strings.TrimSpace(rc.PostURL)
	if postURL == "" {
		postURL = strings.TrimSpace(cfg.Fanout.PostURL)
	}
	out.queue = render.QueueConfig{Workers: rc.Workers, QueueSize: rc.QueueSize, DurationWindow: rc.DurationWindow}
	out.renderer = render.RendererConfig{
		ArtifactDir: strings.TrimSpace(rc.ArtifactDir),
		PostURL:     postURL,
		Timeout:     timeout,
		ExecPath:    strings.TrimSpace(rc.ChromePath),
	}
	return out, nil
}

type schedules struct {
	timezone string
	resync   string
	cleanup  string
	health   string
}

func mapSchedules(cfg *config.Config) (schedules, error) {
	sc := cfg.Scheduler
	pick := func(raw, def string) string {
		if strings.TrimSpace(raw) == "" {
			return def
		}
		return strings.TrimSpace(raw)
	}
	out := schedules{
		timezone: strings.TrimSpace(sc.Timezone),
		resync:   pick(sc.Resync, defaultResyncSchedule),
		cleanup:  pick(sc.Cleanup, defaultCleanupSchedule),
		health:   pick(sc.Health, defaultHealthSchedule),
	}
	if out.timezone != "" {
		if _, err := time.LoadLocation(out.timezone); err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", out.timezone, err)
		}
	}
	for key, raw := range map[string]string{"resync": out.resync, "cleanup": out.cleanup, "health": out.health} {
		if err := scheduler.ValidateSchedule(raw); err != nil {
			return out, fmt.Errorf("scheduler.%s: %w", key, err)
		}
	}
	return out, nil
}

// mapNotifierConfig maps the notifier section into the runtime config. An
// omitted section means enabled with defaults.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = parseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 || out.DedupMaxEntries < 0 {
		return notifier.Config{}, errors.New("notifier sizes and rates must be >= 0")
	}
	return out, nil
}

// mapDebugConfig validates and converts the debug section. It never starts
// the server.
func mapDebugConfig(cfg *config.Config) (debug.Config, error) {
	dc := cfg.Debug
	out := debug.Config{
		Enabled:       dc.Enabled,
		AllowInsecure: dc.AllowInsecure,
		Token:         strings.TrimSpace(dc.Token),
		Addr:          strings.TrimSpace(dc.Addr),
		Prefix:        strings.TrimSpace(dc.Prefix),
	}
	if out.Addr == "" {
		out.Addr = debug.DefaultAddr
	}
	if out.Prefix == "" {
		out.Prefix = debug.DefaultPrefix
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = parseDurationField("debug.write_timeout", dc.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if dc.MutexProfileFraction < 0 || dc.BlockProfileRate < 0 {
		return out, errors.New("debug profile rates must be >= 0")
	}
	out.MutexProfileFraction = dc.MutexProfileFraction
	out.BlockProfileRate = dc.BlockProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("debug.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		if !out.AllowInsecure && out.Token == "" && !debug.IsLoopbackAddr(out.Addr) {
			return out, errors.New("debug: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}
