package config

import (
	"reflect"
	"sort"
	"strings"

	"feedwatch/pkg/logx"
)

// liveSections are applied on hot reload; every other section needs a
// restart to take effect.
var liveSections = map[string]bool{
	"logging":  true,
	"notifier": true,
	"debug":    true,
	"alerts":   true,
}

// Change summarizes a reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Attrs are safe structured log fields (never tokens or DSNs).
	Attrs []logx.Field
	// RestartRequired lists changed sections that are not applied live.
	RestartRequired []string
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeChange compares two configs section by section. The Telegram
// section is split: the alert target is live ("alerts"), the bot token is not
// ("telegram").
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.Offline != nt.Offline || strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) {
		mark("telegram",
			logx.Bool("telegram.offline", nt.Offline),
			logx.String("telegram.timeout", strings.TrimSpace(nt.Timeout)),
		)
	}
	if ot.AlertChat != nt.AlertChat || ot.AlertThread != nt.AlertThread {
		mark("alerts",
			logx.Bool("alerts.chat_set", nt.AlertChat != 0),
			logx.Int("alerts.thread", nt.AlertThread),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		l := newCfg.Logging
		mark("logging",
			logx.String("logging.level", l.Level),
			logx.Bool("logging.console", l.Console),
			logx.Bool("logging.file_enabled", l.File.Enabled),
			logx.Bool("logging.telegram_enabled", l.Telegram.Enabled),
		)
	}

	oldS, newS := oldCfg.Storage, newCfg.Storage
	if oldS != newS {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.dsn_set", newS.DSN != ""),
		)
	}

	op, np := oldCfg.Provider, newCfg.Provider
	if op != np {
		mark("provider",
			logx.String("provider.base_url", strings.TrimSpace(np.BaseURL)),
			logx.Bool("provider.bearer_set", np.BearerToken != ""),
			logx.Bool("provider.user_token_set", np.UserToken != ""),
			logx.Int("provider.retry_max", np.RetryMax),
		)
	}

	if !reflect.DeepEqual(oldCfg.RateLimits, newCfg.RateLimits) {
		mark("rate_limits", logx.Strings("rate_limits.classes", sortedKeys(newCfg.RateLimits)))
	}
	if oldCfg.Cache != newCfg.Cache {
		mark("cache",
			logx.Int("cache.posts", newCfg.Cache.Posts),
			logx.Int("cache.accounts", newCfg.Cache.Accounts),
		)
	}
	if oldCfg.Poll != newCfg.Poll {
		mark("poll",
			logx.Bool("poll.enabled", newCfg.Poll.Enabled),
			logx.String("poll.interval", strings.TrimSpace(newCfg.Poll.Interval)),
		)
	}
	if oldCfg.Stream != newCfg.Stream {
		mark("stream",
			logx.Bool("stream.enabled", newCfg.Stream.Enabled),
			logx.Int("stream.max_rules", newCfg.Stream.MaxRules),
		)
	}
	if oldCfg.Fanout != newCfg.Fanout {
		mark("fanout",
			logx.Int("fanout.relevance_followers", newCfg.Fanout.RelevanceFollowers),
			logx.Int("fanout.follower_window", newCfg.Fanout.FollowerWindow),
		)
	}
	if oldCfg.Render != newCfg.Render {
		mark("render",
			logx.Int("render.workers", newCfg.Render.Workers),
			logx.Int("render.queue_size", newCfg.Render.QueueSize),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler", logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)))
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || on != nn {
		mark("notifier",
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", newCfg.Notifier == nil || nn.Enabled),
			logx.Int("notifier.workers", nn.Workers),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
		)
	}

	od, nd := oldCfg.Debug, newCfg.Debug
	if od != nd {
		mark("debug",
			logx.Bool("debug.enabled", nd.Enabled),
			logx.String("debug.addr", strings.TrimSpace(nd.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(nd.Token) != ""),
		)
	}

	sort.Strings(ch.Sections)
	for _, s := range ch.Sections {
		if !liveSections[s] {
			ch.RestartRequired = append(ch.RestartRequired, s)
		}
	}
	return ch
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
