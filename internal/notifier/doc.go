// Package notifier is the operator alert pipeline.
//
// Alerts are short, high-signal messages (loop disabled, rule overflow,
// stream error bursts, supervised task failures) sent to the operator chat.
// Each alert carries a priority and a target chat; delivery goes through the
// chat adapter behind a queue, a worker pool, a rate limiter and bounded retry.
//
// # Dedup
//
// Identical alerts inside the dedup window are suppressed. With PersistDedup
// the suppression windows are also written to the store so a restart does not
// re-send an alert storm.
package notifier
