// Package scheduler triggers feedwatch's maintenance jobs (full resync,
// artifact cleanup, stream health) on cron or interval schedules.
//
// Jobs run on the scheduler's own supervisor. A trigger that fires while the
// previous run of the same job is still in flight is skipped.
package scheduler
