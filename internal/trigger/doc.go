// Package trigger fires recurring schedules into job pools.
//
// # Schedule formats
//
//   - Cron expressions: 5-field (min hour dom mon dow) or 6-field with optional
//     seconds. Example: "55 * * * *" or "0 */5 * * * *".
//   - Cron descriptors: "@hourly", "@daily", "@every 55m".
//   - Interval durations: Go duration strings like "55m" or "2h30m".
//   - Interval HH:MM: "00:50" means every 50 minutes, "02:30" every 2h30m.
//
// The prefixes "cron:", "interval:" and "every:" force the interpretation.
//
// # Overlap
//
// Each fire submits the job with the schedule name as its identity, so a
// fire is dropped by the pool while the previous run is still pending or
// running. No separate overlap policy exists.
//
// # Lifecycle
//
// Schedules can be registered while the service is stopped; they are armed on
// the next Start. Interval schedules get a random startup spread so a restart
// does not fire everything at once.
package trigger
