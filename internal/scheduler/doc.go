// Package scheduler runs time-based jobs: one-shot, fixed interval and
// cron.
//
// A single driver loop (Scheduler.Run) sleeps until the earliest
// next_run in the Queue, pops every due job, recomputes its next fire
// time and hands the body to a bounded worker pool. The queue lock is
// never held while a job body runs.
//
// # Timing rules
//
//   - Interval jobs advance from their previous scheduled time
//     (prev + interval), so execution time never accumulates as drift.
//     If the process was suspended and slots were missed, the job skips
//     forward to the first future slot instead of bursting.
//   - Cron and daily jobs are evaluated in the site time zone. A local
//     time that does not exist (spring forward) is skipped. A local time
//     that occurs twice (fall back) fires once unless the scheduler is
//     configured with FallBackTwice.
//
// # Failures
//
// A job body that returns an error or panics is logged and recorded
// with status "error"; repeating jobs stay scheduled. A body that
// exceeds its timeout is recorded as "timeout" and the scheduler stops
// waiting for it.
package scheduler
