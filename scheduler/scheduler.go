// Package scheduler provides the injected time abstraction time-based
// operators (ExpireAfter, Batch) are driven
// through. The engine never spawns its own threads or reads wall-clock
// time directly; every deadline and recurring tick flows through a
// Scheduler so that a virtual implementation can deterministically
// exercise time-based behavior in tests.
package scheduler

import "time"

// Cancel stops a scheduled action. Calling it more than once, or after
// the action already fired, is always safe.
type Cancel func()

// Scheduler is the abstraction every time-based operator consumes.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time

	// Schedule runs action as soon as possible, asynchronously.
	Schedule(action func()) Cancel

	// ScheduleAfter runs action once, after delay has elapsed.
	ScheduleAfter(delay time.Duration, action func()) Cancel

	// ScheduleRecurring runs action repeatedly every period, starting
	// after the first period elapses.
	ScheduleRecurring(period time.Duration, action func()) Cancel
}
