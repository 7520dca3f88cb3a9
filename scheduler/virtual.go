package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Virtual is a deterministic, manually-advanced Scheduler for tests.
// It wraps github.com/benbjohnson/clock's mock clock, which already
// provides the "fire all due timers when time is advanced" semantics
// time-based operators need; this type only adds the
// Schedule/ScheduleAfter/ScheduleRecurring vocabulary operators expect.
//
// Advance(d) moves the virtual clock forward by d, firing every
// timer/ticker due at or before the new time — exactly what scenario S4 in spec.md §8 needs to deterministically
// assert ExpireAfter's behavior without sleeping real wall-clock time.
type Virtual struct {
	mock *clock.Mock

	mu      sync.Mutex
	tickers []*clock.Ticker
}

// NewVirtual creates a Virtual scheduler starting at the given time.
// If start is the zero time, the mock clock's own epoch is used.
func NewVirtual(start time.Time) *Virtual {
	m := clock.NewMock()
	if !start.IsZero() {
		m.Set(start)
	}
	return &Virtual{mock: m}
}

func (v *Virtual) Now() time.Time { return v.mock.Now() }

func (v *Virtual) Schedule(action func()) Cancel {
	return v.ScheduleAfter(0, action)
}

func (v *Virtual) ScheduleAfter(delay time.Duration, action func()) Cancel {
	timer := v.mock.AfterFunc(delay, safeguard(action))
	return func() { timer.Stop() }
}

func (v *Virtual) ScheduleRecurring(period time.Duration, action func()) Cancel {
	action = safeguard(action)
	ticker := v.mock.Ticker(period)
	v.mu.Lock()
	v.tickers = append(v.tickers, ticker)
	v.mu.Unlock()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				action()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}
}

// Advance moves virtual time forward by d, firing any timers/tickers
// due in that window. Advance does not wait for ScheduleRecurring
// actions, which run on their own goroutine after the ticker fires.
func (v *Virtual) Advance(d time.Duration) {
	v.mock.Add(d)
}
