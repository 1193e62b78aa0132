package schedule

import "time"

// Clock abstracts wall-clock reads so cycle arithmetic is testable with a
// virtual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// TimerFunc arms a one-shot timer. The default uses StartTimer; tests
// substitute immediate or manual timers.
type TimerFunc func(d time.Duration, fn func()) TimerHandle

func defaultTimerFunc(d time.Duration, fn func()) TimerHandle {
	return StartTimer(d, fn)
}
