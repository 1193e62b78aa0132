package schedule

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// maxStep is the largest single timer link: the classic 32-bit millisecond
// ceiling (~24.8 days). Platform timers historically cannot represent a
// longer one-shot delay, so longer waits are serviced as a chain of links.
const maxStep = time.Duration(math.MaxInt32) * time.Millisecond

const (
	timerPending int32 = iota
	timerStopped
	timerFiring
)

// Timer fires fn exactly once after the requested delay, chaining links for
// delays beyond maxStep. The chain is an iterative loop in one goroutine,
// not recursion, so arbitrarily long delays cost one goroutine and zero stack
// growth.
type Timer struct {
	stop     chan struct{}
	stopOnce sync.Once
	state    atomic.Int32
	links    atomic.Int32 // links armed so far; diagnostics/tests
}

// TimerHandle is the disarmable half of a Timer. Cycles hold handles so
// tests can substitute virtual timers.
type TimerHandle interface {
	Stop() bool
}

// StartTimer arms a timer for d. fn runs on the timer's goroutine.
func StartTimer(d time.Duration, fn func()) *Timer {
	return startTimer(d, maxStep, fn)
}

func startTimer(d, step time.Duration, fn func()) *Timer {
	if step <= 0 {
		step = maxStep
	}
	t := &Timer{stop: make(chan struct{})}
	go t.run(d, step, fn)
	return t
}

func (t *Timer) run(d, step time.Duration, fn func()) {
	remaining := d
	for {
		link := remaining
		if link > step {
			link = step
		}
		if link < 0 {
			link = 0
		}
		t.links.Add(1)
		tm := time.NewTimer(link)
		select {
		case <-t.stop:
			tm.Stop()
			return
		case <-tm.C:
		}
		remaining -= link
		if remaining <= 0 {
			break
		}
	}

	// A Stop that landed before this point must win; once the state moves
	// to firing, Stop is a no-op.
	if !t.state.CompareAndSwap(timerPending, timerFiring) {
		return
	}
	fn()
}

// Stop disarms the timer. It reports true if the callback was prevented from
// ever running; false if the timer had already committed to firing (or was
// stopped before).
func (t *Timer) Stop() bool {
	won := t.state.CompareAndSwap(timerPending, timerStopped)
	t.stopOnce.Do(func() { close(t.stop) })
	return won
}
