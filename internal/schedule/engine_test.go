package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Chamikara1/cashpilot/internal/ledger"
	"github.com/Chamikara1/cashpilot/internal/store"
)

func newTestEngine(t *testing.T, fs *fakeStore, clock *manualClock, rig *timerRig) *Engine {
	t.Helper()
	e := NewEngine(fs, testLogger(),
		WithClock(clock),
		WithTimerFunc(rig.New),
		WithResyncInterval(0))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return e
}

func TestEngineConvergesOnStart(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore(
		testDef("d1", ledger.TermMonthly, created),
		testDef("d2", ledger.TermAnnual, created),
	)

	e := newTestEngine(t, fs, clock, rig)

	waitFor(t, "2 cycles", func() bool { return e.CycleCount() == 2 })
	waitFor(t, "2 armed timers", func() bool { return len(rig.pending()) == 2 })
}

func TestEngineFollowsFeed(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore()

	e := newTestEngine(t, fs, clock, rig)
	waitFor(t, "empty convergence", func() bool { return e.CycleCount() == 0 })

	d := testDef("d1", ledger.TermMonthly, created)
	fs.publish(store.Added, d)
	waitFor(t, "cycle added", func() bool { return e.CycleCount() == 1 })
	waitFor(t, "timer armed", func() bool { return len(rig.pending()) == 1 })

	fs.publish(store.Removed, d)
	waitFor(t, "cycle removed", func() bool { return e.CycleCount() == 0 })
	waitFor(t, "timer disarmed", func() bool { return len(rig.pending()) == 0 })

	if n := len(fs.completed()); n != 0 {
		t.Fatalf("completions for removed definition = %d, want 0", n)
	}
}

func TestEngineModifyBurstLeavesOneArmedCycle(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	d := testDef("d1", ledger.TermMonthly, created)
	fs := newFakeStore(d)

	e := newTestEngine(t, fs, clock, rig)
	waitFor(t, "initial cycle", func() bool { return e.CycleCount() == 1 })

	for _, amount := range []string{"100", "200", "300"} {
		d.Amount = amount
		fs.publish(store.Modified, d)
	}

	waitFor(t, "latest snapshot installed", func() bool {
		e.mu.Lock()
		c, ok := e.cycles["d1"]
		e.mu.Unlock()
		return ok && c.Definition().Amount == "300"
	})
	waitFor(t, "exactly one armed timer", func() bool { return len(rig.pending()) == 1 })
	if e.CycleCount() != 1 {
		t.Fatalf("cycles = %d, want 1", e.CycleCount())
	}
}

func TestEngineEndToEndMonthly(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore(testDef("d1", ledger.TermMonthly, created))

	e := newTestEngine(t, fs, clock, rig)
	waitFor(t, "armed", func() bool { return len(rig.pending()) == 1 })

	feb := date(2025, time.February, 15, 9, 0)
	if when := rig.pending()[0].when; !when.Equal(feb) {
		t.Fatalf("first fire at %v, want %v", when, feb)
	}

	rig.fireNext(t)
	waitFor(t, "rearmed after first fire", func() bool { return len(rig.pending()) == 1 })
	rig.fireNext(t)

	done := fs.completed()
	if len(done) != 2 {
		t.Fatalf("completions = %d, want 2", len(done))
	}
	mar := date(2025, time.March, 15, 9, 0)
	if !done[0].ProcessedAt.Equal(feb) || !done[1].ProcessedAt.Equal(mar) {
		t.Fatalf("processed at %v, %v; want %v, %v",
			done[0].ProcessedAt, done[1].ProcessedAt, feb, mar)
	}

	fs.mu.Lock()
	got := fs.defs["d1"]
	fs.mu.Unlock()
	if got.CyclesCompleted != 2 {
		t.Fatalf("CyclesCompleted = %d, want 2", got.CyclesCompleted)
	}
	if want := date(2025, time.April, 15, 9, 0); !got.NextPayment.Equal(want) {
		t.Fatalf("NextPayment = %v, want %v", got.NextPayment, want)
	}
	if e.CycleCount() != 1 {
		t.Fatalf("cycles = %d, want 1", e.CycleCount())
	}
}

func TestEngineUnknownTermNotArmed(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	d := testDef("d1", ledger.Term("fortnightly"), created)
	fs := newFakeStore(d)

	e := newTestEngine(t, fs, clock, rig)
	waitFor(t, "cycle slot kept", func() bool { return e.CycleCount() == 1 })
	if len(rig.pending()) != 0 {
		t.Fatal("unknown term armed a timer")
	}

	// A later fix via the feed recovers the definition.
	d.Term = ledger.TermMonthly
	fs.publish(store.Modified, d)
	waitFor(t, "armed after fix", func() bool { return len(rig.pending()) == 1 })
}

func TestEngineResyncRepairsDroppedEvents(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore(testDef("d1", ledger.TermMonthly, created))

	e := NewEngine(fs, testLogger(),
		WithClock(clock),
		WithTimerFunc(rig.New),
		WithResyncInterval(25*time.Millisecond))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, e)

	waitFor(t, "initial cycle", func() bool { return e.CycleCount() == 1 })

	// Mutate the listing without events, as if the feed dropped them.
	fs.setDef(testDef("d2", ledger.TermAnnual, created))
	fs.removeDef("d1")

	waitFor(t, "resync installed d2", func() bool {
		e.mu.Lock()
		_, ok := e.cycles["d2"]
		e.mu.Unlock()
		return ok
	})
	waitFor(t, "resync pruned d1", func() bool { return e.CycleCount() == 1 })
	waitFor(t, "exactly one armed timer", func() bool { return len(rig.pending()) == 1 })
}

func TestEngineResubscribesAfterFeedLoss(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore(testDef("d1", ledger.TermMonthly, created))

	e := NewEngine(fs, testLogger(),
		WithClock(clock),
		WithTimerFunc(rig.New),
		WithResyncInterval(0))
	e.feedMin, e.feedMax = 5*time.Millisecond, 20*time.Millisecond
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, e)

	waitFor(t, "initial cycle", func() bool { return e.CycleCount() == 1 })

	// Sever the feed; the change lands while no consumer is subscribed and
	// must be repaired by the reconvergence after resubscription.
	fs.dropFeed()
	fs.setDef(testDef("d2", ledger.TermMonthly, created))

	waitFor(t, "reconverged after feed loss", func() bool { return e.CycleCount() == 2 })

	// The fresh subscription tails live events again.
	fs.publish(store.Added, testDef("d3", ledger.TermMonthly, created))
	waitFor(t, "live events resumed", func() bool { return e.CycleCount() == 3 })
	waitFor(t, "one timer per cycle", func() bool { return len(rig.pending()) == 3 })
}

func TestEngineStopDisarmsRacingInstalls(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore()

	e := NewEngine(fs, testLogger(),
		WithClock(clock),
		WithTimerFunc(rig.New),
		WithResyncInterval(0))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Publish while stopping so some installs race shutdown; none may
	// survive as an armed timer once Stop returns.
	for i := 0; i < 8; i++ {
		fs.publish(store.Added, testDef(fmt.Sprintf("d%d", i), ledger.TermMonthly, created))
	}
	stopEngine(t, e)

	if n := len(rig.pending()); n != 0 {
		t.Fatalf("armed timers after Stop = %d, want 0", n)
	}
	if n := e.CycleCount(); n != 0 {
		t.Fatalf("cycles after Stop = %d, want 0", n)
	}
}

func TestEngineSkipsEchoOfCompletedCycle(t *testing.T) {
	created := date(2025, time.January, 15, 9, 0)
	clock := newManualClock(date(2025, time.January, 20, 0, 0))
	rig := newTimerRig(clock)
	fs := newFakeStore(testDef("d1", ledger.TermMonthly, created))

	e := newTestEngine(t, fs, clock, rig)
	waitFor(t, "armed", func() bool { return len(rig.pending()) == 1 })

	// Fire a hair past the deadline, the way wall-clock timers do, so the
	// fire instant is not millisecond aligned.
	ft := rig.pending()[0]
	if !ft.stopped.CompareAndSwap(false, true) {
		t.Fatal("timer stopped concurrently")
	}
	clock.Set(ft.when.Add(123456 * time.Nanosecond))
	ft.fn()
	waitFor(t, "rearmed", func() bool { return len(rig.pending()) == 1 })

	e.mu.Lock()
	before := e.cycles["d1"]
	e.mu.Unlock()

	// Echo the completion the way the store feed would: millisecond
	// resolution. The cycle already holds this snapshot and must keep it.
	fs.mu.Lock()
	echo := fs.defs["d1"]
	fs.mu.Unlock()
	echo.CreatedAt = echo.CreatedAt.Truncate(time.Millisecond)
	echo.LastProcessed = echo.LastProcessed.Truncate(time.Millisecond)
	echo.NextPayment = echo.NextPayment.Truncate(time.Millisecond)
	fs.bus.Publish(store.DefinitionEvent{Kind: store.Modified, Definition: echo})

	time.Sleep(100 * time.Millisecond)
	e.mu.Lock()
	after := e.cycles["d1"]
	e.mu.Unlock()
	if before != after {
		t.Fatal("echoed modify event replaced the cycle")
	}
	if n := len(rig.pending()); n != 1 {
		t.Fatalf("armed timers = %d, want 1", n)
	}
}

func stopEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
