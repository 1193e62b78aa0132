package schedule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Chamikara1/cashpilot/internal/feed"
	"github.com/Chamikara1/cashpilot/internal/ledger"
	"github.com/Chamikara1/cashpilot/internal/store"
	logx "github.com/Chamikara1/cashpilot/pkg/logx"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(at time.Time) *manualClock { return &manualClock{now: at} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

type fakeTimer struct {
	when    time.Time
	d       time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool { return t.stopped.CompareAndSwap(false, true) }

// timerRig hands out manual timers that fire only when the test says so.
type timerRig struct {
	clock *manualClock
	mu    sync.Mutex
	all   []*fakeTimer
}

func newTimerRig(clock *manualClock) *timerRig { return &timerRig{clock: clock} }

func (r *timerRig) New(d time.Duration, fn func()) TimerHandle {
	ft := &fakeTimer{when: r.clock.Now().Add(d), d: d, fn: fn}
	r.mu.Lock()
	r.all = append(r.all, ft)
	r.mu.Unlock()
	return ft
}

func (r *timerRig) pending() []*fakeTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeTimer
	for _, ft := range r.all {
		if !ft.stopped.Load() {
			out = append(out, ft)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].when.Before(out[j].when) })
	return out
}

// fireNext advances the clock to the earliest pending timer and runs its
// callback synchronously.
func (r *timerRig) fireNext(t *testing.T) *fakeTimer {
	t.Helper()
	p := r.pending()
	if len(p) == 0 {
		t.Fatal("no pending timer to fire")
	}
	ft := p[0]
	if !ft.stopped.CompareAndSwap(false, true) {
		t.Fatal("timer stopped concurrently")
	}
	r.clock.Set(ft.when)
	ft.fn()
	return ft
}

type fakeStore struct {
	mu            sync.Mutex
	defs          map[string]ledger.Definition
	completions   []store.CycleCompletion
	failCompletes int
	failGets      int
	bus           *feed.Bus[store.DefinitionEvent]
	lastUnsub     func()
}

func newFakeStore(defs ...ledger.Definition) *fakeStore {
	fs := &fakeStore{defs: make(map[string]ledger.Definition), bus: feed.NewBus[store.DefinitionEvent]()}
	for _, d := range defs {
		fs.defs[d.ID] = d
	}
	return fs
}

func (fs *fakeStore) ListDefinitions(context.Context) ([]ledger.Definition, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]ledger.Definition, 0, len(fs.defs))
	for _, d := range fs.defs {
		out = append(out, d)
	}
	return out, nil
}

func (fs *fakeStore) GetDefinition(_ context.Context, id string) (ledger.Definition, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failGets > 0 {
		fs.failGets--
		return ledger.Definition{}, false, errors.New("read failure injected")
	}
	d, ok := fs.defs[id]
	return d, ok, nil
}

func (fs *fakeStore) CompleteCycle(_ context.Context, c store.CycleCompletion) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failCompletes > 0 {
		fs.failCompletes--
		return errors.New("write failure injected")
	}
	d, ok := fs.defs[c.DefinitionID]
	if !ok {
		return store.ErrNotFound
	}
	d.LastProcessed = c.ProcessedAt
	d.NextPayment = c.NextPayment
	d.CyclesCompleted++
	fs.defs[c.DefinitionID] = d
	fs.completions = append(fs.completions, c)
	return nil
}

func (fs *fakeStore) SubscribeDefinitions(buffer int) (<-chan store.DefinitionEvent, func()) {
	ch, unsub := fs.bus.Subscribe(buffer)
	fs.mu.Lock()
	fs.lastUnsub = unsub
	fs.mu.Unlock()
	return ch, unsub
}

// dropFeed severs the most recent subscription, closing its channel the way
// a lost change feed would.
func (fs *fakeStore) dropFeed() {
	fs.mu.Lock()
	unsub := fs.lastUnsub
	fs.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// setDef and removeDef mutate the listing without publishing an event,
// simulating feed drops.
func (fs *fakeStore) setDef(d ledger.Definition) {
	fs.mu.Lock()
	fs.defs[d.ID] = d
	fs.mu.Unlock()
}

func (fs *fakeStore) removeDef(id string) {
	fs.mu.Lock()
	delete(fs.defs, id)
	fs.mu.Unlock()
}

func (fs *fakeStore) publish(kind store.ChangeKind, d ledger.Definition) {
	fs.mu.Lock()
	switch kind {
	case store.Removed:
		delete(fs.defs, d.ID)
	default:
		fs.defs[d.ID] = d
	}
	fs.mu.Unlock()
	fs.bus.Publish(store.DefinitionEvent{Kind: kind, Definition: d})
}

func (fs *fakeStore) completed() []store.CycleCompletion {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]store.CycleCompletion(nil), fs.completions...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testDef(id string, term ledger.Term, created time.Time) ledger.Definition {
	return ledger.Definition{
		ID:          id,
		UserID:      "user-1",
		Amount:      "1500",
		Category:    "Bills",
		Description: "internet",
		Term:        term,
		CreatedAt:   created,
	}
}

func testLogger() logx.Logger { return logx.Nop() }
