package ticker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeComponent records lifecycle calls into a shared journal so tests can
// assert ordering across components.
type fakeComponent struct {
	name      string
	journal   *journal
	healthy   bool
	startErr  error
	tickErr   error
	tickDelay time.Duration
}

type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) record(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func newFakeComponent(name string, j *journal) *fakeComponent {
	return &fakeComponent{name: name, journal: j, healthy: true}
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(ctx context.Context) error {
	f.journal.record("start:" + f.name)
	return f.startErr
}

func (f *fakeComponent) Stop(ctx context.Context) error {
	f.journal.record("stop:" + f.name)
	return nil
}

func (f *fakeComponent) OnTick(ctx context.Context, ts time.Time) error {
	if f.tickDelay > 0 {
		time.Sleep(f.tickDelay)
	}
	f.journal.record("tick:" + f.name)
	return f.tickErr
}

func (f *fakeComponent) Healthy() bool { return f.healthy }

func equalEntries(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTickInvokesComponentsInRegistrationOrder(t *testing.T) {
	j := &journal{}
	c := NewCoordinator(time.Hour)
	c.Register(newFakeComponent("tracker", j))
	c.Register(newFakeComponent("engine", j))
	c.Register(newFakeComponent("worker", j))

	c.tick(context.Background(), time.Now())

	want := []string{"tick:tracker", "tick:engine", "tick:worker"}
	if got := j.snapshot(); !equalEntries(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
	if c.Rounds() != 1 {
		t.Errorf("rounds = %d, want 1", c.Rounds())
	}
}

func TestTickSkipsUnhealthyComponent(t *testing.T) {
	j := &journal{}
	sick := newFakeComponent("engine", j)
	sick.healthy = false

	c := NewCoordinator(time.Hour)
	c.Register(newFakeComponent("tracker", j))
	c.Register(sick)
	c.Register(newFakeComponent("worker", j))

	c.tick(context.Background(), time.Now())

	want := []string{"tick:tracker", "tick:worker"}
	if got := j.snapshot(); !equalEntries(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestTickErrorDoesNotStopTheRound(t *testing.T) {
	j := &journal{}
	failing := newFakeComponent("engine", j)
	failing.tickErr = errors.New("engine exploded")

	c := NewCoordinator(time.Hour)
	c.Register(failing)
	c.Register(newFakeComponent("worker", j))

	c.tick(context.Background(), time.Now())

	want := []string{"tick:engine", "tick:worker"}
	if got := j.snapshot(); !equalEntries(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestOverlappingRoundIsSkipped(t *testing.T) {
	j := &journal{}
	slow := newFakeComponent("slow", j)
	slow.tickDelay = 100 * time.Millisecond

	c := NewCoordinator(time.Hour)
	c.Register(slow)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.tick(context.Background(), time.Now())
	}()

	// Fire again while the first round is still running.
	time.Sleep(20 * time.Millisecond)
	c.tick(context.Background(), time.Now())
	wg.Wait()

	if c.Rounds() != 1 {
		t.Errorf("rounds = %d, want 1", c.Rounds())
	}
	if c.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", c.Skipped())
	}
	if got := j.snapshot(); !equalEntries(got, []string{"tick:slow"}) {
		t.Errorf("journal = %v, want one tick", got)
	}
}

func TestRunningLoopSkipsFiringsDuringSlowRound(t *testing.T) {
	j := &journal{}
	slow := newFakeComponent("slow", j)
	slow.tickDelay = 60 * time.Millisecond

	c := NewCoordinator(10 * time.Millisecond)
	c.Register(slow)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if c.Rounds() == 0 {
		t.Error("the loop must complete at least one round")
	}
	if c.Skipped() == 0 {
		t.Error("firings landing during a slow round must be counted as skipped")
	}
}

func TestStartStopLifecycleOrder(t *testing.T) {
	j := &journal{}
	c := NewCoordinator(time.Hour)
	c.Register(newFakeComponent("tracker", j))
	c.Register(newFakeComponent("engine", j))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []string{"start:tracker", "start:engine", "stop:engine", "stop:tracker"}
	if got := j.snapshot(); !equalEntries(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}

func TestStartFailureRollsBackStartedComponents(t *testing.T) {
	j := &journal{}
	broken := newFakeComponent("engine", j)
	broken.startErr = errors.New("no database")

	c := NewCoordinator(time.Hour)
	c.Register(newFakeComponent("tracker", j))
	c.Register(broken)
	c.Register(newFakeComponent("worker", j))

	if err := c.Start(context.Background()); err == nil {
		t.Fatal("Start must propagate the component failure")
	}

	// The failed component is not stopped; the ones before it are, in
	// reverse order. The one after it never started.
	want := []string{"start:tracker", "start:engine", "stop:tracker"}
	if got := j.snapshot(); !equalEntries(got, want) {
		t.Errorf("journal = %v, want %v", got, want)
	}
}
