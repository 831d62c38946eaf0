package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/simorchestrator/internal/ids"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/model"
	"github.com/signalsfoundry/simorchestrator/timectrl"
)

type fixture struct {
	registry *ids.Registry
	pool     *nodepool.Pool
	machine  *state.Machine
	clock    *timectrl.ManualClock
}

func newFixture(t *testing.T, capacities map[model.SimulationNodeID]int) *fixture {
	t.Helper()
	clock := timectrl.NewManualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	pool := nodepool.NewPool(nodepool.Config{HeartbeatInterval: time.Second, MissedHeartbeats: 3}, clock, logging.Noop())
	for id, c := range capacities {
		if err := pool.Register(nodepool.Node{ID: id, Capacity: c}); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	return &fixture{
		registry: ids.NewRegistry(),
		pool:     pool,
		machine:  state.NewMachine(state.Config{}, clock, logging.Noop()),
		clock:    clock,
	}
}

func (f *fixture) dispatcher(opts ...Option) *Dispatcher {
	return New(Config{MaxParallel: 4}, f.registry, f.pool, f.machine, logging.Noop(), opts...)
}

type launcherFunc func(ctx context.Context, req LaunchRequest) error

func (f launcherFunc) Launch(ctx context.Context, req LaunchRequest) error { return f(ctx, req) }

type outcomeCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *outcomeCounter) IncSubmission(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[outcome]++
}

func TestSubmitEmptyBatch(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 1})
	res := f.dispatcher().Submit(context.Background(), nil)
	if res.Void == nil || res.Void.Message != EmptyBatchMessage {
		t.Fatalf("Void = %+v, want %q", res.Void, EmptyBatchMessage)
	}
	if len(res.Entries) != 0 {
		t.Fatalf("len(Entries) = %d, want 0", len(res.Entries))
	}
}

func TestSubmitResultHasOneEntryPerKey(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 3, "n2": 2})
	counter := &outcomeCounter{}
	d := f.dispatcher(WithMetricsRecorder(counter))

	batch := map[string]Spec{}
	for i := 0; i < 8; i++ {
		batch[fmt.Sprintf("veh-%d", i)] = Spec{}
	}
	res := d.Submit(context.Background(), batch)
	if res.Void != nil {
		t.Fatalf("Void = %+v, want nil for non-empty batch", res.Void)
	}
	if len(res.Entries) != len(batch) {
		t.Fatalf("len(Entries) = %d, want %d", len(res.Entries), len(batch))
	}

	placed, failed := 0, 0
	for key, sub := range res.Entries {
		if sub.Succeeded() {
			placed++
			if !strings.HasPrefix(string(sub.Simulation), "sim-") {
				t.Fatalf("entry %s simulation id = %q, want sim- prefix", key, sub.Simulation)
			}
			if got, _ := f.machine.State(sub.Simulation); got != model.SimStateRunning {
				t.Fatalf("State(%s) = %s, want RUNNING", sub.Simulation, got)
			}
			continue
		}
		failed++
		if sub.Failure == nil || sub.Failure.Message == "" {
			t.Fatalf("entry %s has neither assignment nor failure", key)
		}
	}
	if placed != 5 || failed != 3 {
		t.Fatalf("placed, failed = %d, %d; want 5, 3", placed, failed)
	}
	if counter.counts["placed"] != 5 || counter.counts["failed"] != 3 {
		t.Fatalf("counts = %v, want placed=5 failed=3", counter.counts)
	}
}

func TestCapacityOneResubmitAfterFinish(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 1})
	d := f.dispatcher()

	res := d.Submit(context.Background(), map[string]Spec{"first": {}, "second": {}})
	if len(res.Entries) != 2 {
		t.Fatalf("len(Entries) = %d, want 2", len(res.Entries))
	}

	var winner, loser string
	for key, sub := range res.Entries {
		if sub.Succeeded() {
			winner = key
		} else {
			loser = key
		}
	}
	if winner == "" || loser == "" {
		t.Fatalf("entries = %+v, want one placement and one failure", res.Entries)
	}
	won := res.Entries[winner]
	if won.Node != "n1" {
		t.Fatalf("winner node = %s, want n1", won.Node)
	}
	if msg := res.Entries[loser].Failure.Message; !strings.Contains(msg, nodepool.ErrNoCapacity.Error()) {
		t.Fatalf("loser failure = %q, want NoCapacity", msg)
	}

	if err := f.machine.Finish(won.Simulation, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	again := d.Submit(context.Background(), map[string]Spec{loser: {}})
	sub := again.Entries[loser]
	if !sub.Succeeded() {
		t.Fatalf("resubmit failure = %+v, want placement", sub.Failure)
	}
	if rec, err := f.machine.Record(sub.Simulation); err != nil || rec.Node != "n1" {
		t.Fatalf("Record(%s) = %+v, %v; want RUNNING on n1", sub.Simulation, rec, err)
	}
	if f.registry.Exists(ids.KindSimulation, string(won.Simulation)) {
		t.Fatalf("finished simulation id %s still registered", won.Simulation)
	}
}

func TestSubmitFinishCyclesLeaveNothingBehind(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 1})
	d := f.dispatcher()

	var sims []model.SimulationID
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("req-%d", i)
		sub := d.Submit(context.Background(), map[string]Spec{key: {}}).Entries[key]
		if !sub.Succeeded() {
			t.Fatalf("cycle %d: failure %+v, want placement", i, sub.Failure)
		}
		if err := f.machine.Finish(sub.Simulation, ""); err != nil {
			t.Fatalf("cycle %d: Finish: %v", i, err)
		}
		sims = append(sims, sub.Simulation)
	}
	for _, sim := range sims {
		if f.registry.Exists(ids.KindSimulation, string(sim)) {
			t.Fatalf("simulation id %s still registered", sim)
		}
	}
	for _, st := range f.pool.Snapshot() {
		if st.Active != 0 {
			t.Fatalf("node %s active = %d, want 0", st.ID, st.Active)
		}
	}
}

func TestLaunchFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 1})
	fail := true
	d := f.dispatcher(WithLauncher(launcherFunc(func(ctx context.Context, req LaunchRequest) error {
		if req.TestID != "t-7" {
			t.Errorf("TestID = %q, want t-7", req.TestID)
		}
		if fail {
			return errors.New("node refused")
		}
		return nil
	})))

	res := d.Submit(context.Background(), map[string]Spec{"k": {TestID: "t-7"}})
	sub := res.Entries["k"]
	if sub.Succeeded() {
		t.Fatalf("submission succeeded, want launch failure")
	}
	if !strings.Contains(sub.Failure.Message, ErrLaunchFailed.Error()) {
		t.Fatalf("failure = %q, want launch failure", sub.Failure.Message)
	}

	fail = false
	res = d.Submit(context.Background(), map[string]Spec{"k": {TestID: "t-7"}})
	if !res.Entries["k"].Succeeded() {
		t.Fatalf("retry failure = %+v, want placement after slot release", res.Entries["k"].Failure)
	}
}

func TestLaunchContextCanceledWithSimulation(t *testing.T) {
	f := newFixture(t, map[model.SimulationNodeID]int{"n1": 1})
	started := make(chan LaunchRequest, 1)
	done := make(chan error, 1)
	d := f.dispatcher(WithLauncher(launcherFunc(func(ctx context.Context, req LaunchRequest) error {
		started <- req
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})))

	resCh := make(chan model.SubmissionResult, 1)
	go func() {
		resCh <- d.Submit(context.Background(), map[string]Spec{"k": {}})
	}()

	req := <-started
	if err := f.machine.Cancel(req.Simulation, "operator"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("launch ctx err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("launch was not preempted by cancel")
	}
	res := <-resCh
	if res.Entries["k"].Succeeded() {
		t.Fatalf("canceled launch reported as placed")
	}
	if got, _ := f.machine.State(req.Simulation); got != model.SimStateCanceled {
		t.Fatalf("State = %s, want CANCELED", got)
	}
}
