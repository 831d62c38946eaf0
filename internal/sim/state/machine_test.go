package state

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
	"github.com/signalsfoundry/simorchestrator/timectrl"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type stubMetrics struct {
	mu        sync.Mutex
	running   int
	terminal  map[model.SimState]int
	discarded int
}

func (s *stubMetrics) SetRunningSimulations(n int) {
	s.mu.Lock()
	s.running = n
	s.mu.Unlock()
}

func (s *stubMetrics) IncTerminalTransition(to model.SimState) {
	s.mu.Lock()
	if s.terminal == nil {
		s.terminal = map[model.SimState]int{}
	}
	s.terminal[to]++
	s.mu.Unlock()
}

func (s *stubMetrics) IncDiscardedTransition(model.SimState) {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
}

type memArchive struct {
	mu   sync.Mutex
	recs map[model.SimulationID]model.SimulationRecord
}

func (a *memArchive) Put(_ context.Context, rec model.SimulationRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recs == nil {
		a.recs = map[model.SimulationID]model.SimulationRecord{}
	}
	a.recs[rec.Simulation] = rec
	return nil
}

func (a *memArchive) Get(_ context.Context, id model.SimulationID) (model.SimulationRecord, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recs[id]
	return rec, ok, nil
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *timectrl.ManualClock) {
	t.Helper()
	clock := timectrl.NewManualClock(epoch)
	m := NewMachine(Config{ProgressTimeout: 10 * time.Second}, clock, logging.Noop(), opts...)
	return m, clock
}

func mustStart(t *testing.T, m *Machine, sim model.SimulationID, node model.SimulationNodeID) context.Context {
	t.Helper()
	ctx, err := m.Start(sim, node, "test-"+string(sim))
	if err != nil {
		t.Fatalf("Start(%s): %v", sim, err)
	}
	return ctx
}

func TestStartEntersRunning(t *testing.T) {
	m, _ := newTestMachine(t)
	mustStart(t, m, "s1", "n1")

	got, err := m.State("s1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got != model.SimStateRunning {
		t.Fatalf("State = %s, want RUNNING", got)
	}
	if _, err := m.Start("s1", "n1", ""); !errors.Is(err, ErrExists) {
		t.Fatalf("second Start error = %v, want ErrExists", err)
	}
	if _, err := m.State("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("State(missing) error = %v, want ErrNotFound", err)
	}
}

func TestTerminalTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		to   model.SimState
	}{
		{name: "finished", to: model.SimStateFinished},
		{name: "canceled", to: model.SimStateCanceled},
		{name: "timeout", to: model.SimStateTimeout},
		{name: "unknown", to: model.SimStateUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, _ := newTestMachine(t)
			ctx := mustStart(t, m, "s1", "n1")

			if err := m.Transition("s1", tc.to, "test"); err != nil {
				t.Fatalf("Transition(%s): %v", tc.to, err)
			}
			if got, _ := m.State("s1"); got != tc.to {
				t.Fatalf("State = %s, want %s", got, tc.to)
			}
			if ctx.Err() == nil {
				t.Fatalf("simulation context not canceled after %s", tc.to)
			}

			// Every further transition is refused and leaves the state alone.
			for _, again := range []model.SimState{model.SimStateFinished, model.SimStateCanceled, model.SimStateTimeout, model.SimStateUnknown} {
				if err := m.Transition("s1", again, "late"); !errors.Is(err, ErrAlreadyTerminal) {
					t.Fatalf("Transition(%s) after %s error = %v, want ErrAlreadyTerminal", again, tc.to, err)
				}
			}
			if got, _ := m.State("s1"); got != tc.to {
				t.Fatalf("State after late transitions = %s, want %s", got, tc.to)
			}
			if n := len(m.Discarded()); n != 4 {
				t.Fatalf("len(Discarded) = %d, want 4", n)
			}
		})
	}
}

func TestTransitionRejectsNonTerminalTarget(t *testing.T) {
	m, _ := newTestMachine(t)
	mustStart(t, m, "s1", "n1")
	for _, to := range []model.SimState{model.SimStateRunning, model.SimStateDefault} {
		if err := m.Transition("s1", to, ""); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("Transition(%s) error = %v, want ErrInvalidTransition", to, err)
		}
	}
	if err := m.Transition("missing", model.SimStateFinished, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Transition(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSweepTimesOutStalledSimulations(t *testing.T) {
	m, clock := newTestMachine(t)
	mustStart(t, m, "stalled", "n1")
	mustStart(t, m, "busy", "n1")

	clock.Advance(8 * time.Second)
	if err := m.Progress("busy"); err != nil {
		t.Fatalf("Progress: %v", err)
	}

	now := clock.Advance(3 * time.Second)
	timedOut := m.Sweep(now)
	if len(timedOut) != 1 || timedOut[0] != "stalled" {
		t.Fatalf("Sweep = %v, want [stalled]", timedOut)
	}
	if got, _ := m.State("stalled"); got != model.SimStateTimeout {
		t.Fatalf("State(stalled) = %s, want TIMEOUT", got)
	}
	rec, err := m.Record("stalled")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(rec.Cause, ErrTimeout.Error()) {
		t.Fatalf("Record.Cause = %q, want it to mention %q", rec.Cause, ErrTimeout)
	}
	if got, _ := m.State("busy"); got != model.SimStateRunning {
		t.Fatalf("State(busy) = %s, want RUNNING", got)
	}
	if err := m.Progress("stalled"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Progress(stalled) error = %v, want ErrAlreadyTerminal", err)
	}
}

func TestMarkNodeLostOnlyAffectsThatNode(t *testing.T) {
	m, _ := newTestMachine(t)
	mustStart(t, m, "a1", "node-a")
	mustStart(t, m, "a2", "node-a")
	mustStart(t, m, "b1", "node-b")
	if err := m.Finish("a2", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	lost := m.MarkNodeLost("node-a", "heartbeat timeout")
	if len(lost) != 1 || lost[0] != "a1" {
		t.Fatalf("MarkNodeLost = %v, want [a1]", lost)
	}
	want := map[model.SimulationID]model.SimState{
		"a1": model.SimStateUnknown,
		"a2": model.SimStateFinished,
		"b1": model.SimStateRunning,
	}
	for sim, w := range want {
		if got, _ := m.State(sim); got != w {
			t.Fatalf("State(%s) = %s, want %s", sim, got, w)
		}
	}
}

func TestConcurrentFinishAndSweepHaveOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		m, clock := newTestMachine(t)
		mustStart(t, m, "s1", "n1")
		now := clock.Advance(time.Minute)

		var wg sync.WaitGroup
		var finishErr error
		var swept []model.SimulationID
		wg.Add(2)
		go func() {
			defer wg.Done()
			finishErr = m.Finish("s1", "")
		}()
		go func() {
			defer wg.Done()
			swept = m.Sweep(now)
		}()
		wg.Wait()

		got, _ := m.State("s1")
		switch {
		case finishErr == nil && len(swept) == 0:
			if got != model.SimStateFinished {
				t.Fatalf("finish won but State = %s", got)
			}
		case errors.Is(finishErr, ErrAlreadyTerminal) && len(swept) == 1:
			if got != model.SimStateTimeout {
				t.Fatalf("sweep won but State = %s", got)
			}
		default:
			t.Fatalf("finishErr = %v, swept = %v; want exactly one winner", finishErr, swept)
		}

		// The loser is only observable as a discarded event when the sweep
		// saw the entry before finish retired it, or finish lost outright.
		if finishErr != nil && len(m.Discarded()) != 1 {
			t.Fatalf("len(Discarded) = %d, want 1", len(m.Discarded()))
		}
	}
}

func TestOnTerminalAndMetrics(t *testing.T) {
	metrics := &stubMetrics{}
	m, _ := newTestMachine(t, WithMetricsRecorder(metrics))

	var got []model.SimulationRecord
	m.OnTerminal(func(rec model.SimulationRecord) { got = append(got, rec) })

	mustStart(t, m, "s1", "n1")
	mustStart(t, m, "s2", "n1")
	if metrics.running != 2 {
		t.Fatalf("running = %d, want 2", metrics.running)
	}
	if err := m.Cancel("s1", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_ = m.Finish("s1", "")

	if metrics.running != 1 {
		t.Fatalf("running = %d, want 1", metrics.running)
	}
	if metrics.terminal[model.SimStateCanceled] != 1 {
		t.Fatalf("terminal[CANCELED] = %d, want 1", metrics.terminal[model.SimStateCanceled])
	}
	if metrics.discarded != 1 {
		t.Fatalf("discarded = %d, want 1", metrics.discarded)
	}
	if len(got) != 1 || got[0].Simulation != "s1" || got[0].State != model.SimStateCanceled {
		t.Fatalf("OnTerminal got %+v, want one CANCELED record for s1", got)
	}
	if got[0].TestID != "test-s1" {
		t.Fatalf("TestID = %q, want test-s1", got[0].TestID)
	}
}

func TestTransitionThenRunsOnlyForTheWinner(t *testing.T) {
	m, _ := newTestMachine(t)
	var order []string
	m.OnTerminal(func(rec model.SimulationRecord) { order = append(order, "listener:"+rec.Cause) })

	mustStart(t, m, "s1", "n1")
	if err := m.TransitionThen("s1", model.SimStateFinished, "first", func(rec model.SimulationRecord) {
		order = append(order, "won:"+rec.Cause)
	}); err != nil {
		t.Fatalf("TransitionThen: %v", err)
	}
	err := m.TransitionThen("s1", model.SimStateTimeout, "second", func(model.SimulationRecord) {
		order = append(order, "won:second")
	})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second TransitionThen err = %v, want ErrAlreadyTerminal", err)
	}
	want := []string{"won:first", "listener:first"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestArchiveServesEvictedRecords(t *testing.T) {
	archive := &memArchive{}
	clock := timectrl.NewManualClock(epoch)
	m := NewMachine(Config{ArchiveSize: 1}, clock, logging.Noop(), WithArchive(archive))

	mustStart(t, m, "s1", "n1")
	mustStart(t, m, "s2", "n1")
	if err := m.Finish("s1", ""); err != nil {
		t.Fatalf("Finish(s1): %v", err)
	}
	if err := m.Finish("s2", ""); err != nil {
		t.Fatalf("Finish(s2): %v", err)
	}

	// s1 has left the in-memory ring but is still served from the archive.
	if got, err := m.State("s1"); err != nil || got != model.SimStateFinished {
		t.Fatalf("State(s1) = %s, %v; want FINISHED, nil", got, err)
	}
	if err := m.Cancel("s1", ""); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Cancel(s1) error = %v, want ErrAlreadyTerminal", err)
	}
}

func TestContextAndSnapshot(t *testing.T) {
	m, _ := newTestMachine(t)
	mustStart(t, m, "s2", "n1")
	mustStart(t, m, "s1", "n1")

	ctx, err := m.Context("s1")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if err := m.Cancel("s1", ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatalf("context not done after cancel")
	}
	if _, err := m.Context("s1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Context after cancel error = %v, want ErrAlreadyTerminal", err)
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Simulation != "s2" {
		t.Fatalf("Snapshot = %+v, want only s2", snap)
	}
}
