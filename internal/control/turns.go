package control

import (
	"context"
	"sync"

	"github.com/signalsfoundry/simorchestrator/model"
)

// turnSlot coordinates one AI-driven vehicle with its simulation. The
// simulation posts a request and waits for an answer; the AI waits for a
// request and answers by sending a control command.
type turnSlot struct {
	mu      sync.Mutex
	pending bool
	request chan struct{}
	answer  chan struct{}
}

func newTurnSlot() *turnSlot {
	return &turnSlot{
		request: make(chan struct{}, 1),
		answer:  make(chan struct{}, 1),
	}
}

// turns is the per-vehicle handshake table.
type turns struct {
	mu    sync.Mutex
	slots map[model.VehicleRef]*turnSlot
}

func newTurns() *turns {
	return &turns{slots: make(map[model.VehicleRef]*turnSlot)}
}

func (t *turns) slot(ref model.VehicleRef) *turnSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[ref]
	if !ok {
		s = newTurnSlot()
		t.slots[ref] = s
	}
	return s
}

// wait parks until the simulation requests ref's turn. It returns false
// when simDone closes first.
func (t *turns) wait(ctx context.Context, simDone <-chan struct{}, ref model.VehicleRef) (bool, error) {
	s := t.slot(ref)
	select {
	case <-s.request:
		return true, nil
	case <-simDone:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// request hands the turn to ref's AI and parks until it answers. It returns
// false when simDone closes first.
func (t *turns) request(ctx context.Context, simDone <-chan struct{}, ref model.VehicleRef) (bool, error) {
	s := t.slot(ref)

	s.mu.Lock()
	select {
	case <-s.answer:
	default:
	}
	s.pending = true
	s.mu.Unlock()

	select {
	case s.request <- struct{}{}:
	default:
	}

	defer func() {
		s.mu.Lock()
		s.pending = false
		select {
		case <-s.request:
		default:
		}
		s.mu.Unlock()
	}()

	select {
	case <-s.answer:
		return true, nil
	case <-simDone:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// answer completes an outstanding request for ref. Commands sent outside a
// turn are not remembered.
func (t *turns) answer(ref model.VehicleRef) bool {
	t.mu.Lock()
	s, ok := t.slots[ref]
	t.mu.Unlock()
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending {
		return false
	}
	s.pending = false
	select {
	case s.answer <- struct{}{}:
	default:
	}
	return true
}

// forget drops every slot of sim.
func (t *turns) forget(sim model.SimulationID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ref := range t.slots {
		if ref.Simulation == sim {
			delete(t.slots, ref)
		}
	}
}
