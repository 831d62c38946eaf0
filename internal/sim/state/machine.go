// Package state owns the lifecycle of every simulation: one RUNNING entry per
// active SimulationID, a single terminal transition, and an archive of
// finished records.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
	"github.com/signalsfoundry/simorchestrator/timectrl"
)

var (
	// ErrNotFound indicates the simulation was never started or has aged
	// out of every archive.
	ErrNotFound = errors.New("simulation not found")
	// ErrExists indicates Start was called twice for one SimulationID.
	ErrExists = errors.New("simulation already exists")
	// ErrAlreadyTerminal indicates a transition was attempted after the
	// simulation reached a terminal state.
	ErrAlreadyTerminal = errors.New("simulation already in a terminal state")
	// ErrTimeout is the cause attached to sweeper-driven TIMEOUT transitions.
	ErrTimeout = errors.New("simulation progress deadline exceeded")
	// ErrInvalidTransition indicates a non-terminal target state.
	ErrInvalidTransition = errors.New("invalid simulation state transition")
)

const (
	defaultProgressTimeout = 30 * time.Second
	defaultArchiveSize     = 1024
	defaultDiscardedSize   = 256
)

// Config tunes deadlines and retention.
type Config struct {
	// ProgressTimeout is how long a RUNNING simulation may go without a
	// progress signal before the sweep times it out.
	ProgressTimeout time.Duration
	// ArchiveSize bounds the in-memory ring of terminal records.
	ArchiveSize int
	// DiscardedSize bounds the retained discarded-transition events.
	DiscardedSize int
}

func (c Config) withDefaults() Config {
	if c.ProgressTimeout <= 0 {
		c.ProgressTimeout = defaultProgressTimeout
	}
	if c.ArchiveSize <= 0 {
		c.ArchiveSize = defaultArchiveSize
	}
	if c.DiscardedSize <= 0 {
		c.DiscardedSize = defaultDiscardedSize
	}
	return c
}

// DiscardedTransition records a transition that lost to an earlier terminal
// transition and was therefore not applied.
type DiscardedTransition struct {
	Simulation model.SimulationID `json:"sid"`
	Attempted  model.SimState     `json:"attempted"`
	Current    model.SimState     `json:"current"`
	Cause      string             `json:"cause,omitempty"`
	At         time.Time          `json:"at"`
}

// Archive persists terminal records beyond the in-memory ring.
type Archive interface {
	Put(ctx context.Context, rec model.SimulationRecord) error
	Get(ctx context.Context, id model.SimulationID) (model.SimulationRecord, bool, error)
}

// MetricsRecorder receives lifecycle counters.
type MetricsRecorder interface {
	SetRunningSimulations(n int)
	IncTerminalTransition(to model.SimState)
	IncDiscardedTransition(attempted model.SimState)
}

// TerminalListener observes every applied terminal transition.
type TerminalListener func(rec model.SimulationRecord)

type entry struct {
	mu     sync.Mutex
	rec    model.SimulationRecord
	ctx    context.Context
	cancel context.CancelFunc
}

// Machine is the authoritative SimulationID -> SimState table.
//
// Lock ordering: Machine.mu may be held while taking an entry's mu, never
// the other way round. Listeners, the archive and metrics are always
// invoked with no lock held.
type Machine struct {
	cfg   Config
	clock timectrl.Clock
	log   logging.Logger

	mu     sync.RWMutex
	active map[model.SimulationID]*entry
	byNode map[model.SimulationNodeID]map[model.SimulationID]struct{}
	done   map[model.SimulationID]model.SimulationRecord
	ring   []model.SimulationID

	dmu       sync.Mutex
	discarded []DiscardedTransition

	lmu       sync.RWMutex
	listeners []TerminalListener

	archive Archive
	metrics MetricsRecorder
}

// Option customises Machine construction.
type Option func(*Machine)

// WithArchive attaches a durable sink for terminal records.
func WithArchive(a Archive) Option {
	return func(m *Machine) { m.archive = a }
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Machine) { m.metrics = r }
}

// NewMachine constructs an empty state machine.
func NewMachine(cfg Config, clock timectrl.Clock, log logging.Logger, opts ...Option) *Machine {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	if log == nil {
		log = logging.Noop()
	}
	m := &Machine{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		log:    log.With(logging.Component("simstate")),
		active: make(map[model.SimulationID]*entry),
		byNode: make(map[model.SimulationNodeID]map[model.SimulationID]struct{}),
		done:   make(map[model.SimulationID]model.SimulationRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// OnTerminal registers a listener for applied terminal transitions.
func (m *Machine) OnTerminal(fn TerminalListener) {
	if fn == nil {
		return
	}
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// Start enters sim into RUNNING on node. The returned context is canceled
// on the terminal transition.
func (m *Machine) Start(sim model.SimulationID, node model.SimulationNodeID, testID string) (context.Context, error) {
	if sim == "" || node == "" {
		return nil, fmt.Errorf("%w: simulation and node ids are required", ErrInvalidTransition)
	}
	now := m.clock.Now()
	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		rec: model.SimulationRecord{
			Simulation:   sim,
			Node:         node,
			TestID:       testID,
			State:        model.SimStateRunning,
			StartedAt:    now,
			LastProgress: now,
		},
		ctx:    ctx,
		cancel: cancel,
	}

	m.mu.Lock()
	if _, ok := m.active[sim]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %q", ErrExists, sim)
	}
	if _, ok := m.done[sim]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %q", ErrExists, sim)
	}
	m.active[sim] = e
	set := m.byNode[node]
	if set == nil {
		set = make(map[model.SimulationID]struct{})
		m.byNode[node] = set
	}
	set[sim] = struct{}{}
	running := len(m.active)
	m.mu.Unlock()

	m.recordRunning(running)
	m.log.Info(context.Background(), "simulation running",
		logging.Simulation(sim),
		logging.Node(node),
		logging.String("test_id", testID),
	)
	return ctx, nil
}

// Progress records a progress signal, pushing the TIMEOUT deadline out.
func (m *Machine) Progress(sim model.SimulationID) error {
	e, err := m.activeEntry(sim)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.State.IsTerminal() {
		return fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, e.rec.State)
	}
	if now.After(e.rec.LastProgress) {
		e.rec.LastProgress = now
	}
	return nil
}

// Finish applies the node's completion signal.
func (m *Machine) Finish(sim model.SimulationID, cause string) error {
	if cause == "" {
		cause = "completed"
	}
	return m.Transition(sim, model.SimStateFinished, cause)
}

// Cancel applies an acknowledged CANCEL.
func (m *Machine) Cancel(sim model.SimulationID, cause string) error {
	if cause == "" {
		cause = "canceled"
	}
	return m.Transition(sim, model.SimStateCanceled, cause)
}

// Transition moves sim from RUNNING to the terminal state to. The first
// terminal transition wins; every later attempt returns ErrAlreadyTerminal
// and is recorded as a DiscardedTransition.
func (m *Machine) Transition(sim model.SimulationID, to model.SimState, cause string) error {
	return m.TransitionThen(sim, to, cause, nil)
}

// TransitionThen is Transition with a hook that runs only when this
// transition wins, after the state is committed and before terminal
// listeners are notified.
func (m *Machine) TransitionThen(sim model.SimulationID, to model.SimState, cause string, won func(model.SimulationRecord)) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal state", ErrInvalidTransition, to)
	}

	m.mu.RLock()
	e := m.active[sim]
	prior, archived := m.done[sim]
	m.mu.RUnlock()

	if e == nil {
		if !archived {
			rec, ok := m.lookupArchive(sim)
			if !ok {
				return fmt.Errorf("%w: %q", ErrNotFound, sim)
			}
			prior = rec
		}
		m.discard(sim, to, prior.State, cause)
		return fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, prior.State)
	}

	now := m.clock.Now()
	e.mu.Lock()
	if e.rec.State.IsTerminal() {
		current := e.rec.State
		e.mu.Unlock()
		m.discard(sim, to, current, cause)
		return fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, current)
	}
	e.rec.State = to
	e.rec.Cause = cause
	e.rec.EndedAt = now
	e.cancel()
	rec := e.rec
	e.mu.Unlock()

	m.retire(rec)
	if won != nil {
		won(rec)
	}

	if m.metrics != nil {
		m.metrics.IncTerminalTransition(to)
	}
	if m.archive != nil {
		if err := m.archive.Put(context.Background(), rec); err != nil {
			m.log.Warn(context.Background(), "archiving simulation record failed",
				logging.Simulation(sim),
				logging.Err(err),
			)
		}
	}
	m.log.Info(context.Background(), "simulation reached terminal state",
		logging.Simulation(sim),
		logging.Node(rec.Node),
		logging.String("state", to.String()),
		logging.String("cause", cause),
	)
	m.notify(rec)
	return nil
}

// retire moves a terminal entry out of the active table into the ring.
func (m *Machine) retire(rec model.SimulationRecord) {
	m.mu.Lock()
	delete(m.active, rec.Simulation)
	if set := m.byNode[rec.Node]; set != nil {
		delete(set, rec.Simulation)
		if len(set) == 0 {
			delete(m.byNode, rec.Node)
		}
	}
	m.done[rec.Simulation] = rec
	m.ring = append(m.ring, rec.Simulation)
	for len(m.ring) > m.cfg.ArchiveSize {
		delete(m.done, m.ring[0])
		m.ring = m.ring[1:]
	}
	running := len(m.active)
	m.mu.Unlock()
	m.recordRunning(running)
}

// Sweep times out every RUNNING simulation whose last progress signal is
// older than ProgressTimeout at now. It returns the simulations it moved to
// TIMEOUT; ones that concurrently reached another terminal state are
// reported through Discarded instead.
func (m *Machine) Sweep(now time.Time) []model.SimulationID {
	m.mu.RLock()
	candidates := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		candidates = append(candidates, e)
	}
	m.mu.RUnlock()

	var expired []model.SimulationID
	for _, e := range candidates {
		e.mu.Lock()
		stale := !e.rec.State.IsTerminal() && now.Sub(e.rec.LastProgress) > m.cfg.ProgressTimeout
		sim := e.rec.Simulation
		e.mu.Unlock()
		if stale {
			expired = append(expired, sim)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	var timedOut []model.SimulationID
	cause := fmt.Sprintf("%v: no progress within %s", ErrTimeout, m.cfg.ProgressTimeout)
	for _, sim := range expired {
		if err := m.Transition(sim, model.SimStateTimeout, cause); err == nil {
			timedOut = append(timedOut, sim)
		}
	}
	return timedOut
}

// MarkNodeLost moves every RUNNING simulation on node to UNKNOWN.
func (m *Machine) MarkNodeLost(node model.SimulationNodeID, reason string) []model.SimulationID {
	m.mu.RLock()
	sims := make([]model.SimulationID, 0, len(m.byNode[node]))
	for sim := range m.byNode[node] {
		sims = append(sims, sim)
	}
	m.mu.RUnlock()
	sort.Slice(sims, func(i, j int) bool { return sims[i] < sims[j] })

	if reason == "" {
		reason = "node lost"
	}
	var lost []model.SimulationID
	for _, sim := range sims {
		if err := m.Transition(sim, model.SimStateUnknown, reason); err == nil {
			lost = append(lost, sim)
		}
	}
	return lost
}

// State returns the current state of sim, consulting the archive for
// simulations that already finished.
func (m *Machine) State(sim model.SimulationID) (model.SimState, error) {
	rec, err := m.Record(sim)
	if err != nil {
		return model.SimStateDefault, err
	}
	return rec.State, nil
}

// Record returns a copy of the full record for sim.
func (m *Machine) Record(sim model.SimulationID) (model.SimulationRecord, error) {
	m.mu.RLock()
	e := m.active[sim]
	rec, archived := m.done[sim]
	m.mu.RUnlock()

	if e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.rec, nil
	}
	if archived {
		return rec, nil
	}
	if rec, ok := m.lookupArchive(sim); ok {
		return rec, nil
	}
	return model.SimulationRecord{}, fmt.Errorf("%w: %q", ErrNotFound, sim)
}

// Context returns the context bound to a RUNNING simulation. Work derived
// from it is abandoned when the simulation leaves RUNNING.
func (m *Machine) Context(sim model.SimulationID) (context.Context, error) {
	e, err := m.activeEntry(sim)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.State.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, e.rec.State)
	}
	return e.ctx, nil
}

// Discarded returns the retained discarded-transition events, oldest first.
func (m *Machine) Discarded() []DiscardedTransition {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	return append([]DiscardedTransition(nil), m.discarded...)
}

// Snapshot returns every RUNNING simulation ordered by ID.
func (m *Machine) Snapshot() []model.SimulationRecord {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]model.SimulationRecord, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.rec.State.IsTerminal() {
			out = append(out, e.rec)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Simulation < out[j].Simulation })
	return out
}

// activeEntry resolves sim to its live entry, distinguishing finished
// simulations from unknown ones.
func (m *Machine) activeEntry(sim model.SimulationID) (*entry, error) {
	m.mu.RLock()
	e := m.active[sim]
	rec, archived := m.done[sim]
	m.mu.RUnlock()
	if e != nil {
		return e, nil
	}
	if archived {
		return nil, fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, rec.State)
	}
	if rec, ok := m.lookupArchive(sim); ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrAlreadyTerminal, sim, rec.State)
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, sim)
}

func (m *Machine) lookupArchive(sim model.SimulationID) (model.SimulationRecord, bool) {
	if m.archive == nil {
		return model.SimulationRecord{}, false
	}
	rec, ok, err := m.archive.Get(context.Background(), sim)
	if err != nil {
		m.log.Warn(context.Background(), "reading simulation archive failed",
			logging.Simulation(sim),
			logging.Err(err),
		)
		return model.SimulationRecord{}, false
	}
	return rec, ok
}

func (m *Machine) discard(sim model.SimulationID, attempted, current model.SimState, cause string) {
	ev := DiscardedTransition{
		Simulation: sim,
		Attempted:  attempted,
		Current:    current,
		Cause:      cause,
		At:         m.clock.Now(),
	}
	m.dmu.Lock()
	m.discarded = append(m.discarded, ev)
	if over := len(m.discarded) - m.cfg.DiscardedSize; over > 0 {
		m.discarded = append([]DiscardedTransition(nil), m.discarded[over:]...)
	}
	m.dmu.Unlock()

	if m.metrics != nil {
		m.metrics.IncDiscardedTransition(attempted)
	}
	m.log.Debug(context.Background(), "discarded transition on terminal simulation",
		logging.Simulation(sim),
		logging.String("attempted", attempted.String()),
		logging.String("current", current.String()),
	)
}

func (m *Machine) notify(rec model.SimulationRecord) {
	m.lmu.RLock()
	listeners := append([]TerminalListener(nil), m.listeners...)
	m.lmu.RUnlock()
	for _, fn := range listeners {
		fn(rec)
	}
}

func (m *Machine) recordRunning(n int) {
	if m.metrics != nil {
		m.metrics.SetRunningSimulations(n)
	}
}
