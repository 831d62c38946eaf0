// Package control validates and relays control commands to simulated
// vehicles and applies the lifecycle effects of simulation commands.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/signalsfoundry/simorchestrator/internal/ids"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/model"
)

var (
	// ErrValidation indicates a malformed or out-of-range command.
	ErrValidation = errors.New("control validation failed")
	// ErrNotFound indicates an unknown simulation or vehicle.
	ErrNotFound = errors.New("control target not found")
	// ErrDeliveryFailure indicates the command could not reach its target.
	ErrDeliveryFailure = errors.New("control delivery failed")
)

const (
	defaultSimCommandAttempts = 5
	defaultInitialBackoff     = 50 * time.Millisecond
	defaultMaxBackoff         = 2 * time.Second
)

// Target addresses a command. Vehicle may be empty for SimCommands, which
// apply to the whole simulation.
type Target struct {
	Simulation model.SimulationID `json:"sid"`
	Vehicle    model.VehicleID    `json:"vid,omitempty"`
}

func (t Target) ref() model.VehicleRef {
	return model.VehicleRef{Simulation: t.Simulation, Vehicle: t.Vehicle}
}

// Deliverer pushes a command to the node hosting the target.
type Deliverer interface {
	Deliver(ctx context.Context, node model.SimulationNodeID, target Target, c model.Control) error
}

// Lifecycle is the state machine surface the relay needs.
type Lifecycle interface {
	Record(sim model.SimulationID) (model.SimulationRecord, error)
	Context(sim model.SimulationID) (context.Context, error)
	TransitionThen(sim model.SimulationID, to model.SimState, cause string, won func(model.SimulationRecord)) error
}

// Liveness reports whether a node can still be reached.
type Liveness interface {
	IsAlive(id model.SimulationNodeID) bool
}

// Directory answers whether an identifier is live.
type Directory interface {
	Exists(kind ids.Kind, id string) bool
}

// VerificationSink receives the verdict implied by a SimCommand.
type VerificationSink interface {
	Record(testID string, r model.VerificationResult) error
}

// MetricsRecorder counts relayed commands.
type MetricsRecorder interface {
	IncControl(kind, outcome string)
}

// Config tunes validation and SimCommand retries.
type Config struct {
	Bounds             Bounds
	SimCommandAttempts uint
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
}

// Relay is the single path by which commands reach vehicles.
type Relay struct {
	cfg       Config
	deliverer Deliverer
	states    Lifecycle
	nodes     Liveness
	vehicles  Directory
	verdicts  VerificationSink
	log       logging.Logger
	metrics   MetricsRecorder
	turns     *turns
}

// Option customises Relay construction.
type Option func(*Relay)

// WithVerificationSink records SimCommand verdicts.
func WithVerificationSink(v VerificationSink) Option {
	return func(r *Relay) { r.verdicts = v }
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay validates cfg.Bounds and builds a relay. Bounds are enforced
// exactly as given; a zero Bounds admits only the neutral command.
func NewRelay(cfg Config, deliverer Deliverer, states Lifecycle, nodes Liveness, vehicles Directory, log logging.Logger, opts ...Option) (*Relay, error) {
	if err := cfg.Bounds.Validate(); err != nil {
		return nil, err
	}
	if cfg.SimCommandAttempts == 0 {
		cfg.SimCommandAttempts = defaultSimCommandAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if log == nil {
		log = logging.Noop()
	}
	r := &Relay{
		cfg:       cfg,
		deliverer: deliverer,
		states:    states,
		nodes:     nodes,
		vehicles:  vehicles,
		log:       log.With(logging.Component("control")),
		turns:     newTurns(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Bounds returns the active AvCommand bounds.
func (r *Relay) Bounds() Bounds { return r.cfg.Bounds }

// Send validates c and delivers it to target. AvCommands are delivered at
// most once; SimCommands are retried with backoff and, once acknowledged,
// move the simulation to its terminal state.
func (r *Relay) Send(ctx context.Context, target Target, c model.Control) error {
	kind := "av"
	if c.SimCommand != nil {
		kind = "sim"
	}
	err := r.send(ctx, target, c)
	r.count(kind, outcome(err))
	if err != nil {
		r.log.Warn(ctx, "control command rejected",
			logging.Simulation(target.Simulation),
			logging.Vehicle(target.Vehicle),
			logging.String("kind", kind),
			logging.Err(err),
		)
	}
	return err
}

func (r *Relay) send(ctx context.Context, target Target, c model.Control) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if c.AvCommand != nil {
		if err := r.cfg.Bounds.Check(*c.AvCommand); err != nil {
			return err
		}
		if target.Vehicle == "" {
			return fmt.Errorf("%w: avCommand requires a vehicle", ErrValidation)
		}
	}

	rec, err := r.resolve(target)
	if err != nil {
		return err
	}

	if c.AvCommand != nil {
		if err := r.deliverer.Deliver(ctx, rec.Node, target, c); err != nil {
			return fmt.Errorf("%w: %s on %s: %v", ErrDeliveryFailure, target.ref(), rec.Node, err)
		}
		r.turns.answer(target.ref())
		return nil
	}
	return r.sendSimCommand(ctx, rec, target, c)
}

// resolve checks the target exists and is still reachable.
func (r *Relay) resolve(target Target) (model.SimulationRecord, error) {
	rec, err := r.states.Record(target.Simulation)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return rec, fmt.Errorf("%w: simulation %q", ErrNotFound, target.Simulation)
		}
		return rec, err
	}
	if target.Vehicle != "" && r.vehicles != nil {
		scoped := ids.ScopedVehicle(string(target.Simulation), string(target.Vehicle))
		if !r.vehicles.Exists(ids.KindVehicle, scoped) && !rec.State.IsTerminal() {
			return rec, fmt.Errorf("%w: vehicle %q in %q", ErrNotFound, target.Vehicle, target.Simulation)
		}
	}
	if rec.State.IsTerminal() {
		return rec, fmt.Errorf("%w: simulation %q is %s", ErrDeliveryFailure, target.Simulation, rec.State)
	}
	if r.nodes != nil && !r.nodes.IsAlive(rec.Node) {
		return rec, fmt.Errorf("%w: node %q is not alive", ErrDeliveryFailure, rec.Node)
	}
	return rec, nil
}

func (r *Relay) sendSimCommand(ctx context.Context, rec model.SimulationRecord, target Target, c model.Control) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialBackoff
	eb.MaxInterval = r.cfg.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := r.deliverer.Deliver(ctx, rec.Node, target, c)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return struct{}{}, backoff.Permanent(err)
		}
		r.log.Debug(ctx, "sim command delivery failed; retrying",
			logging.Simulation(rec.Simulation),
			logging.Int("attempt", attempt),
			logging.Err(err),
		)
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(r.cfg.SimCommandAttempts))
	if err != nil {
		return fmt.Errorf("%w: %s to %q after %d attempts: %v", ErrDeliveryFailure, c.SimCommand, rec.Simulation, attempt, err)
	}
	r.turns.answer(target.ref())

	cmd := *c.SimCommand
	to, verdict := simCommandEffect(cmd)
	// The verdict counts only if this command wins the terminal race, and
	// must land before terminal listeners finalize the test.
	record := func(won model.SimulationRecord) {
		if r.verdicts == nil || won.TestID == "" {
			return
		}
		if err := r.verdicts.Record(won.TestID, verdict); err != nil {
			r.log.Warn(ctx, "recording sim command verdict failed",
				logging.Simulation(won.Simulation),
				logging.String("test_id", won.TestID),
				logging.Err(err),
			)
		}
	}
	if err := r.states.TransitionThen(rec.Simulation, to, "sim command "+cmd.String(), record); err != nil {
		return err
	}
	r.log.Info(ctx, "sim command applied",
		logging.Simulation(rec.Simulation),
		logging.String("command", cmd.String()),
		logging.String("state", to.String()),
	)
	return nil
}

// simCommandEffect maps a SimCommand onto its terminal state and the
// verification markers it implies.
func simCommandEffect(cmd model.SimCommand) (model.SimState, model.VerificationResult) {
	switch cmd {
	case model.SimCommandCancel:
		return model.SimStateCanceled, model.VerificationResult{Precondition: "SKIPPED"}
	case model.SimCommandFail:
		return model.SimStateFinished, model.VerificationResult{Failure: cmd.String()}
	default:
		return model.SimStateFinished, model.VerificationResult{Success: cmd.String()}
	}
}

// WaitForTurn parks an AI until its simulation requests a command for
// target's vehicle. It returns RUNNING when the turn is granted and the
// terminal state when the simulation ended first.
func (r *Relay) WaitForTurn(ctx context.Context, target Target) (model.SimState, error) {
	simCtx, done, err := r.turnContext(target)
	if err != nil || done {
		return r.stateOf(target.Simulation, err)
	}
	granted, err := r.turns.wait(ctx, simCtx.Done(), target.ref())
	if err != nil {
		return model.SimStateDefault, err
	}
	if granted {
		return model.SimStateRunning, nil
	}
	return r.stateOf(target.Simulation, nil)
}

// RequestTurn is called on behalf of a simulation: it hands the turn to the
// AI driving target's vehicle and waits until that AI sends a command. The
// boolean is false when the simulation ended before the AI answered.
func (r *Relay) RequestTurn(ctx context.Context, target Target) (bool, error) {
	simCtx, done, err := r.turnContext(target)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}
	return r.turns.request(ctx, simCtx.Done(), target.ref())
}

// Forget drops handshake state for a finished simulation.
func (r *Relay) Forget(sim model.SimulationID) {
	r.turns.forget(sim)
}

// turnContext resolves target for the handshake. done is true when the
// simulation is already terminal.
func (r *Relay) turnContext(target Target) (context.Context, bool, error) {
	if target.Vehicle == "" {
		return nil, false, fmt.Errorf("%w: turn requires a vehicle", ErrValidation)
	}
	simCtx, err := r.states.Context(target.Simulation)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrAlreadyTerminal):
		return nil, true, nil
	case errors.Is(err, state.ErrNotFound):
		return nil, false, fmt.Errorf("%w: simulation %q", ErrNotFound, target.Simulation)
	default:
		return nil, false, err
	}
	if r.vehicles != nil {
		scoped := ids.ScopedVehicle(string(target.Simulation), string(target.Vehicle))
		if !r.vehicles.Exists(ids.KindVehicle, scoped) {
			return nil, false, fmt.Errorf("%w: vehicle %q in %q", ErrNotFound, target.Vehicle, target.Simulation)
		}
	}
	return simCtx, false, nil
}

func (r *Relay) stateOf(sim model.SimulationID, err error) (model.SimState, error) {
	if err != nil {
		return model.SimStateDefault, err
	}
	rec, err := r.states.Record(sim)
	if err != nil {
		return model.SimStateDefault, fmt.Errorf("%w: simulation %q", ErrNotFound, sim)
	}
	return rec.State, nil
}

func (r *Relay) count(kind, outcome string) {
	if r.metrics != nil {
		r.metrics.IncControl(kind, outcome)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "delivered"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	default:
		return "error"
	}
}
