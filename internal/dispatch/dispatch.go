// Package dispatch turns batches of submission requests into RUNNING
// simulations placed on simulation nodes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/simorchestrator/internal/ids"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/model"
)

// EmptyBatchMessage is the Void message returned for an empty batch.
const EmptyBatchMessage = "no simulations requested"

const defaultMaxParallel = 16

// ErrLaunchFailed wraps errors returned by the Launcher.
var ErrLaunchFailed = errors.New("simulation launch failed")

// Spec describes one requested simulation.
type Spec struct {
	// TestID correlates the simulation with verification results. Empty
	// means the simulation id is used.
	TestID string `json:"test_id,omitempty"`
	// Scenario is forwarded to the node untouched.
	Scenario string `json:"scenario,omitempty"`
}

// LaunchRequest is what a node receives when a simulation is placed on it.
type LaunchRequest struct {
	Key        string                 `json:"key"`
	Simulation model.SimulationID     `json:"sid"`
	Node       model.SimulationNodeID `json:"snid"`
	TestID     string                 `json:"test_id"`
	Scenario   string                 `json:"scenario,omitempty"`
}

// Launcher starts a simulation on its node. ctx is canceled when the
// simulation leaves RUNNING.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// Allocator is the identifier registry surface dispatch needs.
type Allocator interface {
	Allocate(kind ids.Kind) (string, error)
	Release(kind ids.Kind, id string)
	ReleaseVehicles(sim string) int
}

// NodeSelector is the node pool surface dispatch needs.
type NodeSelector interface {
	Select() (model.SimulationNodeID, error)
	Release(id model.SimulationNodeID)
}

// Lifecycle is the state machine surface dispatch needs.
type Lifecycle interface {
	Start(sim model.SimulationID, node model.SimulationNodeID, testID string) (context.Context, error)
	Transition(sim model.SimulationID, to model.SimState, cause string) error
	OnTerminal(fn state.TerminalListener)
}

// MetricsRecorder counts submission outcomes.
type MetricsRecorder interface {
	IncSubmission(outcome string)
}

// Config tunes batch fan-out.
type Config struct {
	MaxParallel int
}

// Dispatcher places submissions. Placed simulations are tracked by the
// lifecycle table; the dispatcher keeps no per-key state of its own.
type Dispatcher struct {
	ids      Allocator
	pool     NodeSelector
	states   Lifecycle
	launcher Launcher
	log      logging.Logger
	metrics  MetricsRecorder
	limit    int
}

// Option customises Dispatcher construction.
type Option func(*Dispatcher)

// WithLauncher makes the dispatcher start each simulation on its node.
func WithLauncher(l Launcher) Option {
	return func(d *Dispatcher) { d.launcher = l }
}

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New wires a dispatcher and subscribes it to terminal transitions so node
// slots and identifiers are returned when a simulation ends.
func New(cfg Config, registry Allocator, pool NodeSelector, states Lifecycle, log logging.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = logging.Noop()
	}
	limit := cfg.MaxParallel
	if limit <= 0 {
		limit = defaultMaxParallel
	}
	d := &Dispatcher{
		ids:    registry,
		pool:   pool,
		states: states,
		log:    log.With(logging.Component("dispatch")),
		limit:  limit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	states.OnTerminal(d.reclaim)
	return d
}

// Submit places every entry of batch independently. The result carries
// exactly one entry per key; failures are in-band and never abort the batch.
func (d *Dispatcher) Submit(ctx context.Context, batch map[string]Spec) model.SubmissionResult {
	result := model.SubmissionResult{Entries: make(map[string]model.Submission, len(batch))}
	if len(batch) == 0 {
		result.Void = &model.Void{Message: EmptyBatchMessage}
		return result
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limit)
	for key, spec := range batch {
		key, spec := key, spec
		g.Go(func() error {
			sub := d.submitOne(gctx, key, spec)
			mu.Lock()
			result.Entries[key] = sub
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (d *Dispatcher) submitOne(ctx context.Context, key string, spec Spec) model.Submission {
	sub, err := d.place(ctx, key, spec)
	if err != nil {
		sub = model.Submission{Failure: &model.Void{Message: err.Error()}}
		d.count("failed")
		d.log.Warn(ctx, "submission failed",
			logging.String("key", key),
			logging.Err(err),
		)
	} else {
		d.count("placed")
	}
	return sub
}

func (d *Dispatcher) place(ctx context.Context, key string, spec Spec) (model.Submission, error) {
	if err := ctx.Err(); err != nil {
		return model.Submission{}, err
	}
	rawID, err := d.ids.Allocate(ids.KindSimulation)
	if err != nil {
		return model.Submission{}, fmt.Errorf("allocate simulation id: %w", err)
	}
	sim := model.SimulationID(rawID)
	testID := spec.TestID
	if testID == "" {
		testID = rawID
	}

	node, err := d.pool.Select()
	if err != nil {
		d.ids.Release(ids.KindSimulation, rawID)
		return model.Submission{}, err
	}

	simCtx, err := d.states.Start(sim, node, testID)
	if err != nil {
		d.pool.Release(node)
		d.ids.Release(ids.KindSimulation, rawID)
		return model.Submission{}, fmt.Errorf("start simulation: %w", err)
	}

	if d.launcher != nil {
		launchCtx, cancel := mergeCancel(ctx, simCtx)
		err := d.launcher.Launch(launchCtx, LaunchRequest{
			Key:        key,
			Simulation: sim,
			Node:       node,
			TestID:     testID,
			Scenario:   spec.Scenario,
		})
		cancel()
		if err != nil {
			// The terminal listener hands the slot and the id back.
			_ = d.states.Transition(sim, model.SimStateUnknown, "launch failed: "+err.Error())
			return model.Submission{}, fmt.Errorf("%w on %s: %v", ErrLaunchFailed, node, err)
		}
	}

	d.log.Info(ctx, "simulation submitted",
		logging.String("key", key),
		logging.Simulation(sim),
		logging.Node(node),
	)
	return model.Submission{Simulation: sim, Node: node}, nil
}

func (d *Dispatcher) reclaim(rec model.SimulationRecord) {
	d.pool.Release(rec.Node)
	d.ids.ReleaseVehicles(string(rec.Simulation))
	d.ids.Release(ids.KindSimulation, string(rec.Simulation))
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.IncSubmission(outcome)
	}
}

// mergeCancel returns a context that carries a's values and is canceled
// when either a or b is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

var _ NodeSelector = (*nodepool.Pool)(nil)
var _ Lifecycle = (*state.Machine)(nil)
var _ Allocator = (*ids.Registry)(nil)
