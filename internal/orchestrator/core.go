// Package orchestrator wires the identifier registry, node pool, state
// machine, dispatcher, telemetry aggregator, control relay and verification
// collector into one core that the RPC layer serves.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/simorchestrator/internal/archive"
	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/dispatch"
	"github.com/signalsfoundry/simorchestrator/internal/events"
	"github.com/signalsfoundry/simorchestrator/internal/ids"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/internal/telemetry"
	"github.com/signalsfoundry/simorchestrator/internal/verification"
	"github.com/signalsfoundry/simorchestrator/model"
	"github.com/signalsfoundry/simorchestrator/timectrl"
)

var (
	// ErrNoTransport is returned by node-bound operations when the core was
	// built without a transport.
	ErrNoTransport = errors.New("no simulation node transport configured")
	// ErrNotTerminal is returned when a completion report names a
	// non-terminal state.
	ErrNotTerminal = errors.New("completion state is not terminal")
)

const defaultSweepInterval = time.Second

// Config groups the tunables of every component.
type Config struct {
	Pool      nodepool.Config
	State     state.Config
	Dispatch  dispatch.Config
	Telemetry telemetry.Config
	Control   control.Config

	// SweepInterval is how often node liveness and simulation deadlines
	// are checked.
	SweepInterval time.Duration
	// ArchivePath, when set, persists terminal simulations to a bbolt file.
	ArchivePath string
}

// NodeDirectory tells the transport where nodes and simulations live.
type NodeDirectory interface {
	Address(id model.SimulationNodeID) (string, error)
	NodeOf(sim model.SimulationID) (model.SimulationNodeID, error)
}

// Transport carries core -> node traffic.
type Transport interface {
	dispatch.Launcher
	telemetry.SensorSource
	control.Deliverer
}

// TransportFactory builds the transport once the node pool and state
// machine exist.
type TransportFactory func(dir NodeDirectory) Transport

// EventSink receives lifecycle events.
type EventSink interface {
	Publish(e events.Event)
}

// Core is the orchestration core.
type Core struct {
	cfg   Config
	clock timectrl.Clock
	log   logging.Logger

	IDs          *ids.Registry
	Pool         *nodepool.Pool
	States       *state.Machine
	Dispatcher   *dispatch.Dispatcher
	Telemetry    *telemetry.Aggregator
	Relay        *control.Relay
	Verification *verification.Collector

	transport Transport
	archive   *archive.Store
	metrics   *observability.LifecycleCollector
	events    EventSink
	ticker    *timectrl.TimeController
}

type options struct {
	clock      timectrl.Clock
	transport  TransportFactory
	registerer prometheus.Registerer
	events     EventSink
}

// Option customises Core construction.
type Option func(*options)

// WithClock overrides the system clock.
func WithClock(c timectrl.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport installs the node transport.
func WithTransport(f TransportFactory) Option {
	return func(o *options) { o.transport = f }
}

// WithRegisterer registers lifecycle metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithEventSink publishes lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(o *options) { o.events = sink }
}

// New builds a core and subscribes its components to each other.
func New(cfg Config, log logging.Logger, opts ...Option) (*Core, error) {
	if log == nil {
		log = logging.Noop()
	}
	o := options{clock: timectrl.SystemClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	c := &Core{
		cfg:    cfg,
		clock:  o.clock,
		log:    log,
		IDs:    ids.NewRegistry(),
		events: o.events,
	}

	if o.registerer != nil {
		m, err := observability.NewLifecycleCollector(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("lifecycle metrics: %w", err)
		}
		c.metrics = m
	}

	var stateOpts []state.Option
	if c.metrics != nil {
		stateOpts = append(stateOpts, state.WithMetricsRecorder(c.metrics))
	}
	if cfg.ArchivePath != "" {
		store, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return nil, err
		}
		c.archive = store
		stateOpts = append(stateOpts, state.WithArchive(store))
	}

	var poolOpts []nodepool.Option
	if c.metrics != nil {
		poolOpts = append(poolOpts, nodepool.WithMetricsRecorder(c.metrics))
	}
	c.Pool = nodepool.NewPool(cfg.Pool, c.clock, log, poolOpts...)
	c.States = state.NewMachine(cfg.State, c.clock, log, stateOpts...)

	if o.transport != nil {
		c.transport = o.transport(c)
	}
	if c.transport == nil {
		c.transport = noTransport{}
	}

	dispatchOpts := []dispatch.Option{dispatch.WithLauncher(c.transport)}
	if c.metrics != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithMetricsRecorder(c.metrics))
	}
	c.Dispatcher = dispatch.New(cfg.Dispatch, c.IDs, c.Pool, c.States, log, dispatchOpts...)

	var telemetryOpts []telemetry.Option
	if c.metrics != nil {
		telemetryOpts = append(telemetryOpts, telemetry.WithMetricsRecorder(c.metrics))
	}
	c.Telemetry = telemetry.NewAggregator(cfg.Telemetry, c.transport, c.States, log, telemetryOpts...)

	var verificationOpts []verification.Option
	if c.metrics != nil {
		verificationOpts = append(verificationOpts, verification.WithMetricsRecorder(c.metrics))
	}
	c.Verification = verification.NewCollector(log, verificationOpts...)

	relayOpts := []control.Option{control.WithVerificationSink(c.Verification)}
	if c.metrics != nil {
		relayOpts = append(relayOpts, control.WithMetricsRecorder(c.metrics))
	}
	relay, err := control.NewRelay(cfg.Control, c.transport, c.States, c.Pool, c.IDs, log, relayOpts...)
	if err != nil {
		_ = c.closeArchive()
		return nil, fmt.Errorf("control relay: %w", err)
	}
	c.Relay = relay

	c.States.OnTerminal(c.onTerminal)
	c.Pool.OnNodeDead(c.onNodeDead)

	c.ticker = timectrl.NewTimeController(c.clock, cfg.SweepInterval)
	c.ticker.AddListener(c.Sweep)
	return c, nil
}

// Run drives the periodic sweeps until ctx is done.
func (c *Core) Run(ctx context.Context) {
	c.ticker.Run(ctx)
}

// Sweep removes dead nodes and times out stalled simulations. Sweeps that
// changed something are traced.
func (c *Core) Sweep(now time.Time) {
	start := time.Now()
	dead := c.Pool.Sweep(now)
	timedOut := c.States.Sweep(now)
	if len(dead) == 0 && len(timedOut) == 0 {
		return
	}
	_, span := observability.Tracer().Start(context.Background(), "orchestrator.sweep",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Int("orchestrator.nodes_lost", len(dead)),
			attribute.Int("orchestrator.simulations_timed_out", len(timedOut)),
		),
	)
	span.End()
}

// Close releases the archive.
func (c *Core) Close() error {
	return c.closeArchive()
}

func (c *Core) closeArchive() error {
	if c.archive == nil {
		return nil
	}
	return c.archive.Close()
}

// Archive returns the persistent archive, or nil when none is configured.
func (c *Core) Archive() *archive.Store {
	return c.archive
}

func (c *Core) onTerminal(rec model.SimulationRecord) {
	c.Telemetry.UnbindSimulation(rec.Simulation)
	c.Relay.Forget(rec.Simulation)
	result := model.TestResultUnknown
	if rec.TestID != "" {
		result = c.Verification.Finalize(rec.TestID)
	}
	c.publish(events.Event{
		Type:       events.SimulationTerminal,
		Simulation: rec.Simulation,
		Node:       rec.Node,
		TestID:     rec.TestID,
		State:      rec.State.String(),
		Cause:      rec.Cause,
	})
	if rec.TestID != "" {
		c.publish(events.Event{
			Type:       events.TestFinalized,
			Simulation: rec.Simulation,
			TestID:     rec.TestID,
			State:      result.String(),
		})
	}
}

func (c *Core) onNodeDead(id model.SimulationNodeID, reason string) {
	lost := c.States.MarkNodeLost(id, reason)
	c.IDs.Release(ids.KindNode, string(id))
	c.log.Warn(context.Background(), "simulation node lost",
		logging.Node(id),
		logging.String("reason", reason),
		logging.Int("simulations", len(lost)),
	)
	c.publish(events.Event{Type: events.NodeLost, Node: id, Cause: reason})
}

func (c *Core) publish(e events.Event) {
	if c.events == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.clock.Now().UTC()
	}
	c.events.Publish(e)
}

// Address returns the dial address of a registered node.
func (c *Core) Address(id model.SimulationNodeID) (string, error) {
	return c.Pool.Address(id)
}

// NodeOf returns the node a RUNNING simulation was placed on.
func (c *Core) NodeOf(sim model.SimulationID) (model.SimulationNodeID, error) {
	rec, err := c.States.Record(sim)
	if err != nil {
		return "", err
	}
	if rec.State.IsTerminal() {
		return "", fmt.Errorf("%w: %q is %s", state.ErrAlreadyTerminal, sim, rec.State)
	}
	return rec.Node, nil
}

// RegisterNode admits a node. An empty ID is replaced by a generated one.
func (c *Core) RegisterNode(ctx context.Context, n nodepool.Node) (model.SimulationNodeID, error) {
	if n.ID == "" {
		raw, err := c.IDs.Allocate(ids.KindNode)
		if err != nil {
			return "", err
		}
		n.ID = model.SimulationNodeID(raw)
	} else if err := c.IDs.Claim(ids.KindNode, string(n.ID)); err != nil {
		if errors.Is(err, ids.ErrDuplicateID) {
			return "", fmt.Errorf("%w: %q", nodepool.ErrNodeExists, n.ID)
		}
		return "", fmt.Errorf("%w: %v", nodepool.ErrInvalidNode, err)
	}
	if err := c.Pool.Register(n); err != nil {
		c.IDs.Release(ids.KindNode, string(n.ID))
		return "", err
	}
	c.log.Debug(ctx, "node address recorded",
		logging.Node(n.ID),
		logging.String("address", n.Address),
	)
	c.publish(events.Event{Type: events.NodeRegistered, Node: n.ID})
	return n.ID, nil
}

// DeregisterNode removes a node. Its simulations become UNKNOWN.
func (c *Core) DeregisterNode(_ context.Context, id model.SimulationNodeID) error {
	return c.Pool.Deregister(id)
}

// Heartbeat records a liveness signal.
func (c *Core) Heartbeat(_ context.Context, id model.SimulationNodeID, ts time.Time) error {
	if ts.IsZero() {
		ts = c.clock.Now()
	}
	return c.Pool.Heartbeat(id, ts)
}

// Submit places a batch of simulations.
func (c *Core) Submit(ctx context.Context, batch map[string]dispatch.Spec) model.SubmissionResult {
	res := c.Dispatcher.Submit(ctx, batch)
	for key, sub := range res.Entries {
		if sub.Succeeded() {
			c.publish(events.Event{Type: events.SimulationStarted, Key: key, Simulation: sub.Simulation, Node: sub.Node})
		}
	}
	return res
}

// SimState returns the lifecycle state of sim.
func (c *Core) SimState(_ context.Context, sim model.SimulationID) (model.SimState, error) {
	return c.States.State(sim)
}

// SimRecord returns the lifecycle record of sim. Records evicted from
// memory are read back from the archive when one is configured.
func (c *Core) SimRecord(_ context.Context, sim model.SimulationID) (model.SimulationRecord, error) {
	return c.States.Record(sim)
}

// ReportProgress resets sim's deadline.
func (c *Core) ReportProgress(_ context.Context, sim model.SimulationID) error {
	return c.States.Progress(sim)
}

// ReportCompletion applies a node-reported terminal state.
func (c *Core) ReportCompletion(_ context.Context, sim model.SimulationID, to model.SimState, cause string) error {
	if !to.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, to)
	}
	return c.States.Transition(sim, to, cause)
}

// RegisterVehicle marks a vehicle live in a running simulation. An empty
// vehicle ID is replaced by a generated one.
func (c *Core) RegisterVehicle(_ context.Context, sim model.SimulationID, vid model.VehicleID) (model.VehicleID, error) {
	st, err := c.States.State(sim)
	if err != nil {
		return "", err
	}
	if st.IsTerminal() {
		return "", fmt.Errorf("%w: %s is %s", state.ErrAlreadyTerminal, sim, st)
	}
	if vid == "" {
		vid = model.VehicleID("veh-" + uuid.NewString())
	}
	if err := c.IDs.Claim(ids.KindVehicle, ids.ScopedVehicle(string(sim), string(vid))); err != nil {
		return "", err
	}
	return vid, nil
}

// BindSensor registers a request id for a vehicle sensor.
func (c *Core) BindSensor(_ context.Context, b telemetry.SensorBinding) error {
	st, err := c.States.State(b.Simulation)
	if err != nil {
		return err
	}
	if st.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", state.ErrAlreadyTerminal, b.Simulation, st)
	}
	if !c.IDs.Exists(ids.KindVehicle, ids.ScopedVehicle(string(b.Simulation), string(b.Vehicle))) {
		return fmt.Errorf("%w: vehicle %q in %q", control.ErrNotFound, b.Vehicle, b.Simulation)
	}
	return c.Telemetry.Bind(b)
}

// FetchData resolves every requested id to one payload.
func (c *Core) FetchData(ctx context.Context, requestIDs []string) map[string]model.Data {
	return c.Telemetry.Fetch(ctx, requestIDs)
}

// SendControl relays a command.
func (c *Core) SendControl(ctx context.Context, target control.Target, cmd model.Control) error {
	return c.Relay.Send(ctx, target, cmd)
}

// WaitForSimulatorRequest parks an AI until its turn.
func (c *Core) WaitForSimulatorRequest(ctx context.Context, target control.Target) (model.SimState, error) {
	return c.Relay.WaitForTurn(ctx, target)
}

// RequestAIFor hands the turn to an AI and waits for its command.
func (c *Core) RequestAIFor(ctx context.Context, target control.Target) (bool, error) {
	return c.Relay.RequestTurn(ctx, target)
}

// RecordVerification stores one verification sample, and its cycle window
// when start is set.
func (c *Core) RecordVerification(_ context.Context, testID string, r model.VerificationResult, start, end time.Time) (model.TestResult, error) {
	if err := c.Verification.Record(testID, r); err != nil {
		return model.TestResultUnknown, err
	}
	if !start.IsZero() {
		if err := c.Verification.RecordCycle(testID, start, end); err != nil {
			return model.TestResultUnknown, err
		}
	}
	return c.Verification.Result(testID), nil
}

// TestResult returns the current or frozen outcome of testID.
func (c *Core) TestResult(_ context.Context, testID string) (verification.Report, error) {
	if testID == "" {
		return verification.Report{}, verification.ErrInvalidTestID
	}
	rep, _ := c.Verification.Report(testID)
	return rep, nil
}

// noTransport accepts launches without contacting the node and rejects
// polls and deliveries.
type noTransport struct{}

func (noTransport) Launch(context.Context, dispatch.LaunchRequest) error { return nil }

func (noTransport) Poll(context.Context, telemetry.SensorBinding) (model.Data, error) {
	return model.Data{}, ErrNoTransport
}

func (noTransport) Deliver(context.Context, model.SimulationNodeID, control.Target, model.Control) error {
	return ErrNoTransport
}
