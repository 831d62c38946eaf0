// Package telemetry resolves batches of opaque request ids into typed sensor
// payloads, one concurrent poll per id.
package telemetry

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
)

const defaultFetchTimeout = 2 * time.Second

// SensorSource polls the vehicle sensor behind a binding.
type SensorSource interface {
	Poll(ctx context.Context, b SensorBinding) (model.Data, error)
}

// Lifecycle is the state machine surface the aggregator needs.
type Lifecycle interface {
	Context(sim model.SimulationID) (context.Context, error)
	Progress(sim model.SimulationID) error
}

// MetricsRecorder counts unresolved ids.
type MetricsRecorder interface {
	IncTelemetryTimeout()
	IncTelemetryError(reason string)
}

// Config tunes per-id resolution.
type Config struct {
	// FetchTimeout bounds each id's poll.
	FetchTimeout time.Duration
}

// Aggregator owns the request-id -> payload correlation for outstanding
// fetches.
type Aggregator struct {
	bindings *BindingTable
	source   SensorSource
	states   Lifecycle
	timeout  time.Duration
	log      logging.Logger
	metrics  MetricsRecorder

	inflight singleflight.Group
}

// Option customises Aggregator construction.
type Option func(*Aggregator)

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithBindingTable shares an existing binding table.
func WithBindingTable(t *BindingTable) Option {
	return func(a *Aggregator) {
		if t != nil {
			a.bindings = t
		}
	}
}

// NewAggregator constructs an aggregator polling source.
func NewAggregator(cfg Config, source SensorSource, states Lifecycle, log logging.Logger, opts ...Option) *Aggregator {
	if log == nil {
		log = logging.Noop()
	}
	timeout := cfg.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	a := &Aggregator{
		bindings: NewBindingTable(),
		source:   source,
		states:   states,
		timeout:  timeout,
		log:      log.With(logging.Component("telemetry")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Bind registers a request id.
func (a *Aggregator) Bind(b SensorBinding) error {
	return a.bindings.Put(b)
}

// Unbind forgets a request id.
func (a *Aggregator) Unbind(requestID string) bool {
	return a.bindings.Delete(requestID)
}

// UnbindSimulation forgets every request id of sim.
func (a *Aggregator) UnbindSimulation(sim model.SimulationID) int {
	return a.bindings.DeleteSimulation(sim)
}

// Bindings exposes the binding table.
func (a *Aggregator) Bindings() *BindingTable { return a.bindings }

type resolved struct {
	id   string
	data model.Data
}

// Fetch resolves every id concurrently. The result always carries every
// requested id; ids that could not be resolved map to an Error payload.
func (a *Aggregator) Fetch(ctx context.Context, requestIDs []string) map[string]model.Data {
	out := make(map[string]model.Data, len(requestIDs))
	if len(requestIDs) == 0 {
		return out
	}

	unique := make([]string, 0, len(requestIDs))
	seen := make(map[string]struct{}, len(requestIDs))
	for _, id := range requestIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	results := make(chan resolved, len(unique))
	for _, id := range unique {
		go func(id string) {
			results <- resolved{id: id, data: a.resolve(ctx, id)}
		}(id)
	}
	for range unique {
		r := <-results
		out[r.id] = r.data
	}
	return out
}

func (a *Aggregator) resolve(ctx context.Context, id string) model.Data {
	b, ok := a.bindings.Get(id)
	if !ok {
		a.countError("unknown_id")
		return model.ErrorData("unknown request id %q", id)
	}
	simCtx, err := a.states.Context(b.Simulation)
	if err != nil {
		a.countError("simulation_inactive")
		return model.ErrorData("simulation %s: %v", b.Simulation, err)
	}

	ch := a.inflight.DoChan(id, func() (any, error) {
		pollCtx, cancel := context.WithTimeout(simCtx, a.timeout)
		defer cancel()
		return a.source.Poll(pollCtx, b)
	})

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		a.countError("caller_canceled")
		return model.ErrorData("request %q abandoned: %v", id, ctx.Err())
	case <-simCtx.Done():
		a.countError("simulation_ended")
		return model.ErrorData("simulation %s ended before %q resolved", b.Simulation, id)
	case <-timer.C:
		a.countTimeout(id)
		return model.ErrorData("request %q timed out after %s", id, a.timeout)
	case res := <-ch:
		// A late answer for a simulation that already ended is dropped.
		if simCtx.Err() != nil {
			a.countError("simulation_ended")
			return model.ErrorData("simulation %s ended before %q resolved", b.Simulation, id)
		}
		if res.Err != nil {
			if errors.Is(res.Err, context.DeadlineExceeded) {
				a.countTimeout(id)
				return model.ErrorData("request %q timed out after %s", id, a.timeout)
			}
			a.countError("poll_failed")
			return model.ErrorData("request %q: %v", id, res.Err)
		}
		data, _ := res.Val.(model.Data)
		return a.check(b, data)
	}
}

// check enforces the closed variant set and the bound kind.
func (a *Aggregator) check(b SensorBinding, data model.Data) model.Data {
	if err := data.Validate(); err != nil {
		a.countError("invalid_payload")
		return model.ErrorData("request %q: %v", b.RequestID, err)
	}
	if data.IsError() {
		return data
	}
	if data.Kind != b.Kind {
		a.countError("kind_mismatch")
		return model.ErrorData("request %q: expected %s payload, got %s", b.RequestID, b.Kind, data.Kind)
	}
	if err := a.states.Progress(b.Simulation); err != nil {
		a.log.Debug(context.Background(), "progress signal dropped",
			logging.Simulation(b.Simulation),
			logging.Err(err),
		)
	}
	return data
}

func (a *Aggregator) countTimeout(id string) {
	if a.metrics != nil {
		a.metrics.IncTelemetryTimeout()
	}
	a.log.Warn(context.Background(), "telemetry request timed out",
		logging.String("request_id", id),
		logging.Duration("timeout", a.timeout),
	)
}

func (a *Aggregator) countError(reason string) {
	if a.metrics != nil {
		a.metrics.IncTelemetryError(reason)
	}
}
