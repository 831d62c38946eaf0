package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/simorchestrator/model"
)

// LifecycleCollector exposes simulation, node, telemetry and control
// metrics. It satisfies the MetricsRecorder interfaces of the nodepool,
// state, dispatch, telemetry, control and verification packages.
type LifecycleCollector struct {
	gatherer prometheus.Gatherer

	LiveNodes            prometheus.Gauge
	RunningSimulations   prometheus.Gauge
	TerminalTransitions  *prometheus.CounterVec
	DiscardedTransitions *prometheus.CounterVec
	Submissions          *prometheus.CounterVec
	TelemetryTimeouts    prometheus.Counter
	TelemetryErrors      *prometheus.CounterVec
	ControlCommands      *prometheus.CounterVec
	TestResults          *prometheus.CounterVec
}

// NewLifecycleCollector registers lifecycle metrics against reg.
func NewLifecycleCollector(reg prometheus.Registerer) (*LifecycleCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	liveNodes, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_live_nodes",
		Help: "Current number of registered simulation nodes.",
	}))
	if err != nil {
		return nil, err
	}
	running, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_running_simulations",
		Help: "Current number of simulations in RUNNING.",
	}))
	if err != nil {
		return nil, err
	}
	terminal, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_terminal_transitions_total",
		Help: "Applied terminal transitions, labeled by target state.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}
	discarded, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_discarded_transitions_total",
		Help: "Transitions that lost to an earlier terminal transition, labeled by attempted state.",
	}, []string{"attempted"}))
	if err != nil {
		return nil, err
	}
	submissions, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_submissions_total",
		Help: "Submission entries, labeled by outcome.",
	}, []string{"outcome"}))
	if err != nil {
		return nil, err
	}
	timeouts, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_telemetry_timeouts_total",
		Help: "Request ids that hit the per-id fetch timeout.",
	}))
	if err != nil {
		return nil, err
	}
	telemetryErrors, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_telemetry_errors_total",
		Help: "Request ids resolved to an Error payload for reasons other than timeout.",
	}, []string{"reason"}))
	if err != nil {
		return nil, err
	}
	control, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_control_commands_total",
		Help: "Control commands handled by the relay, labeled by kind and outcome.",
	}, []string{"kind", "outcome"}))
	if err != nil {
		return nil, err
	}
	results, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_test_results_total",
		Help: "Finalized test results.",
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}

	return &LifecycleCollector{
		gatherer:             gatherer,
		LiveNodes:            liveNodes,
		RunningSimulations:   running,
		TerminalTransitions:  terminal,
		DiscardedTransitions: discarded,
		Submissions:          submissions,
		TelemetryTimeouts:    timeouts,
		TelemetryErrors:      telemetryErrors,
		ControlCommands:      control,
		TestResults:          results,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *LifecycleCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// SetLiveNodes updates the live node gauge.
func (c *LifecycleCollector) SetLiveNodes(n int) {
	if c == nil || c.LiveNodes == nil {
		return
	}
	c.LiveNodes.Set(float64(n))
}

// SetRunningSimulations updates the running simulation gauge.
func (c *LifecycleCollector) SetRunningSimulations(n int) {
	if c == nil || c.RunningSimulations == nil {
		return
	}
	c.RunningSimulations.Set(float64(n))
}

func (c *LifecycleCollector) IncTerminalTransition(to model.SimState) {
	if c == nil || c.TerminalTransitions == nil {
		return
	}
	c.TerminalTransitions.WithLabelValues(to.String()).Inc()
}

func (c *LifecycleCollector) IncDiscardedTransition(attempted model.SimState) {
	if c == nil || c.DiscardedTransitions == nil {
		return
	}
	c.DiscardedTransitions.WithLabelValues(attempted.String()).Inc()
}

func (c *LifecycleCollector) IncSubmission(outcome string) {
	if c == nil || c.Submissions == nil {
		return
	}
	c.Submissions.WithLabelValues(outcome).Inc()
}

func (c *LifecycleCollector) IncTelemetryTimeout() {
	if c == nil || c.TelemetryTimeouts == nil {
		return
	}
	c.TelemetryTimeouts.Inc()
}

func (c *LifecycleCollector) IncTelemetryError(reason string) {
	if c == nil || c.TelemetryErrors == nil {
		return
	}
	c.TelemetryErrors.WithLabelValues(reason).Inc()
}

func (c *LifecycleCollector) IncControl(kind, outcome string) {
	if c == nil || c.ControlCommands == nil {
		return
	}
	c.ControlCommands.WithLabelValues(kind, outcome).Inc()
}

func (c *LifecycleCollector) IncTestResult(result model.TestResult) {
	if c == nil || c.TestResults == nil {
		return
	}
	c.TestResults.WithLabelValues(result.String()).Inc()
}
