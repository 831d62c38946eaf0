// Package verification folds partial verification results into one
// TestResult per test.
//
// Markers are read as Kleene-Priest values: a FALSE (or SKIPPED)
// precondition skips the test, a TRUE failure descriptor fails it and a TRUE
// success descriptor passes it. Precedence is SKIPPED > FAILED > SUCCEEDED >
// UNKNOWN, so the outcome does not depend on the order results arrive in.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
)

var (
	// ErrFinalized is returned when recording into a finalized test.
	ErrFinalized = errors.New("test already finalized")
	// ErrInvalidTestID is returned for empty test ids.
	ErrInvalidTestID = errors.New("invalid test id")
	// ErrInvalidCycle is returned for cycles that end before they start.
	ErrInvalidCycle = errors.New("invalid verification cycle")
)

// Cycle is one evaluation window of a test.
type Cycle struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report is the full verification history of one test.
type Report struct {
	TestID    string                     `json:"test_id"`
	Result    model.TestResult           `json:"result"`
	Finalized bool                       `json:"finalized"`
	Records   []model.VerificationResult `json:"records"`
	Cycles    []Cycle                    `json:"cycles,omitempty"`
}

// markers are folded with Kleene-Priest disjunction: once a record makes a
// marker TRUE it stays TRUE whatever arrives later.
type markers struct {
	skipped   model.KPValue
	failed    model.KPValue
	succeeded model.KPValue
}

func (m markers) merge(o markers) markers {
	return markers{
		skipped:   m.skipped.Or(o.skipped),
		failed:    m.failed.Or(o.failed),
		succeeded: m.succeeded.Or(o.succeeded),
	}
}

func (m markers) result() model.TestResult {
	switch {
	case m.skipped == model.KPTrue:
		return model.TestResultSkipped
	case m.failed == model.KPTrue:
		return model.TestResultFailed
	case m.succeeded == model.KPTrue:
		return model.TestResultSucceeded
	default:
		return model.TestResultUnknown
	}
}

// classify extracts the markers carried by one record. A test is skipped
// when its precondition is FALSE.
func classify(r model.VerificationResult) markers {
	pre := model.ParseKP(r.Precondition)
	if strings.EqualFold(strings.TrimSpace(r.Precondition), "SKIPPED") {
		pre = model.KPFalse
	}
	return markers{
		skipped:   pre.Not(),
		failed:    model.ParseKP(r.Failure),
		succeeded: model.ParseKP(r.Success),
	}
}

type testEntry struct {
	markers   markers
	records   []model.VerificationResult
	cycles    []Cycle
	finalized bool
	result    model.TestResult
}

// MetricsRecorder counts finalized outcomes.
type MetricsRecorder interface {
	IncTestResult(result model.TestResult)
}

// Collector stores per-test markers.
type Collector struct {
	mu      sync.Mutex
	tests   map[string]*testEntry
	log     logging.Logger
	metrics MetricsRecorder
}

// Option customises Collector construction.
type Option func(*Collector)

// WithMetricsRecorder attaches an optional recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(c *Collector) { c.metrics = m }
}

// NewCollector returns an empty collector.
func NewCollector(log logging.Logger, opts ...Option) *Collector {
	if log == nil {
		log = logging.Noop()
	}
	c := &Collector{
		tests: make(map[string]*testEntry),
		log:   log.With(logging.Component("verification")),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Collector) entryLocked(testID string) *testEntry {
	e, ok := c.tests[testID]
	if !ok {
		e = &testEntry{}
		c.tests[testID] = e
	}
	return e
}

// Record adds a partial result.
func (c *Collector) Record(testID string, r model.VerificationResult) error {
	if testID == "" {
		return ErrInvalidTestID
	}
	m := classify(r)

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(testID)
	if e.finalized {
		return fmt.Errorf("%w: %q", ErrFinalized, testID)
	}
	e.records = append(e.records, r)
	e.markers = e.markers.merge(m)
	return nil
}

// RecordCycle adds one evaluation window.
func (c *Collector) RecordCycle(testID string, start, end time.Time) error {
	if testID == "" {
		return ErrInvalidTestID
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidCycle, end.Format(time.RFC3339Nano), start.Format(time.RFC3339Nano))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(testID)
	if e.finalized {
		return fmt.Errorf("%w: %q", ErrFinalized, testID)
	}
	e.cycles = append(e.cycles, Cycle{Start: start, End: end})
	return nil
}

// Result returns the current outcome without freezing it.
func (c *Collector) Result(testID string) model.TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tests[testID]
	if !ok {
		return model.TestResultUnknown
	}
	if e.finalized {
		return e.result
	}
	return e.markers.result()
}

// Finalize freezes and returns the outcome. Calling it again returns the
// frozen value.
func (c *Collector) Finalize(testID string) model.TestResult {
	c.mu.Lock()
	e := c.entryLocked(testID)
	if e.finalized {
		res := e.result
		c.mu.Unlock()
		return res
	}
	e.finalized = true
	e.result = e.markers.result()
	res := e.result
	records := len(e.records)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncTestResult(res)
	}
	c.log.Info(context.Background(), "test finalized",
		logging.String("test_id", testID),
		logging.String("result", res.String()),
		logging.Int("records", records),
	)
	return res
}

// Report returns a copy of everything known about testID.
func (c *Collector) Report(testID string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tests[testID]
	if !ok {
		return Report{TestID: testID, Result: model.TestResultUnknown}, false
	}
	res := e.markers.result()
	if e.finalized {
		res = e.result
	}
	return Report{
		TestID:    testID,
		Result:    res,
		Finalized: e.finalized,
		Records:   append([]model.VerificationResult(nil), e.records...),
		Cycles:    append([]Cycle(nil), e.cycles...),
	}, true
}
