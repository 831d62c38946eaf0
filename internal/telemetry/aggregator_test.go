package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	ctxs     map[model.SimulationID]context.Context
	cancels  map[model.SimulationID]context.CancelFunc
	progress map[model.SimulationID]int
}

func newFakeLifecycle(sims ...model.SimulationID) *fakeLifecycle {
	f := &fakeLifecycle{
		ctxs:     map[model.SimulationID]context.Context{},
		cancels:  map[model.SimulationID]context.CancelFunc{},
		progress: map[model.SimulationID]int{},
	}
	for _, sim := range sims {
		ctx, cancel := context.WithCancel(context.Background())
		f.ctxs[sim] = ctx
		f.cancels[sim] = cancel
	}
	return f
}

func (f *fakeLifecycle) Context(sim model.SimulationID) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx, ok := f.ctxs[sim]
	if !ok {
		return nil, errors.New("simulation not found")
	}
	return ctx, nil
}

func (f *fakeLifecycle) Progress(sim model.SimulationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[sim]++
	return nil
}

func (f *fakeLifecycle) cancel(sim model.SimulationID) {
	f.mu.Lock()
	cancel := f.cancels[sim]
	f.mu.Unlock()
	cancel()
}

func (f *fakeLifecycle) progressCount(sim model.SimulationID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[sim]
}

type sourceFunc func(ctx context.Context, b SensorBinding) (model.Data, error)

func (f sourceFunc) Poll(ctx context.Context, b SensorBinding) (model.Data, error) { return f(ctx, b) }

type errorCounter struct {
	mu       sync.Mutex
	timeouts int
	reasons  map[string]int
}

func (c *errorCounter) IncTelemetryTimeout() {
	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

func (c *errorCounter) IncTelemetryError(reason string) {
	c.mu.Lock()
	if c.reasons == nil {
		c.reasons = map[string]int{}
	}
	c.reasons[reason]++
	c.mu.Unlock()
}

func position(x, y float64) model.Data {
	return model.Data{Kind: model.DataKindPosition, Position: &model.Position{X: x, Y: y}}
}

func bind(t *testing.T, a *Aggregator, id string, kind model.DataKind) {
	t.Helper()
	require.NoError(t, a.Bind(SensorBinding{RequestID: id, Simulation: "s1", Vehicle: "ego", Kind: kind}))
}

func TestFetchEmptyReturnsEmptyMap(t *testing.T) {
	a := NewAggregator(Config{}, sourceFunc(func(context.Context, SensorBinding) (model.Data, error) {
		t.Fatal("source must not be polled")
		return model.Data{}, nil
	}), newFakeLifecycle(), logging.Noop())

	got := a.Fetch(context.Background(), nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestFetchResolvesAndSignalsProgress(t *testing.T) {
	states := newFakeLifecycle("s1")
	a := NewAggregator(Config{FetchTimeout: time.Second}, sourceFunc(func(_ context.Context, b SensorBinding) (model.Data, error) {
		switch b.Kind {
		case model.DataKindPosition:
			return position(1, 2), nil
		case model.DataKindSpeed:
			return model.Data{Kind: model.DataKindSpeed, Speed: &model.Speed{Speed: 13.5}}, nil
		}
		return model.Data{}, errors.New("unexpected kind")
	}), states, logging.Noop())
	bind(t, a, "pos", model.DataKindPosition)
	bind(t, a, "spd", model.DataKindSpeed)

	got := a.Fetch(context.Background(), []string{"pos", "spd", "pos", "ghost"})
	require.Len(t, got, 3)
	assert.Equal(t, 1.0, got["pos"].Position.X)
	assert.Equal(t, 13.5, got["spd"].Speed.Speed)
	assert.True(t, got["ghost"].IsError())
	assert.Contains(t, got["ghost"].Error.Message, "unknown request id")
	assert.Equal(t, 2, states.progressCount("s1"))
}

func TestFetchTimeoutYieldsErrorOnlyForSlowID(t *testing.T) {
	counter := &errorCounter{}
	a := NewAggregator(Config{FetchTimeout: 50 * time.Millisecond}, sourceFunc(func(ctx context.Context, b SensorBinding) (model.Data, error) {
		if b.RequestID == "slow" {
			<-ctx.Done()
			return model.Data{}, ctx.Err()
		}
		return position(0, 0), nil
	}), newFakeLifecycle("s1"), logging.Noop(), WithMetricsRecorder(counter))
	bind(t, a, "slow", model.DataKindPosition)
	bind(t, a, "fast", model.DataKindPosition)

	got := a.Fetch(context.Background(), []string{"slow", "fast"})
	require.Len(t, got, 2)
	assert.True(t, got["slow"].IsError())
	assert.Contains(t, got["slow"].Error.Message, "timed out")
	assert.False(t, got["fast"].IsError())

	counter.mu.Lock()
	defer counter.mu.Unlock()
	assert.Equal(t, 1, counter.timeouts)
}

func TestConcurrentFetchSharesOnePoll(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	a := NewAggregator(Config{FetchTimeout: 2 * time.Second}, sourceFunc(func(context.Context, SensorBinding) (model.Data, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return position(3, 4), nil
	}), newFakeLifecycle("s1"), logging.Noop())
	bind(t, a, "a", model.DataKindPosition)

	var wg sync.WaitGroup
	results := make([]map[string]model.Data, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = a.Fetch(context.Background(), []string{"a"})
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = a.Fetch(context.Background(), []string{"a"})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i, res := range results {
		require.Contains(t, res, "a", "result %d", i)
		assert.Equal(t, 3.0, res["a"].Position.X, "result %d", i)
	}
}

func TestCancelAbandonsInFlightFetch(t *testing.T) {
	states := newFakeLifecycle("s1")
	polling := make(chan struct{})
	a := NewAggregator(Config{FetchTimeout: 5 * time.Second}, sourceFunc(func(ctx context.Context, _ SensorBinding) (model.Data, error) {
		close(polling)
		<-ctx.Done()
		// Late answer after cancellation must be discarded.
		return position(9, 9), nil
	}), states, logging.Noop())
	bind(t, a, "a", model.DataKindPosition)

	done := make(chan map[string]model.Data, 1)
	go func() { done <- a.Fetch(context.Background(), []string{"a"}) }()
	<-polling
	states.cancel("s1")

	select {
	case got := <-done:
		require.True(t, got["a"].IsError())
		assert.Contains(t, got["a"].Error.Message, "ended")
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was not preempted by simulation cancel")
	}
	assert.Zero(t, states.progressCount("s1"))
}

func TestFetchRejectsMismatchedAndInvalidPayloads(t *testing.T) {
	a := NewAggregator(Config{}, sourceFunc(func(_ context.Context, b SensorBinding) (model.Data, error) {
		switch b.RequestID {
		case "mismatch":
			return model.Data{Kind: model.DataKindDamage, Damage: &model.Damage{IsDamaged: true}}, nil
		case "double":
			d := position(1, 1)
			d.Speed = &model.Speed{Speed: 1}
			return d, nil
		case "empty":
			return model.Data{}, nil
		default:
			return model.ErrorData("sensor offline"), nil
		}
	}), newFakeLifecycle("s1"), logging.Noop())
	for _, id := range []string{"mismatch", "double", "empty", "offline"} {
		bind(t, a, id, model.DataKindPosition)
	}

	got := a.Fetch(context.Background(), []string{"mismatch", "double", "empty", "offline"})
	require.Len(t, got, 4)
	for id, d := range got {
		assert.True(t, d.IsError(), "%s should resolve to Error", id)
		assert.NoError(t, d.Validate(), "%s Error payload must itself be valid", id)
	}
	assert.Contains(t, got["mismatch"].Error.Message, "expected position")
	assert.Equal(t, "sensor offline", got["offline"].Error.Message)
}

func TestFetchInactiveSimulation(t *testing.T) {
	a := NewAggregator(Config{}, sourceFunc(func(context.Context, SensorBinding) (model.Data, error) {
		return position(0, 0), nil
	}), newFakeLifecycle(), logging.Noop())
	bind(t, a, "a", model.DataKindPosition)

	got := a.Fetch(context.Background(), []string{"a"})
	assert.True(t, got["a"].IsError())
}

func TestBindingTable(t *testing.T) {
	tbl := NewBindingTable()
	b := SensorBinding{RequestID: "r1", Simulation: "s1", Vehicle: "v1", Kind: model.DataKindLidar}

	require.NoError(t, tbl.Put(b))
	require.NoError(t, tbl.Put(b), "identical rebind is a no-op")

	other := b
	other.Vehicle = "v2"
	assert.ErrorIs(t, tbl.Put(other), ErrBindingExists)
	assert.ErrorIs(t, tbl.Put(SensorBinding{RequestID: "r2", Simulation: "s1", Vehicle: "v1"}), ErrInvalidBinding)

	require.NoError(t, tbl.Put(SensorBinding{RequestID: "r0", Simulation: "s1", Vehicle: "v1", Kind: model.DataKindCamera}))
	require.NoError(t, tbl.Put(SensorBinding{RequestID: "x", Simulation: "s2", Vehicle: "v1", Kind: model.DataKindCamera}))

	got, ok := tbl.Get("r0")
	require.True(t, ok)
	assert.Equal(t, model.SimulationID("s1"), got.Simulation)

	assert.Equal(t, 2, tbl.DeleteSimulation("s1"))
	assert.Equal(t, 1, tbl.Len())
	assert.True(t, tbl.Delete("x"))
	assert.False(t, tbl.Delete("x"))
}
