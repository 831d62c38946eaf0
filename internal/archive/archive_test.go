package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/simorchestrator/model"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "archive.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	ended := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := model.SimulationRecord{
		Simulation: "sim-1",
		Node:       "node-1",
		TestID:     "t1",
		State:      model.SimStateTimeout,
		Cause:      "no progress",
		EndedAt:    ended,
	}
	require.NoError(t, s.Put(ctx, rec))

	got, ok, err := s.Get(ctx, "sim-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.SimStateTimeout, got.State)
	assert.Equal(t, "t1", got.TestID)
	assert.True(t, got.EndedAt.Equal(ended))

	_, ok, err = s.Get(ctx, "sim-missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")

	s, err := Open(path)
	require.NoError(t, err)
	for _, id := range []model.SimulationID{"b", "a", "c"} {
		require.NoError(t, s.Put(ctx, model.SimulationRecord{Simulation: id, State: model.SimStateFinished}))
	}
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, id := range []model.SimulationID{"a", "b", "c"} {
		got, ok, err := s.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, "record %s lost across reopen", id)
		assert.Equal(t, model.SimStateFinished, got.State)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Put(context.Background(), model.SimulationRecord{Simulation: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWhileInUse(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id := model.SimulationID(fmt.Sprintf("sim-%d", i))
			for j := 0; j < 50; j++ {
				if err := s.Put(ctx, model.SimulationRecord{Simulation: id, State: model.SimStateFinished}); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
				if _, _, err := s.Get(ctx, id); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					return
				}
			}
		}(i)
	}
	close(start)
	require.NoError(t, s.Close())
	wg.Wait()

	_, _, err = s.Get(ctx, "sim-0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
