package ring

import (
	"testing"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceNumbersAreDenseAndOrdered(t *testing.T) {
	r := New(4096, 1000, 60)
	exec := ids.NewExecutionID()

	for i := 0; i < 5; i++ {
		r.OnOutputData(exec, []byte{byte(i)}, false)
	}

	state, ok := r.GetStreamState(exec)
	require.True(t, ok)
	assert.True(t, state.IsActive)
	assert.EqualValues(t, 4, state.LastSequence)
	assert.Equal(t, 5, state.ChunkCount)

	chunks := r.GetBuffersFromSequence(exec, 0, 100)
	require.Len(t, chunks, 5)
	for i, c := range chunks {
		assert.EqualValues(t, i, c.SequenceNumber)
	}
}

func TestProcessEndFlipsInactiveButRetainsChunks(t *testing.T) {
	r := New(4096, 1000, 60)
	exec := ids.NewExecutionID()
	r.OnOutputData(exec, []byte("x"), false)
	r.OnProcessEnd(exec, 0)

	state, ok := r.GetStreamState(exec)
	require.True(t, ok)
	assert.False(t, state.IsActive)
	assert.Equal(t, 1, state.ChunkCount)
}

func TestMaxBuffersTrimsOldest(t *testing.T) {
	r := New(4096, 3, 60)
	exec := ids.NewExecutionID()
	for i := 0; i < 10; i++ {
		r.OnOutputData(exec, []byte{byte(i)}, false)
	}
	state, _ := r.GetStreamState(exec)
	assert.Equal(t, 3, state.ChunkCount)
	chunks := r.GetLatestBuffers(exec, 10)
	require.Len(t, chunks, 3)
	assert.EqualValues(t, 7, chunks[0].SequenceNumber)
}

func TestSweepEvictsOnlyInactiveExpired(t *testing.T) {
	r := New(4096, 1000, 1)
	active := ids.NewExecutionID()
	expired := ids.NewExecutionID()

	r.OnOutputData(active, []byte("x"), false)
	r.OnOutputData(expired, []byte("y"), false)
	r.OnProcessEnd(expired, 0)

	r.Sweep(time.Now().Add(2 * time.Second))

	_, ok := r.GetStreamState(active)
	assert.True(t, ok)
	_, ok = r.GetStreamState(expired)
	assert.False(t, ok)
}
