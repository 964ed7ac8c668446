package ring

import (
	"context"
	"testing"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func TestPipelineReaderHandsOffFileToRingWithoutDuplication(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	defer st.Close()

	exec := ids.NewExecutionID()
	r := New(4096, 1000, 60)

	// Simulate persisted output so far: "hello ".
	outID, err := st.CreateFromString(ctx, store.KindCombined, "hello ", exec)
	require.NoError(t, err)

	// The ring independently saw the same bytes, chunked as "hel", "lo ",
	// followed by bytes not yet persisted to the file: "world".
	r.OnOutputData(exec, []byte("hel"), false)
	r.OnOutputData(exec, []byte("lo "), false)
	r.OnOutputData(exec, []byte("world"), false)

	reader := NewPipelineReader(st, r, outID, exec)
	reader.chunkSize = 3 // force multiple file reads to exercise the cursor

	var emitted []byte
	for len(emitted) < len("hello world") {
		data, done, err := reader.Next(ctx)
		require.NoError(t, err)
		require.False(t, done, "stream ended before all bytes were emitted")
		emitted = append(emitted, data...)
	}
	require.Equal(t, "hello world", string(emitted))

	// Once the producing execution ends and the ring has nothing further
	// to offer, the reader reports end-of-stream.
	r.OnProcessEnd(exec, 0)
	_, done, err := reader.Next(ctx)
	require.NoError(t, err)
	require.True(t, done)
}
