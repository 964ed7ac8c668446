package filesub

import (
	"context"
	"testing"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *store.Store) {
	t.Helper()
	log := logger.Default()
	st, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, log), st
}

func TestPersistPartialUnknownExecutionFails(t *testing.T) {
	s, _ := newTestSubscriber(t)
	_, ok := s.PersistPartial(context.Background(), ids.NewExecutionID())
	require.False(t, ok)
}

func TestPersistPartialReadsBufferedDataWithoutClearingIt(t *testing.T) {
	s, st := newTestSubscriber(t)
	exec := ids.NewExecutionID()

	s.OnProcessStart(exec, "echo hi")
	s.OnOutputData(exec, []byte("partial out"), false)

	id, ok := s.PersistPartial(context.Background(), exec)
	require.True(t, ok)
	require.NotEmpty(t, id)

	res, err := st.ReadByOffset(context.Background(), id, 0, 1024)
	require.NoError(t, err)
	require.Equal(t, "partial out", string(res.Content))

	// More output can still arrive and OnProcessEnd still finalizes exec,
	// rebinding it to a fresh, complete artifact.
	s.OnOutputData(exec, []byte(" more"), false)
	s.OnProcessEnd(exec, 0)

	finalID, ok := s.OutputIDFor(exec)
	require.True(t, ok)
	require.NotEqual(t, id, finalID)

	finalRes, err := st.ReadByOffset(context.Background(), finalID, 0, 1024)
	require.NoError(t, err)
	require.Equal(t, "partial out more", string(finalRes.Content))
}
