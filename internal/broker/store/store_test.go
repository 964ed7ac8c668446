package store

import (
	"context"
	"testing"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateFromStringRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFromString(ctx, KindCombined, "hello world", ids.NewExecutionID())
	require.NoError(t, err)

	res, err := s.ReadByOffset(ctx, id, 0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(res.Content))
	assert.Equal(t, int64(11), res.TotalSize)
	assert.False(t, res.IsTruncated)
}

func TestReadByOffsetTruncates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateFromString(ctx, KindStdout, "0123456789", ids.NewExecutionID())
	require.NoError(t, err)

	res, err := s.ReadByOffset(ctx, id, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", string(res.Content))
	assert.True(t, res.IsTruncated)

	res, err = s.ReadByOffset(ctx, id, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, "89", string(res.Content))
	assert.False(t, res.IsTruncated)
}

func TestListWithFilterAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := ids.NewExecutionID()

	id1, err := s.CreateFromString(ctx, KindCombined, "one", exec)
	require.NoError(t, err)
	_, err = s.CreateFromString(ctx, KindCombined, "two", ids.NewExecutionID())
	require.NoError(t, err)

	list, err := s.ListWithFilter(ctx, ListFilter{ExecutionID: exec})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id1, list[0].ID)

	n, err := s.DeleteAllForExecution(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetByID(ctx, id1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupSuggestionsRespectsKeepNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.CreateFromString(ctx, KindTemp, "x", ids.NewExecutionID())
		require.NoError(t, err)
	}

	suggestions, err := s.CleanupSuggestions(ctx, 1, -time.Hour)
	require.NoError(t, err)
	assert.Len(t, suggestions, 2)
}
