package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mako10k/shell-server-sub000/internal/broker/engine"
	"github.com/mako10k/shell-server-sub000/internal/broker/filesub"
	"github.com/mako10k/shell-server-sub000/internal/broker/pubsub"
	"github.com/mako10k/shell-server-sub000/internal/broker/ring"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/broker/supervisor"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	log := logger.Default()

	st, err := store.Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pub := pubsub.NewPublisher(log)
	fileSub := filesub.New(st, log)
	ringSub := ring.New(4096, 1000, 60)
	pub.RegisterGlobal("filesub", fileSub)
	pub.RegisterGlobal("ring", ringSub)

	sup := supervisor.New(10, log)

	eng := engine.New(engine.Config{
		MaxConcurrentProcesses:  10,
		DefaultWorkingDirectory: t.TempDir(),
	}, log, engine.Deps{
		Publisher:            pub,
		Store:                st,
		Registry:             sup,
		Ring:                 ringSub,
		OutputIDByExec:       fileSub.OutputIDFor,
		PersistPartialOutput: fileSub.PersistPartial,
	})

	return New(eng, st, sup, log)
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatchExecuteAndReadOutput(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, string(ToolExecute), mustMarshal(t, ExecuteParams{
		Command:        "echo hello",
		Mode:           string(engine.ModeForeground),
		TimeoutSeconds: 5,
		MaxOutputSize:  1024,
		CaptureStderr:  true,
	}))
	require.NoError(t, err)
	rec, ok := res.(engine.Record)
	require.True(t, ok)
	require.Equal(t, "hello\n", rec.Stdout)
	require.NotEmpty(t, rec.OutputID)

	readRes, err := d.Dispatch(ctx, string(ToolReadOutput), mustMarshal(t, ReadOutputParams{
		OutputID: string(rec.OutputID),
	}))
	require.NoError(t, err)
	rr, ok := readRes.(store.ReadResult)
	require.True(t, ok)
	require.Equal(t, "hello\n", string(rr.Content))
}

func TestDispatchListExecutionsFiltersByStatus(t *testing.T) {
	d := newTestDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, string(ToolExecute), mustMarshal(t, ExecuteParams{
		Command:        "echo one",
		Mode:           string(engine.ModeForeground),
		TimeoutSeconds: 5,
		MaxOutputSize:  1024,
	}))
	require.NoError(t, err)

	res, err := d.Dispatch(ctx, string(ToolListExecutions), mustMarshal(t, ListExecutionsParams{
		Status: string(supervisor.StatusCompleted),
	}))
	require.NoError(t, err)
	recs, ok := res.([]engine.Record)
	require.True(t, ok)
	for _, r := range recs {
		require.Equal(t, supervisor.StatusCompleted, r.Status)
	}

	resAll, err := d.Dispatch(ctx, string(ToolListExecutions), mustMarshal(t, ListExecutionsParams{}))
	require.NoError(t, err)
	all, ok := resAll.([]engine.Record)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(all), len(recs))
}

func TestDispatchKillUnknownExecution(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), string(ToolKill), mustMarshal(t, KillParams{
		ExecutionID: "does-not-exist",
	}))
	require.Error(t, err)
}

func TestDispatchUnsupportedTool(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), "nonexistent", nil)
	require.Error(t, err)
}

func TestDispatchInvalidParams(t *testing.T) {
	d := newTestDispatcher(t)
	_, err := d.Dispatch(context.Background(), string(ToolExecute), json.RawMessage(`not json`))
	require.Error(t, err)
}
