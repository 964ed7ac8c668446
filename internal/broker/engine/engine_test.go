package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/filesub"
	"github.com/mako10k/shell-server-sub000/internal/broker/pubsub"
	"github.com/mako10k/shell-server-sub000/internal/broker/ring"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/broker/supervisor"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	engine  *Engine
	file    *filesub.Subscriber
	ring    *ring.Subscriber
	sup     *supervisor.Registry
}

func newHarness(t *testing.T, maxConcurrent int) *testHarness {
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

	sup := supervisor.New(maxConcurrent, log)

	eng := New(Config{
		MaxConcurrentProcesses:  maxConcurrent,
		DefaultWorkingDirectory: t.TempDir(),
	}, log, Deps{
		Publisher:            pub,
		Store:                st,
		Registry:             sup,
		Ring:                 ringSub,
		OutputIDByExec:       fileSub.OutputIDFor,
		PersistPartialOutput: fileSub.PersistPartial,
	})

	return &testHarness{engine: eng, file: fileSub, ring: ringSub, sup: sup}
}

func (h *testHarness) execute(t *testing.T, opts Options) Record {
	t.Helper()
	rec, err := h.engine.Execute(context.Background(), opts)
	require.NoError(t, err)
	return rec
}

func TestExecuteForegroundCompletes(t *testing.T) {
	h := newHarness(t, 10)
	rec := h.execute(t, Options{
		Command:                "echo hello",
		Mode:                   ModeForeground,
		TimeoutSeconds:         5,
		MaxOutputSize:          1024,
		CaptureStderr:          true,
		ReturnPartialOnTimeout: true,
	})

	require.Equal(t, supervisor.StatusCompleted, rec.Status)
	require.NotNil(t, rec.ExitCode)
	require.Equal(t, 0, *rec.ExitCode)
	require.Equal(t, "hello\n", rec.Stdout)
	require.True(t, rec.OutputStatus.Complete)
}

func TestExecuteSizeLimitTruncates(t *testing.T) {
	h := newHarness(t, 10)
	rec := h.execute(t, Options{
		Command:        "yes x | head -c 2048",
		Mode:           ModeForeground,
		TimeoutSeconds: 5,
		MaxOutputSize:  1024,
		CaptureStderr:  true,
	})

	require.Equal(t, supervisor.StatusCompleted, rec.Status)
	require.Equal(t, ReasonSizeLimit, rec.OutputStatus.Reason)
	require.Len(t, rec.Stdout, 1024)
}

func TestExecuteForegroundTimeout(t *testing.T) {
	h := newHarness(t, 10)
	rec := h.execute(t, Options{
		Command:                "sleep 5",
		Mode:                   ModeForeground,
		TimeoutSeconds:         1,
		MaxOutputSize:          1024,
		ReturnPartialOnTimeout: true,
	})

	require.Equal(t, supervisor.StatusTimeout, rec.Status)
	require.Equal(t, ReasonTimeout, rec.OutputStatus.Reason)
}

func TestAdmissionRejectsOverCap(t *testing.T) {
	h := newHarness(t, 1)

	go func() {
		_, _ = h.engine.Execute(context.Background(), Options{
			Command:        "sleep 2",
			Mode:           ModeBackground,
			TimeoutSeconds: 10,
			MaxOutputSize:  1024,
		})
	}()
	time.Sleep(200 * time.Millisecond)

	_, err := h.engine.Execute(context.Background(), Options{
		Command:        "sleep 2",
		Mode:           ModeBackground,
		TimeoutSeconds: 10,
		MaxOutputSize:  1024,
	})
	require.ErrorIs(t, err, supervisor.ErrResourceLimit)
}

// An adaptive transition must hand back a resolvable OutputID for the
// still-running execution's output so far, with the ring still marked
// active for it, so a pipeline reader (or another Execute's
// input_output_id) can join the live stream instead of waiting on a
// never-yet-written final artifact.
func TestAdaptiveTransitionPersistsOutputAndBindsPipeline(t *testing.T) {
	h := newHarness(t, 10)
	rec := h.execute(t, Options{
		Command:                  "echo start; sleep 2; echo done",
		Mode:                     ModeAdaptive,
		ForegroundTimeoutSeconds: 1,
		TimeoutSeconds:           5,
		MaxOutputSize:            1024,
	})

	require.Equal(t, supervisor.StatusRunning, rec.Status)
	require.Equal(t, TransitionForegroundTimeout, rec.TransitionReason)
	require.NotEmpty(t, rec.OutputID)

	state, ok := h.ring.GetStreamState(rec.ExecutionID)
	require.True(t, ok)
	require.True(t, state.IsActive)

	res, err := h.engine.store.ReadByOffset(context.Background(), rec.OutputID, 0, 1024)
	require.NoError(t, err)
	require.Contains(t, string(res.Content), "start")

	// Let the background continuation finish before the harness tears down
	// its store and supervisor.
	time.Sleep(3 * time.Second)
}

// A background execution's child must not die when the request ctx that
// started it is cancelled, since over the MCP transport that ctx is
// cancelled the moment the tool call returns status=running.
func TestBackgroundSurvivesRequestContextCancellation(t *testing.T) {
	h := newHarness(t, 10)
	reqCtx, cancel := context.WithCancel(context.Background())

	rec, err := h.engine.Execute(reqCtx, Options{
		Command:        "sleep 1 && echo survived",
		Mode:           ModeBackground,
		TimeoutSeconds: 5,
		MaxOutputSize:  1024,
	})
	require.NoError(t, err)
	require.Equal(t, supervisor.StatusRunning, rec.Status)

	cancel()

	require.Eventually(t, func() bool {
		got, ok := h.engine.Get(rec.ExecutionID)
		return ok && got.Status == supervisor.StatusCompleted
	}, 3*time.Second, 50*time.Millisecond)

	got, ok := h.engine.Get(rec.ExecutionID)
	require.True(t, ok)
	require.Equal(t, "survived\n", got.Stdout)
}

// Detached executions are true orphans: stdin is never wired up even when
// the caller supplies input_data.
func TestDetachedIgnoresInputData(t *testing.T) {
	h := newHarness(t, 10)
	ignored := t.TempDir() + "/ignored"
	rec := h.execute(t, Options{
		Command:       "cat > " + ignored + "; sleep 1",
		Mode:          ModeDetached,
		InputData:     "should never be read",
		MaxOutputSize: 1024,
	})

	require.Equal(t, supervisor.StatusRunning, rec.Status)
	time.Sleep(2 * time.Second)

	got, err := os.ReadFile(ignored)
	require.NoError(t, err)
	require.Empty(t, got)
}
