package supervisor

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func TestAdmitEnforcesConcurrencyCap(t *testing.T) {
	r := New(1, logger.Default())

	id1 := ids.NewExecutionID()
	require.NoError(t, r.Admit(id1, "echo one", "/tmp"))

	id2 := ids.NewExecutionID()
	require.ErrorIs(t, r.Admit(id2, "echo two", "/tmp"), ErrResourceLimit)

	r.MarkFinished(id1, StatusCompleted, 0)

	require.NoError(t, r.Admit(id2, "echo two", "/tmp"))
}

func TestMarkFailedReleasesSlot(t *testing.T) {
	r := New(1, logger.Default())
	id := ids.NewExecutionID()
	require.NoError(t, r.Admit(id, "echo one", "/tmp"))
	r.MarkFailed(id)

	require.Equal(t, 0, r.RunningCount())

	rec, err := r.Get(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)

	other := ids.NewExecutionID()
	require.NoError(t, r.Admit(other, "echo two", "/tmp"))
}

func TestGetUnknownExecution(t *testing.T) {
	r := New(4, logger.Default())
	_, err := r.Get(ids.NewExecutionID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupSignalsEveryChild(t *testing.T) {
	r := New(4, logger.Default())

	var ids1, ids2 = ids.NewExecutionID(), ids.NewExecutionID()
	for _, id := range []ids.ExecutionID{ids1, ids2} {
		require.NoError(t, r.Admit(id, "sleep 5", "/tmp"))
		cmd := exec.Command("sleep", "5")
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		require.NoError(t, cmd.Start())
		r.BindChild(id, cmd)
		t.Cleanup(func() { _ = cmd.Process.Kill() })
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Cleanup(ctx))
}

// KillProcess's force-wait path must not call cmd.Wait itself: the
// spawning engine's own reader goroutine already owns that call, and
// exec.Cmd panics on a second Wait. This spawns that caller's Wait
// concurrently with KillProcess to prove the two don't collide.
func TestKillProcessForceDoesNotRaceCallersWait(t *testing.T) {
	r := New(4, logger.Default())
	id := ids.NewExecutionID()
	require.NoError(t, r.Admit(id, "sleep 5", "/tmp"))

	cmd := exec.Command("sleep", "5")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	r.BindChild(id, cmd)

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.KillProcess(ctx, cmd.Process.Pid, syscall.SIGTERM, true))

	select {
	case err := <-waitErrCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("cmd.Wait never returned")
	}
}
