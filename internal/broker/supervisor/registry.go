// Package supervisor implements the supervisor registry: the process-wide
// map of ExecutionIDs to ExecutionRecords and OS child handles, the
// concurrency cap, and graceful/forced process termination.
//
// Grounded on the teacher's internal/agentctl/server/process.ProcessRunner
// (pid map, per-process mutex, stop-then-escalate signal sequence) and
// internal/agentctl/process.Manager's status lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Status mirrors the ExecutionRecord status enum.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Record is the supervisor's view of one execution: enough to answer
// admission, listing, and kill requests without consulting the engine.
type Record struct {
	ExecutionID ids.ExecutionID
	Command     string
	WorkingDir  string
	Status      Status
	PID         int
	ExitCode    *int
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// ErrResourceLimit is returned by Admit when the concurrency cap is
// already reached.
var ErrResourceLimit = errors.New("resource-limit: max concurrent processes reached")

// ErrNotFound is returned when an ExecutionID or PID is unknown.
var ErrNotFound = errors.New("execution not found")

// Registry is the process-wide supervisor: it tracks ExecutionRecords and
// the OS child handles that back them, enforcing the concurrency cap.
//
// Admission is gated by a semaphore.Weighted rather than a hand-rolled
// counter-and-threshold check: TryAcquire already expresses "take a slot
// now or refuse, never block" in one call, and Release pairs with it at
// every exit path below.
type Registry struct {
	log *logger.Logger

	maxConcurrent int
	sem           *semaphore.Weighted

	mu         sync.RWMutex
	executions map[ids.ExecutionID]*Record
	children   map[int]*exec.Cmd
	running    int
}

// New constructs a Registry with the given concurrency cap.
func New(maxConcurrent int, log *logger.Logger) *Registry {
	return &Registry{
		log:           log.WithFields(zap.String("component", "supervisor")),
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		executions:    make(map[ids.ExecutionID]*Record),
		children:      make(map[int]*exec.Cmd),
	}
}

// Admit reserves a running slot for a new execution, refusing if the
// concurrency cap has already been reached. Must be called before the
// child is started.
// Every successful Admit is paired with exactly one releaseSlot call, from
// MarkFailed or MarkFinished.
func (r *Registry) Admit(exec ids.ExecutionID, command, workingDir string) error {
	if !r.sem.TryAcquire(1) {
		return ErrResourceLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running++
	r.executions[exec] = &Record{
		ExecutionID: exec,
		Command:     command,
		WorkingDir:  workingDir,
		Status:      StatusRunning,
		CreatedAt:   time.Now(),
	}
	return nil
}

// releaseSlot returns exec's admission slot to the semaphore. Callers must
// hold r.mu.
func (r *Registry) releaseSlot() {
	r.running--
	r.sem.Release(1)
}

// RunningCount returns the current number of running records.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// BindChild registers the spawned *exec.Cmd for exec, after Admit and
// after cmd.Start() has succeeded.
func (r *Registry) BindChild(execID ids.ExecutionID, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.executions[execID]
	if !ok {
		return
	}
	rec.PID = cmd.Process.Pid
	rec.StartedAt = time.Now()
	r.children[rec.PID] = cmd
}

// MarkFailed records that exec never produced a child (spawn failure) and
// releases its running slot.
func (r *Registry) MarkFailed(execID ids.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.executions[execID]
	if !ok {
		return
	}
	rec.Status = StatusFailed
	rec.CompletedAt = time.Now()
	r.releaseSlot()
}

// MarkFinished records a terminal status and exit code for exec, releasing
// its running slot and the pid→handle mapping.
func (r *Registry) MarkFinished(execID ids.ExecutionID, status Status, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.executions[execID]
	if !ok {
		return
	}
	wasRunning := rec.Status == StatusRunning
	rec.Status = status
	rec.ExitCode = &exitCode
	rec.CompletedAt = time.Now()
	if wasRunning {
		r.releaseSlot()
	}
	if rec.PID != 0 {
		delete(r.children, rec.PID)
	}
}

// Get returns a copy of the record for execID.
func (r *Registry) Get(execID ids.ExecutionID) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.executions[execID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// List returns a snapshot of every tracked record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.executions))
	for _, rec := range r.executions {
		out = append(out, *rec)
	}
	return out
}

const killWaitTimeout = 5 * time.Second

// KillProcess sends signal to pid's process group (falling back to the
// process itself if no group is available); if force is true and signal
// is not already KILL, it escalates to KILL after killWaitTimeout.
func (r *Registry) KillProcess(ctx context.Context, pid int, signal syscall.Signal, force bool) error {
	r.mu.RLock()
	cmd, ok := r.children[pid]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}

	if err := sendSignal(cmd, pid, signal); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}

	if !force || signal == syscall.SIGKILL {
		return nil
	}

	// Poll for exit by probing the pid rather than calling cmd.Wait: Wait
	// may only be called once per exec.Cmd, and the spawning engine's own
	// reader goroutine already owns that call.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(killWaitTimeout)
	for {
		select {
		case <-ticker.C:
			if !processAlive(pid) {
				return nil
			}
		case <-ctx.Done():
			return sendSignal(cmd, pid, syscall.SIGKILL)
		case <-deadline:
			return sendSignal(cmd, pid, syscall.SIGKILL)
		}
	}
}

// processAlive reports whether pid still has a live (or zombie, not yet
// reaped) process entry, via a signal-0 probe.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func sendSignal(cmd *exec.Cmd, pid int, signal syscall.Signal) error {
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, signal)
	}
	if cmd.Process == nil {
		return fmt.Errorf("no process handle for pid %d", pid)
	}
	return cmd.Process.Signal(signal)
}

// Cleanup sends SIGTERM to every live child, then SIGKILL after
// killWaitTimeout to whichever haven't exited. Intended for daemon/engine
// shutdown; children are signalled concurrently so one slow-to-die process
// doesn't delay the others past their own grace period.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.mu.RLock()
	pids := make([]int, 0, len(r.children))
	for pid := range r.children {
		pids = append(pids, pid)
	}
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range pids {
		pid := pid
		g.Go(func() error {
			return r.KillProcess(gctx, pid, syscall.SIGTERM, true)
		})
	}
	return g.Wait()
}
