// Package engine implements the execution engine: the four execution
// modes, admission control, timers, output capture and truncation
// accounting, and the status machine that produces ExecutionRecords.
//
// Grounded on the teacher's internal/agentctl/server/process.ProcessRunner
// (exec.CommandContext + Setpgid spawn, ring-bounded output, stop-then-
// escalate signal sequence) generalized from a single-session process
// runner into the spec's four-mode admission/timer/truncation machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/pubsub"
	"github.com/mako10k/shell-server-sub000/internal/broker/ring"
	"github.com/mako10k/shell-server-sub000/internal/broker/security"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/broker/supervisor"
	"github.com/mako10k/shell-server-sub000/internal/broker/tracing"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Mode is one of the four execution modes.
type Mode string

const (
	ModeForeground Mode = "foreground"
	ModeAdaptive   Mode = "adaptive"
	ModeBackground Mode = "background"
	ModeDetached   Mode = "detached"
)

// OutputStatusReason explains why a record's output capture ended the way
// it did.
type OutputStatusReason string

const (
	ReasonComplete              OutputStatusReason = "complete"
	ReasonSizeLimit             OutputStatusReason = "size_limit"
	ReasonTimeout               OutputStatusReason = "timeout"
	ReasonBackgroundTransition  OutputStatusReason = "background_transition"
	ReasonNeedsConfirmation     OutputStatusReason = "needs_confirmation"
	ReasonSecurityDenied        OutputStatusReason = "security_denied"
)

// OutputStatus summarizes the state of a record's captured output.
type OutputStatus struct {
	Reason   OutputStatusReason
	Complete bool
}

// TransitionReason explains why an adaptive execution moved to background.
type TransitionReason string

const (
	TransitionForegroundTimeout TransitionReason = "foreground_timeout"
	TransitionOutputSizeLimit   TransitionReason = "output_size_limit"
)

// Options are the accepted options for one Execute call.
type Options struct {
	Command                 string
	Mode                    Mode
	WorkingDirectory        string
	EnvironmentOverrides    map[string]string
	InputData               string
	InputOutputID           ids.OutputID
	TimeoutSeconds          int
	ForegroundTimeoutSeconds int
	MaxOutputSize           int64
	CaptureStderr           bool
	ReturnPartialOnTimeout  bool
	SessionID               string
}

// Record is the engine's ExecutionRecord.
type Record struct {
	ExecutionID      ids.ExecutionID
	Command          string
	WorkingDirectory string
	Mode             Mode
	Status           supervisor.Status
	PID              int
	ExitCode         *int
	CreatedAt        time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	Stdout           string
	Stderr           string
	OutputID         ids.OutputID
	OutputStatus     OutputStatus
	TransitionReason TransitionReason
}

// Callbacks are optional hooks. A finished record fires at most one of
// them, once: OnComplete on a normal exit, OnError when waiting on the child
// fails, OnTimeout when the hard timeout kills it. They fire for foreground
// records as well as background-finishing ones, synchronously on the
// goroutine that finalizes the record (the caller's, for a foreground run).
type Callbacks struct {
	OnComplete func(Record)
	OnError    func(Record, error)
	OnTimeout  func(Record)
}

// Config configures admission policy for the engine.
type Config struct {
	MaxConcurrentProcesses    int
	DefaultWorkingDirectory   string
	AllowedWorkingDirectories []string
}

const (
	killGrace           = 5 * time.Second
	maxSyncInputReadSize = 100 * 1024 * 1024 // 100 MiB
	readChunkSize       = 32 * 1024
)

// Engine is the execution engine: admission, spawn, output capture, mode
// policy, and the status machine.
type Engine struct {
	cfg       Config
	log       *logger.Logger
	publisher *pubsub.Publisher
	store     *store.Store
	sup       *supervisor.Registry
	ring      *ring.Subscriber
	evaluator security.Evaluator
	callbacks Callbacks

	outputIDByExec func(ids.ExecutionID) (ids.OutputID, bool)
	// persistPartialOutput snapshots a still-running execution's buffered
	// output into a resolvable artifact; used at the adaptive transition so
	// the caller gets back an OutputID it can pipe from while the producer
	// keeps running.
	persistPartialOutput func(context.Context, ids.ExecutionID) (ids.OutputID, bool)
	// baseCtx outlives any single Execute call's ctx. background and
	// adaptive-class children are spawned against it rather than the
	// caller's request ctx, so a request returning (or its RPC transport
	// tearing down) doesn't kill a child the mode's own timers are meant to
	// own.
	baseCtx context.Context

	mu      sync.RWMutex
	records map[ids.ExecutionID]*Record
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Publisher *pubsub.Publisher
	Store     *store.Store
	Registry  *supervisor.Registry
	// Ring is consulted when an Execute call's InputOutputID still belongs
	// to a running execution, so stdin can follow the ring instead of
	// reading a not-yet-complete file.
	Ring      *ring.Subscriber
	Evaluator security.Evaluator
	Callbacks Callbacks
	// OutputIDByExec resolves the OutputID a file subscriber bound to an
	// execution once it has finished; used to fill Record.OutputID.
	OutputIDByExec func(ids.ExecutionID) (ids.OutputID, bool)
	// PersistPartialOutput snapshots a running execution's buffered output
	// into an artifact and returns its OutputID; used at the adaptive
	// transition. Typically the same file subscriber backing OutputIDByExec.
	PersistPartialOutput func(context.Context, ids.ExecutionID) (ids.OutputID, bool)
	// BaseContext is the long-lived context background/adaptive children are
	// spawned against. Defaults to context.Background() if nil.
	BaseContext context.Context
}

// New constructs an Engine. A nil Evaluator defaults to security.AllowAll.
func New(cfg Config, log *logger.Logger, deps Deps) *Engine {
	evaluator := deps.Evaluator
	if evaluator == nil {
		evaluator = security.AllowAll{}
	}
	baseCtx := deps.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Engine{
		cfg:                  cfg,
		log:                  log.WithFields(zap.String("component", "engine")),
		publisher:            deps.Publisher,
		store:                deps.Store,
		sup:                  deps.Registry,
		ring:                 deps.Ring,
		evaluator:            evaluator,
		callbacks:            deps.Callbacks,
		outputIDByExec:       deps.OutputIDByExec,
		persistPartialOutput: deps.PersistPartialOutput,
		baseCtx:              baseCtx,
		records:              make(map[ids.ExecutionID]*Record),
	}
}

// ErrDisallowedWorkingDirectory is returned when the resolved working
// directory is outside the configured allow-list.
var ErrDisallowedWorkingDirectory = errors.New("admission: working directory not allowed")

// ErrMutuallyExclusiveInput is returned when both InputData and
// InputOutputID are set.
var ErrMutuallyExclusiveInput = errors.New("admission: input_data and input_output_id are mutually exclusive")

// ErrUnknownMode is a caller error for an unrecognized Mode.
var ErrUnknownMode = errors.New("validation: unknown execution mode")

// Execute admits, spawns, and runs opts.Command per its mode, returning
// the resulting record (which may still be running, for background-class
// modes).
func (e *Engine) Execute(ctx context.Context, opts Options) (Record, error) {
	ctx, span := tracing.Tracer().Start(ctx, "engine.Execute",
		trace.WithAttributes(attribute.String("shellbroker.mode", string(opts.Mode))))
	defer span.End()

	rec, err := e.execute(ctx, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("shellbroker.execution_id", string(rec.ExecutionID)),
			attribute.String("shellbroker.status", string(rec.Status)),
		)
	}
	return rec, err
}

func (e *Engine) execute(ctx context.Context, opts Options) (Record, error) {
	if opts.InputData != "" && opts.InputOutputID != "" {
		return Record{}, ErrMutuallyExclusiveInput
	}
	switch opts.Mode {
	case ModeForeground, ModeAdaptive, ModeBackground, ModeDetached:
	default:
		return Record{}, ErrUnknownMode
	}

	workDir, err := e.resolveWorkingDirectory(opts.WorkingDirectory)
	if err != nil {
		return Record{}, err
	}

	execID := ids.NewExecutionID()

	decision, err := e.evaluator.Evaluate(ctx, security.EvaluateRequest{
		Command:          opts.Command,
		WorkingDirectory: workDir,
		SessionID:        opts.SessionID,
	})
	if err != nil {
		return Record{}, fmt.Errorf("security evaluation: %w", err)
	}
	switch decision {
	case security.DecisionDeny:
		return Record{}, fmt.Errorf("security: command denied")
	case security.DecisionAIAssistantConfirm:
		rec := &Record{
			ExecutionID:      execID,
			Command:          opts.Command,
			WorkingDirectory: workDir,
			Mode:             opts.Mode,
			Status:           supervisor.StatusFailed,
			CreatedAt:        time.Now(),
			OutputStatus:     OutputStatus{Reason: ReasonNeedsConfirmation, Complete: false},
		}
		return *rec, nil
	}

	if err := e.sup.Admit(execID, opts.Command, workDir); err != nil {
		return Record{}, err
	}

	rec := &Record{
		ExecutionID:      execID,
		Command:          opts.Command,
		WorkingDirectory: workDir,
		Mode:             opts.Mode,
		Status:           supervisor.StatusRunning,
		CreatedAt:        time.Now(),
	}
	e.mu.Lock()
	e.records[execID] = rec
	e.mu.Unlock()

	env, err := e.resolveEnv(opts.EnvironmentOverrides)
	if err != nil {
		e.sup.MarkFailed(execID)
		rec.Status = supervisor.StatusFailed
		return *rec, err
	}

	// background and adaptive children must outlive the request that spawned
	// them; only their own mode timer (TimeoutSeconds, or the foreground/
	// overflow grace kill) may terminate them, not the caller's ctx going
	// away. Foreground stays bound to the request ctx, since its caller is
	// synchronously waiting for it anyway. Detached gets no ctx and no
	// process group at all: it's a new session, spawned and forgotten.
	var cmd *exec.Cmd
	switch opts.Mode {
	case ModeDetached:
		cmd = exec.Command("/bin/bash", "-c", opts.Command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	case ModeAdaptive, ModeBackground:
		cmd = exec.CommandContext(e.baseCtx, "/bin/bash", "-c", opts.Command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	default:
		cmd = exec.CommandContext(ctx, "/bin/bash", "-c", opts.Command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	cmd.Dir = workDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.sup.MarkFailed(execID)
		rec.Status = supervisor.StatusFailed
		return *rec, fmt.Errorf("execution: stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if opts.CaptureStderr {
		stderr, err = cmd.StderrPipe()
		if err != nil {
			e.sup.MarkFailed(execID)
			rec.Status = supervisor.StatusFailed
			return *rec, fmt.Errorf("execution: stderr pipe: %w", err)
		}
	}

	// detached executions are true orphans: no stdin of any kind, so closing
	// the parent's end can never observably affect them.
	if opts.Mode != ModeDetached {
		if stdinSrc, err := e.resolveStdin(ctx, opts); err != nil {
			e.sup.MarkFailed(execID)
			rec.Status = supervisor.StatusFailed
			return *rec, err
		} else if stdinSrc != nil {
			cmd.Stdin = stdinSrc
		}
	}

	if err := cmd.Start(); err != nil {
		e.sup.MarkFailed(execID)
		rec.Status = supervisor.StatusFailed
		return *rec, fmt.Errorf("execution: spawn failed: %w", err)
	}
	e.sup.BindChild(execID, cmd)
	rec.PID = cmd.Process.Pid
	rec.StartedAt = time.Now()

	e.publisher.PublishStart(execID, opts.Command)

	run := &runState{
		engine:  e,
		rec:     rec,
		cmd:     cmd,
		opts:    opts,
		maxSize: opts.MaxOutputSize,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go run.readStream(&wg, stdout, false)
	if stderr != nil {
		wg.Add(1)
		go run.readStream(&wg, stderr, true)
	}

	switch opts.Mode {
	case ModeForeground:
		return e.runForeground(ctx, run, &wg)
	case ModeAdaptive:
		return e.runAdaptive(ctx, run, &wg)
	case ModeBackground:
		go e.finishInBackground(run, &wg, time.Duration(opts.TimeoutSeconds)*time.Second)
		return *rec, nil
	case ModeDetached:
		go e.finishInBackground(run, &wg, 0)
		return *rec, nil
	}
	return *rec, ErrUnknownMode
}

// Get returns a snapshot of the record for execID.
func (e *Engine) Get(execID ids.ExecutionID) (Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[execID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns a snapshot of every tracked record.
func (e *Engine) List() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, *rec)
	}
	return out
}

func (e *Engine) resolveWorkingDirectory(requested string) (string, error) {
	dir := requested
	if dir == "" {
		dir = e.cfg.DefaultWorkingDirectory
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("admission: resolving working directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}
	if len(e.cfg.AllowedWorkingDirectories) == 0 {
		return resolved, nil
	}
	for _, allowed := range e.cfg.AllowedWorkingDirectories {
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if resolved == allowedAbs || strings.HasPrefix(resolved, allowedAbs+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", ErrDisallowedWorkingDirectory
}

func (e *Engine) resolveEnv(overrides map[string]string) ([]string, error) {
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env, nil
}

// resolveStdin implements admission step 3: input_data is used verbatim;
// input_output_id is read synchronously up to maxSyncInputReadSize unless
// its producing execution is still active in the ring, in which case a
// PipelineReader follows the live stream instead of reading a partial file.
func (e *Engine) resolveStdin(ctx context.Context, opts Options) (io.Reader, error) {
	if opts.InputData != "" {
		return strings.NewReader(opts.InputData), nil
	}
	if opts.InputOutputID == "" {
		return nil, nil
	}

	if e.ring != nil {
		art, err := e.store.GetByID(ctx, opts.InputOutputID)
		if err == nil {
			if state, ok := e.ring.GetStreamState(art.ExecutionID); ok && state.IsActive {
				reader := ring.NewPipelineReader(e.store, e.ring, opts.InputOutputID, art.ExecutionID)
				return &pipelineReader{ctx: ctx, reader: reader}, nil
			}
		}
	}

	res, err := e.store.ReadByOffset(ctx, opts.InputOutputID, 0, maxSyncInputReadSize)
	if err != nil {
		return nil, fmt.Errorf("output: resolving input_output_id: %w", err)
	}
	return strings.NewReader(string(res.Content)), nil
}

// pipelineReader adapts ring.PipelineReader's chunked Next() into io.Reader
// for use as an exec.Cmd's Stdin.
type pipelineReader struct {
	ctx    context.Context
	reader *ring.PipelineReader
	buf    []byte
}

func (p *pipelineReader) Read(dst []byte) (int, error) {
	for len(p.buf) == 0 {
		chunk, done, err := p.reader.Next(p.ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return 0, io.EOF
		}
		p.buf = chunk
	}
	n := copy(dst, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

// runState carries the mutable bookkeeping for one spawned child across
// its reader goroutines and mode handler.
type runState struct {
	engine  *Engine
	rec     *Record
	cmd     *exec.Cmd
	opts    Options

	mu        sync.Mutex
	stdout    strings.Builder
	stderr    strings.Builder
	maxSize   int64
	captured  int64
	truncated bool
}

func (r *runState) readStream(wg *sync.WaitGroup, reader io.ReadCloser, isStderr bool) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			r.engine.publisher.PublishData(r.rec.ExecutionID, chunk, isStderr)
			r.appendCapture(chunk, isStderr)
		}
		if err != nil {
			if err != io.EOF {
				r.engine.publisher.PublishError(r.rec.ExecutionID, err)
			}
			return
		}
	}
}

func (r *runState) appendCapture(chunk []byte, isStderr bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated {
		return
	}
	remaining := r.maxSize - r.captured
	if remaining <= 0 {
		r.truncated = true
		return
	}
	if int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
		r.truncated = true
	}
	if isStderr {
		r.stderr.Write(chunk)
	} else {
		r.stdout.Write(chunk)
	}
	r.captured += int64(len(chunk))
}

func (r *runState) snapshot() (stdout, stderr string, truncated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdout.String(), r.stderr.String(), r.truncated
}

func (e *Engine) runForeground(ctx context.Context, run *runState, wg *sync.WaitGroup) (Record, error) {
	timeout := time.Duration(run.opts.TimeoutSeconds) * time.Second
	waitCh := waitForCmd(run.cmd, wg)

	select {
	case result := <-waitCh:
		return e.finalize(run, result, ReasonComplete, ""), nil
	case <-time.After(timeout):
		e.terminateWithGrace(run.cmd)
		<-waitCh
		reason := ReasonTimeout
		stdout, stderr, _ := run.snapshot()
		run.rec.Stdout, run.rec.Stderr = stdout, stderr
		run.rec.Status = supervisor.StatusTimeout
		run.rec.CompletedAt = time.Now()
		run.rec.OutputStatus = OutputStatus{Reason: reason, Complete: false}
		e.sup.MarkFinished(run.rec.ExecutionID, supervisor.StatusTimeout, -1)
		e.publisher.PublishEnd(run.rec.ExecutionID, -1)
		e.bindOutput(run.rec)
		if e.callbacks.OnTimeout != nil {
			e.callbacks.OnTimeout(*run.rec)
		}
		return *run.rec, nil
	}
}

func (e *Engine) runAdaptive(ctx context.Context, run *runState, wg *sync.WaitGroup) (Record, error) {
	fgTimeout := time.Duration(run.opts.ForegroundTimeoutSeconds) * time.Second
	waitCh := waitForCmd(run.cmd, wg)
	stopOverflow := make(chan struct{})
	defer close(stopOverflow)
	overflowCh := e.watchOverflow(run, stopOverflow)

	select {
	case result := <-waitCh:
		return e.finalize(run, result, ReasonComplete, ""), nil
	case <-time.After(fgTimeout):
		e.transitionToBackground(run, wg, TransitionForegroundTimeout)
		return *run.rec, nil
	case <-overflowCh:
		e.transitionToBackground(run, wg, TransitionOutputSizeLimit)
		return *run.rec, nil
	}
}

// transitionToBackground persists the run's output so far (binding an
// OutputID a pipeline reader can join against while the process keeps
// running), marks the record running-in-background, and continues waiting
// for it off the caller's goroutine.
func (e *Engine) transitionToBackground(run *runState, wg *sync.WaitGroup, reason TransitionReason) {
	run.rec.Status = supervisor.StatusRunning
	run.rec.TransitionReason = reason
	run.rec.OutputStatus = OutputStatus{Reason: ReasonBackgroundTransition, Complete: false}
	stdout, stderr, _ := run.snapshot()
	run.rec.Stdout, run.rec.Stderr = stdout, stderr
	if e.persistPartialOutput != nil {
		if id, ok := e.persistPartialOutput(e.baseCtx, run.rec.ExecutionID); ok {
			run.rec.OutputID = id
		}
	}
	go e.finishInBackground(run, wg, time.Duration(run.opts.TimeoutSeconds)*time.Second)
}

// watchOverflow polls the capture buffer until it first hits its ceiling,
// signalling once on the returned channel. It exits as soon as stop is
// closed, so a run that completes without overflowing doesn't leak the
// polling goroutine.
func (e *Engine) watchOverflow(run *runState, stop <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				run.mu.Lock()
				hit := run.truncated
				run.mu.Unlock()
				if hit {
					ch <- struct{}{}
					return
				}
			}
		}
	}()
	return ch
}

func (e *Engine) finishInBackground(run *runState, wg *sync.WaitGroup, timeout time.Duration) {
	waitCh := waitForCmd(run.cmd, wg)

	if timeout <= 0 {
		result := <-waitCh
		e.finalizeBackground(run, result)
		return
	}

	select {
	case result := <-waitCh:
		e.finalizeBackground(run, result)
	case <-time.After(timeout):
		e.terminateWithGrace(run.cmd)
		result := <-waitCh
		run.rec.Status = supervisor.StatusTimeout
		run.rec.CompletedAt = time.Now()
		stdout, stderr, _ := run.snapshot()
		run.rec.Stdout, run.rec.Stderr = stdout, stderr
		run.rec.OutputStatus = OutputStatus{Reason: ReasonTimeout, Complete: false}
		e.sup.MarkFinished(run.rec.ExecutionID, supervisor.StatusTimeout, exitCodeOf(result))
		e.publisher.PublishEnd(run.rec.ExecutionID, exitCodeOf(result))
		e.bindOutput(run.rec)
		if e.callbacks.OnTimeout != nil {
			e.callbacks.OnTimeout(*run.rec)
		}
	}
}

type cmdResult struct {
	err error
}

func waitForCmd(cmd *exec.Cmd, wg *sync.WaitGroup) <-chan cmdResult {
	ch := make(chan cmdResult, 1)
	go func() {
		wg.Wait() // readers finish before Wait() per exec.Cmd contract
		err := cmd.Wait()
		ch <- cmdResult{err: err}
	}()
	return ch
}

func exitCodeOf(result cmdResult) int {
	if result.err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(result.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func (e *Engine) finalize(run *runState, result cmdResult, reason OutputStatusReason, transition TransitionReason) Record {
	stdout, stderr, truncated := run.snapshot()
	run.rec.Stdout, run.rec.Stderr = stdout, stderr
	run.rec.CompletedAt = time.Now()

	exitCode := exitCodeOf(result)
	run.rec.ExitCode = &exitCode

	status := supervisor.StatusCompleted
	if result.err != nil {
		var exitErr *exec.ExitError
		if !errors.As(result.err, &exitErr) {
			status = supervisor.StatusFailed
		}
	}
	run.rec.Status = status

	if truncated {
		run.rec.OutputStatus = OutputStatus{Reason: ReasonSizeLimit, Complete: false}
	} else {
		run.rec.OutputStatus = OutputStatus{Reason: reason, Complete: true}
	}
	if transition != "" {
		run.rec.TransitionReason = transition
	}

	e.sup.MarkFinished(run.rec.ExecutionID, status, exitCode)
	e.publisher.PublishEnd(run.rec.ExecutionID, exitCode)
	e.bindOutput(run.rec)
	if status == supervisor.StatusFailed {
		if e.callbacks.OnError != nil {
			e.callbacks.OnError(*run.rec, result.err)
		}
	} else if e.callbacks.OnComplete != nil {
		e.callbacks.OnComplete(*run.rec)
	}
	return *run.rec
}

func (e *Engine) finalizeBackground(run *runState, result cmdResult) {
	e.finalize(run, result, ReasonComplete, "")
}

func (e *Engine) bindOutput(rec *Record) {
	if e.outputIDByExec == nil {
		return
	}
	if id, ok := e.outputIDByExec(rec.ExecutionID); ok {
		rec.OutputID = id
	}
}

// terminateWithGrace sends SIGTERM to cmd's process group and escalates to
// SIGKILL after killGrace if it hasn't exited.
func (e *Engine) terminateWithGrace(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		// best-effort: Process.Wait would race the reader's cmd.Wait, so
		// just sleep the grace window and force-kill unconditionally;
		// killing an already-dead process is a harmless ESRCH.
		time.Sleep(killGrace)
		close(done)
	}()
	<-done

	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = cmd.Process.Kill()
	}
}
