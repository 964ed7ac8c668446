// Package tool implements the tool-call surface shared by the daemon's
// "tool" action and an embedded MCP server: execute, read_output,
// list_executions, and kill.
//
// Grounded on SPEC_FULL.md §4.10 and the teacher's internal/agentctl/tool
// dispatch pattern (a name-keyed map of typed handlers behind one narrow
// Dispatch entry point), generalized to serialize params/results through
// encoding/json since both callers (the daemon wire protocol and mcp-go)
// exchange JSON.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/broker/engine"
	"github.com/mako10k/shell-server-sub000/internal/broker/ids"
	"github.com/mako10k/shell-server-sub000/internal/broker/store"
	"github.com/mako10k/shell-server-sub000/internal/broker/supervisor"
	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Name identifies one of the four supported tools.
type Name string

const (
	ToolExecute        Name = "execute"
	ToolReadOutput     Name = "read_output"
	ToolListExecutions Name = "list_executions"
	ToolKill           Name = "kill"
)

// ExecuteParams mirrors engine.Options over the wire.
type ExecuteParams struct {
	Command                  string            `json:"command"`
	Mode                     string            `json:"mode"`
	WorkingDirectory         string            `json:"working_directory,omitempty"`
	EnvironmentOverrides     map[string]string `json:"environment_overrides,omitempty"`
	InputData                string            `json:"input_data,omitempty"`
	InputOutputID            string            `json:"input_output_id,omitempty"`
	TimeoutSeconds           int               `json:"timeout_seconds,omitempty"`
	ForegroundTimeoutSeconds int               `json:"foreground_timeout_seconds,omitempty"`
	MaxOutputSize            int64             `json:"max_output_size,omitempty"`
	CaptureStderr            bool              `json:"capture_stderr,omitempty"`
	ReturnPartialOnTimeout   bool              `json:"return_partial_on_timeout,omitempty"`
	SessionID                string            `json:"session_id,omitempty"`
}

// ReadOutputParams selects a byte range of a persisted artifact.
type ReadOutputParams struct {
	OutputID string `json:"output_id"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
}

// ListExecutionsParams optionally narrows the listing; an empty value
// returns every tracked execution.
type ListExecutionsParams struct {
	Status string `json:"status,omitempty"`
}

// KillParams identifies the execution to terminate.
type KillParams struct {
	ExecutionID string `json:"execution_id"`
	Force       bool   `json:"force,omitempty"`
}

// Dispatcher resolves a tool name and raw JSON params to a result,
// implementing daemon.ToolDispatcher.
type Dispatcher struct {
	log    *logger.Logger
	engine *engine.Engine
	store  *store.Store
	sup    *supervisor.Registry
}

// New constructs a Dispatcher over the broker's core components.
func New(eng *engine.Engine, st *store.Store, sup *supervisor.Registry, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		log:    log.WithFields(zap.String("component", "tool")),
		engine: eng,
		store:  st,
		sup:    sup,
	}
}

// Dispatch routes name to its handler, unmarshalling params into the
// handler's expected shape.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params json.RawMessage) (interface{}, error) {
	switch Name(name) {
	case ToolExecute:
		var p ExecuteParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return d.execute(ctx, p)
	case ToolReadOutput:
		var p ReadOutputParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return d.readOutput(ctx, p)
	case ToolListExecutions:
		var p ListExecutionsParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return d.listExecutions(p)
	case ToolKill:
		var p KillParams
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return d.kill(ctx, p)
	default:
		return nil, fmt.Errorf("unsupported_tool:%s", name)
	}
}

func unmarshalParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, p ExecuteParams) (engine.Record, error) {
	return d.engine.Execute(ctx, engine.Options{
		Command:                  p.Command,
		Mode:                     engine.Mode(p.Mode),
		WorkingDirectory:         p.WorkingDirectory,
		EnvironmentOverrides:     p.EnvironmentOverrides,
		InputData:                p.InputData,
		InputOutputID:            ids.OutputID(p.InputOutputID),
		TimeoutSeconds:           p.TimeoutSeconds,
		ForegroundTimeoutSeconds: p.ForegroundTimeoutSeconds,
		MaxOutputSize:            p.MaxOutputSize,
		CaptureStderr:            p.CaptureStderr,
		ReturnPartialOnTimeout:   p.ReturnPartialOnTimeout,
		SessionID:                p.SessionID,
	})
}

func (d *Dispatcher) readOutput(ctx context.Context, p ReadOutputParams) (store.ReadResult, error) {
	size := p.Size
	if size <= 0 {
		size = 64 * 1024
	}
	return d.store.ReadByOffset(ctx, ids.OutputID(p.OutputID), p.Offset, size)
}

func (d *Dispatcher) listExecutions(p ListExecutionsParams) ([]engine.Record, error) {
	all := d.engine.List()
	if p.Status == "" {
		return all, nil
	}
	out := make([]engine.Record, 0, len(all))
	for _, rec := range all {
		if string(rec.Status) == p.Status {
			out = append(out, rec)
		}
	}
	return out, nil
}

type killResult struct {
	OK bool `json:"ok"`
}

func (d *Dispatcher) kill(ctx context.Context, p KillParams) (killResult, error) {
	rec, err := d.sup.Get(ids.ExecutionID(p.ExecutionID))
	if err != nil {
		return killResult{}, err
	}
	if rec.PID == 0 {
		return killResult{}, fmt.Errorf("execution %s has no running process", p.ExecutionID)
	}
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.sup.KillProcess(killCtx, rec.PID, syscall.SIGTERM, p.Force); err != nil {
		return killResult{}, err
	}
	return killResult{OK: true}, nil
}
