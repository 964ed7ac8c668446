// Package api declares JSON request/response shapes for the daemon socket
// protocol, the tool dispatcher, and the workspace locator, for external
// client bindings. It has no logic, and the broker's own packages do not
// import it: the daemon and tool packages declare their own request types,
// and engine.Record and store.ReadResult carry no JSON tags, so the broker
// encodes them with their Go field names rather than the snake_case names
// of ExecutionRecord and ReadOutputResponse below.
package api

import "time"

// ExecuteRequest mirrors spec.md §6's execute request schema.
type ExecuteRequest struct {
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

// ExecutionRecord has the fields of the engine's Record, under snake_case
// JSON names.
type ExecutionRecord struct {
	ExecutionID      string     `json:"execution_id"`
	Command          string     `json:"command"`
	WorkingDirectory string     `json:"working_directory"`
	Mode             string     `json:"mode"`
	Status           string     `json:"status"`
	PID              int        `json:"pid,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        time.Time  `json:"started_at,omitempty"`
	CompletedAt      time.Time  `json:"completed_at,omitempty"`
	Stdout           string     `json:"stdout,omitempty"`
	Stderr           string     `json:"stderr,omitempty"`
	OutputID         string     `json:"output_id,omitempty"`
	OutputStatus     OutputStatus `json:"output_status"`
	TransitionReason string     `json:"transition_reason,omitempty"`
}

// OutputStatus has the fields of engine.OutputStatus, under snake_case
// JSON names.
type OutputStatus struct {
	Reason   string `json:"reason"`
	Complete bool   `json:"complete"`
}

// ReadOutputRequest selects a byte range of a persisted artifact.
type ReadOutputRequest struct {
	OutputID string `json:"output_id"`
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
}

// ReadOutputResponse has the fields of store.ReadResult, under snake_case
// JSON names.
type ReadOutputResponse struct {
	Content     []byte `json:"content"`
	TotalSize   int64  `json:"total_size"`
	IsTruncated bool   `json:"is_truncated"`
}

// DaemonRequest is one line of the daemon's newline-delimited JSON
// protocol, as described in spec.md §6.
type DaemonRequest struct {
	Action   string          `json:"action"`
	ToolName string          `json:"tool_name,omitempty"`
	Params   interface{}     `json:"params,omitempty"`
}

// DaemonResponse is one line of the daemon's response protocol.
type DaemonResponse struct {
	OK            bool        `json:"ok"`
	Error         string      `json:"error,omitempty"`
	Attached      *bool       `json:"attached,omitempty"`
	Detached      *bool       `json:"detached,omitempty"`
	AttachedAt    *time.Time  `json:"attachedAt,omitempty"`
	DetachedAt    *time.Time  `json:"detachedAt,omitempty"`
	PID           int         `json:"pid,omitempty"`
	Cwd           string      `json:"cwd,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	UptimeSeconds float64     `json:"uptimeSeconds,omitempty"`
	SocketPath    string      `json:"socketPath,omitempty"`
	Result        interface{} `json:"result,omitempty"`
}

// AttachableServer is one entry reported by the workspace locator's
// listAttachable.
type AttachableServer struct {
	ServerID   string `json:"serverID"`
	SocketPath string `json:"socketPath"`
	Attachable bool   `json:"attachable"`
	Reason     string `json:"reason,omitempty"`
}
