// Package daemon implements the per-workspace daemon socket server: a
// newline-delimited JSON protocol over a Unix domain socket fronting the
// engine, with a single heartbeat-policed attach session.
//
// Grounded on spec.md §4.7/§6 wire protocol; no direct teacher analogue
// exists (kdlbs-kandev has no socket daemon), so the accept loop and
// per-connection goroutine follow the shape of the teacher's HTTP server
// bootstrap in cmd/kandev (mux of handlers, context-driven shutdown)
// adapted to a line-oriented Unix socket protocol.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// Action names accepted in a Request.
const (
	ActionStatus   = "status"
	ActionInfo     = "info"
	ActionAttach   = "attach"
	ActionReattach = "reattach"
	ActionDetach   = "detach"
	ActionStop     = "stop"
	ActionTool     = "tool"
)

// HeartbeatTimeout bounds how long an attach session may go without a
// heartbeat frame from the client before it is declared dead.
const HeartbeatTimeout = 500 * time.Millisecond

// RequestTimeout bounds how long a non-attach request has to deliver its
// newline before the connection is destroyed.
const RequestTimeout = 1000 * time.Millisecond

const socketMode = 0o600

// Request is one line of the wire protocol.
type Request struct {
	Action   string          `json:"action"`
	ToolName string          `json:"tool_name,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Response is one line of the wire protocol.
type Response struct {
	OK            bool            `json:"ok"`
	Error         string          `json:"error,omitempty"`
	Attached      *bool           `json:"attached,omitempty"`
	Detached      *bool           `json:"detached,omitempty"`
	AttachedAt    *time.Time      `json:"attachedAt,omitempty"`
	DetachedAt    *time.Time      `json:"detachedAt,omitempty"`
	PID           int             `json:"pid,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	Branch        string          `json:"branch,omitempty"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	UptimeSeconds float64         `json:"uptimeSeconds,omitempty"`
	SocketPath    string          `json:"socketPath,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// heartbeatFrame is the {"type":"ping"|"pong"} frame exchanged on an
// attach connection.
type heartbeatFrame struct {
	Type string `json:"type"`
}

// ToolDispatcher resolves a tool_name/params pair to a JSON-serializable
// result or an error; the tool package implements this.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, params json.RawMessage) (interface{}, error)
}

// Config configures a Server.
type Config struct {
	SocketPath string
	Cwd        string
	Branch     string
	// Dispatcher handles "tool" actions. May be nil if the daemon is
	// started without tool support.
	Dispatcher ToolDispatcher
	// OnStop is invoked once, synchronously, when a "stop" action is
	// accepted, before the socket is removed. Typically kills supervised
	// children.
	OnStop func(ctx context.Context) error
}

// Server is one workspace daemon's socket server.
type Server struct {
	cfg       Config
	log       *logger.Logger
	startedAt time.Time

	listener net.Listener

	mu         sync.Mutex
	attached   bool
	session    *attachSession
	attachedAt time.Time
	detachedAt time.Time
	childPID   int

	stopOnce sync.Once
	stopped  chan struct{}
}

// attachSession is one attach connection. It has exactly one reader: the
// handleAttach goroutine that created it. Liveness is tracked passively —
// the read loop renews the connection's read deadline on every heartbeat
// frame, and lets it lapse into markDetached when the client goes quiet —
// rather than by any other goroutine reaching in to read or write the
// connection, which would race the owning read loop.
type attachSession struct {
	conn net.Conn
}

// New constructs a Server. Call Start to bind and begin accepting.
func New(cfg Config, log *logger.Logger) *Server {
	return &Server{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "daemon")),
		stopped: make(chan struct{}),
	}
}

// Start creates the socket directory, removes any stale socket file,
// binds, chmods to 0600, and begins accepting connections in a background
// goroutine. It returns once listening.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("daemon: creating socket dir: %w", err)
	}
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		_ = os.Remove(s.cfg.SocketPath)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("daemon: chmod socket: %w", err)
	}

	s.listener = ln
	s.startedAt = time.Now()
	s.log.Info("daemon listening", zap.String("socket", s.cfg.SocketPath))

	go s.acceptLoop(ctx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(RequestTimeout))
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid_request"})
		return
	}

	switch req.Action {
	case ActionStatus:
		s.writeResponse(conn, s.statusResponse(ctx, false))
	case ActionInfo:
		s.writeResponse(conn, s.statusResponse(ctx, true))
	case ActionAttach, ActionReattach:
		s.handleAttach(ctx, conn)
	case ActionDetach:
		s.handleDetach(conn)
	case ActionStop:
		s.handleStop(ctx, conn)
	case ActionTool:
		s.handleTool(ctx, conn, req)
	default:
		s.writeResponse(conn, Response{OK: false, Error: "unsupported_action"})
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(RequestTimeout))
	_, _ = conn.Write(b)
}

func (s *Server) statusResponse(ctx context.Context, verbose bool) Response {
	s.mu.Lock()
	attached := s.attached
	detached := !s.attached
	var attachedAt, detachedAt *time.Time
	if !s.attachedAt.IsZero() {
		attachedAt = &s.attachedAt
	}
	if !s.detachedAt.IsZero() {
		detachedAt = &s.detachedAt
	}
	pid := s.childPID
	s.mu.Unlock()

	resp := Response{
		OK:         true,
		Attached:   &attached,
		Detached:   &detached,
		AttachedAt: attachedAt,
		DetachedAt: detachedAt,
		PID:        pid,
		Cwd:        s.cfg.Cwd,
		Branch:     s.cfg.Branch,
	}
	if verbose {
		started := s.startedAt
		resp.StartedAt = &started
		resp.UptimeSeconds = time.Since(s.startedAt).Seconds()
		resp.SocketPath = s.cfg.SocketPath
	}
	return resp
}

// checkAttachLiveness reports whether an attach session is currently
// considered live. It never touches the connection itself: the owning
// handleAttach read loop is solely responsible for deciding a session has
// gone stale (via its read deadline) and calling markDetached.
func (s *Server) checkAttachLiveness(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached && s.session != nil
}

func (s *Server) markDetached(session *attachSession) {
	s.mu.Lock()
	if s.session == session {
		s.attached = false
		s.detachedAt = time.Now()
		s.session = nil
	}
	s.mu.Unlock()
	session.conn.Close()
}

func (s *Server) handleAttach(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	alreadyAttached := s.attached
	s.mu.Unlock()

	if alreadyAttached && s.checkAttachLiveness(ctx) {
		s.writeResponse(conn, Response{OK: false, Error: "already_attached"})
		return
	}

	session := &attachSession{conn: conn}
	s.mu.Lock()
	attached := true
	s.attached = true
	s.session = session
	s.attachedAt = time.Now()
	s.mu.Unlock()

	s.writeResponse(conn, Response{OK: true, Attached: &attached})

	// This goroutine is the session's only reader for as long as it is
	// attached. Liveness is passive: the read deadline renews on every
	// heartbeat frame, so a client that stops pinging times out here and
	// the session is marked detached, rather than any other goroutine
	// reaching in to probe the connection.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(HeartbeatTimeout))
		if !scanner.Scan() {
			break
		}
		var hb heartbeatFrame
		if err := json.Unmarshal(scanner.Bytes(), &hb); err != nil {
			continue
		}
		if hb.Type == "ping" {
			pong, _ := json.Marshal(heartbeatFrame{Type: "pong"})
			pong = append(pong, '\n')
			_ = conn.SetWriteDeadline(time.Now().Add(HeartbeatTimeout))
			_, _ = conn.Write(pong)
		}
	}
	s.markDetached(session)
}

func (s *Server) handleDetach(conn net.Conn) {
	s.mu.Lock()
	wasAttached := s.attached
	session := s.session
	s.attached = false
	s.detachedAt = time.Now()
	s.session = nil
	s.mu.Unlock()
	if wasAttached && session != nil && session.conn != conn {
		session.conn.Close()
	}
	s.writeResponse(conn, Response{OK: true})
}

func (s *Server) handleStop(ctx context.Context, conn net.Conn) {
	s.writeResponse(conn, Response{OK: true})
	if s.cfg.OnStop != nil {
		if err := s.cfg.OnStop(ctx); err != nil {
			s.log.Warn("stop hook failed", zap.Error(err))
		}
	}
	s.Shutdown()
}

func (s *Server) handleTool(ctx context.Context, conn net.Conn, req Request) {
	if s.cfg.Dispatcher == nil {
		s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("unsupported_tool:%s", req.ToolName)})
		return
	}
	result, err := s.cfg.Dispatcher.Dispatch(ctx, req.ToolName, req.Params)
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		s.writeResponse(conn, Response{OK: false, Error: err.Error()})
		return
	}
	s.writeResponse(conn, Response{OK: true, Result: raw})
}

// SetChildPID records the PID of a spawned helper process for status/info.
func (s *Server) SetChildPID(pid int) {
	s.mu.Lock()
	s.childPID = pid
	s.mu.Unlock()
}

// Shutdown closes the listener and removes the socket file. Safe to call
// more than once and from a signal handler.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			s.listener.Close()
		}
		_ = os.Remove(s.cfg.SocketPath)
		if dir := filepath.Dir(s.cfg.SocketPath); dir != "" {
			_ = os.Remove(dir) // best-effort, only succeeds if empty
		}
		s.log.Info("daemon stopped")
	})
}
