package tool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"go.uber.org/zap"
)

// HTTPServer fronts an mcp-go MCPServer with SSE and Streamable HTTP
// transports on one port, mirroring the two-transport split MCP clients
// expect (SSE for Claude Desktop/Cursor, Streamable HTTP for Codex-style
// clients).
//
// Grounded on the teacher's internal/mcpserver.Server.
type HTTPServer struct {
	port                 int
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	log                  *logger.Logger

	mu      sync.Mutex
	running bool
}

// NewHTTPServer wraps mcpServer for HTTP transports on port.
func NewHTTPServer(mcpServer *server.MCPServer, port int, log *logger.Logger) *HTTPServer {
	return &HTTPServer{
		port: port,
		log:  log.WithFields(zap.String("component", "mcp-http")),
		sseServer: server.NewSSEServer(mcpServer),
		streamableHTTPServer: server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
		),
	}
}

// Start listens on s.port and serves both transports until Stop is called.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("mcp http server already running")
	}
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("mcp http: listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{Handler: mux}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		s.log.Info("mcp http server listening", zap.Int("port", s.port))
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("mcp http server error", zap.Error(err))
		}
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	return nil
}

// Stop gracefully shuts both transports down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp http: shutdown: %w", err)
	}
	if err := s.sseServer.Shutdown(ctx); err != nil {
		s.log.Warn("sse shutdown failed", zap.Error(err))
	}
	if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
		s.log.Warn("streamable http shutdown failed", zap.Error(err))
	}
	return nil
}
