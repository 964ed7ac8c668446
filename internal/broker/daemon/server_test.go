package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/mako10k/shell-server-sub000/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "daemon.sock")
	srv := New(Config{SocketPath: sockPath, Cwd: "/tmp/ws", Branch: "main"}, logger.Default())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Shutdown)
	return srv, sockPath
}

func sendRequest(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestStatusBeforeAttach(t *testing.T) {
	_, sockPath := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	resp := sendRequest(t, conn, Request{Action: ActionStatus})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Detached)
	require.True(t, *resp.Detached)
}

func TestAttachThenSecondAttachRejected(t *testing.T) {
	_, sockPath := newTestServer(t)

	conn1, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn1.Close()

	resp := sendRequest(t, conn1, Request{Action: ActionAttach})
	require.True(t, resp.OK)
	require.NotNil(t, resp.Attached)
	require.True(t, *resp.Attached)

	conn2, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn2.Close()

	resp2 := sendRequest(t, conn2, Request{Action: ActionAttach})
	require.False(t, resp2.OK)
	require.Equal(t, "already_attached", resp2.Error)
}

func TestDetachAllowsReattach(t *testing.T) {
	_, sockPath := newTestServer(t)

	conn1, err := net.Dial("unix", sockPath)
	require.NoError(t, err)

	resp := sendRequest(t, conn1, Request{Action: ActionAttach})
	require.True(t, resp.OK)
	conn1.Close()

	// Give the server goroutine time to notice the closed connection and
	// mark the session detached.
	time.Sleep(100 * time.Millisecond)

	conn2, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn2.Close()

	resp2 := sendRequest(t, conn2, Request{Action: ActionReattach})
	require.True(t, resp2.OK)
	require.NotNil(t, resp2.Attached)
	require.True(t, *resp2.Attached)
}

func TestInvalidRequestYieldsError(t *testing.T) {
	_, sockPath := newTestServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.False(t, resp.OK)
	require.Equal(t, "invalid_request", resp.Error)
}
