package workspace

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var errStatusUnavailable = errors.New("status unavailable")

func TestWorkspaceHashStable(t *testing.T) {
	dir := t.TempDir()
	h1, err := WorkspaceHash(dir)
	require.NoError(t, err)
	h2, err := WorkspaceHash(dir)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestWorkspaceHashDiffersByPath(t *testing.T) {
	a, err := WorkspaceHash(t.TempDir())
	require.NoError(t, err)
	b, err := WorkspaceHash(t.TempDir())
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestSocketPathDefaultsBranch(t *testing.T) {
	dir := t.TempDir()
	p, err := SocketPath("/run/shellbroker", dir, "")
	require.NoError(t, err)
	hash, err := WorkspaceHash(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/run/shellbroker", hash, DefaultBranch, "daemon.sock"), p)
}

func TestSocketPathUsesBranch(t *testing.T) {
	dir := t.TempDir()
	p, err := SocketPath("/run/shellbroker", dir, "feature-x")
	require.NoError(t, err)
	require.Contains(t, p, filepath.Join("feature-x", "daemon.sock"))
}

func TestListAttachableNoRuntimeDir(t *testing.T) {
	runtimeRoot := filepath.Join(t.TempDir(), "does-not-exist")
	out, err := ListAttachable(context.Background(), runtimeRoot, t.TempDir(), nil)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestListAttachableFindsLiveSocket(t *testing.T) {
	runtimeRoot := t.TempDir()
	cwd := t.TempDir()

	hash, err := WorkspaceHash(cwd)
	require.NoError(t, err)
	branchDir := filepath.Join(runtimeRoot, hash, "main")
	require.NoError(t, os.MkdirAll(branchDir, 0o700))

	sockPath := filepath.Join(branchDir, "daemon.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	out, err := ListAttachable(context.Background(), runtimeRoot, cwd, func(ctx context.Context, socketPath string) (string, error) {
		require.Equal(t, sockPath, socketPath)
		return "idle", nil
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.True(t, out[0].Attachable)
	require.Equal(t, "idle", out[0].Reason)
	require.Equal(t, hash+"/main", out[0].ServerID)
}

func TestListAttachableRemovesStaleSocket(t *testing.T) {
	runtimeRoot := t.TempDir()
	cwd := t.TempDir()

	hash, err := WorkspaceHash(cwd)
	require.NoError(t, err)
	branchDir := filepath.Join(runtimeRoot, hash, "main")
	require.NoError(t, os.MkdirAll(branchDir, 0o700))

	sockPath := filepath.Join(branchDir, "daemon.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close() // closing without unlinking leaves a stale socket file behind

	out, err := ListAttachable(context.Background(), runtimeRoot, cwd, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	_, statErr := os.Stat(sockPath)
	require.True(t, os.IsNotExist(statErr))
}

func TestListAttachableStatusFnErrorMarksUnattachable(t *testing.T) {
	runtimeRoot := t.TempDir()
	cwd := t.TempDir()

	hash, err := WorkspaceHash(cwd)
	require.NoError(t, err)
	branchDir := filepath.Join(runtimeRoot, hash, "main")
	require.NoError(t, os.MkdirAll(branchDir, 0o700))

	sockPath := filepath.Join(branchDir, "daemon.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	out, err := ListAttachable(context.Background(), runtimeRoot, cwd, func(ctx context.Context, socketPath string) (string, error) {
		return "", errStatusUnavailable
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.False(t, out[0].Attachable)
	require.Equal(t, errStatusUnavailable.Error(), out[0].Reason)
}
