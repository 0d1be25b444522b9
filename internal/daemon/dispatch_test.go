package daemon

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coop-sh/coop/internal/config"
	"github.com/coop-sh/coop/internal/sandbox"
	"github.com/coop-sh/coop/protocol"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, nil, logger)
	return s
}

func TestResolveSessionByName(t *testing.T) {
	s := testServer(t)
	sess, err := s.Registry.Create("foo", "/work/foo", s.Config, nil, sandbox.Overlay{})
	require.NoError(t, err)

	got, ok := s.resolveSession(protocol.Command{Session: "foo"})
	require.True(t, ok)
	require.Same(t, sess, got)
}

func TestResolveSessionByWorkspace(t *testing.T) {
	s := testServer(t)
	sess, err := s.Registry.Create("foo", t.TempDir(), s.Config, nil, sandbox.Overlay{})
	require.NoError(t, err)

	got, ok := s.resolveSession(protocol.Command{Workspace: sess.Workspace})
	require.True(t, ok)
	require.Same(t, sess, got)
}

func TestResolveSessionNotFound(t *testing.T) {
	s := testServer(t)
	_, ok := s.resolveSession(protocol.Command{Session: "nonexistent"})
	require.False(t, ok)
}

func TestDispatchUnknownCommand(t *testing.T) {
	s := testServer(t)
	reply := s.dispatch(protocol.Command{Cmd: "bogus"})
	require.False(t, reply.OK)
	require.Equal(t, protocol.ErrInvalidCommand, reply.Error)
}

func TestDispatchCreateDuplicateSessionName(t *testing.T) {
	s := testServer(t)
	_, err := s.Registry.Create("dup", "/work/dup", s.Config, nil, sandbox.Overlay{})
	require.NoError(t, err)

	reply := s.handleCreate(protocol.Command{Cmd: "create", Name: "dup", Workspace: "/work/dup"})
	require.False(t, reply.OK)
	require.Equal(t, protocol.ErrSessionExists, reply.Error)
}

func TestHandleSessionKillPTYNotFound(t *testing.T) {
	s := testServer(t)
	_, err := s.Registry.Create("foo", "/work/foo", s.Config, nil, sandbox.Overlay{})
	require.NoError(t, err)

	reply := s.handleSessionKill(protocol.Command{Session: "foo", PTY: 7})
	require.False(t, reply.OK)
	require.Equal(t, protocol.ErrPTYNotFound, reply.Error)
}

func TestHandleRestartSessionNotFound(t *testing.T) {
	s := testServer(t)
	reply := s.handleRestart(protocol.Command{Session: "ghost"})
	require.False(t, reply.OK)
	require.Equal(t, protocol.ErrSessionNotFound, reply.Error)
}
