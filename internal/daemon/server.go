// Package daemon implements the coop daemon: a per-user Unix socket
// server that owns the Session Registry and dispatches client commands
// (spec §4.5, §6).
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coop-sh/coop/internal/config"
	"github.com/coop-sh/coop/internal/registry"
	"github.com/coop-sh/coop/internal/sandbox"
	"github.com/coop-sh/coop/internal/state"
)

// Server is the daemon's top-level object: one Unix socket listener,
// one Session Registry, one idle-shutdown timer.
type Server struct {
	Config   *config.Config
	State    *state.Dir
	Registry *registry.Registry
	Logger   *slog.Logger

	IdleTimeout time.Duration

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup

	lastActivity atomic.Int64 // unix nanos
}

// New constructs a Server ready for Run.
func New(cfg *config.Config, st *state.Dir, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	idle := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	s := &Server{
		Config:      cfg,
		State:       st,
		Registry:    registry.New(),
		Logger:      logger,
		IdleTimeout: idle,
	}
	s.touch()
	return s
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) idleFor() time.Duration {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last)
}

// Run binds the daemon socket, verifies the host, and serves until ctx
// is cancelled or an idle timeout with zero live sessions elapses
// (spec §4.5, "auto-shutdown").
func (s *Server) Run(ctx context.Context) error {
	if err := sandbox.DetectOverlayFS(); err != nil {
		return fmt.Errorf("overlayfs precheck failed: %w", err)
	}

	listener, err := bindSocket(s.State.SocketPath())
	if err != nil {
		return err
	}
	s.listener = listener
	defer listener.Close()

	if err := writePidFile(s.State.PidFilePath()); err != nil {
		s.Logger.Warn("write pid file failed", "error", err)
	}
	defer os.Remove(s.State.PidFilePath())

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	defer close(s.done)

	go s.idleWatcher(ctx)

	s.Logger.Info("coop daemon listening", "socket", s.State.SocketPath())
	return s.acceptLoop(ctx)
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connections.Wait()
				return nil
			default:
				s.Logger.Error("accept failed", "error", err)
				continue
			}
		}

		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		if err := checkPeerUID(uc); err != nil {
			s.Logger.Warn("rejected connection with mismatched uid", "error", err)
			conn.Close()
			continue
		}

		s.touch()
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConn(uc)
		}()
	}
}

func (s *Server) idleWatcher(ctx context.Context) {
	if s.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Registry.Len() > 0 {
				continue
			}
			if s.idleFor() >= s.IdleTimeout {
				s.Logger.Info("idle timeout reached with no live sessions, shutting down")
				s.Shutdown()
				return
			}
		}
	}
}

// Shutdown begins a graceful stop: new connections stop being
// accepted, attached clients are notified and detached, but sandboxes
// themselves are left running so sessions survive a daemon restart
// (spec §4.5).
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.done != nil {
		<-s.done
	}
}
