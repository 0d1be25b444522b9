// Command coopd is the coop daemon: it owns the Session Registry and
// every sandboxed agent process, accepting client connections on a
// per-user Unix socket (spec §2, §4.5).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coop-sh/coop/internal/config"
	"github.com/coop-sh/coop/internal/daemon"
	"github.com/coop-sh/coop/internal/discovery"
	"github.com/coop-sh/coop/internal/sandbox"
	"github.com/coop-sh/coop/internal/state"
)

func main() {
	// This binary re-execs itself to construct and re-enter sandboxes
	// (spec §4.1/§4.2); those re-execs must be recognized and dispatched
	// before any normal daemon startup runs, including flag parsing.
	if sandbox.IsChild() {
		if err := sandbox.RunChild(); err != nil {
			os.Stderr.WriteString("coopd: sandbox child failed: " + err.Error() + "\n")
			os.Exit(1)
		}
		return
	}
	if sandbox.IsEnter() {
		if err := sandbox.RunEnter(); err != nil {
			os.Stderr.WriteString("coopd: sandbox entrant failed: " + err.Error() + "\n")
			os.Exit(1)
		}
		return
	}

	stateDir := flag.String("state-dir", "", "coop state directory (default ~/.coop)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	st, err := state.Open(*stateDir)
	if err != nil {
		logger.Error("open state dir", "error", err)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.StateDir = st.Root

	srv := daemon.New(cfg, st, logger)

	if err := recoverOrphans(srv, logger); err != nil {
		logger.Warn("orphan session recovery failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("signal received, shutting down")
		srv.Shutdown()
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

func recoverOrphans(srv *daemon.Server, logger *slog.Logger) error {
	orphans, err := discovery.Scan(os.Getuid())
	if err != nil {
		return err
	}
	for _, o := range orphans {
		handles, err := discovery.OpenHandles(o.PID)
		if err != nil {
			logger.Warn("orphan session has no reachable namespaces, skipping", "session", o.Name, "pid", o.PID, "error", err)
			continue
		}
		logger.Info("found orphaned session", "session", o.Name, "pid", o.PID)
		_ = handles
		// Orphans are only logged: they are not inserted into the
		// Registry, so they don't appear in `ls` and can't be attached,
		// restarted or killed through this daemon, even though the
		// sandbox keeps running. No config snapshot is persisted
		// alongside the session directory from which PTY 0 could be
		// rebuilt.
	}
	return nil
}
