package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// EnsureRunning is called by the CLI client before any command that
// needs the daemon. If the socket is already accepting connections it
// returns immediately; otherwise it races other concurrent clients for
// an advisory flock on the daemon's lock file and, having won it,
// starts the coopd binary that sits next to the running executable as a
// detached process in its own session, so the winning client's exit
// doesn't take the daemon down with it.
func EnsureRunning(socketPath, lockPath string, spawnArgs []string) error {
	if probe(socketPath) {
		return nil
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open daemon lock: %w", err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	// Re-check after acquiring the lock: another client may have spawned
	// the daemon while we were waiting.
	if probe(socketPath) {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self path: %w", err)
	}

	cmd := exec.Command(filepath.Join(filepath.Dir(self), "coopd"), spawnArgs...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	// Release the child immediately: we don't want to be its parent for
	// the rest of our process lifetime, and since it runs in its own
	// session (Setsid, above) init (or the nearest subreaper) adopts it
	// once we exit.
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("release daemon process: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if probe(socketPath) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become ready within 5s")
}

func probe(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
