// Package state locates and creates the per-user directory tree the
// daemon and its sessions live under (spec §2, "Runtime layout").
package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Dir is the fully resolved coop state directory layout rooted at
// $COOP_STATE_DIR or ~/.coop.
type Dir struct {
	Root string
}

// Open resolves root (or ~/.coop when root is empty) and ensures every
// subdirectory the daemon needs exists.
func Open(root string) (*Dir, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".coop")
	}

	d := &Dir{Root: root}
	for _, sub := range []string{"rootfs/base", "oci-cache", "volumes", "sessions"} {
		if err := os.MkdirAll(d.join(sub), 0755); err != nil {
			return nil, fmt.Errorf("create state dir %s: %w", sub, err)
		}
	}
	return d, nil
}

func (d *Dir) join(parts ...string) string {
	return filepath.Join(append([]string{d.Root}, parts...)...)
}

func (d *Dir) SocketPath() string   { return d.join("sock") }
func (d *Dir) PidFilePath() string  { return d.join("daemon.pid") }
func (d *Dir) LockFilePath() string { return d.join("daemon.lock") }
func (d *Dir) LogFilePath() string  { return d.join("daemon.log") }
func (d *Dir) MachineIDPath() string { return d.join("machine_id") }
func (d *Dir) BaseRootfs() string   { return d.join("rootfs", "base") }
func (d *Dir) OCICacheDir() string  { return d.join("oci-cache") }
func (d *Dir) VolumesDir() string   { return d.join("volumes") }
func (d *Dir) VolumeDir(name string) string { return d.join("volumes", name) }
func (d *Dir) SessionsDir() string  { return d.join("sessions") }
func (d *Dir) SessionDir(name string) string { return d.join("sessions", name) }

// MachineID reads the persisted machine identifier, generating and
// persisting a new one on first use. It correlates client and daemon
// logs for a given host without depending on hostname, which sandboxed
// sessions override via UTS namespace isolation.
func (d *Dir) MachineID() (string, error) {
	data, err := os.ReadFile(d.MachineIDPath())
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read machine id: %w", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(d.MachineIDPath(), []byte(id), 0644); err != nil {
		return "", fmt.Errorf("write machine id: %w", err)
	}
	return id, nil
}
