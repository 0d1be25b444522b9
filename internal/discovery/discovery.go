// Package discovery finds live sessions in /proc after a daemon
// restart. Coop keeps no database (spec §3's Non-goals rule out
// SQLite replay); instead, a session's init process carries its own
// identity in its environment, and Scan finds it by looking in /proc
// for processes owned by the invoking user that carry the coop
// environment contract (spec §4.6). Nothing here inserts what it finds
// into the Session Registry.
package discovery

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/coop-sh/coop/internal/sandbox"
	"github.com/coop-sh/coop/protocol"
)

// Orphan is a session reconstructed from a still-running init process
// whose daemon died or restarted without a graceful shutdown.
type Orphan struct {
	PID       int
	Name      string
	Workspace string
	CreatedAt string
}

// Scan walks /proc looking for processes owned by uid whose environment
// carries the coop session contract (COOP_SESSION, COOP_WORKSPACE,
// COOP_CREATED). Processes that can't be inspected (already exited,
// or belonging to another user despite the /proc/<pid> listing racily
// appearing) are silently skipped.
func Scan(uid int) ([]Orphan, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var orphans []Orphan
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		info, err := os.Stat(filepath.Join("/proc", e.Name()))
		if err != nil {
			continue
		}
		if !ownedBy(info, uid) {
			continue
		}

		env, err := readEnviron(pid)
		if err != nil {
			continue
		}
		name, ok := env[protocol.EnvSession]
		if !ok || name == "" {
			continue
		}

		orphans = append(orphans, Orphan{
			PID:       pid,
			Name:      name,
			Workspace: env[protocol.EnvWorkspace],
			CreatedAt: env[protocol.EnvCreated],
		})
	}
	return orphans, nil
}

func ownedBy(info os.FileInfo, uid int) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return int(st.Uid) == uid
}

func readEnviron(pid int) (map[string]string, error) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "environ"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(f)
	scanner.Split(splitNul)
	for scanner.Scan() {
		kv := scanner.Text()
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env, scanner.Err()
}

// splitNul is a bufio.SplitFunc for /proc/<pid>/environ's NUL-separated
// records, environ has no line terminator so bufio.ScanLines doesn't
// apply.
func splitNul(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// OpenHandles reopens the namespace and root descriptors of a still-
// running orphaned init process, in the same shape sandbox.Build
// returns them. The daemon currently uses it only to check that an
// orphan's namespaces are still reachable.
func OpenHandles(pid int) (*sandbox.Handles, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	open := func(rel string) (*os.File, error) {
		f, err := os.Open(filepath.Join(base, rel))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", rel, err)
		}
		return f, nil
	}

	userNS, err := open("ns/user")
	if err != nil {
		return nil, err
	}
	mountNS, err := open("ns/mnt")
	if err != nil {
		return nil, err
	}
	utsNS, err := open("ns/uts")
	if err != nil {
		return nil, err
	}
	netNS, err := open("ns/net")
	if err != nil {
		netNS = nil
	}
	root, err := open("root")
	if err != nil {
		return nil, err
	}

	return &sandbox.Handles{
		UserNS:  userNS,
		MountNS: mountNS,
		UTSNS:   utsNS,
		NetNS:   netNS,
		Root:    root,
		InitPID: pid,
	}, nil
}
