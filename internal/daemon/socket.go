package daemon

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// bindSocket removes a stale socket file (never following a symlink,
// so a malicious or racy symlink at the socket path can't redirect the
// bind, and never removing one owned by another uid) and listens under
// a umask that forces mode 0600 so only the invoking user's uid can
// connect at all — checkPeerUID is defense in depth on top of that.
func bindSocket(path string) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("refusing to bind socket at %s: path is a symlink", path)
		}
		st, ok := fi.Sys().(*syscall.Stat_t)
		if !ok {
			return nil, fmt.Errorf("refusing to bind socket at %s: cannot verify owner", path)
		}
		if int(st.Uid) != os.Getuid() {
			return nil, fmt.Errorf("refusing to bind socket at %s: owned by uid %d, not %d", path, st.Uid, os.Getuid())
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}

	old := unix.Umask(0177)
	l, err := net.Listen("unix", path)
	unix.Umask(old)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	// Belt and suspenders: the umask should already have forced 0600,
	// but a pre-existing directory ACL or a future refactor dropping the
	// umask bracket shouldn't silently widen the socket's permissions.
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return l, nil
}

// checkPeerUID enforces that the connecting process's effective uid
// matches ours, since the socket lives in a per-user directory but a
// misconfigured shared filesystem (e.g. NFS with lax permissions)
// could otherwise let another uid reach it.
func checkPeerUID(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("get raw conn: %w", err)
	}

	var cred *unix.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return fmt.Errorf("control raw conn: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("getsockopt SO_PEERCRED: %w", sockErr)
	}

	if int(cred.Uid) != os.Getuid() {
		return fmt.Errorf("peer uid %d does not match daemon uid %d", cred.Uid, os.Getuid())
	}
	return nil
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
