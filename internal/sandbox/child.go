//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/coop-sh/coop/internal/config"
)

// childConfig is the JSON payload Build passes the re-exec'd child
// through EnvChildConfig. It carries everything the child needs to
// finish constructing the sandbox without consulting the parent again.
type childConfig struct {
	SessionName    string
	Lower          string
	Upper          string
	Work           string
	Merged         string
	Workspace      string
	Mounts         []config.Mount
	VolumesDir     string
	AgentCommand   []string
	Env            map[string]string
	TmpfsBytes     int64
	ReadonlyRootfs bool
	NetworkMode    config.NetworkMode
	CreatedAt      string
}

// IsChild reports whether the current process is a sandbox-construction
// re-exec rather than the daemon's normal entrypoint. cmd/coopd checks
// this first, before flag parsing or anything else.
func IsChild() bool {
	return os.Getenv(EnvChildMarker) == "1"
}

// RunChild performs the namespace/mount/pivot_root construction (spec
// §4.1 steps 2-6) and then replaces this process's image with the agent
// command via exec, so the pid the parent is already tracking becomes
// the agent's pid with no extra fork. It never returns on success.
func RunChild() error {
	var cc childConfig
	if err := json.Unmarshal([]byte(os.Getenv(EnvChildConfig)), &cc); err != nil {
		return fmt.Errorf("decode child config: %w", err)
	}

	scmFile := os.NewFile(uintptr(fdSCMSocket), "scm")
	readyW := os.NewFile(uintptr(fdReadyPipeW), "ready")
	releaseR := os.NewFile(uintptr(fdReleasePipeR), "release")
	doneW := os.NewFile(uintptr(fdDonePipeW), "done")

	if _, err := readyW.Write([]byte{1}); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	_ = readyW.Close()

	if err := waitForClose(releaseR); err != nil {
		return fmt.Errorf("wait for uid map: %w", err)
	}

	if err := unix.Sethostname([]byte(cc.SessionName)); err != nil {
		return fmt.Errorf("%w: sethostname: %v", ErrUnshare, err)
	}

	// Open the namespace files for this process before pivot_root so the
	// fds remain valid (referencing the inode, not the path) once the
	// old /proc is unreachable from the new root.
	userNS, err := os.Open("/proc/self/ns/user")
	if err != nil {
		return fmt.Errorf("%w: open user ns: %v", ErrUnshare, err)
	}
	mountNS, err := os.Open("/proc/self/ns/mnt")
	if err != nil {
		return fmt.Errorf("%w: open mnt ns: %v", ErrUnshare, err)
	}
	utsNS, err := os.Open("/proc/self/ns/uts")
	if err != nil {
		return fmt.Errorf("%w: open uts ns: %v", ErrUnshare, err)
	}
	var netNS *os.File
	if cc.NetworkMode != config.NetworkHost {
		netNS, err = os.Open("/proc/self/ns/net")
		if err != nil {
			return fmt.Errorf("%w: open net ns: %v", ErrUnshare, err)
		}
	}

	if err := makePrivate("/"); err != nil {
		return err
	}
	if err := mountOverlay(cc.Lower, cc.Upper, cc.Work, cc.Merged); err != nil {
		return err
	}

	if cc.Workspace != "" {
		if err := bindHostPath(cc.Merged, cc.Workspace, "workspace", false, true); err != nil {
			return err
		}
	}
	for _, m := range cc.Mounts {
		src := m.Source
		if m.Name != "" {
			volumeDir := filepath.Join(cc.VolumesDir, m.Name)
			if err := seedNamedVolume(volumeDir, m.Source); err != nil {
				return fmt.Errorf("%w: seed named volume %s: %v", ErrBind, m.Name, err)
			}
			src = volumeDir
		}
		if err := bindHostPath(cc.Merged, src, m.Target, m.ReadOnly, true); err != nil {
			return err
		}
	}

	if err := mountTmpfs(filepath.Join(cc.Merged, "tmp"), cc.TmpfsBytes); err != nil {
		return err
	}
	if err := mountProc(filepath.Join(cc.Merged, "proc")); err != nil {
		return err
	}
	if err := mountDevpts(filepath.Join(cc.Merged, "dev", "pts")); err != nil {
		return err
	}

	agentHostPath, err := resolveAgentBinary(cc.AgentCommand)
	if err != nil {
		return err
	}
	if agentHostPath != "" {
		if err := bindHostPath(cc.Merged, agentHostPath, agentHostPath, true, false); err != nil {
			return err
		}
	}

	if cc.ReadonlyRootfs {
		if err := bindMount(cc.Merged, cc.Merged, true, true); err != nil {
			return err
		}
	}

	putOld := filepath.Join(cc.Merged, ".old_root")
	if err := mkdirAll(putOld); err != nil {
		return err
	}
	if err := pivotRoot(cc.Merged, putOld); err != nil {
		return err
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir to new root: %v", ErrPivot, err)
	}
	if err := umountDetach("/.old_root"); err != nil {
		return err
	}
	_ = os.RemoveAll("/.old_root")

	root, err := os.Open("/")
	if err != nil {
		return fmt.Errorf("%w: open new root: %v", ErrUnshare, err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("%w: open pty: %v", ErrPtyAlloc, err)
	}

	fdsToSend := []int{int(userNS.Fd()), int(mountNS.Fd()), int(utsNS.Fd())}
	if netNS != nil {
		fdsToSend = append(fdsToSend, int(netNS.Fd()))
	}
	fdsToSend = append(fdsToSend, int(root.Fd()), int(master.Fd()))

	conn, err := net.FileConn(scmFile)
	if err != nil {
		return fmt.Errorf("wrap scm fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("scm fd is not a unix socket")
	}
	if err := sendFds(uc, fdsToSend); err != nil {
		return err
	}
	_ = uc.Close()
	_ = master.Close()

	_ = doneW.Close()

	if _, err := unix.Setsid(); err != nil && err != unix.EPERM {
		return fmt.Errorf("setsid: %w", err)
	}
	if err := unix.IoctlSetInt(int(slave.Fd()), unix.TIOCSCTTY, 0); err != nil {
		return fmt.Errorf("set controlling tty: %w", err)
	}

	if err := unix.Dup2(int(slave.Fd()), 0); err != nil {
		return fmt.Errorf("dup2 stdin: %w", err)
	}
	if err := unix.Dup2(int(slave.Fd()), 1); err != nil {
		return fmt.Errorf("dup2 stdout: %w", err)
	}
	if err := unix.Dup2(int(slave.Fd()), 2); err != nil {
		return fmt.Errorf("dup2 stderr: %w", err)
	}
	_ = slave.Close()

	if err := os.Chdir("/workspace"); err != nil {
		_ = os.Chdir("/")
	}

	argv := cc.AgentCommand
	if len(argv) == 0 {
		return fmt.Errorf("%w: empty agent command", ErrExec)
	}
	bin, err := findInPath(argv[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExec, err)
	}

	env := os.Environ()
	for k, v := range cc.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"HOME=/root",
		"COOP_SESSION="+cc.SessionName,
		"COOP_WORKSPACE=/workspace",
		"COOP_CREATED="+cc.CreatedAt,
	)

	if err := syscall.Exec(bin, argv, env); err != nil {
		return fmt.Errorf("%w: exec agent: %v", ErrExec, err)
	}
	return nil // unreachable
}

// resolveAgentBinary returns argv[0] when it is an absolute path that
// exists on the host, so the caller can bind-mount it into the sandbox
// at the same path. A bare command name is not looked up on the host
// PATH; it returns "" and nothing is mounted.
func resolveAgentBinary(argv []string) (string, error) {
	if len(argv) == 0 {
		return "", nil
	}
	if !filepath.IsAbs(argv[0]) {
		return "", nil
	}
	if _, err := os.Stat(argv[0]); err != nil {
		return "", nil
	}
	return argv[0], nil
}

func findInPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}
	dirs := filepath.SplitList(os.Getenv("PATH"))
	if len(dirs) == 0 {
		dirs = []string{"/usr/local/sbin", "/usr/local/bin", "/usr/sbin", "/usr/bin", "/sbin", "/bin"}
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%q not found in PATH", name)
}
