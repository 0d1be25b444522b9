//go:build linux

package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	// EnvEnterMarker and EnvEnterConfig parallel EnvChildMarker/
	// EnvChildConfig but for re-entering an already-built sandbox rather
	// than constructing one (spec §4.2, used for `coop shell` and PTY 0
	// restart).
	EnvEnterMarker = "COOP_SANDBOX_ENTER"
	EnvEnterConfig = "COOP_SANDBOX_ENTER_CONFIG"
)

// EnterOpts describes a new process to spawn inside an already-built
// sandbox.
type EnterOpts struct {
	Handles     *Handles
	Command     []string
	Env         map[string]string
	Cwd         string
	Cols, Rows  uint16
	SessionName string
	Logger      *slog.Logger
}

// EnterResult is what Enter hands back on success.
type EnterResult struct {
	Master  *os.File
	PID     int
	Process *os.Process
}

type enterConfig struct {
	Command     []string
	Env         map[string]string
	Cwd         string
	Cols, Rows  uint16
	SessionName string
	HasNet      bool
}

// Enter spawns a new process inside an existing sandbox's namespaces
// via setns, without repeating uid/gid mapping or mount construction
// (spec §4.2). Used both for interactive `coop shell` and for
// restarting PTY 0 after the agent process exits.
func Enter(opts EnterOpts) (*EnterResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cc := enterConfig{
		Command:     opts.Command,
		Env:         opts.Env,
		Cwd:         opts.Cwd,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		SessionName: opts.SessionName,
		HasNet:      opts.Handles.NetNS != nil,
	}
	ccJSON, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("marshal enter config: %w", err)
	}

	scmFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %v", ErrUnshare, err)
	}
	parentSCM := os.NewFile(uintptr(scmFds[0]), "scm-parent")
	childSCM := os.NewFile(uintptr(scmFds[1]), "scm-child")

	doneR, doneW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: done pipe: %v", ErrUnshare, err)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve self path: %v", ErrUnshare, err)
	}

	extraFiles := []*os.File{opts.Handles.UserNS, opts.Handles.MountNS, opts.Handles.UTSNS}
	if opts.Handles.NetNS != nil {
		extraFiles = append(extraFiles, opts.Handles.NetNS)
	}
	extraFiles = append(extraFiles, opts.Handles.Root, childSCM, doneW)

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(), EnvEnterMarker+"=1", EnvEnterConfig+"="+string(ccJSON))
	cmd.ExtraFiles = extraFiles
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = childSCM.Close()
		_ = doneW.Close()
		_ = parentSCM.Close()
		_ = doneR.Close()
		return nil, fmt.Errorf("%w: start entrant: %v", ErrUnshare, err)
	}
	_ = childSCM.Close()
	_ = doneW.Close()

	if err := waitForClose(doneR); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		_ = parentSCM.Close()
		return nil, fmt.Errorf("%w: wait for entrant ready: %v", ErrExec, err)
	}

	parentConn, err := unixConnFromFile(parentSCM)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("%w: %v", ErrUnshare, err)
	}
	files, err := recvFds(parentConn, 1)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, fmt.Errorf("%w: receive pty master: %v", ErrUnshare, err)
	}
	_ = parentConn.Close()

	logger.Debug("entrant spawned", "session", opts.SessionName, "pid", cmd.Process.Pid)

	return &EnterResult{Master: files[0], PID: cmd.Process.Pid, Process: cmd.Process}, nil
}

// IsEnter reports whether this process is a re-exec'd sandbox entrant.
func IsEnter() bool {
	return os.Getenv(EnvEnterMarker) == "1"
}

// isLoginShell reports whether name (by its base, before argv[0] gets
// the "-" prefix) is one of the interactive shells the entrant gives
// rc-file-sourcing login behavior to.
func isLoginShell(name string) bool {
	switch filepath.Base(name) {
	case "bash", "sh", "zsh", "fish":
		return true
	default:
		return false
	}
}

// RunEnter performs the setns/fchdir/chroot sequence and execs the
// requested command. It never returns on success.
//
// setns(CLONE_NEWUSER) requires the calling thread to be the process's
// only thread; this only works reliably because it runs at the very
// start of a freshly exec'd process, before the Go runtime has spun up
// extra OS threads for the scheduler or GC. runtime.LockOSThread and
// GOMAXPROCS(1) narrow the race but don't eliminate it outright — a
// proper fix would do the setns calls in a cgo constructor that runs
// before the Go runtime initializes, the way runc's nsenter does.
func RunEnter() error {
	runtime.GOMAXPROCS(1)
	runtime.LockOSThread()

	var cc enterConfig
	if err := json.Unmarshal([]byte(os.Getenv(EnvEnterConfig)), &cc); err != nil {
		return fmt.Errorf("decode enter config: %w", err)
	}

	idx := 3
	userNS := idx
	idx++
	mntNS := idx
	idx++
	utsNS := idx
	idx++
	var netNS int
	if cc.HasNet {
		netNS = idx
		idx++
	}
	rootFd := idx
	idx++
	scmFd := idx
	idx++
	doneFd := idx

	if err := unix.Setns(userNS, unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("%w: setns user: %v", ErrUnshare, err)
	}
	if err := unix.Setns(mntNS, unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("%w: setns mnt: %v", ErrUnshare, err)
	}
	if err := unix.Setns(utsNS, unix.CLONE_NEWUTS); err != nil {
		return fmt.Errorf("%w: setns uts: %v", ErrUnshare, err)
	}
	if cc.HasNet {
		if err := unix.Setns(netNS, unix.CLONE_NEWNET); err != nil {
			return fmt.Errorf("%w: setns net: %v", ErrUnshare, err)
		}
	}

	if err := unix.Fchdir(rootFd); err != nil {
		return fmt.Errorf("%w: fchdir root: %v", ErrUnshare, err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("%w: chroot: %v", ErrUnshare, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir /: %v", ErrUnshare, err)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return fmt.Errorf("%w: open pty: %v", ErrPtyAlloc, err)
	}
	if cc.Cols > 0 && cc.Rows > 0 {
		_ = pty.Setsize(master, &pty.Winsize{Cols: cc.Cols, Rows: cc.Rows})
	}

	scmFile := os.NewFile(uintptr(scmFd), "scm")
	conn, err := net.FileConn(scmFile)
	if err != nil {
		return fmt.Errorf("wrap scm fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("scm fd is not a unix socket")
	}
	if err := sendFds(uc, []int{int(master.Fd())}); err != nil {
		return err
	}
	_ = uc.Close()
	_ = master.Close()

	doneFile := os.NewFile(uintptr(doneFd), "done")
	_ = doneFile.Close()

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

	cwd := cc.Cwd
	if cwd == "" {
		cwd = "/workspace"
	}
	if err := os.Chdir(cwd); err != nil {
		_ = os.Chdir("/workspace")
	}

	argv := cc.Command
	if len(argv) == 0 {
		argv = []string{"/bin/sh", "-l"}
	}
	bin, err := findInPath(argv[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExec, err)
	}
	// Login-shell invocation (argv[0] starting with '-') gives the shell
	// its rc-file-sourcing behavior, matching an interactive host login.
	// Only applies to bash/sh/zsh/fish invoked with no explicit args —
	// an agent binary re-exec'd on PTY-0 restart, or a shell invoked as
	// `-c <command>`, must keep its argv untouched.
	if len(argv) == 1 && isLoginShell(argv[0]) {
		argv = append([]string{}, argv...)
		argv[0] = "-" + filepath.Base(argv[0])
	}

	env := os.Environ()
	for k, v := range cc.Env {
		env = append(env, k+"="+v)
	}

	if err := syscall.Exec(bin, argv, env); err != nil {
		return fmt.Errorf("%w: exec: %v", ErrExec, err)
	}
	return nil // unreachable
}
