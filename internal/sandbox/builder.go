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
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/coop-sh/coop/internal/config"
)

const (
	// EnvChildMarker, when set to "1" in a process's environment,
	// identifies it as a sandbox-construction child re-exec of the coop
	// binary (mirrors the teacher's SANDKASTEN_NSINIT re-exec idiom,
	// generalized from a single nsinit step to the full pivot_root dance
	// spec §4.1 describes).
	EnvChildMarker = "COOP_SANDBOX_CHILD"
	// EnvChildConfig carries the JSON-encoded childConfig.
	EnvChildConfig = "COOP_SANDBOX_CONFIG"
)

// fd numbers the child observes for its ExtraFiles, fixed so both sides
// agree without further negotiation. fds 0-2 are stdin/stdout/stderr;
// ExtraFiles start at 3.
const (
	fdSCMSocket    = 3 // SCM_RIGHTS carrier: namespace fds, root fd, pty0 master
	fdReadyPipeW   = 4 // child -> parent: "namespaces exist, map my uid"
	fdReleasePipeR = 5 // parent -> child: closed to release after uid map written
	fdDonePipeW    = 6 // child -> parent: closed when sandbox is fully built
)

// Handles are the pinned, shared-read namespace and root descriptors a
// live session keeps alive for its lifetime (spec §3). The init process
// identifier may outlive the init process itself — these handles are
// what keeps the namespaces alive regardless.
type Handles struct {
	UserNS  *os.File
	MountNS *os.File
	UTSNS   *os.File
	NetNS   *os.File // nil when NetworkMode is host
	Root    *os.File
	InitPID int
}

// Close releases the pinned handles. Call only when a session is being
// destroyed — closing early collapses the namespaces out from under a
// still-live sandbox.
func (h *Handles) Close() {
	for _, f := range []*os.File{h.UserNS, h.MountNS, h.UTSNS, h.NetNS, h.Root} {
		if f != nil {
			_ = f.Close()
		}
	}
}

// Overlay records the overlayfs paths backing a session's rootfs.
type Overlay struct {
	Base, Upper, Work, Merged string
}

// BuildOpts parametrizes Build.
type BuildOpts struct {
	Config      *config.Config
	BaseRootfs  string // shared lower rootfs, e.g. <state>/rootfs/base
	Workspace   string // absolute host path bound at /workspace
	SessionDir  string // <state>/sessions/<name>
	SessionName string
	VolumesDir  string // <state>/volumes, for named mounts
	Logger      *slog.Logger
}

// Result is what Build hands back to the caller on success.
type Result struct {
	Handles *Handles
	Overlay Overlay
	// AgentMaster is PTY 0's master side, already allocated inside the
	// sandbox by the child (spec §4.1 step 6) and passed back via
	// SCM_RIGHTS.
	AgentMaster *os.File
	AgentPID    int
	// Process lets the caller Wait() for the agent's exit, since
	// syscall.Exec inside the child reuses this pid for the agent image.
	Process *os.Process
}

// Build constructs a new isolated rootfs with the agent command as the
// namespace-init process (spec §4.1). On success the caller owns the
// pinned namespace/root handles, the agent's PTY master, and the init
// pid. A failure from starting the sandbox child onward tears down the
// partial state (pipes, merged mount, upper/work directories) before
// returning. Failures before that point (creating the overlay
// directories, the mount containment check, marshalling the child
// config, creating the socketpair and pipes) return at once without
// teardown, and only some of them wrap a sentinel error from
// errors.go.
func Build(opts BuildOpts) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := DetectUnprivilegedUserNamespaces(); err != nil {
		return nil, err
	}

	overlay := Overlay{
		Base:   opts.BaseRootfs,
		Upper:  filepath.Join(opts.SessionDir, "upper"),
		Work:   filepath.Join(opts.SessionDir, "work"),
		Merged: filepath.Join(opts.SessionDir, "merged"),
	}
	for _, d := range []string{overlay.Upper, overlay.Work, overlay.Merged} {
		if err := mkdirAll(d); err != nil {
			return nil, err
		}
	}

	cfg := opts.Config
	if err := checkMountContainment(cfg.Mounts); err != nil {
		return nil, err
	}

	cc := childConfig{
		SessionName:    opts.SessionName,
		Lower:          overlay.Base,
		Upper:          overlay.Upper,
		Work:           overlay.Work,
		Merged:         overlay.Merged,
		Workspace:      opts.Workspace,
		Mounts:         cfg.Mounts,
		VolumesDir:     opts.VolumesDir,
		AgentCommand:   cfg.AgentCommand,
		Env:            cfg.Env,
		TmpfsBytes:     cfg.Defaults.TmpfsBytes,
		ReadonlyRootfs: cfg.Security.ReadonlyRootfs,
		NetworkMode:    cfg.Defaults.NetworkMode,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	ccJSON, err := json.Marshal(cc)
	if err != nil {
		return nil, fmt.Errorf("marshal child config: %w", err)
	}

	scmFds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socketpair: %v", ErrUnshare, err)
	}
	parentSCM := os.NewFile(uintptr(scmFds[0]), "scm-parent")
	childSCM := os.NewFile(uintptr(scmFds[1]), "scm-child")

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ready pipe: %v", ErrUnshare, err)
	}
	releaseR, releaseW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: release pipe: %v", ErrUnshare, err)
	}
	doneR, doneW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: done pipe: %v", ErrUnshare, err)
	}

	selfPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve self path: %v", ErrUnshare, err)
	}

	cmd := exec.Command(selfPath)
	cmd.Env = append(os.Environ(),
		EnvChildMarker+"=1",
		EnvChildConfig+"="+string(ccJSON),
	)
	cmd.ExtraFiles = []*os.File{childSCM, readyW, releaseR, doneW}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, os.Stderr, os.Stderr

	cloneFlags := uintptr(unix.CLONE_NEWUSER | unix.CLONE_NEWNS | unix.CLONE_NEWUTS)
	if cfg.Defaults.NetworkMode != config.NetworkHost {
		cloneFlags |= unix.CLONE_NEWNET
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags,
	}

	cleanup := func() {
		_ = parentSCM.Close()
		_ = readyR.Close()
		_ = releaseW.Close()
		_ = doneR.Close()
		cleanupMounts(overlay.Merged)
		_ = os.RemoveAll(overlay.Upper)
		_ = os.RemoveAll(overlay.Work)
	}

	if err := cmd.Start(); err != nil {
		_ = childSCM.Close()
		_ = readyW.Close()
		_ = releaseR.Close()
		_ = doneW.Close()
		cleanup()
		return nil, fmt.Errorf("%w: start sandbox child: %v", ErrUnshare, err)
	}
	// Parent's copies of the child's ends are no longer needed once the
	// child process holds its own.
	_ = childSCM.Close()
	_ = readyW.Close()
	_ = releaseR.Close()
	_ = doneW.Close()

	childPID := cmd.Process.Pid

	if err := waitForByte(readyR); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, fmt.Errorf("%w: wait for namespace ready: %v", ErrUnshare, err)
	}

	if err := writeIDMap(childPID, os.Getuid(), "uid", "/etc/subuid"); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, err
	}
	if err := denySetgroups(childPID); err != nil {
		logger.Warn("deny setgroups failed, continuing", "error", err)
	}
	if err := writeIDMap(childPID, os.Getgid(), "gid", "/etc/subgid"); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, err
	}

	// Release the child: it was blocked reading releaseR, waiting for
	// EOF once the parent closes its write end.
	_ = releaseW.Close()

	if err := waitForClose(doneR); err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, fmt.Errorf("%w: wait for sandbox ready: %v", ErrExec, err)
	}

	parentConn, err := unixConnFromFile(parentSCM)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, fmt.Errorf("%w: %v", ErrUnshare, err)
	}

	netNSExpected := cfg.Defaults.NetworkMode != config.NetworkHost
	nsCount := 4
	if netNSExpected {
		nsCount = 5
	}
	files, err := recvFds(parentConn, nsCount+1) // +1 for the agent's pty master
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		cleanup()
		return nil, fmt.Errorf("%w: receive namespace handles: %v", ErrUnshare, err)
	}
	_ = parentConn.Close()

	handles := &Handles{InitPID: childPID}
	idx := 0
	handles.UserNS = files[idx]
	idx++
	handles.MountNS = files[idx]
	idx++
	handles.UTSNS = files[idx]
	idx++
	if netNSExpected {
		handles.NetNS = files[idx]
		idx++
	}
	handles.Root = files[idx]
	idx++
	agentMaster := files[idx]

	logger.Debug("sandbox built", "session", opts.SessionName, "init_pid", childPID)

	return &Result{
		Handles:     handles,
		Overlay:     overlay,
		AgentMaster: agentMaster,
		AgentPID:    childPID,
		Process:     cmd.Process,
	}, nil
}

func unixConnFromFile(f *os.File) (*net.UnixConn, error) {
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap scm fd: %w", err)
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("scm fd is not a unix socket")
	}
	return uc, nil
}

func waitForByte(r *os.File) error {
	buf := make([]byte, 1)
	_, err := r.Read(buf)
	return err
}

func waitForClose(r *os.File) error {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
