package ptyengine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"
)

// State is a PTY's position in its lifecycle state machine (spec §4.3).
type State int

const (
	StateRunning State = iota
	StateExited
	StateRestarting
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateRestarting:
		return "restarting"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

var ErrClosed = errors.New("ptyengine: pty closed")

// Process is the subset of *os.Process the engine needs: the PTY
// engine doesn't care about any exec.Cmd plumbing, only that it can
// wait for the process controlling the PTY's slave side to exit.
type Process interface {
	Wait() (*os.ProcessState, error)
	Signal(os.Signal) error
}

// Spawner starts (or restarts) the process behind a PTY and returns
// its master fd and exit-waitable handle. Injected rather than
// imported directly from the sandbox package, so ptyengine has no
// compile-time dependency on namespace/mount internals — registry (or
// the daemon layer) closes over sandbox.Enter to build one.
type Spawner func() (master *os.File, proc Process, err error)

// Options configures a new PTY.
type Options struct {
	ID             int
	Master         *os.File
	Process        Process
	Spawn          Spawner // nil disables restart (e.g. PTY 0 once AutoRestart is false)
	AutoRestart    bool
	RestartDelay   time.Duration
	ScrollbackCap  int
	Logger         *slog.Logger
	OnExit         func(id int, err error)
	OnRestarting   func(id int)
}

// PTY owns one pseudo-terminal: its master fd, scrollback, broadcast
// fan-out, and exit/restart state machine.
type PTY struct {
	id   int
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	master  *os.File
	proc    Process
	state   State
	cols    int
	rows    int
	lastErr error

	// writeMu serializes Write calls against the master fd itself, held
	// across the syscall (not just the state read), so two concurrent
	// writers (spec §5(c) permits multiple attached clients to write to
	// the same PTY) can't interleave bytes within one logical keystroke.
	writeMu sync.Mutex

	// streamMu makes scrollback append and broadcast publish atomic with
	// Subscribe's (registration, snapshot) pair, so a chunk arriving
	// mid-subscribe is delivered exactly once — live or in the replay,
	// never both (spec §5(d), §8 "Broadcast ordering").
	streamMu sync.Mutex

	scrollback *scrollback
	bc         *broadcaster

	stopWatch chan struct{}
}

// New creates a running PTY wrapping an already-spawned process and
// starts its reader and exit-watcher goroutines.
func New(opts Options) *PTY {
	p := &PTY{
		id:         opts.ID,
		opts:       opts,
		log:        opts.Logger,
		master:     opts.Master,
		proc:       opts.Process,
		state:      StateRunning,
		scrollback: newScrollback(opts.ScrollbackCap),
		bc:         newBroadcaster(),
		stopWatch:  make(chan struct{}),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	go p.readLoop(p.master)
	go p.watchExit(p.proc)
	return p
}

func (p *PTY) ID() int      { return p.id }
func (p *PTY) State() State { p.mu.Lock(); defer p.mu.Unlock(); return p.state }

// Subscribe registers a new listener and returns its id, delivery
// channel, and a scrollback snapshot for immediate replay.
func (p *PTY) Subscribe() (uint64, <-chan Frame, []byte) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	id, ch := p.bc.subscribe()
	return id, ch, p.scrollback.Snapshot()
}

func (p *PTY) Unsubscribe(id uint64) {
	p.bc.unsubscribe(id)
}

// Write sends bytes to the PTY's master side (keyboard input), a
// no-op returning ErrClosed once the PTY has gone dead.
func (p *PTY) Write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	master := p.master
	state := p.state
	p.mu.Unlock()

	if state == StateDead || master == nil {
		return ErrClosed
	}
	_, err := master.Write(data)
	return err
}

// Resize sets the PTY's terminal size to exactly cols x rows. No
// clamping across attached clients happens here or in the bridge: the
// most recent resize request wins.
func (p *PTY) Resize(cols, rows int) error {
	p.mu.Lock()
	master := p.master
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	if master == nil {
		return ErrClosed
	}
	return pty.Setsize(master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *PTY) Size() (cols, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

func (p *PTY) readLoop(master *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.streamMu.Lock()
			p.scrollback.Write(chunk)
			p.bc.publish(chunk)
			p.streamMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (p *PTY) watchExit(proc Process) {
	if proc == nil {
		return
	}
	state, err := proc.Wait()
	p.mu.Lock()
	p.master.Close()
	p.lastErr = err
	exitedState := StateExited
	p.mu.Unlock()

	p.log.Info("pty process exited", "pty", p.id, "state", state, "error", err)

	if p.opts.Spawn == nil || !p.opts.AutoRestart {
		p.mu.Lock()
		p.state = StateDead
		p.mu.Unlock()
		if p.opts.OnExit != nil {
			p.opts.OnExit(p.id, err)
		}
		return
	}

	p.mu.Lock()
	p.state = exitedState
	p.mu.Unlock()
	p.restartLoop()
}

func (p *PTY) restartLoop() {
	p.mu.Lock()
	p.state = StateRestarting
	p.mu.Unlock()
	if p.opts.OnRestarting != nil {
		p.opts.OnRestarting(p.id)
	}

	delay := p.opts.RestartDelay
	if delay <= 0 {
		delay = time.Second
	}
	select {
	case <-time.After(delay):
	case <-p.stopWatch:
		p.mu.Lock()
		p.state = StateDead
		p.mu.Unlock()
		return
	}

	master, proc, err := p.opts.Spawn()
	if err != nil {
		p.log.Error("pty restart failed", "pty", p.id, "error", err)
		p.mu.Lock()
		p.state = StateDead
		p.lastErr = err
		p.mu.Unlock()
		if p.opts.OnExit != nil {
			p.opts.OnExit(p.id, fmt.Errorf("restart: %w", err))
		}
		return
	}

	p.mu.Lock()
	p.master = master
	p.proc = proc
	p.state = StateRunning
	cols, rows := p.cols, p.rows
	p.mu.Unlock()

	if cols > 0 && rows > 0 {
		_ = pty.Setsize(master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	}

	p.streamMu.Lock()
	p.scrollback.Reset()
	p.bc.publish([]byte("\r\n[coop: process restarted]\r\n"))
	p.streamMu.Unlock()

	go p.readLoop(master)
	go p.watchExit(proc)
}

// Kill signals the PTY's process and, if force is set, follows up with
// SIGKILL after a two-second grace period.
func (p *PTY) Kill(sig os.Signal, force bool) error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return nil
	}
	if err := proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	if force {
		time.Sleep(2 * time.Second)
		_ = proc.Signal(os.Kill)
	}
	return nil
}

// Stop disables further auto-restart and tears the PTY down, used when
// a session is being destroyed.
func (p *PTY) Stop() {
	close(p.stopWatch)
	p.mu.Lock()
	p.state = StateDead
	master := p.master
	p.mu.Unlock()
	if master != nil {
		_ = master.Close()
	}
}

var _ io.Writer = (*ptyWriterAdapter)(nil)

type ptyWriterAdapter struct{ p *PTY }

func (a *ptyWriterAdapter) Write(b []byte) (int, error) {
	if err := a.p.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Writer adapts Write to io.Writer for callers that want one (the
// bridge's input pump).
func (p *PTY) Writer() io.Writer { return &ptyWriterAdapter{p: p} }
