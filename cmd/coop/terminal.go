package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/coop-sh/coop/internal/ipc"
	"github.com/coop-sh/coop/protocol"
)

// streamPTY upgrades c into tagged-frame mode against the named
// session/PTY (or, with no session name, the session bound to the
// current directory) and pumps stdin/stdout. It returns once the daemon
// closes the connection, or at the first frame received after stdin
// reaches EOF. There is no detach key: every byte read from stdin is
// forwarded as a data frame.
func streamPTY(c *conn, session string, pty int, kind string, command string) error {
	cmd := protocol.Command{Cmd: kind, Session: session, PTY: pty, Command: command}
	if session == "" {
		if wd, err := os.Getwd(); err == nil {
			cmd.Workspace = wd
		}
	}
	if cols, rows, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		cmd.Cols, cmd.Rows = cols, rows
	}
	if err := ipc.WriteMessage(c.UnixConn, cmd); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}

	var reply protocol.Reply
	if err := ipc.ReadMessage(c.UnixConn, &reply); err != nil {
		return fmt.Errorf("read %s reply: %w", kind, err)
	}
	if !reply.OK {
		return fmt.Errorf("%s", reply.Error)
	}

	fd := int(os.Stdin.Fd())
	var oldState *term.State
	if term.IsTerminal(fd) {
		var err error
		oldState, err = term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}

	var once sync.Once
	done := make(chan struct{})
	closeDone := func() { once.Do(func() { close(done) }) }

	go watchResize(c, done)

	go func() {
		defer closeDone()
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if werr := ipc.WriteFrame(c.UnixConn, ipc.TagData, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		frame, err := ipc.ReadFrame(c.UnixConn)
		if err != nil {
			closeDone()
			return nil
		}
		switch frame.Tag {
		case ipc.TagData:
			os.Stdout.Write(frame.Payload)
		case ipc.TagControl:
			var ev protocol.Event
			if json.Unmarshal(frame.Payload, &ev) == nil {
				handleEvent(ev)
			}
		}
		select {
		case <-done:
			return nil
		default:
		}
	}
}

func handleEvent(ev protocol.Event) {
	switch ev.Event {
	case protocol.EventPtyExited:
		fmt.Fprintf(os.Stderr, "\r\n[coop: process exited]\r\n")
	case protocol.EventPtyRestarting:
		fmt.Fprintf(os.Stderr, "\r\n[coop: process restarting in %dms]\r\n", ev.DelayMs)
	case protocol.EventLag:
		fmt.Fprintf(os.Stderr, "\r\n[coop: output dropped, client fell behind]\r\n")
	case protocol.EventDetached:
		fmt.Fprintf(os.Stderr, "\r\n[coop: detached by daemon shutdown]\r\n")
	}
}

func watchResize(c *conn, done <-chan struct{}) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-done:
			return
		case <-sigCh:
			cols, rows, err := term.GetSize(int(os.Stdin.Fd()))
			if err != nil {
				continue
			}
			payload, _ := json.Marshal(protocol.StreamControl{Cmd: "resize", Cols: cols, Rows: rows})
			_ = ipc.WriteFrame(c.UnixConn, ipc.TagControl, payload)
		}
	}
}
