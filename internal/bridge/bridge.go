// Package bridge pumps bytes between an attached client connection and
// a PTY: PTY output (plus scrollback replay and lag notices) out to the
// client, and client keystrokes (through the Input Filter when the
// connection is an `attach` rather than a `shell`) in to the PTY (spec
// §4.7). The accept/cancel/WaitGroup shape mirrors a generic
// connection-bridging pattern found elsewhere in the retrieved corpus,
// adapted here from forwarding raw TCP<->Unix bytes to forwarding
// tagged frames in both directions.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coop-sh/coop/internal/inputfilter"
	"github.com/coop-sh/coop/internal/ipc"
	"github.com/coop-sh/coop/internal/ptyengine"
	"github.com/coop-sh/coop/internal/registry"
	"github.com/coop-sh/coop/protocol"
)

// Options configures a Bridge.
type Options struct {
	Conn        *net.UnixConn
	PTY         *ptyengine.PTY
	Session     *registry.Session
	InputFilter bool // true for `attach`, false for `shell`
	Filter      *inputfilter.Filter
	Logger      *slog.Logger
}

// Bridge owns one attached connection for as long as the client stays
// attached.
type Bridge struct {
	opts   Options
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{opts: opts, log: logger}
}

// Run pumps in both directions until the client disconnects or sends a
// detach control frame, or a write to the client fails. The PTY's
// process exiting does not by itself end Run. It blocks until both
// pumps have stopped.
func (b *Bridge) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	subID, frames, scrollback := b.opts.PTY.Subscribe()
	defer b.opts.PTY.Unsubscribe(subID)

	if len(scrollback) > 0 {
		_ = ipc.WriteFrame(b.opts.Conn, ipc.TagData, scrollback)
	}

	b.wg.Add(2)
	go b.outPump(ctx, frames)
	go b.inPump(ctx)
	b.wg.Wait()
}

func (b *Bridge) outPump(ctx context.Context, frames <-chan ptyengine.Frame) {
	defer b.wg.Done()
	defer b.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if f.Lag {
				ev := protocol.Event{Event: protocol.EventLag}
				payload, _ := json.Marshal(ev)
				if err := ipc.WriteFrame(b.opts.Conn, ipc.TagControl, payload); err != nil {
					return
				}
				continue
			}
			if err := ipc.WriteFrame(b.opts.Conn, ipc.TagData, f.Data); err != nil {
				return
			}
		}
	}
}

func (b *Bridge) inPump(ctx context.Context) {
	defer b.wg.Done()
	defer b.cancel()

	var flushTicker *time.Ticker
	if b.opts.InputFilter {
		flushTicker = time.NewTicker(50 * time.Millisecond)
		defer flushTicker.Stop()
		go b.flushStaleLoop(ctx, flushTicker)
	}

	for {
		frame, err := ipc.ReadFrame(b.opts.Conn)
		if err != nil {
			return
		}

		switch frame.Tag {
		case ipc.TagData:
			b.handleData(frame.Payload)
		case ipc.TagControl:
			if b.handleControl(frame.Payload) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *Bridge) flushStaleLoop(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if flushed := b.opts.Filter.FlushStale(); len(flushed) > 0 {
				_ = b.opts.PTY.Write(flushed)
			}
		}
	}
}

func (b *Bridge) handleData(payload []byte) {
	if !b.opts.InputFilter {
		_ = b.opts.PTY.Write(payload)
		return
	}

	if inputfilter.ContainsInterrupt(payload) {
		payload = b.suppressDoubledInterrupts(payload)
	}

	res := b.opts.Filter.Process(payload)
	if len(res.Forward) > 0 {
		_ = b.opts.PTY.Write(res.Forward)
	}
	for _, m := range res.Matches {
		b.log.Info("input filter blocked sequence", "session", b.opts.Session.Name, "pattern", string(m.Pattern))
	}
}

// suppressDoubledInterrupts drops any 0x03 (Ctrl-C) byte that arrives
// within the filter's debounce window of the previous one, so a rapid
// double (or triple) interrupt reaches the PTY only once (spec §4.4).
// Every other byte in raw passes through untouched.
func (b *Bridge) suppressDoubledInterrupts(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0x03 {
			if b.opts.Filter.ObserveInterrupt(time.Now()) {
				b.log.Warn("double interrupt observed on attach, suppressing", "session", b.opts.Session.Name)
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// handleControl processes a resize or detach control frame, returning
// true when the bridge should stop (a detach request).
func (b *Bridge) handleControl(payload []byte) bool {
	var ctl protocol.StreamControl
	if err := json.Unmarshal(payload, &ctl); err != nil {
		return false
	}
	switch ctl.Cmd {
	case "resize":
		// Last writer wins: the size is not clamped across attached clients.
		_ = b.opts.PTY.Resize(ctl.Cols, ctl.Rows)
	case "detach":
		return true
	}
	return false
}
