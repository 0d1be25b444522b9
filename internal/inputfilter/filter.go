package inputfilter

import (
	"bytes"
	"sync"
	"time"
)

// defaultPatterns are the sequences always blocked from reaching the
// agent's PTY on attach: EOF (Ctrl-D), quit (Ctrl-\), and the
// plain-text exit/quit phrases an agent could otherwise be talked into
// emitting on its own stdin, ending the session out from under its
// user.
var defaultPatterns = [][]byte{
	{0x04},
	{0x1c},
	[]byte("exit\r"),
	[]byte("exit\n"),
	[]byte("/exit\r"),
	[]byte("/exit\n"),
	[]byte("quit\r"),
	[]byte("quit\n"),
}

// Match describes one blocked sequence caught in a Process call.
type Match struct {
	Pattern []byte
}

// Result is the outcome of filtering one chunk of input.
type Result struct {
	Forward []byte
	Matches []Match
}

// Filter holds back input bytes that may be forming a blocked sequence
// until either the sequence completes (dropped, reported as a Match)
// or enough time passes without it completing (flushed through as
// ordinary input), per spec §4.4.
type Filter struct {
	mu sync.Mutex

	at       *automaton
	patterns [][]byte
	state    int
	pending  []byte
	pendingSince time.Time

	partialTimeout  time.Duration
	interruptWindow time.Duration
	lastInterrupt   time.Time
}

// New builds a Filter from the default blocked sequences plus any
// operator-configured extras.
func New(extra [][]byte, partialTimeout, interruptWindow time.Duration) *Filter {
	f := &Filter{
		at:              newAutomaton(),
		partialTimeout:  partialTimeout,
		interruptWindow: interruptWindow,
	}
	f.patterns = append(f.patterns, defaultPatterns...)
	f.patterns = append(f.patterns, extra...)
	for i, p := range f.patterns {
		f.at.addPattern(p, i)
	}
	f.at.build()
	return f
}

// Process filters one chunk of raw client input, returning the bytes
// safe to forward to the PTY and any sequences that were blocked.
func (f *Filter) Process(input []byte) Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res Result
	for _, b := range input {
		newState, matchedIDs := f.at.step(f.state, b)
		f.pending = append(f.pending, b)

		if len(matchedIDs) > 0 {
			// Report the longest completed pattern; it's the most
			// specific match ending at this byte.
			longest := matchedIDs[0]
			for _, id := range matchedIDs {
				if len(f.patterns[id]) > len(f.patterns[longest]) {
					longest = id
				}
			}
			res.Matches = append(res.Matches, Match{Pattern: append([]byte{}, f.patterns[longest]...)})
			f.pending = f.pending[:0]
			f.state = 0
			continue
		}

		f.state = newState
		if f.state == 0 {
			res.Forward = append(res.Forward, f.pending...)
			f.pending = f.pending[:0]
		} else {
			f.pendingSince = time.Now()
		}
	}
	return res
}

// FlushStale releases any bytes held back waiting for a blocked
// sequence to complete once PartialTimeout has elapsed since the last
// byte was added to the pending chain, so a user who types "exi" and
// then pauses (or types something else entirely) isn't left waiting
// forever. The bridge calls this on a short ticker.
func (f *Filter) FlushStale() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == 0 || len(f.pending) == 0 {
		return nil
	}
	if time.Since(f.pendingSince) < f.partialTimeout {
		return nil
	}
	out := append([]byte{}, f.pending...)
	f.pending = f.pending[:0]
	f.state = 0
	return out
}

// ObserveInterrupt records a Ctrl-C and reports whether it arrived
// within InterruptWindow of the previous one. The bridge drops such a
// repeated 0x03 byte instead of forwarding it, so a rapid burst of
// interrupts reaches the PTY only once; no signal is sent.
func (f *Filter) ObserveInterrupt(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	double := !f.lastInterrupt.IsZero() && now.Sub(f.lastInterrupt) <= f.interruptWindow
	f.lastInterrupt = now
	return double
}

// ContainsInterrupt reports whether raw holds a Ctrl-C byte (0x03),
// used by the bridge to decide whether to call ObserveInterrupt at all
// before forwarding input onward — interrupts are never blocked by the
// matcher itself, only tracked for the debounce window above.
func ContainsInterrupt(raw []byte) bool {
	return bytes.IndexByte(raw, 0x03) >= 0
}
