package bridge

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coop-sh/coop/internal/inputfilter"
	"github.com/coop-sh/coop/internal/ptyengine"
	"github.com/coop-sh/coop/internal/registry"
)

type fakeProcess struct{}

func (fakeProcess) Wait() (*os.ProcessState, error) { select {} }
func (fakeProcess) Signal(os.Signal) error          { return nil }

func newTestBridge(t *testing.T, withFilter bool) (*Bridge, io.Reader) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close(); r.Close() })

	p := ptyengine.New(ptyengine.Options{
		ID:            0,
		Master:        w,
		Process:       fakeProcess{},
		ScrollbackCap: 4096,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(p.Stop)

	b := New(Options{
		PTY:         p,
		Session:     &registry.Session{Name: "test"},
		InputFilter: withFilter,
		Filter:      inputfilter.New(nil, 50*time.Millisecond, 500*time.Millisecond),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return b, r
}

func readAvailable(t *testing.T, r io.Reader) []byte {
	t.Helper()
	f, ok := r.(*os.File)
	require.True(t, ok)
	_ = f.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 256)
	n, _ := f.Read(buf)
	return buf[:n]
}

func TestHandleDataNoFilterPassesThrough(t *testing.T) {
	b, r := newTestBridge(t, false)
	b.handleData([]byte("hello\n"))
	require.Equal(t, "hello\n", string(readAvailable(t, r)))
}

func TestHandleDataFilterBlocksExitSequence(t *testing.T) {
	b, r := newTestBridge(t, true)
	b.handleData([]byte("exit\r"))
	require.Empty(t, readAvailable(t, r))
}

func TestHandleDataFilterForwardsOrdinaryText(t *testing.T) {
	b, r := newTestBridge(t, true)
	b.handleData([]byte("ls -la\n"))
	require.Equal(t, "ls -la\n", string(readAvailable(t, r)))
}

func TestHandleControlDetachReturnsTrue(t *testing.T) {
	b, _ := newTestBridge(t, false)
	stop := b.handleControl([]byte(`{"cmd":"detach"}`))
	require.True(t, stop)
}

func TestHandleControlResizeReturnsFalse(t *testing.T) {
	b, _ := newTestBridge(t, false)
	stop := b.handleControl([]byte(`{"cmd":"resize","cols":120,"rows":40}`))
	require.False(t, stop)
	cols, rows := b.opts.PTY.Size()
	require.Equal(t, 120, cols)
	require.Equal(t, 40, rows)
}

func TestHandleControlInvalidJSONReturnsFalse(t *testing.T) {
	b, _ := newTestBridge(t, false)
	stop := b.handleControl([]byte(`not json`))
	require.False(t, stop)
}
