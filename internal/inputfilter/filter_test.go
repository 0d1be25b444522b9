package inputfilter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksExactSequence(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte("exit\r"))
	assert.Empty(t, res.Forward)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "exit\r", string(res.Matches[0].Pattern))
}

func TestBlocksCtrlD(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte{0x04})
	assert.Empty(t, res.Forward)
	require.Len(t, res.Matches, 1)
}

func TestForwardsOrdinaryInput(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte("ls -la\r"))
	assert.Equal(t, "ls -la\r", string(res.Forward))
	assert.Empty(t, res.Matches)
}

func TestPartialMatchHeldThenFlushedAfterTimeout(t *testing.T) {
	f := New(nil, 20*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte("exi"))
	assert.Empty(t, res.Forward, "prefix of a blocked sequence should be held back")

	time.Sleep(40 * time.Millisecond)
	flushed := f.FlushStale()
	assert.Equal(t, "exi", string(flushed))
}

func TestPartialMatchThatDivergesForwardsImmediately(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte("exile\r"))
	assert.Equal(t, "exile\r", string(res.Forward))
	assert.Empty(t, res.Matches)
}

func TestExtraPatternBlocked(t *testing.T) {
	f := New([][]byte{[]byte("shutdown\r")}, 500*time.Millisecond, 500*time.Millisecond)
	res := f.Process([]byte("shutdown\r"))
	assert.Empty(t, res.Forward)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "shutdown\r", string(res.Matches[0].Pattern))
}

func TestInterruptDebounceWindow(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 200*time.Millisecond)
	now := time.Now()
	assert.False(t, f.ObserveInterrupt(now), "first interrupt is never a double")
	assert.True(t, f.ObserveInterrupt(now.Add(50*time.Millisecond)))
	assert.False(t, f.ObserveInterrupt(now.Add(500*time.Millisecond)))
}

func TestContainsInterrupt(t *testing.T) {
	assert.True(t, ContainsInterrupt([]byte{'a', 0x03, 'b'}))
	assert.False(t, ContainsInterrupt([]byte("abc")))
}

func TestMatchSpanningTwoChunks(t *testing.T) {
	f := New(nil, 500*time.Millisecond, 500*time.Millisecond)
	res1 := f.Process([]byte("exit"))
	assert.Empty(t, res1.Forward)
	assert.Empty(t, res1.Matches)

	res2 := f.Process([]byte("\r"))
	assert.Empty(t, res2.Forward)
	require.Len(t, res2.Matches, 1)
}
