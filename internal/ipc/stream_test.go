package ipc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundtripData(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello\r\n")
	require.NoError(t, WriteFrame(&buf, TagData, payload))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagData, f.Tag)
	assert.Equal(t, payload, f.Payload)
}

func TestFrameRoundtripControl(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"event":"lag","dropped":12}`)
	require.NoError(t, WriteFrame(&buf, TagControl, payload))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagControl, f.Tag)
	assert.JSONEq(t, string(payload), string(f.Payload))
}

func TestFrameRoundtripEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagData, nil))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagData, f.Tag)
	assert.Empty(t, f.Payload)
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, TagData, []byte("a")))
	require.NoError(t, WriteFrame(&buf, TagControl, []byte("b")))

	f1, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagData, f1.Tag)

	f2, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagControl, f2.Tag)
}
