package ipc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/coop-sh/coop/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := protocol.Command{Cmd: "create", Workspace: "/tmp/demo"}

	require.NoError(t, WriteMessage(&buf, cmd))

	var decoded protocol.Command
	require.NoError(t, ReadMessage(&buf, &decoded))
	assert.Equal(t, cmd, decoded)
}

func TestMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	big := strings.Repeat("x", int(protocol.MaxMessageSize)+1)
	require.NoError(t, WriteMessage(&buf, map[string]string{"cmd": big}))

	_, err := ReadMessageBytes(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestMessageAtLimitSucceeds(t *testing.T) {
	var buf bytes.Buffer
	// a payload whose JSON encoding is exactly MaxMessageSize bytes is
	// accepted: `{"cmd":""}` is 10 bytes of overhead around the value.
	overhead := len(`{"cmd":""}`)
	require.NoError(t, WriteMessage(&buf, map[string]string{"cmd": strings.Repeat("y", int(protocol.MaxMessageSize)-overhead)}))

	data, err := ReadMessageBytes(&buf)
	require.NoError(t, err)
	assert.Len(t, data, int(protocol.MaxMessageSize))
}
