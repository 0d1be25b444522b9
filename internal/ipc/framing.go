// Package ipc implements the two wire codecs used on the coop control
// socket: a length-delimited JSON codec for the command channel, and
// the tagged-frame codec a connection is upgraded to after a successful
// attach/shell. See spec §6 for the wire contract.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/coop-sh/coop/protocol"
)

// ErrMessageTooLarge is returned by ReadMessage when the declared length
// prefix exceeds protocol.MaxMessageSize.
var ErrMessageTooLarge = errors.New("ipc: message too large")

const lengthPrefixSize = 4

// WriteMessage writes a 4-byte big-endian length prefix followed by the
// JSON encoding of v.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ipc: marshal message: %w", err)
	}
	return writeFramed(w, data)
}

func writeFramed(w io.Writer, data []byte) error {
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ipc: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// ReadMessageBytes reads one length-delimited message and returns its
// raw JSON payload. It returns ErrMessageTooLarge without consuming the
// payload bytes from the stream if the declared length exceeds
// protocol.MaxMessageSize — the caller should reply MESSAGE_TOO_LARGE
// and close the connection per spec §6.
func ReadMessageBytes(r io.Reader) ([]byte, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > protocol.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}
	return buf, nil
}

// ReadMessage reads one length-delimited message and unmarshals it into v.
func ReadMessage(r io.Reader, v any) error {
	data, err := ReadMessageBytes(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ipc: unmarshal message: %w", err)
	}
	return nil
}
