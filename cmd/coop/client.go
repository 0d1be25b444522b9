package main

import (
	"fmt"
	"net"

	"github.com/coop-sh/coop/internal/ipc"
	"github.com/coop-sh/coop/protocol"
)

// conn wraps the framed control connection with the version handshake
// already performed.
type conn struct {
	*net.UnixConn
}

func dial(socketPath string) (*conn, error) {
	uc, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	unixConn, ok := uc.(*net.UnixConn)
	if !ok {
		uc.Close()
		return nil, fmt.Errorf("unexpected connection type")
	}

	if err := ipc.WriteMessage(unixConn, protocol.Handshake{Version: protocol.ProtocolVersion}); err != nil {
		unixConn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	var reply protocol.HandshakeReply
	if err := ipc.ReadMessage(unixConn, &reply); err != nil {
		unixConn.Close()
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	if !reply.OK {
		unixConn.Close()
		return nil, fmt.Errorf("handshake rejected: %s", reply.Error)
	}

	return &conn{UnixConn: unixConn}, nil
}

func (c *conn) send(cmd protocol.Command) (protocol.Reply, error) {
	if err := ipc.WriteMessage(c.UnixConn, cmd); err != nil {
		return protocol.Reply{}, fmt.Errorf("send command: %w", err)
	}
	var reply protocol.Reply
	if err := ipc.ReadMessage(c.UnixConn, &reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("read reply: %w", err)
	}
	return reply, nil
}
