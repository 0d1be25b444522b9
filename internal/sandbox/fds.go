//go:build linux

package sandbox

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFds sends fds as an SCM_RIGHTS control message over a connected
// unix socket, carrying a single placeholder byte of payload (required
// by the kernel for a non-empty SCM_RIGHTS sendmsg). Used by the
// sandbox's namespace-construction child to hand its pinned namespace
// and root descriptors back to the parent (spec §4.1 step 5) and by the
// Namespace Entrant to hand back a freshly allocated PTY master (§4.2).
func sendFds(conn *net.UnixConn, fds []int) error {
	rights := unix.UnixRights(fds...)
	if _, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil); err != nil {
		return fmt.Errorf("sendmsg fds: %w", err)
	}
	return nil
}

// recvFds receives n file descriptors sent by sendFds.
func recvFds(conn *net.UnixConn, n int) ([]*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(n*4))

	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, fmt.Errorf("recvmsg fds: %w", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	if len(scms) == 0 {
		return nil, fmt.Errorf("recvmsg fds: no control messages")
	}

	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return nil, fmt.Errorf("parse unix rights: %w", err)
	}

	files := make([]*os.File, 0, len(fds))
	for i, fd := range fds {
		files = append(files, os.NewFile(uintptr(fd), fmt.Sprintf("passed-fd-%d", i)))
	}
	return files, nil
}
