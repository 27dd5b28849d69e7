package api

import (
	"fmt"
	"net"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// PeerIdentity returns the user name of the process at the other end of
// a Unix socket, from its SO_PEERCRED credentials. Uids without a
// passwd entry are reported as their number.
func PeerIdentity(conn net.Conn) (string, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return "", fmt.Errorf("peer credentials need a unix socket, got %T", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return "", fmt.Errorf("failed to access socket: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return "", fmt.Errorf("failed to access socket: %w", err)
	}
	if credErr != nil {
		return "", fmt.Errorf("failed to read peer credentials: %w", credErr)
	}

	uid := strconv.FormatUint(uint64(cred.Uid), 10)
	u, err := user.LookupId(uid)
	if err != nil {
		return uid, nil
	}
	return u.Username, nil
}
