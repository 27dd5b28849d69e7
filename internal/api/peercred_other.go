//go:build !linux

package api

import (
	"errors"
	"net"
)

// PeerIdentity is only implemented on Linux.
func PeerIdentity(conn net.Conn) (string, error) {
	return "", errors.New("peer credentials are not supported on this platform")
}
