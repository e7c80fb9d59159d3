// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
	"net"
)

// PeerIDFromConn computes a short tag from a connection's local and remote
// addresses. It only labels log lines for one signaling peer and does not
// need to be reversible.
func PeerIDFromConn(conn net.Conn) string {
	h := fnv.New32a()
	h.Write([]byte(conn.LocalAddr().String()))
	h.Write([]byte(conn.RemoteAddr().String()))
	return fmt.Sprintf("%08x", h.Sum32())
}
