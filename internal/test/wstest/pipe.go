package wstest

import (
	"net"

	"github.com/sockpair/websocket"
	"github.com/sockpair/websocket/internal/test/xrand"
)

// Pipe creates two sessions speaking to each other over an in memory duplex
// stream, analogous to net.Pipe. Which end plays the client role is
// randomized, so tests exercise both masking directions.
func Pipe(opts *websocket.SessionOptions) (s1, s2 *websocket.Session) {
	c1, c2 := net.Pipe()

	client := websocket.NewClientSession(c1, opts)
	server := websocket.NewServerSession(c2, opts)

	if xrand.Bool() {
		return server, client
	}
	return client, server
}
