// Package websocket implements the framing layer of the WebSocket protocol.
//
// https://tools.ietf.org/html/rfc6455
//
// The package consumes a raw duplex byte stream whose HTTP upgrade has already
// been negotiated and exposes a Session with frame based Receive and Send,
// reassembly of fragmented messages and a graceful close handshake.
//
// Use the wsjson, wspb and wscbor subpackages to send and receive typed
// messages over a Session.
//
// Conspicuously absent:
//
//   - The opening handshake and everything HTTP
//   - Extensions and therefore compression
//   - Sub-protocol negotiation
//   - TLS, which belongs to the stream handed in
package websocket
