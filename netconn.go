package websocket

import (
	"context"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// NetConn converts a Session into a net.Conn so it can feed APIs that speak
// streams, a TLS tunnel or an RPC stack for example.
//
// Every Write goes out as a single frame of the given type. Read returns the
// bytes of frames of that type in order, a frame of any other data type
// kills the connection with StatusUnsupportedData. Pings and pongs are
// skipped.
//
// Close performs a normal closure handshake. When the peer sends
// StatusNormalClosure or StatusGoingAway, Read returns io.EOF.
//
// Deadlines bound the Session calls underneath. A read past its deadline
// leaves the inbound direction unusable, the frame stream has no way to
// resynchronize an abandoned read.
//
// LocalAddr and RemoteAddr are stubs since the session never sees the
// network the stream runs over.
func NetConn(ctx context.Context, s *Session, typ FrameType) net.Conn {
	nc := &netConn{
		s:   s,
		typ: typ,
	}

	var cancel context.CancelFunc
	nc.writeContext, cancel = context.WithCancel(ctx)
	nc.writeTimer = time.AfterFunc(math.MaxInt64, cancel)
	if !nc.writeTimer.Stop() {
		<-nc.writeTimer.C
	}

	nc.readContext, cancel = context.WithCancel(ctx)
	nc.readTimer = time.AfterFunc(math.MaxInt64, cancel)
	if !nc.readTimer.Stop() {
		<-nc.readTimer.C
	}

	return nc
}

type netConn struct {
	s   *Session
	typ FrameType

	writeTimer   *time.Timer
	writeContext context.Context

	readTimer   *time.Timer
	readContext context.Context

	readMu sync.Mutex
	eofed  bool
	buf    []byte
}

var _ net.Conn = &netConn{}

func (nc *netConn) Close() error {
	return nc.s.Close(StatusNormalClosure, "")
}

func (nc *netConn) Write(p []byte) (int, error) {
	// The frame owns its payload but a net.Conn caller is free to reuse p.
	payload := make([]byte, len(p))
	copy(payload, p)

	err := nc.s.Send(nc.writeContext, Frame{
		Type:    nc.typ,
		Fin:     true,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (nc *netConn) Read(p []byte) (int, error) {
	nc.readMu.Lock()
	defer nc.readMu.Unlock()

	if nc.eofed {
		return 0, io.EOF
	}

	for len(nc.buf) == 0 {
		f, err := nc.s.ReceiveData(nc.readContext)
		if err != nil {
			switch CloseStatus(err) {
			case StatusNormalClosure, StatusGoingAway:
				nc.eofed = true
				return 0, io.EOF
			}
			return 0, err
		}
		if f.Type != nc.typ {
			nc.s.Close(StatusUnsupportedData, "unexpected frame type")
			return 0, xerrors.Errorf("unexpected frame type read (expected %v): %v", nc.typ, f.Type)
		}
		nc.buf = f.Payload
	}

	n := copy(p, nc.buf)
	nc.buf = nc.buf[n:]
	return n, nil
}

type websocketAddr struct {
}

func (a websocketAddr) Network() string {
	return "websocket"
}

func (a websocketAddr) String() string {
	return "websocket/unknown-addr"
}

func (nc *netConn) RemoteAddr() net.Addr {
	return websocketAddr{}
}

func (nc *netConn) LocalAddr() net.Addr {
	return websocketAddr{}
}

func (nc *netConn) SetDeadline(t time.Time) error {
	nc.SetWriteDeadline(t)
	nc.SetReadDeadline(t)
	return nil
}

func (nc *netConn) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		nc.writeTimer.Stop()
	} else {
		nc.writeTimer.Reset(t.Sub(time.Now()))
	}
	return nil
}

func (nc *netConn) SetReadDeadline(t time.Time) error {
	if t.IsZero() {
		nc.readTimer.Stop()
	} else {
		nc.readTimer.Reset(t.Sub(time.Now()))
	}
	return nil
}
