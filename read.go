package websocket

import (
	"io"

	"golang.org/x/xerrors"
)

// protocolError is a peer violation that must fail the session with the
// carried status code.
type protocolError struct {
	code StatusCode
	err  error
}

func (pe protocolError) Error() string {
	return pe.err.Error()
}

func (pe protocolError) Unwrap() error {
	return pe.err
}

// connReader owns the inbound direction of a session. It drives the header
// parser and payload reader against the raw stream, reassembles fragmented
// messages, answers pings and delivers completed frames on the session's
// incoming channel.
//
// The staging buffer is deliberately small. Frame boundaries never line up
// with read boundaries and both parsers resume wherever the previous chunk
// stopped, so one buffer serves payloads of any size.
type connReader struct {
	s   *Session
	src io.Reader

	buf   []byte
	start int
	end   int

	hp headerParser
	pr payloadReader

	// fragmented message reassembly
	assembling bool
	msgType    FrameType
	msg        []byte
}

func (cr *connReader) init(s *Session, src io.Reader, bufSize int) {
	cr.s = s
	cr.src = src
	cr.buf = make([]byte, bufSize)
}

// run reads frames until the close handshake finishes or the stream or peer
// misbehaves. A nil return means a close frame was processed.
func (cr *connReader) run() error {
	for {
		h, p, err := cr.readFrame()
		if err != nil {
			return err
		}

		done, err := cr.dispatch(h, p)
		if err != nil || done {
			return err
		}
	}
}

// window returns the unconsumed staging bytes, reading from the stream only
// when none are left.
func (cr *connReader) window() ([]byte, error) {
	for cr.start == cr.end {
		n, err := cr.src.Read(cr.buf)
		if err != nil {
			return nil, err
		}
		cr.start, cr.end = 0, n
	}
	return cr.buf[cr.start:cr.end], nil
}

// readFrame parses one complete frame off the stream and returns its header
// and unmasked payload.
func (cr *connReader) readFrame() (header, []byte, error) {
	cr.hp.reset()
	for !cr.hp.complete() {
		b, err := cr.window()
		if err != nil {
			return header{}, nil, xerrors.Errorf("failed to read frame header: %w", err)
		}

		n, perr := cr.hp.parse(b)
		cr.start += n
		if perr != nil {
			return header{}, nil, protocolError{StatusProtocolError, perr}
		}
	}

	h := cr.hp.header()
	err := cr.validate(h)
	if err != nil {
		return header{}, nil, err
	}

	cr.pr.start(h)
	for !cr.pr.complete() {
		b, err := cr.window()
		if err != nil {
			return header{}, nil, xerrors.Errorf("failed to read frame payload: %w", err)
		}
		cr.start += cr.pr.consume(b)
	}

	return h, cr.pr.bytes(), nil
}

// validate applies the checks that need session context, masking direction
// and the read limit.
func (cr *connReader) validate(h header) error {
	if cr.s.client && h.masked {
		return protocolError{StatusProtocolError, xerrors.New("received masked frame from server")}
	}
	if !cr.s.client && !h.masked {
		return protocolError{StatusProtocolError, xerrors.New("received unmasked frame from client")}
	}

	// Control frames are exempt, the parser already caps them at 125
	// bytes and they never join a message.
	if !h.opcode.controlOp() {
		limit := cr.s.readLimit
		if h.payloadLength > limit || cr.assembling && int64(len(cr.msg))+h.payloadLength > limit {
			return protocolError{StatusMessageTooBig, xerrors.Errorf("read limited at %v bytes", limit)}
		}
	}

	return nil
}

// dispatch routes one parsed frame. It reports done once a close frame has
// been handled, after which the stream must not be read again.
func (cr *connReader) dispatch(h header, p []byte) (bool, error) {
	switch h.opcode {
	case opClose:
		return true, cr.handleClose(p)

	case opPing:
		// https://tools.ietf.org/html/rfc6455#section-5.5.2
		// The reply goes out before the ping is surfaced so a slow
		// application cannot stall the peer's keepalive. It gets its
		// own copy of the payload as ownership of p moves to the
		// application.
		pong := make([]byte, len(p))
		copy(pong, p)
		err := cr.s.sendControl(NewPongFrame(pong))
		if err != nil {
			return false, err
		}
		return false, cr.deliver(Frame{Type: FramePing, Fin: true, Payload: p})

	case opPong:
		cr.s.completePing(string(p))
		return false, cr.deliver(Frame{Type: FramePong, Fin: true, Payload: p})

	case opContinuation:
		if !cr.assembling {
			return false, protocolError{StatusProtocolError, xerrors.New("received continuation frame without text or binary frame")}
		}
		cr.msg = append(cr.msg, p...)
		if !h.fin {
			return false, nil
		}
		f := Frame{Type: cr.msgType, Fin: true, Payload: cr.msg}
		cr.assembling = false
		cr.msg = nil
		return false, cr.deliver(f)

	default:
		if cr.assembling {
			return false, protocolError{StatusProtocolError, xerrors.New("received new data frame without finishing the previous message")}
		}
		if !h.fin {
			cr.assembling = true
			cr.msgType = FrameType(h.opcode)
			cr.msg = p
			return false, nil
		}
		return false, cr.deliver(Frame{Type: FrameType(h.opcode), Fin: true, Payload: p})
	}
}

func (cr *connReader) handleClose(p []byte) error {
	ce, err := parseClosePayload(p)
	if err != nil {
		return protocolError{StatusProtocolError, xerrors.Errorf("received invalid close payload: %w", err)}
	}

	cr.s.setCloseErr(xerrors.Errorf("received close frame: %w", ce))

	if !cr.s.markReadClose() {
		// The peer initiated the handshake, echo its close frame back.
		cr.s.writeClose(ce.Code, ce.Reason)
	}
	return nil
}

// deliver hands f to the application. It blocks until the frame is received,
// which is what backpressures the peer, or until the session dies.
func (cr *connReader) deliver(f Frame) error {
	select {
	case cr.s.incoming <- f:
		return nil
	case <-cr.s.closed:
		return xerrors.New("session closed before frame was received")
	}
}
