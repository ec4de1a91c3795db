package websocket

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/xerrors"
)

// opcode represents a WebSocket opcode.
type opcode int

// https://tools.ietf.org/html/rfc6455#section-11.8.
const (
	opContinuation opcode = iota
	opText
	opBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	opClose
	opPing
	opPong
	// 11-16 are reserved for further control frames.
)

func (o opcode) controlOp() bool {
	switch o {
	case opClose, opPing, opPong:
		return true
	}
	return false
}

func (o opcode) known() bool {
	switch o {
	case opContinuation, opText, opBinary, opClose, opPing, opPong:
		return true
	}
	return false
}

// FrameType represents the type of a WebSocket frame.
// https://tools.ietf.org/html/rfc6455#section-5.6
type FrameType int

// FrameType constants.
const (
	// FrameContinuation continues a fragmented message. Received data frames
	// are reassembled before delivery so only writers deal in continuations.
	FrameContinuation = FrameType(opContinuation)

	// FrameText is for UTF-8 encoded text messages like JSON.
	FrameText = FrameType(opText)

	// FrameBinary is for binary messages like protobufs.
	FrameBinary = FrameType(opBinary)

	// FrameClose carries a status code and optional reason and seals the
	// session once both directions have sent one.
	FrameClose = FrameType(opClose)

	// FramePing solicits a FramePong carrying the same payload.
	FramePing = FrameType(opPing)

	// FramePong answers a FramePing.
	FramePong = FrameType(opPong)
)

func (t FrameType) String() string {
	switch t {
	case FrameContinuation:
		return "FrameContinuation"
	case FrameText:
		return "FrameText"
	case FrameBinary:
		return "FrameBinary"
	case FrameClose:
		return "FrameClose"
	case FramePing:
		return "FramePing"
	case FramePong:
		return "FramePong"
	}
	return fmt.Sprintf("FrameType(%d)", int(t))
}

// Frame is a single WebSocket frame as accepted from and delivered to the
// application. Masking never appears here, it is applied and removed on the
// wire path.
//
// Incoming data frames always carry a complete message as fragments are
// reassembled before delivery. Outgoing frames are written exactly as given
// which permits manual fragmentation with FrameContinuation and Fin.
//
// Ownership of Payload transfers with the frame. A frame handed to Send must
// not be retained or modified by the caller afterwards.
type Frame struct {
	Type    FrameType
	Fin     bool
	Payload []byte
}

// NewTextFrame returns a final text frame carrying s.
func NewTextFrame(s string) Frame {
	return Frame{Type: FrameText, Fin: true, Payload: []byte(s)}
}

// NewBinaryFrame returns a final binary frame carrying p.
func NewBinaryFrame(p []byte) Frame {
	return Frame{Type: FrameBinary, Fin: true, Payload: p}
}

// NewPingFrame returns a ping frame carrying p.
// The payload must fit a control frame, so 125 bytes at most.
func NewPingFrame(p []byte) Frame {
	return Frame{Type: FramePing, Fin: true, Payload: p}
}

// NewPongFrame returns a pong frame carrying p, normally the payload of the
// ping it answers.
func NewPongFrame(p []byte) Frame {
	return Frame{Type: FramePong, Fin: true, Payload: p}
}

// header represents a WebSocket frame header.
// See https://tools.ietf.org/html/rfc6455#section-5.2
type header struct {
	fin    bool
	rsv1   bool
	rsv2   bool
	rsv3   bool
	opcode opcode

	payloadLength int64

	masked  bool
	maskKey uint32
}

// First byte holds FIN, RSV1-3 and the opcode, second byte the mask bit and
// the 7 bit length. Up to 8 bytes of extended length and 4 bytes of mask key
// follow.
const maxHeaderSize = 2 + 8 + 4

// maxControlPayload is the maximum length of a control frame payload.
// https://tools.ietf.org/html/rfc6455#section-5.5
const maxControlPayload = 125

// marshalHeader encodes h into b, which must have room for maxHeaderSize
// bytes, and returns the number of bytes written.
//
// The extended payload length is always encoded minimally.
func marshalHeader(b []byte, h header) int {
	b[0] = 0
	if h.fin {
		b[0] |= 1 << 7
	}
	if h.rsv1 {
		b[0] |= 1 << 6
	}
	if h.rsv2 {
		b[0] |= 1 << 5
	}
	if h.rsv3 {
		b[0] |= 1 << 4
	}
	b[0] |= byte(h.opcode)

	b[1] = 0
	if h.masked {
		b[1] |= 1 << 7
	}

	n := 2
	switch {
	case h.payloadLength > math.MaxUint16:
		b[1] |= 127
		binary.BigEndian.PutUint64(b[n:], uint64(h.payloadLength))
		n += 8
	case h.payloadLength > maxControlPayload:
		b[1] |= 126
		binary.BigEndian.PutUint16(b[n:], uint16(h.payloadLength))
		n += 2
	default:
		b[1] |= byte(h.payloadLength)
	}

	if h.masked {
		binary.LittleEndian.PutUint32(b[n:], h.maskKey)
		n += 4
	}

	return n
}

// headerParser decodes one frame header from a stream that arrives in
// arbitrarily small chunks. Feed it bytes with parse until complete reports
// true, then read the decoded header and reset for the next frame.
//
// Violations are reported as soon as the offending byte is seen, before the
// rest of the header arrives.
type headerParser struct {
	buf  [maxHeaderSize]byte
	n    int // bytes of buf filled
	size int // total header size, 0 until the second byte is parsed
	h    header
	done bool
}

// parse consumes header bytes from b and returns how many it used.
func (p *headerParser) parse(b []byte) (int, error) {
	n := 0
	for len(b) > 0 && !p.done {
		c := b[0]
		b = b[1:]
		p.buf[p.n] = c
		p.n++
		n++

		var err error
		switch p.n {
		case 1:
			err = p.first(c)
		case 2:
			err = p.second(c)
		default:
			if p.n == p.size {
				err = p.finish()
			}
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// complete reports whether a full header has been parsed.
func (p *headerParser) complete() bool {
	return p.done
}

// header returns the parsed header. Valid only once complete reports true.
func (p *headerParser) header() header {
	return p.h
}

func (p *headerParser) reset() {
	*p = headerParser{}
}

func (p *headerParser) first(c byte) error {
	p.h.fin = c&(1<<7) != 0
	p.h.rsv1 = c&(1<<6) != 0
	p.h.rsv2 = c&(1<<5) != 0
	p.h.rsv3 = c&(1<<4) != 0
	p.h.opcode = opcode(c & 0xf)

	if p.h.rsv1 || p.h.rsv2 || p.h.rsv3 {
		return xerrors.Errorf("received header with unexpected rsv bits set: %v:%v:%v", p.h.rsv1, p.h.rsv2, p.h.rsv3)
	}
	if !p.h.opcode.known() {
		return xerrors.Errorf("received unknown opcode: %#x", int(p.h.opcode))
	}
	if p.h.opcode.controlOp() && !p.h.fin {
		return xerrors.New("received fragmented control frame")
	}
	return nil
}

func (p *headerParser) second(c byte) error {
	p.h.masked = c&(1<<7) != 0

	length := c &^ (1 << 7)

	p.size = 2
	if p.h.masked {
		p.size += 4
	}

	switch {
	case length == 126:
		p.size += 2
	case length == 127:
		p.size += 8
	default:
		p.h.payloadLength = int64(length)
	}

	if length > maxControlPayload && p.h.opcode.controlOp() {
		return xerrors.Errorf("received control frame with payload length over %v bytes", maxControlPayload)
	}

	if p.n == p.size {
		return p.finish()
	}
	return nil
}

func (p *headerParser) finish() error {
	p.done = true

	ext := p.buf[2:p.n]
	if p.h.masked {
		p.h.maskKey = binary.LittleEndian.Uint32(p.buf[p.size-4 : p.size])
		ext = ext[:len(ext)-4]
	}

	switch len(ext) {
	case 2:
		p.h.payloadLength = int64(binary.BigEndian.Uint16(ext))
	case 8:
		length := binary.BigEndian.Uint64(ext)
		if length > math.MaxInt64 {
			return xerrors.Errorf("received frame with disallowed negative payload length: %#x", length)
		}
		p.h.payloadLength = int64(length)
	}

	return nil
}

// payloadReader accumulates one frame's payload as its bytes arrive,
// unmasking in place with the frame's rotated mask key so partial reads
// resume at the correct key offset.
//
// It unmasks its own copy of the bytes, never the caller's buffer.
type payloadReader struct {
	masked bool
	key    uint32
	left   int64
	buf    []byte
}

// start readies the reader for the payload described by h.
// The caller is expected to have vetted h.payloadLength already.
func (r *payloadReader) start(h header) {
	r.masked = h.masked
	r.key = h.maskKey
	r.left = h.payloadLength
	r.buf = make([]byte, 0, h.payloadLength)
}

// consume appends payload bytes from b and returns how many it used.
func (r *payloadReader) consume(b []byte) int {
	if int64(len(b)) > r.left {
		b = b[:r.left]
	}
	if len(b) == 0 {
		return 0
	}

	start := len(r.buf)
	r.buf = append(r.buf, b...)
	if r.masked {
		r.key = mask(r.key, r.buf[start:])
	}
	r.left -= int64(len(b))

	return len(b)
}

// complete reports whether the whole payload has been collected.
func (r *payloadReader) complete() bool {
	return r.left == 0
}

// bytes returns the unmasked payload. Valid only once complete reports true.
// The returned slice is freshly allocated per frame so ownership transfers
// to the caller.
func (r *payloadReader) bytes() []byte {
	return r.buf
}
