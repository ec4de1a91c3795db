package websocket

import (
	"io"

	"github.com/eapache/queue"
	"golang.org/x/xerrors"
)

// serializer turns queued frames into wire bytes one bounded buffer at a
// time. Frames are encoded strictly in enqueue order and a frame larger than
// the destination resumes across as many fills as it needs, so the buffer
// never has to scale with the payload.
//
// When masking is on, each frame gets a fresh random key and the XOR is
// applied to the copy in the destination buffer. The payload the application
// handed over is never touched.
type serializer struct {
	masked  bool
	pending *queue.Queue

	// encoding state of the frame currently on the wire
	active  bool
	hdr     [maxHeaderSize]byte
	hdrLen  int
	hdrOff  int
	payload []byte
	key     uint32
}

func newSerializer(masked bool) *serializer {
	return &serializer{
		masked:  masked,
		pending: queue.New(),
	}
}

// enqueue appends f to the frame queue. Bytes for it come out of fill once
// every previously queued frame has been fully encoded.
func (s *serializer) enqueue(f Frame) {
	s.pending.Add(f)
}

// outstanding reports whether another fill would produce bytes.
func (s *serializer) outstanding() bool {
	return s.active || s.pending.Length() > 0
}

// fill encodes as much queued frame data into dst as fits and returns the
// number of bytes written.
func (s *serializer) fill(dst []byte) (int, error) {
	n := 0
	for len(dst) > 0 {
		if !s.active {
			if s.pending.Length() == 0 {
				break
			}
			err := s.start(s.pending.Remove().(Frame))
			if err != nil {
				return n, err
			}
		}

		if s.hdrOff < s.hdrLen {
			c := copy(dst, s.hdr[s.hdrOff:s.hdrLen])
			s.hdrOff += c
			dst = dst[c:]
			n += c
			if s.hdrOff < s.hdrLen {
				// dst filled up mid header, resume there next call.
				break
			}
		}

		c := copy(dst, s.payload)
		if s.masked {
			s.key = mask(s.key, dst[:c])
		}
		s.payload = s.payload[c:]
		dst = dst[c:]
		n += c

		if len(s.payload) == 0 {
			s.active = false
		}
	}
	return n, nil
}

func (s *serializer) start(f Frame) error {
	op := opcode(f.Type)
	if !op.known() {
		return xerrors.Errorf("cannot send frame with unknown type: %v", f.Type)
	}
	if op.controlOp() {
		if !f.Fin {
			return xerrors.New("cannot send fragmented control frame")
		}
		if len(f.Payload) > maxControlPayload {
			return xerrors.Errorf("control frame payload of %v bytes exceeds the %v byte maximum", len(f.Payload), maxControlPayload)
		}
	}

	h := header{
		fin:           f.Fin,
		opcode:        op,
		masked:        s.masked,
		payloadLength: int64(len(f.Payload)),
	}

	if s.masked {
		var err error
		h.maskKey, err = newMaskKey()
		if err != nil {
			return err
		}
	}

	s.hdrLen = marshalHeader(s.hdr[:], h)
	s.hdrOff = 0
	s.payload = f.Payload
	s.key = h.maskKey
	s.active = true

	return nil
}

// connWriter drains a session's outgoing queue in FIFO order and writes the
// serialized bytes to the raw stream.
type connWriter struct {
	s   *Session
	dst io.Writer
	sz  *serializer
	buf []byte
}

func (cw *connWriter) init(s *Session, dst io.Writer, masked bool, bufSize int) {
	cw.s = s
	cw.dst = dst
	cw.sz = newSerializer(masked)
	cw.buf = make([]byte, bufSize)
}

// run owns the outbound direction. It returns nil once the close frame is on
// the wire or the session has died, and the write error otherwise.
func (cw *connWriter) run() error {
	for {
		f, ok := cw.next()
		if !ok {
			return nil
		}
		cw.sz.enqueue(f)
		closing := f.Type == FrameClose

		// Batch whatever is already queued behind f so small frames
		// share a buffer fill.
		for !closing {
			g, ok := cw.tryNext()
			if !ok {
				break
			}
			cw.sz.enqueue(g)
			closing = g.Type == FrameClose
		}

		err := cw.flush()
		if err != nil {
			return err
		}

		if closing {
			cw.s.markSentClose()
			return nil
		}
	}
}

func (cw *connWriter) next() (Frame, bool) {
	select {
	case f := <-cw.s.outgoing:
		return f, true
	case <-cw.s.closed:
		return Frame{}, false
	}
}

func (cw *connWriter) tryNext() (Frame, bool) {
	select {
	case f := <-cw.s.outgoing:
		return f, true
	default:
		return Frame{}, false
	}
}

func (cw *connWriter) flush() error {
	for cw.sz.outstanding() {
		n, err := cw.sz.fill(cw.buf)
		if err != nil {
			return err
		}
		_, err = cw.dst.Write(cw.buf[:n])
		if err != nil {
			return xerrors.Errorf("failed to write frame: %w", err)
		}
	}
	return nil
}
