package websocket

import (
	"context"
	"io"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"

	"github.com/sockpair/websocket/internal/errd"
	"github.com/sockpair/websocket/internal/xsync"
)

const (
	defaultReadLimit     = 32768
	defaultSendQueueSize = 8
	defaultBufferSize    = 4096

	closeHandshakeTimeout = time.Second * 10
)

// SessionOptions tunes a session. The zero value is a sane default so a nil
// options pointer is fine.
type SessionOptions struct {
	// ReadLimit bounds the payload of a single incoming message, fragments
	// included. A peer exceeding it fails the session with
	// StatusMessageTooBig.
	//
	// Defaults to 32768 bytes.
	ReadLimit int64

	// SendQueueSize is how many outgoing frames may be queued before Send
	// blocks waiting on the writer.
	//
	// Defaults to 8.
	SendQueueSize int

	// BufferSize is the size of the staging buffers the session reads and
	// writes the raw stream with. Frames of any size pass through buffers
	// of this size.
	//
	// Defaults to 4096 bytes.
	BufferSize int
}

// Session is a WebSocket connection over an already upgraded stream.
// Use NewClientSession or NewServerSession to get one.
//
// All methods may be called concurrently. Frames queued by concurrent Sends
// go out whole, in queue order, never interleaved mid frame.
//
// Incoming pings are answered automatically and then still delivered through
// Receive along with pongs, so keepalive traffic is observable but never
// depends on the application.
//
// Once a close frame has been sent and received in either order, the session
// tears down and every blocked or future call fails with an error that wraps
// the close status. Receive and Send failures report distinct conditions for
// peer close, local close and raw stream failure, which errors.As and
// CloseStatus can pick apart.
type Session struct {
	rwc    io.ReadWriteCloser
	client bool

	readLimit int64

	cr connReader
	cw connWriter

	// incoming is unbuffered. The reader pump parks on it until the
	// application catches up, which stops the pump from reading the
	// stream and lets the transport push back on the peer.
	incoming chan Frame
	outgoing chan Frame

	closed     chan struct{}
	closeMu    sync.Mutex
	closeErr   error
	wroteClose bool
	sentClose  bool
	readClose  bool
	failed     bool

	pingCounter   int32
	activePingsMu sync.Mutex
	activePings   map[string]chan<- struct{}
}

// NewClientSession runs a session in the client role over rwc, masking every
// outgoing frame and rejecting masked frames from the peer.
//
// rwc is a stream whose WebSocket handshake already happened, typically a
// net.Conn returned by an HTTP client upgrade. The session owns rwc and
// closes it on teardown.
func NewClientSession(rwc io.ReadWriteCloser, opts *SessionOptions) *Session {
	return newSession(rwc, true, opts)
}

// NewServerSession runs a session in the server role over rwc, sending
// outgoing frames unmasked and requiring masked frames from the peer.
//
// rwc is a stream whose WebSocket handshake already happened, typically the
// net.Conn obtained from hijacking an upgraded HTTP request. The session owns
// rwc and closes it on teardown.
func NewServerSession(rwc io.ReadWriteCloser, opts *SessionOptions) *Session {
	return newSession(rwc, false, opts)
}

func newSession(rwc io.ReadWriteCloser, client bool, opts *SessionOptions) *Session {
	if opts == nil {
		opts = &SessionOptions{}
	}
	readLimit := opts.ReadLimit
	if readLimit == 0 {
		readLimit = defaultReadLimit
	}
	sendQueueSize := opts.SendQueueSize
	if sendQueueSize == 0 {
		sendQueueSize = defaultSendQueueSize
	}
	bufSize := opts.BufferSize
	if bufSize == 0 {
		bufSize = defaultBufferSize
	}

	s := &Session{
		rwc:       rwc,
		client:    client,
		readLimit: readLimit,

		incoming: make(chan Frame),
		outgoing: make(chan Frame, sendQueueSize),
		closed:   make(chan struct{}),

		activePings: make(map[string]chan<- struct{}),
	}

	s.cr.init(s, rwc, bufSize)
	s.cw.init(s, rwc, client, bufSize)

	go func() {
		s.readerDone(<-xsync.Go(s.cr.run))
	}()
	go func() {
		s.writerDone(<-xsync.Go(s.cw.run))
	}()

	return s
}

// Receive suspends until the next frame arrives and returns it.
//
// Data frames are complete messages, fragments never surface. Ping and pong
// frames surface too, after the session has already handled them.
//
// Once the session is closed, Receive returns the error describing why,
// wrapping a CloseError when a close frame was exchanged.
func (s *Session) Receive(ctx context.Context) (Frame, error) {
	// The incoming channel closing is the definitive teardown signal, the
	// reader pump closes it only after the close error is recorded.
	select {
	case f, ok := <-s.incoming:
		if !ok {
			return Frame{}, s.closeError()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, xerrors.Errorf("failed to receive frame: %w", ctx.Err())
	}
}

// ReceiveData suspends until the next text or binary frame arrives,
// discarding the ping and pong frames Receive would surface.
func (s *Session) ReceiveData(ctx context.Context) (Frame, error) {
	for {
		f, err := s.Receive(ctx)
		if err != nil {
			return Frame{}, err
		}
		switch f.Type {
		case FrameText, FrameBinary:
			return f, nil
		}
	}
}

// Send queues f for transmission and returns once the writer has accepted
// it, which bounds how far a producer can run ahead of the wire. The frame
// goes out after every previously queued frame, whole.
//
// Ownership of f.Payload passes to the session.
//
// Sending a close frame commits the session to the close handshake exactly
// like Close does. After that, by whichever path, Send fails.
func (s *Session) Send(ctx context.Context, f Frame) error {
	err := s.send(ctx, f)
	if err != nil {
		return xerrors.Errorf("failed to send frame: %w", err)
	}
	return nil
}

func (s *Session) send(ctx context.Context, f Frame) error {
	op := opcode(f.Type)
	if !op.known() {
		return xerrors.Errorf("unknown frame type: %v", f.Type)
	}
	if op.controlOp() && !f.Fin {
		return xerrors.New("control frames cannot be fragmented")
	}
	if op.controlOp() && len(f.Payload) > maxControlPayload {
		return xerrors.Errorf("control frame payload of %v bytes exceeds the %v byte maximum", len(f.Payload), maxControlPayload)
	}

	if f.Type == FrameClose {
		// A manual close frame goes through the same bookkeeping as
		// Close so the handshake state stays coherent.
		ce, err := parseClosePayload(f.Payload)
		if err != nil {
			return err
		}
		err = s.writeClose(ce.Code, ce.Reason)
		if xerrors.Is(err, errAlreadyWroteClose) {
			return s.closeError()
		}
		return err
	}

	s.closeMu.Lock()
	wrote := s.wroteClose
	s.closeMu.Unlock()
	if wrote {
		return s.closeError()
	}

	select {
	case s.outgoing <- f:
		return nil
	case <-s.closed:
		return s.closeError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping sends a ping to the peer and suspends until the matching pong is
// received or ctx expires.
//
// A ctx expiry while waiting is fatal to the session since it means the
// peer stopped responding.
func (s *Session) Ping(ctx context.Context) error {
	p := atomic.AddInt32(&s.pingCounter, 1)

	err := s.ping(ctx, strconv.Itoa(int(p)))
	if err != nil {
		return xerrors.Errorf("failed to ping: %w", err)
	}
	return nil
}

func (s *Session) ping(ctx context.Context, p string) error {
	pong := make(chan struct{})

	s.activePingsMu.Lock()
	s.activePings[p] = pong
	s.activePingsMu.Unlock()

	defer func() {
		s.activePingsMu.Lock()
		delete(s.activePings, p)
		s.activePingsMu.Unlock()
	}()

	err := s.Send(ctx, NewPingFrame([]byte(p)))
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return s.closeError()
	case <-ctx.Done():
		err := xerrors.Errorf("failed to wait for pong: %w", ctx.Err())
		s.close(err)
		return err
	case <-pong:
		return nil
	}
}

func (s *Session) completePing(p string) {
	s.activePingsMu.Lock()
	pong, ok := s.activePings[p]
	if ok {
		delete(s.activePings, p)
	}
	s.activePingsMu.Unlock()

	if ok {
		close(pong)
	}
}

// Close performs the close handshake: it sends a close frame with the given
// status code and reason and waits up to ten seconds for the peer to echo
// one back, then releases the stream.
//
// It is a protocol violation for the peer to keep sending data frames after
// acknowledging the close, so pending Receives fail once the handshake
// completes.
//
// Close is safe to call more than once and after a peer initiated handshake,
// where it simply waits for teardown.
func (s *Session) Close(code StatusCode, reason string) error {
	return s.closeHandshake(code, reason)
}

func (s *Session) closeHandshake(code StatusCode, reason string) (err error) {
	defer errd.Wrap(&err, "failed to close WebSocket")

	writeErr := s.writeClose(code, reason)
	if writeErr != nil && writeErr != errAlreadyWroteClose && CloseStatus(writeErr) == -1 {
		return writeErr
	}

	waitErr := s.waitCloseHandshake()
	if CloseStatus(waitErr) == -1 {
		return waitErr
	}
	return nil
}

var errAlreadyWroteClose = xerrors.New("already wrote close")

// writeClose queues the close frame that commits this side to the handshake.
// From here on out no further frames are accepted from the application.
func (s *Session) writeClose(code StatusCode, reason string) error {
	s.closeMu.Lock()
	if s.wroteClose {
		s.closeMu.Unlock()
		return errAlreadyWroteClose
	}
	s.wroteClose = true
	s.closeMu.Unlock()

	ce := CloseError{
		Code:   code,
		Reason: reason,
	}
	s.setCloseErr(xerrors.Errorf("sent close frame: %w", ce))

	var p []byte
	if ce.Code != StatusNoStatusRcvd {
		var err error
		p, err = ce.bytes()
		if err != nil {
			log.Printf("websocket: %v", err)
		}
	}

	return s.sendControl(Frame{
		Type:    FrameClose,
		Fin:     true,
		Payload: p,
	})
}

// waitCloseHandshake waits for the session to finish tearing down, killing
// it if the peer never answers our close frame.
func (s *Session) waitCloseHandshake() error {
	timer := time.NewTimer(closeHandshakeTimeout)
	defer timer.Stop()

	select {
	case <-s.closed:
		return s.closeError()
	case <-timer.C:
		err := xerrors.New("timed out waiting for peer close frame")
		s.close(err)
		return err
	}
}

// CloseNow tears the session down without a close handshake, cancelling
// both pumps and releasing the stream. Meant for error paths and tests.
func (s *Session) CloseNow() error {
	s.close(xerrors.New("connection closed without close handshake"))
	return nil
}

// sendControl queues an engine generated frame, bypassing the wroteClose
// gate that applies to the application.
func (s *Session) sendControl(f Frame) error {
	select {
	case s.outgoing <- f:
		return nil
	case <-s.closed:
		return xerrors.Errorf("failed to send control frame: %w", s.closeError())
	}
}

// markReadClose records that the peer's close frame was processed and
// reports whether we had already written ours. Second mark to land after
// sentClose finishes the teardown.
func (s *Session) markReadClose() (alreadyWroteClose bool) {
	s.closeMu.Lock()
	s.readClose = true
	wrote := s.wroteClose
	finish := s.sentClose
	s.closeMu.Unlock()

	if finish {
		s.close(nil)
	}
	return wrote
}

// markSentClose records that our close frame hit the wire. Second mark to
// land after readClose finishes the teardown. A session that failed is torn
// down here too since the peer owes us no echo.
func (s *Session) markSentClose() {
	s.closeMu.Lock()
	s.sentClose = true
	finish := s.readClose || s.failed
	s.closeMu.Unlock()

	if finish {
		s.close(nil)
	}
}

// writeError starts a unilateral close after a peer violation. The close
// frame carries code and a truncated err string as the reason, and teardown
// follows as soon as the writer flushes it, without waiting for an echo.
func (s *Session) writeError(code StatusCode, err error) {
	s.setCloseErr(err)

	s.closeMu.Lock()
	s.failed = true
	wrote := s.wroteClose
	sent := s.sentClose
	if !wrote {
		s.wroteClose = true
	}
	s.closeMu.Unlock()

	if sent {
		// Our close frame is already on the wire, nothing left to wait for.
		s.close(err)
		return
	}
	if wrote {
		// A close frame is queued, the writer finishes the job.
		return
	}

	reason := err.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	p, merr := CloseError{
		Code:   code,
		Reason: reason,
	}.bytes()
	if merr != nil {
		log.Printf("websocket: %v", merr)
	}

	s.sendControl(Frame{
		Type:    FrameClose,
		Fin:     true,
		Payload: p,
	})
}

// readerDone settles the session after the reader pump exits. The incoming
// channel closes only here, after the close error is in place, so a receiver
// that wakes up always finds the reason.
func (s *Session) readerDone(err error) {
	defer close(s.incoming)

	if err == nil {
		// Clean close handshake. Teardown is driven by the close marks.
		return
	}

	var pe protocolError
	if xerrors.As(err, &pe) {
		s.writeError(pe.code, err)
		return
	}

	s.close(err)
}

// writerDone settles the session after the writer pump exits. A nil error
// means the close frame went out or teardown was already underway.
func (s *Session) writerDone(err error) {
	if err != nil {
		s.close(err)
	}
}

// close tears the session down once. Every goroutine parked on s.closed
// wakes up and finds closeErr set.
func (s *Session) close(err error) {
	s.closeMu.Lock()
	select {
	case <-s.closed:
		s.closeMu.Unlock()
		return
	default:
	}
	s.setCloseErrLocked(err)
	close(s.closed)
	s.closeMu.Unlock()

	// Closing rwc after s.closed guarantees any goroutine that wakes up
	// from the stream failing also sees the session as closed.
	s.rwc.Close()
}

func (s *Session) setCloseErr(err error) {
	s.closeMu.Lock()
	s.setCloseErrLocked(err)
	s.closeMu.Unlock()
}

func (s *Session) setCloseErrLocked(err error) {
	if s.closeErr == nil && err != nil {
		s.closeErr = xerrors.Errorf("WebSocket closed: %w", err)
	}
}

func (s *Session) closeError() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return xerrors.New("WebSocket closed")
}
