package wstest

import (
	"bytes"
	"context"
	"time"

	"golang.org/x/xerrors"

	"github.com/sockpair/websocket"
	"github.com/sockpair/websocket/internal/test/xrand"
	"github.com/sockpair/websocket/internal/xsync"
)

// EchoLoop echos every data frame received from s until an error
// occurs or the context expires.
func EchoLoop(ctx context.Context, s *websocket.Session) error {
	defer s.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithTimeout(ctx, time.Minute*5)
	defer cancel()

	for {
		f, err := s.ReceiveData(ctx)
		if err != nil {
			return err
		}

		err = s.Send(ctx, f)
		if err != nil {
			return err
		}
	}
}

// Echo writes a random frame and ensures the same is sent back on s.
func Echo(ctx context.Context, s *websocket.Session, max int) error {
	expType := websocket.FrameBinary
	if xrand.Bool() {
		expType = websocket.FrameText
	}

	msg := randMessage(expType, xrand.Int(max))

	// Send takes ownership of the payload so the expectation is a copy.
	exp := make([]byte, len(msg))
	copy(exp, msg)

	writeErr := xsync.Go(func() error {
		return s.Send(ctx, websocket.Frame{
			Type:    expType,
			Fin:     true,
			Payload: msg,
		})
	})

	f, err := s.ReceiveData(ctx)
	if err != nil {
		return err
	}

	err = <-writeErr
	if err != nil {
		return err
	}

	if expType != f.Type {
		return xerrors.Errorf("unexpected frame type (%v): %v", expType, f.Type)
	}

	if !bytes.Equal(exp, f.Payload) {
		return xerrors.Errorf("unexpected frame payload (%q): %q", exp, f.Payload)
	}

	return nil
}

func randMessage(typ websocket.FrameType, n int) []byte {
	if typ == websocket.FrameBinary {
		return xrand.Bytes(n)
	}
	return []byte(xrand.String(n))
}
