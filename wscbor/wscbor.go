// Package wscbor provides helpers for CBOR messages.
package wscbor

import (
	"context"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/xerrors"

	"github.com/sockpair/websocket"
)

// Read reads the next binary frame from s and unmarshals it into v.
func Read(ctx context.Context, s *websocket.Session, v interface{}) error {
	err := read(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to read cbor: %w", err)
	}
	return nil
}

func read(ctx context.Context, s *websocket.Session, v interface{}) error {
	f, err := s.ReceiveData(ctx)
	if err != nil {
		return err
	}

	if f.Type != websocket.FrameBinary {
		return xerrors.Errorf("unexpected frame type for cbor (expected %v): %v", websocket.FrameBinary, f.Type)
	}

	err = cbor.Unmarshal(f.Payload, v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal cbor: %w", err)
	}

	return nil
}

// Write marshals v and sends it on s as a binary frame.
func Write(ctx context.Context, s *websocket.Session, v interface{}) error {
	err := write(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to write cbor: %w", err)
	}
	return nil
}

func write(ctx context.Context, s *websocket.Session, v interface{}) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to marshal cbor: %w", err)
	}

	return s.Send(ctx, websocket.Frame{
		Type:    websocket.FrameBinary,
		Fin:     true,
		Payload: b,
	})
}
