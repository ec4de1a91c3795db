// Package wspb provides helpers for protobuf messages.
package wspb

import (
	"context"

	"github.com/golang/protobuf/proto"
	"golang.org/x/xerrors"

	"github.com/sockpair/websocket"
)

// Read reads the next binary frame from s and unmarshals it into v.
func Read(ctx context.Context, s *websocket.Session, v proto.Message) error {
	err := read(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to read protobuf: %w", err)
	}
	return nil
}

func read(ctx context.Context, s *websocket.Session, v proto.Message) error {
	f, err := s.ReceiveData(ctx)
	if err != nil {
		return err
	}

	if f.Type != websocket.FrameBinary {
		return xerrors.Errorf("unexpected frame type for protobuf (expected %v): %v", websocket.FrameBinary, f.Type)
	}

	err = proto.Unmarshal(f.Payload, v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal protobuf: %w", err)
	}

	return nil
}

// Write marshals v and sends it on s as a binary frame.
func Write(ctx context.Context, s *websocket.Session, v proto.Message) error {
	err := write(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to write protobuf: %w", err)
	}
	return nil
}

func write(ctx context.Context, s *websocket.Session, v proto.Message) error {
	b, err := proto.Marshal(v)
	if err != nil {
		return xerrors.Errorf("failed to marshal protobuf: %w", err)
	}

	return s.Send(ctx, websocket.Frame{
		Type:    websocket.FrameBinary,
		Fin:     true,
		Payload: b,
	})
}
