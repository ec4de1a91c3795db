// Package wsjson provides helpers for JSON messages.
package wsjson

import (
	"context"
	"encoding/json"

	"golang.org/x/xerrors"

	"github.com/sockpair/websocket"
	"github.com/sockpair/websocket/internal/bpool"
)

// Read reads the next text frame from s and unmarshals it into v.
func Read(ctx context.Context, s *websocket.Session, v interface{}) error {
	err := read(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to read json: %w", err)
	}
	return nil
}

func read(ctx context.Context, s *websocket.Session, v interface{}) error {
	f, err := s.ReceiveData(ctx)
	if err != nil {
		return err
	}

	if f.Type != websocket.FrameText {
		return xerrors.Errorf("unexpected frame type for json (expected %v): %v", websocket.FrameText, f.Type)
	}

	err = json.Unmarshal(f.Payload, v)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal json: %w", err)
	}

	return nil
}

// Write marshals v and sends it on s as a text frame.
func Write(ctx context.Context, s *websocket.Session, v interface{}) error {
	err := write(ctx, s, v)
	if err != nil {
		return xerrors.Errorf("failed to write json: %w", err)
	}
	return nil
}

func write(ctx context.Context, s *websocket.Session, v interface{}) error {
	b := bpool.Get()
	defer bpool.Put(b)

	e := json.NewEncoder(b)
	err := e.Encode(v)
	if err != nil {
		return xerrors.Errorf("failed to encode json: %w", err)
	}

	// The session takes ownership of the payload, only a copy may leave
	// the pool. Encode appends a newline which JSON does not need.
	p := make([]byte, b.Len()-1)
	copy(p, b.Bytes())

	return s.Send(ctx, websocket.Frame{
		Type:    websocket.FrameText,
		Fin:     true,
		Payload: p,
	})
}
