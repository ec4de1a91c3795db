package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"

	"golang.org/x/xerrors"
)

// newMaskKey returns a fresh masking key in little endian.
func newMaskKey() (uint32, error) {
	var key uint32
	err := binary.Read(rand.Reader, binary.LittleEndian, &key)
	if err != nil {
		return 0, xerrors.Errorf("failed to generate mask key: %w", err)
	}
	return key, nil
}

// mask applies the WebSocket masking algorithm to p
// with the given key.
// See https://tools.ietf.org/html/rfc6455#section-5.3
//
// The returned value is the correctly rotated key to
// to continue to mask/unmask the message.
//
// It is the same algorithm for masking and unmasking, so feeding a frame's
// payload through in arbitrary chunks and threading the returned key back in
// always lines byte i of the payload up with byte i % 4 of the original key.
//
// The key must be stored in little endian.
func mask(key uint32, p []byte) uint32 {
	if len(p) >= 8 {
		key64 := uint64(key)<<32 | uint64(key)

		// At some point in the future we can clean these unrolled loops up.
		// See https://github.com/golang/go/issues/31586#issuecomment-487436401

		// Then we xor until p is less than 64 bytes.
		for len(p) >= 64 {
			v := binary.LittleEndian.Uint64(p)
			binary.LittleEndian.PutUint64(p, v^key64)
			v = binary.LittleEndian.Uint64(p[8:16])
			binary.LittleEndian.PutUint64(p[8:16], v^key64)
			v = binary.LittleEndian.Uint64(p[16:24])
			binary.LittleEndian.PutUint64(p[16:24], v^key64)
			v = binary.LittleEndian.Uint64(p[24:32])
			binary.LittleEndian.PutUint64(p[24:32], v^key64)
			v = binary.LittleEndian.Uint64(p[32:40])
			binary.LittleEndian.PutUint64(p[32:40], v^key64)
			v = binary.LittleEndian.Uint64(p[40:48])
			binary.LittleEndian.PutUint64(p[40:48], v^key64)
			v = binary.LittleEndian.Uint64(p[48:56])
			binary.LittleEndian.PutUint64(p[48:56], v^key64)
			v = binary.LittleEndian.Uint64(p[56:64])
			binary.LittleEndian.PutUint64(p[56:64], v^key64)
			p = p[64:]
		}

		// Then we xor until p is less than 8 bytes.
		for len(p) >= 8 {
			v := binary.LittleEndian.Uint64(p)
			binary.LittleEndian.PutUint64(p, v^key64)
			p = p[8:]
		}
	}

	// Then we xor until p is less than 4 bytes.
	for len(p) >= 4 {
		v := binary.LittleEndian.Uint32(p)
		binary.LittleEndian.PutUint32(p, v^key)
		p = p[4:]
	}

	// xor remaining bytes.
	for i := range p {
		p[i] ^= byte(key)
		key = bits.RotateLeft32(key, -8)
	}

	return key
}
