package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"math/bits"
	"strconv"
	"testing"
	_ "unsafe"

	"github.com/gobwas/ws"
	_ "github.com/gorilla/websocket"

	"github.com/sockpair/websocket/internal/test/assert"
	"github.com/sockpair/websocket/internal/test/xrand"
)

func TestMask(t *testing.T) {
	t.Parallel()

	t.Run("rfcVector", func(t *testing.T) {
		t.Parallel()

		// Masking the example payload from RFC 6455 section 5.7.
		key := binary.LittleEndian.Uint32([]byte{0x37, 0xFA, 0x21, 0x3D})
		p := []byte("Hello")

		mask(key, p)
		assert.Equal(t, "masked payload", []byte{0x7F, 0x9F, 0x4D, 0x51, 0x58}, p)

		mask(key, p)
		assert.Equal(t, "unmasked payload", []byte("Hello"), p)
	})

	t.Run("rotation", func(t *testing.T) {
		t.Parallel()

		key := []byte{0xa, 0xb, 0xc, 0xff}
		key32 := binary.LittleEndian.Uint32(key)
		p := []byte{0xa, 0xb, 0xc, 0xf2, 0xc}
		gotKey32 := mask(key32, p)

		expP := []byte{0, 0, 0, 0x0d, 0x6}
		assert.Equal(t, "p", expP, p)

		expKey32 := bits.RotateLeft32(key32, -8)
		assert.Equal(t, "key32", expKey32, gotKey32)
	})

	t.Run("chunked", func(t *testing.T) {
		t.Parallel()

		// Masking a payload in arbitrary chunks while threading the
		// rotated key through must equal masking it in one shot.
		for i := 0; i < 100; i++ {
			p := xrand.Bytes(xrand.Int(16384) + 1)
			key := binary.LittleEndian.Uint32(xrand.Bytes(4))

			exp := make([]byte, len(p))
			copy(exp, p)
			mask(key, exp)

			act := make([]byte, len(p))
			copy(act, p)
			k := key
			for b := act; len(b) > 0; {
				c := xrand.Int(len(b)) + 1
				k = mask(k, b[:c])
				b = b[c:]
			}

			assert.Equal(t, "masked payload", exp, act)
		}
	})
}

func basicMask(maskKey [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= maskKey[pos&3]
		pos++
	}
	return pos & 3
}

//go:linkname gorillaMaskBytes github.com/gorilla/websocket.maskBytes
func gorillaMaskBytes(key [4]byte, pos int, b []byte) int

func Benchmark_mask(b *testing.B) {
	sizes := []int{
		2,
		3,
		4,
		8,
		16,
		32,
		128,
		512,
		4096,
		16384,
	}

	fns := []struct {
		name string
		fn   func(b *testing.B, key [4]byte, p []byte)
	}{
		{
			name: "basic",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					basicMask(key, 0, p)
				}
			},
		},
		{
			name: "gorilla",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					gorillaMaskBytes(key, 0, p)
				}
			},
		},
		{
			name: "gobwas",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				for i := 0; i < b.N; i++ {
					ws.Cipher(p, key, 0)
				}
			},
		},
		{
			name: "mask",
			fn: func(b *testing.B, key [4]byte, p []byte) {
				key32 := binary.LittleEndian.Uint32(key[:])
				for i := 0; i < b.N; i++ {
					mask(key32, p)
				}
			},
		},
	}

	var key [4]byte
	_, err := rand.Read(key[:])
	if err != nil {
		b.Fatalf("failed to populate mask key: %v", err)
	}

	for _, size := range sizes {
		p := make([]byte, size)

		b.Run(strconv.Itoa(size), func(b *testing.B) {
			for _, fn := range fns {
				b.Run(fn.name, func(b *testing.B) {
					b.SetBytes(int64(size))

					fn.fn(b, key, p)
				})
			}
		})
	}
}
