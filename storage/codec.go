package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// compressionThreshold is the minimum payload size before compression is
	// considered.
	compressionThreshold = 2048

	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

// ErrCorrupted is returned when a stored object fails hash verification.
var ErrCorrupted = errors.New("invalid object: content hash mismatch")

// codec compresses stored objects with zstd when that makes them smaller.
// Encoder and decoder are goroutine-safe and reused.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// encode returns the stored form: one encoding byte followed by the payload.
func (c *codec) encode(data []byte) []byte {
	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if len(data) >= compressionThreshold && enc != nil {
		compressed := enc.EncodeAll(data, make([]byte, 1, len(data)/2+1))
		if len(compressed) < len(data) {
			compressed[0] = encodingZstd
			return compressed
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = encodingIdentity
	copy(out[1:], data)
	return out
}

// decode reverses encode. size is the recorded uncompressed size and bounds
// decompression.
func (c *codec) decode(stored []byte, size int64) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrCorrupted
	}
	payload := stored[1:]

	switch stored[0] {
	case encodingIdentity:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("decompressing object: %w", err)
		}
		if int64(len(out)) != size {
			return nil, ErrCorrupted
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported encoding: %d", stored[0])
}
