package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Frame flags, the first byte of every frame.
const (
	framePlain byte = 0
	frameZstd  byte = 1
)

const (
	// DefaultCompressThreshold is the encoded size above which frames are
	// zstd-compressed.
	DefaultCompressThreshold = 4 * 1024
	// DefaultMaxFrameSize bounds both the raw and the decompressed frame.
	DefaultMaxFrameSize = 20 * 1024 * 1024
)

var (
	// ErrFrameTooLarge is returned when a frame, or what it decompresses
	// to, exceeds the codec's limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrBadFrame is returned for frames that are empty or carry an
	// unknown flag.
	ErrBadFrame = errors.New("protocol: malformed frame")
)

// Codec turns messages into frames and back.
type Codec struct {
	// CompressThreshold of zero uses the default; negative disables
	// compression.
	CompressThreshold int
	MaxFrameSize      int64
}

func (c Codec) threshold() int {
	if c.CompressThreshold == 0 {
		return DefaultCompressThreshold
	}
	return c.CompressThreshold
}

func (c Codec) maxSize() int64 {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode marshals m into a frame.
func (c Codec) Encode(m *Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if t := c.threshold(); t < 0 || len(raw) <= t {
		if int64(len(raw))+1 > c.maxSize() {
			return nil, ErrFrameTooLarge
		}
		return append([]byte{framePlain}, raw...), nil
	}

	enc, err := encoder()
	if err != nil {
		return nil, err
	}
	frame := enc.EncodeAll(raw, []byte{frameZstd})
	if int64(len(frame)) > c.maxSize() {
		return nil, ErrFrameTooLarge
	}
	return frame, nil
}

// encoder is shared; EncodeAll is safe for concurrent use.
var encoder = sync.OnceValues(func() (*zstd.Encoder, error) {
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
})

// Decode parses a frame.
func (c Codec) Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, ErrBadFrame
	}
	if int64(len(frame)) > c.maxSize() {
		return nil, ErrFrameTooLarge
	}
	var raw []byte
	switch frame[0] {
	case framePlain:
		raw = frame[1:]
	case frameZstd:
		zr, err := zstd.NewReader(bytes.NewReader(frame[1:]), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid zstd data: %v", ErrBadFrame, err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(&limitedReader{reader: zr, limit: c.maxSize()})
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown flag %d", ErrBadFrame, frame[0])
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return &m, nil
}

// limitedReader fails with ErrFrameTooLarge instead of silently
// truncating like io.LimitReader.
type limitedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		var one [1]byte
		if n, _ := r.reader.Read(one[:]); n > 0 {
			return 0, ErrFrameTooLarge
		}
		return 0, io.EOF
	}
	if max := r.limit - r.consumed; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}
