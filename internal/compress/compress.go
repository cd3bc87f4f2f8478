// internal/compress/compress.go
package compress

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Options configures compression behavior
type Options struct {
	// Encoder level (1=fastest .. 4=best)
	Level int
	// Largest decompressed payload accepted from a peer
	MaxDecodedSize uint64
}

// DefaultOptions provides sensible defaults
func DefaultOptions() Options {
	return Options{
		Level:          2,
		MaxDecodedSize: 64 * 1024 * 1024,
	}
}

// Manager compresses chunks with pooled zstd encoders and decoders. Every
// output is a complete zstd frame, including for empty input.
type Manager struct {
	opts Options

	encoders sync.Pool
	decoders sync.Pool
	bufs     sync.Pool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Level < int(zstd.SpeedFastest) || opts.Level > int(zstd.SpeedBestCompression) {
		return nil, fmt.Errorf("compression level %d out of range", opts.Level)
	}
	if opts.MaxDecodedSize == 0 {
		opts.MaxDecodedSize = DefaultOptions().MaxDecodedSize
	}
	level := zstd.EncoderLevel(opts.Level)

	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(opts.MaxDecodedSize),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	m := &Manager{
		opts: opts,
		encoders: sync.Pool{
			New: func() interface{} {
				enc, _ := zstd.NewWriter(nil,
					zstd.WithEncoderLevel(level),
					zstd.WithEncoderConcurrency(1),
					zstd.WithZeroFrames(true),
				)
				return enc
			},
		},
		decoders: sync.Pool{
			New: func() interface{} {
				dec, _ := zstd.NewReader(nil,
					zstd.WithDecoderConcurrency(1),
					zstd.WithDecoderMaxMemory(opts.MaxDecodedSize),
				)
				return dec
			},
		},
		bufs: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024)) // 32KB
			},
		},
	}

	return m, nil
}

// Compress returns data as a single zstd frame.
func (m *Manager) Compress(data []byte) []byte {
	enc := m.encoders.Get().(*zstd.Encoder)
	defer m.encoders.Put(enc)

	buf := m.bufs.Get().(*bytes.Buffer)
	defer m.bufs.Put(buf)
	buf.Reset()

	// The pooled buffer is reused, so copy the frame out.
	out := enc.EncodeAll(data, buf.Bytes())
	return bytes.Clone(out)
}

// Decompress decodes a zstd frame produced by Compress.
func (m *Manager) Decompress(data []byte) ([]byte, error) {
	dec := m.decoders.Get().(*zstd.Decoder)
	defer m.decoders.Put(dec)

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing chunk: %w", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
