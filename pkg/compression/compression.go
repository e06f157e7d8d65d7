// Package compression selects the codec applied to emitted image-input
// files and artifact blobs before they hit disk or object storage.
package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Type identifies a codec.
type Type uint8

const (
	// TypeGzip is the legacy codec; widely decodable.
	TypeGzip Type = 0
	// TypeZstd is the preferred codec for image outputs.
	TypeZstd Type = 1
	// TypeNone emits raw bytes.
	TypeNone Type = 255
)

// Level trades speed against ratio.
type Level int

const (
	LevelFastest Level = 1
	LevelDefault Level = 3
	LevelBest    Level = 9
)

// Compressor encodes and decodes artifact payloads.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() Type
	// Name is the suffix appended to output file names, e.g.
	// image_input.json.zstd.
	Name() string
}

// New creates a compressor for the given codec and level.
func New(t Type, level Level) (Compressor, error) {
	switch t {
	case TypeZstd:
		return NewZstdCompressor(level)
	case TypeGzip:
		return NewGzipCompressor(level), nil
	case TypeNone:
		return NewNoOpCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// GzipCompressor implements Compressor on compress/gzip.
type GzipCompressor struct {
	level int
}

// NewGzipCompressor creates a gzip compressor.
func NewGzipCompressor(level Level) *GzipCompressor {
	c := &GzipCompressor{level: gzip.DefaultCompression}
	switch level {
	case LevelFastest:
		c.level = gzip.BestSpeed
	case LevelBest:
		c.level = gzip.BestCompression
	}
	return c
}

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *GzipCompressor) Type() Type { return TypeGzip }
func (c *GzipCompressor) Name() string { return "gzip" }

// ZstdCompressor implements Compressor on klauspost zstd. One instance is
// reusable and safe for concurrent encoding.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor.
func NewZstdCompressor(level Level) (*ZstdCompressor, error) {
	zl := zstd.SpeedDefault
	switch level {
	case LevelFastest:
		zl = zstd.SpeedFastest
	case LevelBest:
		zl = zstd.SpeedBestCompression
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{encoder: enc, decoder: dec}, nil
}

func (c *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func (c *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	return c.decoder.DecodeAll(data, nil)
}

func (c *ZstdCompressor) Type() Type { return TypeZstd }
func (c *ZstdCompressor) Name() string { return "zstd" }

// Close releases the encoder and decoder.
func (c *ZstdCompressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}

// NoOpCompressor passes payloads through unchanged.
type NoOpCompressor struct{}

// NewNoOpCompressor creates a pass-through compressor.
func NewNoOpCompressor() *NoOpCompressor {
	return &NoOpCompressor{}
}

func (c *NoOpCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (c *NoOpCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (c *NoOpCompressor) Type() Type { return TypeNone }
func (c *NoOpCompressor) Name() string { return "none" }

// DetectType inspects magic bytes: zstd is 0x28 0xb5 0x2f 0xfd, gzip is
// 0x1f 0x8b. Anything else reads as gzip, which matches the oldest
// emitted artifacts.
func DetectType(data []byte) Type {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		return TypeZstd
	}
	return TypeGzip
}

// AutoDecompress detects the codec of data and decompresses it. Used when
// reading back artifacts whose codec is not recorded anywhere else.
func AutoDecompress(data []byte) ([]byte, error) {
	if DetectType(data) == TypeZstd {
		c, err := NewZstdCompressor(LevelDefault)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decompressor: %w", err)
		}
		defer c.Close()
		return c.Decompress(data)
	}
	return NewGzipCompressor(LevelDefault).Decompress(data)
}

// Closeable marks compressors that hold resources.
type Closeable interface {
	Close()
}

// Close closes c if it holds resources.
func Close(c Compressor) {
	if closer, ok := c.(Closeable); ok {
		closer.Close()
	}
}
