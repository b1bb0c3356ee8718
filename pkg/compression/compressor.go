// Package compression provides compression support for Helios wire
// transfer. Partition wire images are large, flat byte buffers that
// compress well; the envelope codec in pkg/columnar uses this package to
// shrink them before they cross process boundaries.
//
// Algorithm trade-offs:
//   - LZ4: extremely fast, decent compression
//   - Snappy/S2: best for speed, moderate compression
//   - Zstd: best compression ratio, good speed
//   - Gzip/Deflate: wide compatibility
package compression

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
	// Deflate represents deflate compression
	Deflate Algorithm = "deflate"
)

// Level represents the compression level, trading speed for ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio
	Fastest Level = 1
	// Default balances speed and compression
	Default Level = 5
	// Best prioritizes compression ratio over speed
	Best Level = 9
)

// Config configures a compressor.
type Config struct {
	Algorithm Algorithm
	Level     Level
}

// Compressor compresses and decompresses byte buffers.
type Compressor interface {
	// Algorithm returns the algorithm this compressor implements.
	Algorithm() Algorithm
	// Compress returns the compressed form of data.
	Compress(data []byte) ([]byte, error)
	// Decompress restores the original bytes from compressed data.
	Decompress(data []byte) ([]byte, error)
}

// NewCompressor creates a compressor for the configured algorithm.
func NewCompressor(config *Config) (Compressor, error) {
	if config == nil {
		config = &Config{Algorithm: LZ4, Level: Default}
	}
	switch config.Algorithm {
	case None:
		return noneCompressor{}, nil
	case LZ4:
		return lz4Compressor{level: config.Level}, nil
	case Snappy:
		return snappyCompressor{}, nil
	case S2:
		return s2Compressor{}, nil
	case Zstd:
		return newZstdCompressor(config.Level)
	case Gzip:
		return gzipCompressor{level: config.Level}, nil
	case Deflate:
		return deflateCompressor{level: config.Level}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", config.Algorithm)
	}
}

type noneCompressor struct{}

func (noneCompressor) Algorithm() Algorithm { return None }

func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

type lz4Compressor struct {
	level Level
}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

func (c lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if c.level >= Best {
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Level9))
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	return out, nil
}

type snappyCompressor struct{}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompress: %w", err)
	}
	return out, nil
}

type s2Compressor struct{}

func (s2Compressor) Algorithm() Algorithm { return S2 }

func (s2Compressor) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (s2Compressor) Decompress(data []byte) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	return out, nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	encLevel := zstd.SpeedDefault
	switch {
	case level <= Fastest:
		encLevel = zstd.SpeedFastest
	case level >= Best:
		encLevel = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{enc: enc, dec: dec}, nil
}

func (*zstdCompressor) Algorithm() Algorithm { return Zstd }

func (c *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

type gzipCompressor struct {
	level Level
}

func (gzipCompressor) Algorithm() Algorithm { return Gzip }

func (c gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzipLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

type deflateCompressor struct {
	level Level
}

func (deflateCompressor) Algorithm() Algorithm { return Deflate }

func (c deflateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, gzipLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("deflate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("deflate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("deflate decompress: %w", err)
	}
	return out, nil
}

func gzipLevel(level Level) int {
	switch {
	case level <= Fastest:
		return flate.BestSpeed
	case level >= Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}
