// Package compression provides compression and decompression for stored
// report files and HTTP request bodies.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone means no compression.
	TypeNone Type = "none"
	// TypeGzip uses gzip compression.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd compression.
	TypeZstd Type = "zstd"
	// TypeSnappy uses snappy block compression.
	TypeSnappy Type = "snappy"
	// TypeZlib uses zlib compression.
	TypeZlib Type = "zlib"
	// TypeDeflate uses raw deflate compression.
	TypeDeflate Type = "deflate"
)

// Level represents compression level settings.
type Level int

const (
	// LevelDefault uses the default compression level for the algorithm.
	LevelDefault Level = 0
	// LevelFastest uses the fastest compression (lowest ratio).
	LevelFastest Level = 1
	// LevelBest uses the best compression (highest ratio).
	LevelBest Level = 9
)

// Config holds compression configuration.
type Config struct {
	// Type is the compression algorithm to use.
	Type Type
	// Level is the compression level (algorithm-specific).
	Level Level
}

// ErrTooLarge is returned by DecompressLimit when the decoded data exceeds the limit.
var ErrTooLarge = errors.New("decompressed data exceeds limit")

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "snappy":
		return TypeSnappy, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value for the compression type.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeSnappy, TypeZlib, TypeDeflate:
		return string(t)
	default:
		return ""
	}
}

// ParseContentEncoding parses an HTTP Content-Encoding header value.
// Unknown encodings map to TypeNone with ok=false.
func ParseContentEncoding(encoding string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return TypeNone, true
	case "gzip", "x-gzip":
		return TypeGzip, true
	case "zstd":
		return TypeZstd, true
	case "snappy", "x-snappy":
		return TypeSnappy, true
	case "zlib":
		return TypeZlib, true
	case "deflate":
		return TypeDeflate, true
	default:
		return TypeNone, false
	}
}

var zstdEncoderPool sync.Pool

func getZstdEncoder(level Level) (*zstd.Encoder, error) {
	if level == LevelDefault {
		if enc, ok := zstdEncoderPool.Get().(*zstd.Encoder); ok {
			poolGets.Add(1)
			return enc, nil
		}
	}
	poolNews.Add(1)
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel(level)), zstd.WithEncoderConcurrency(1))
}

func putZstdEncoder(level Level, enc *zstd.Encoder) {
	// Only default-level encoders are shared.
	if level != LevelDefault {
		_ = enc.Close()
		return
	}
	poolPuts.Add(1)
	zstdEncoderPool.Put(enc)
}

func zstdLevel(level Level) zstd.EncoderLevel {
	switch {
	case level == LevelDefault:
		return zstd.SpeedDefault
	case level <= LevelFastest:
		return zstd.SpeedFastest
	case level >= LevelBest:
		return zstd.SpeedBestCompression
	case level >= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedDefault
	}
}

// Compress compresses data using the specified compression type and level.
func Compress(data []byte, cfg Config) ([]byte, error) {
	switch cfg.Type {
	case TypeNone, "":
		return data, nil
	case TypeSnappy:
		return snappy.Encode(nil, data), nil
	case TypeZstd:
		enc, err := getZstdEncoder(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		out := enc.EncodeAll(data, nil)
		putZstdEncoder(cfg.Level, enc)
		return out, nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch cfg.Type {
	case TypeGzip:
		w, err = gzip.NewWriterLevel(&buf, streamLevel(cfg.Level))
	case TypeZlib:
		w, err = zlib.NewWriterLevel(&buf, streamLevel(cfg.Level))
	case TypeDeflate:
		w, err = flate.NewWriter(&buf, streamLevel(cfg.Level))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s writer: %w", cfg.Type, err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s data: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", cfg.Type, err)
	}
	return buf.Bytes(), nil
}

func streamLevel(level Level) int {
	if level == LevelDefault {
		return flate.DefaultCompression
	}
	return int(level)
}

// Decompress decompresses data using the specified compression type.
func Decompress(data []byte, t Type) ([]byte, error) {
	return DecompressLimit(data, t, 0)
}

// DecompressLimit decompresses data and fails with ErrTooLarge when the
// output would exceed limit bytes. A limit of 0 disables the check.
func DecompressLimit(data []byte, t Type, limit int64) ([]byte, error) {
	switch t {
	case TypeNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, ErrTooLarge
		}
		return data, nil
	case TypeSnappy:
		n, err := snappy.DecodedLen(data)
		if err != nil {
			return nil, fmt.Errorf("failed to read snappy header: %w", err)
		}
		if limit > 0 && int64(n) > limit {
			return nil, ErrTooLarge
		}
		return snappy.Decode(nil, data)
	}

	var r io.ReadCloser
	var err error
	switch t {
	case TypeGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
	case TypeZlib:
		r, err = zlib.NewReader(bytes.NewReader(data))
	case TypeDeflate:
		r = flate.NewReader(bytes.NewReader(data))
	case TypeZstd:
		var dec *zstd.Decoder
		dec, err = zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
		if err == nil {
			r = dec.IOReadCloser()
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s reader: %w", t, err)
	}
	defer r.Close()

	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Detect identifies self-describing compressed formats by their magic bytes.
// Snappy and raw deflate carry no header and are never detected.
func Detect(data []byte) (Type, bool) {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return TypeGzip, true
	case len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd:
		return TypeZstd, true
	case len(data) >= 2 && data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0:
		return TypeZlib, true
	case len(data) >= 1 && (data[0] == '{' || data[0] == '['):
		return TypeNone, true
	default:
		return TypeNone, false
	}
}
