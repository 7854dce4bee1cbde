// Package storage holds the compression strategies persisted log files are
// written with and the matching readers.
package storage

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/coffersTech/hilogd/internal/protocol"
)

// CompressBufferSize bounds the output of a single Compress call.
const CompressBufferSize = 64 * 1024

// Algorithm selects a compressor.
type Algorithm uint8

const (
	None Algorithm = iota
	Zstd
	Zlib
)

// ParseAlgorithm maps a stream name to an algorithm. Empty and unknown
// names select zlib.
func ParseAlgorithm(name string) Algorithm {
	switch name {
	case "none":
		return None
	case "zstd":
		return Zstd
	default:
		return Zlib
	}
}

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Zlib:
		return "zlib"
	}
	return fmt.Sprintf("algorithm(%d)", uint8(a))
}

// Suffix is the file name extension of files written with a.
func (a Algorithm) Suffix() string {
	switch a {
	case Zstd:
		return ".zst"
	case Zlib:
		return ".gz"
	}
	return ""
}

// Compressor turns one staging chunk into one independently decodable
// member. Members written back to back form a valid file.
type Compressor interface {
	Compress(in []byte) ([]byte, error)
	Algorithm() Algorithm
}

// NewCompressor builds the compressor for a.
func NewCompressor(a Algorithm) (Compressor, error) {
	switch a {
	case None:
		return noneCompressor{}, nil
	case Zlib:
		w, err := gzip.NewWriterLevel(nil, gzip.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", protocol.ErrLogPersistCompressInitFail)
		}
		return &zlibCompressor{w: w}, nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", protocol.ErrLogPersistCompressInitFail)
		}
		return &zstdCompressor{enc: enc}, nil
	}
	return nil, fmt.Errorf("unknown algorithm %d: %w", a, protocol.ErrLogPersistCompressInitFail)
}

func checkOverflow(out []byte) ([]byte, error) {
	if len(out) > CompressBufferSize {
		return nil, protocol.ErrLogPersistCompressBufferExp
	}
	return out, nil
}

type noneCompressor struct{}

func (noneCompressor) Compress(in []byte) ([]byte, error) {
	return checkOverflow(bytes.Clone(in))
}

func (noneCompressor) Algorithm() Algorithm { return None }

// zlibCompressor writes gzip framing, one member per call.
type zlibCompressor struct {
	buf bytes.Buffer
	w   *gzip.Writer
}

func (z *zlibCompressor) Compress(in []byte) ([]byte, error) {
	z.buf.Reset()
	z.w.Reset(&z.buf)
	if _, err := z.w.Write(in); err != nil {
		return nil, err
	}
	if err := z.w.Close(); err != nil {
		return nil, err
	}
	return checkOverflow(bytes.Clone(z.buf.Bytes()))
}

func (z *zlibCompressor) Algorithm() Algorithm { return Zlib }

// zstdCompressor writes one frame per call.
type zstdCompressor struct {
	enc *zstd.Encoder
}

func (z *zstdCompressor) Compress(in []byte) ([]byte, error) {
	return checkOverflow(z.enc.EncodeAll(in, nil))
}

func (z *zstdCompressor) Algorithm() Algorithm { return Zstd }
