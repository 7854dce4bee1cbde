package storage

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// AlgorithmOf infers the algorithm from a persisted file name.
func AlgorithmOf(path string) Algorithm {
	switch {
	case strings.HasSuffix(path, Zstd.Suffix()):
		return Zstd
	case strings.HasSuffix(path, Zlib.Suffix()):
		return Zlib
	}
	return None
}

// Decompress decodes a concatenation of members produced by a Compressor.
func Decompress(a Algorithm, data []byte) ([]byte, error) {
	switch a {
	case Zlib:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	}
	return data, nil
}

// ReadPersisted returns the plain text of a persisted log file.
func ReadPersisted(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return data, nil
	}
	return Decompress(AlgorithmOf(path), data)
}
