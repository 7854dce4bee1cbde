package storage

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coffersTech/hilogd/internal/protocol"
)

func TestCompressRoundTrip(t *testing.T) {
	chunks := [][]byte{
		[]byte(strings.Repeat("01-02 03:04:05.678  100  101 I C02b00/svc: hello\n", 40)),
		[]byte("second chunk\n"),
		{},
	}
	for _, a := range []Algorithm{None, Zlib, Zstd} {
		t.Run(a.String(), func(t *testing.T) {
			c, err := NewCompressor(a)
			if err != nil {
				t.Fatal(err)
			}
			if c.Algorithm() != a {
				t.Errorf("Algorithm = %v", c.Algorithm())
			}

			path := filepath.Join(t.TempDir(), "hilog.0"+a.Suffix())
			var file, want []byte
			for _, chunk := range chunks {
				out, err := c.Compress(chunk)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				file = append(file, out...)
				want = append(want, chunk...)
			}
			if err := os.WriteFile(path, file, 0644); err != nil {
				t.Fatal(err)
			}

			got, err := ReadPersisted(path)
			if err != nil {
				t.Fatalf("ReadPersisted: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(got), len(want))
			}
		})
	}
}

func TestCompressDeterministic(t *testing.T) {
	in := []byte(strings.Repeat("abc", 500))
	for _, a := range []Algorithm{Zlib, Zstd} {
		c, _ := NewCompressor(a)
		first, _ := c.Compress(in)
		second, _ := c.Compress(in)
		if !bytes.Equal(first, second) {
			t.Errorf("%v output differs between calls", a)
		}
	}
}

func TestCompressOverflow(t *testing.T) {
	in := make([]byte, CompressBufferSize+1)
	rand.New(rand.NewSource(1)).Read(in)
	for _, a := range []Algorithm{None, Zlib, Zstd} {
		c, _ := NewCompressor(a)
		if _, err := c.Compress(in); !errors.Is(err, protocol.ErrLogPersistCompressBufferExp) {
			t.Errorf("%v: got %v", a, err)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	tests := map[string]Algorithm{"none": None, "zstd": Zstd, "zlib": Zlib, "": Zlib, "lz4": Zlib}
	for name, want := range tests {
		if got := ParseAlgorithm(name); got != want {
			t.Errorf("ParseAlgorithm(%q) = %v, want %v", name, got, want)
		}
	}
	if AlgorithmOf("/data/log/hilog/hilog.3.zst") != Zstd || AlgorithmOf("a.gz") != Zlib || AlgorithmOf("a.1") != None {
		t.Error("AlgorithmOf")
	}
}
