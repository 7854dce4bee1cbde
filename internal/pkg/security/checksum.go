// Package security provides integrity checks for on-disk metadata.
package security

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the length of a Checksum digest.
const ChecksumSize = blake2b.Size256

// ErrChecksumMismatch reports a digest that does not match its payload.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// Checksum returns the BLAKE2b-256 digest of data.
func Checksum(data []byte) [ChecksumSize]byte {
	return blake2b.Sum256(data)
}

// Seal appends the digest of data to data.
func Seal(data []byte) []byte {
	sum := Checksum(data)
	return append(data, sum[:]...)
}

// Open splits a sealed blob and verifies it. It returns the payload.
func Open(sealed []byte) ([]byte, error) {
	if len(sealed) < ChecksumSize {
		return nil, ErrChecksumMismatch
	}
	payload := sealed[:len(sealed)-ChecksumSize]
	want := Checksum(payload)
	if subtle.ConstantTimeCompare(want[:], sealed[len(payload):]) != 1 {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}
