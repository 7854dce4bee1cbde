// Package codec encodes and decodes the datagram wire record producers send
// to the daemon.
//
// Layout, little endian:
//
//	len u16 | bits u16 | tv_sec | tv_nsec | mono_sec | pid | tid | domain | tag\0 | content\0
//
// bits packs version:3, type:4, level:3 and tagLen:6 starting at the least
// significant bit. tagLen and the content both include their terminators.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coffersTech/hilogd/internal/model"
)

// HeaderSize is the fixed part of a wire record.
const HeaderSize = 28

// MaxRecordSize bounds a whole record.
const MaxRecordSize = HeaderSize + model.MaxTagLen + model.MaxLogLen

var (
	ErrShortPacket    = errors.New("codec: packet shorter than header")
	ErrLengthMismatch = errors.New("codec: declared length does not match packet")
	ErrTagLen         = errors.New("codec: invalid tag length")
	ErrContentLen     = errors.New("codec: invalid content length")
	ErrType           = errors.New("codec: invalid log type")
	ErrLevel          = errors.New("codec: invalid log level")
)

var le = binary.LittleEndian

// Header is the fixed prefix of a wire record.
type Header struct {
	Len     uint16
	Version uint8
	Type    model.LogType
	Level   model.Level
	TagLen  uint8
	TvSec   uint32
	TvNsec  uint32
	MonoSec uint32
	Pid     uint32
	Tid     uint32
	Domain  uint32
}

func packBits(h *Header) uint16 {
	return uint16(h.Version&0x7) |
		uint16(h.Type&0xF)<<3 |
		uint16(h.Level&0x7)<<7 |
		uint16(h.TagLen&0x3F)<<10
}

func unpackBits(bits uint16, h *Header) {
	h.Version = uint8(bits & 0x7)
	h.Type = model.LogType(bits >> 3 & 0xF)
	h.Level = model.Level(bits >> 7 & 0x7)
	h.TagLen = uint8(bits >> 10 & 0x3F)
}

// DecodeHeader parses the fixed prefix without looking at the payload.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, ErrShortPacket
	}
	h.Len = le.Uint16(b[0:])
	unpackBits(le.Uint16(b[2:]), &h)
	h.TvSec = le.Uint32(b[4:])
	h.TvNsec = le.Uint32(b[8:])
	h.MonoSec = le.Uint32(b[12:])
	h.Pid = le.Uint32(b[16:])
	h.Tid = le.Uint32(b[20:])
	h.Domain = le.Uint32(b[24:])
	return h, nil
}

// Decode parses one complete record. The declared length must equal len(b).
func Decode(b []byte) (model.Record, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return model.Record{}, err
	}
	if int(h.Len) != len(b) {
		return model.Record{}, fmt.Errorf("%w: declared %d, received %d", ErrLengthMismatch, h.Len, len(b))
	}
	if !h.Type.Valid() {
		return model.Record{}, fmt.Errorf("%w: %d", ErrType, h.Type)
	}
	if !h.Level.Valid() {
		return model.Record{}, fmt.Errorf("%w: %d", ErrLevel, h.Level)
	}
	tagLen := int(h.TagLen)
	if tagLen == 0 || tagLen > model.MaxTagLen {
		return model.Record{}, fmt.Errorf("%w: %d", ErrTagLen, tagLen)
	}
	contentLen := len(b) - HeaderSize - tagLen
	if contentLen <= 0 || contentLen > model.MaxLogLen {
		return model.Record{}, fmt.Errorf("%w: %d", ErrContentLen, contentLen)
	}

	tag := b[HeaderSize : HeaderSize+tagLen]
	content := b[HeaderSize+tagLen:]
	return model.Record{
		Version: h.Version,
		Type:    h.Type,
		Level:   h.Level,
		Pid:     h.Pid,
		Tid:     h.Tid,
		Domain:  h.Domain,
		TvSec:   h.TvSec,
		TvNsec:  h.TvNsec,
		MonoSec: h.MonoSec,
		Tag:     cString(tag),
		Content: cString(content),
	}, nil
}

// Encode serializes r. Tag and content longer than the wire limits are rejected.
func Encode(r *model.Record) ([]byte, error) {
	return AppendEncode(nil, r)
}

// AppendEncode appends the wire form of r to dst.
func AppendEncode(dst []byte, r *model.Record) ([]byte, error) {
	tagLen := r.TagLen()
	if tagLen > model.MaxTagLen {
		return dst, fmt.Errorf("%w: %d", ErrTagLen, tagLen)
	}
	if r.Size() > model.MaxLogLen {
		return dst, fmt.Errorf("%w: %d", ErrContentLen, r.Size())
	}
	total := HeaderSize + tagLen + r.Size()
	h := Header{
		Len:     uint16(total),
		Version: r.Version,
		Type:    r.Type,
		Level:   r.Level,
		TagLen:  uint8(tagLen),
	}

	var hdr [HeaderSize]byte
	le.PutUint16(hdr[0:], h.Len)
	le.PutUint16(hdr[2:], packBits(&h))
	le.PutUint32(hdr[4:], r.TvSec)
	le.PutUint32(hdr[8:], r.TvNsec)
	le.PutUint32(hdr[12:], r.MonoSec)
	le.PutUint32(hdr[16:], r.Pid)
	le.PutUint32(hdr[20:], r.Tid)
	le.PutUint32(hdr[24:], r.Domain)

	dst = append(dst, hdr[:]...)
	dst = append(dst, r.Tag...)
	dst = append(dst, 0)
	dst = append(dst, r.Content...)
	dst = append(dst, 0)
	return dst, nil
}

// cString returns the bytes up to the first NUL.
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// CString is exported for fixed-size protocol fields.
func CString(b []byte) string {
	return cString(b)
}

// PutCString copies s into a fixed-size field, truncating so a terminator fits.
func PutCString(dst []byte, s string) {
	n := copy(dst[:max(len(dst)-1, 0)], s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
