package persist

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// StagingSize is the size of the mapped staging file, offset header included.
const StagingSize = 4096

const stagingHeader = 4

// Staging is an uncompressed buffer backed by a shared memory mapping, so
// bytes written before a crash are found again on restart.
// Layout: [u32 offset][bytes].
type Staging struct {
	path string
	f    *os.File
	data []byte
}

// OpenStaging maps the staging file at path, creating it when missing.
// Without keep the offset is reset and previously staged bytes are
// discarded.
func OpenStaging(path string, keep bool) (*Staging, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, fmt.Errorf("open staging %s: %w", path, err)
	}
	if err := f.Truncate(StagingSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("size staging %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, StagingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap staging %s: %w", path, err)
	}
	s := &Staging{path: path, f: f, data: data}
	if !keep || s.offset() > s.Cap() {
		s.Reset()
	}
	return s, nil
}

// Cap is the number of payload bytes the staging area holds.
func (s *Staging) Cap() int {
	return StagingSize - stagingHeader
}

func (s *Staging) offset() int {
	return int(binary.LittleEndian.Uint32(s.data))
}

func (s *Staging) setOffset(off int) {
	binary.LittleEndian.PutUint32(s.data, uint32(off))
}

// Len returns the number of staged bytes.
func (s *Staging) Len() int {
	return s.offset()
}

// Bytes returns the staged bytes. The slice aliases the mapping and is
// valid until the next Write or Reset.
func (s *Staging) Bytes() []byte {
	return s.data[stagingHeader : stagingHeader+s.offset()]
}

// Write appends p. It reports false, leaving the staging area untouched,
// when p does not fit.
func (s *Staging) Write(p []byte) bool {
	off := s.offset()
	if off+len(p) > s.Cap() {
		return false
	}
	copy(s.data[stagingHeader+off:], p)
	s.setOffset(off + len(p))
	return true
}

// Reset discards the staged bytes.
func (s *Staging) Reset() {
	s.setOffset(0)
}

// Close unmaps and closes the file, leaving it on disk.
func (s *Staging) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove closes the staging area and deletes its file.
func (s *Staging) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
