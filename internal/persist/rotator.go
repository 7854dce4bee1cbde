package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coffersTech/hilogd/internal/protocol"
)

// Rotator writes compressed chunks to a numbered file set
// <path>.<index><suffix> and keeps the job's recovery file in step with
// the current index.
type Rotator struct {
	path     string
	suffix   string
	maxFiles uint32
	infoPath string

	info       RecoveryInfo
	index      uint32
	file       *os.File
	needRotate bool
}

// NewRotator prepares a rotator for the job described by start.
func NewRotator(start StartMsg) *Rotator {
	maxFiles := start.FileNum
	if maxFiles == 0 {
		maxFiles = 1
	}
	return &Rotator{
		path:     start.FilePath,
		suffix:   start.Algorithm.Suffix(),
		maxFiles: maxFiles,
		infoPath: RecoveryPath(filepath.Dir(start.FilePath), start.JobID),
	}
}

// FileName returns the name of the file at index.
func (r *Rotator) FileName(index uint32) string {
	return r.path + "." + strconv.FormatUint(uint64(index), 10) + r.suffix
}

// Init opens the output file and writes the recovery file. With restore
// the file at info.Index is appended to; otherwise earlier files of the
// same set are removed and index 0 starts empty.
func (r *Rotator) Init(info RecoveryInfo, restore bool) error {
	r.info = info
	var err error
	if restore {
		r.index = min(info.Index, r.maxFiles-1)
		err = r.open(os.O_APPEND)
	} else {
		r.removeOldFiles()
		r.index = 0
		err = r.open(os.O_TRUNC)
	}
	if err != nil {
		return err
	}
	return r.writeInfo()
}

func (r *Rotator) open(mode int) error {
	f, err := os.OpenFile(r.FileName(r.index), os.O_WRONLY|os.O_CREATE|mode, 0640)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.FileName(r.index), protocol.ErrLogPersistFileOpenFail)
	}
	r.file = f
	return nil
}

func (r *Rotator) writeInfo() error {
	r.info.Index = r.index
	return WriteRecoveryFile(r.infoPath, &r.info)
}

// removeOldFiles deletes every <path>.<n>[suffix] file.
func (r *Rotator) removeOldFiles() {
	matches, _ := filepath.Glob(r.path + ".*")
	for _, m := range matches {
		if isRotatedName(strings.TrimPrefix(m, r.path+".")) {
			os.Remove(m)
		}
	}
}

// isRotatedName reports whether s looks like "<digits>" optionally
// followed by a compression suffix.
func isRotatedName(s string) bool {
	s = strings.TrimSuffix(strings.TrimSuffix(s, ".gz"), ".zst")
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Input writes one compressed chunk, rotating first when FinishInput was
// called since the last write.
func (r *Rotator) Input(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if r.needRotate {
		if err := r.rotate(); err != nil {
			return err
		}
		r.needRotate = false
	}
	if _, err := r.file.Write(chunk); err != nil {
		return fmt.Errorf("write %s: %w", r.FileName(r.index), err)
	}
	return nil
}

// FinishInput marks the current file complete. The next Input rotates.
func (r *Rotator) FinishInput() {
	r.needRotate = true
}

func (r *Rotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	if r.index == r.maxFiles-1 {
		// 1..n-1 -> 0..n-2, the oldest file is dropped.
		os.Remove(r.FileName(0))
		for i := uint32(1); i < r.maxFiles; i++ {
			os.Rename(r.FileName(i), r.FileName(i-1))
		}
	} else {
		r.index++
	}
	if err := r.open(os.O_TRUNC); err != nil {
		return err
	}
	return r.writeInfo()
}

// Index returns the index of the file being written.
func (r *Rotator) Index() uint32 {
	return r.index
}

// Close closes the current output file.
func (r *Rotator) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// RemoveInfo deletes the recovery file.
func (r *Rotator) RemoveInfo() error {
	if err := os.Remove(r.infoPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
