package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/pkg/security"
	"github.com/coffersTech/hilogd/internal/storage"
)

// Prefix shared by the staging and recovery files of every job.
const auxPrefix = "persisterInfo_"

const recoverySuffix = ".info"

// ErrCorruptRecovery reports a recovery file that fails its length or
// checksum check.
var ErrCorruptRecovery = errors.New("corrupt recovery file")

// StartMsg holds the parameters a job was started with.
type StartMsg struct {
	JobID     uint32            `cbor:"1,keyasint"`
	FilePath  string            `cbor:"2,keyasint"`
	FileSize  uint32            `cbor:"3,keyasint"`
	FileNum   uint32            `cbor:"4,keyasint"`
	Algorithm storage.Algorithm `cbor:"5,keyasint"`
	Filter    engine.Filter     `cbor:"6,keyasint"`
}

// RecoveryInfo is what a job needs to resume after a restart.
type RecoveryInfo struct {
	Index uint32   `cbor:"1,keyasint"`
	Start StartMsg `cbor:"2,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// StagingPath is the staging file of job id inside dir.
func StagingPath(dir string, id uint32) string {
	return filepath.Join(dir, auxPrefix+strconv.FormatUint(uint64(id), 10))
}

// RecoveryPath is the recovery file of job id inside dir.
func RecoveryPath(dir string, id uint32) string {
	return StagingPath(dir, id) + recoverySuffix
}

// EncodeRecovery serializes info as [u32 len][CBOR][BLAKE2b-256 of CBOR].
func EncodeRecovery(info *RecoveryInfo) ([]byte, error) {
	blob, err := encMode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode recovery info: %w", err)
	}
	out := make([]byte, 4, 4+len(blob)+security.ChecksumSize)
	binary.LittleEndian.PutUint32(out, uint32(len(blob)))
	return append(out, security.Seal(blob)...), nil
}

// DecodeRecovery parses and verifies a recovery file image.
func DecodeRecovery(data []byte) (RecoveryInfo, error) {
	var info RecoveryInfo
	if len(data) < 4 {
		return info, ErrCorruptRecovery
	}
	n := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+n+security.ChecksumSize {
		return info, ErrCorruptRecovery
	}
	blob, err := security.Open(data[4:])
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrCorruptRecovery, err)
	}
	if err := cbor.Unmarshal(blob, &info); err != nil {
		return info, fmt.Errorf("%w: %v", ErrCorruptRecovery, err)
	}
	return info, nil
}

// WriteRecoveryFile atomically replaces the recovery file at path.
func WriteRecoveryFile(path string, info *RecoveryInfo) error {
	data, err := EncodeRecovery(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadRecoveryFile loads and verifies the recovery file at path.
func ReadRecoveryFile(path string) (RecoveryInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RecoveryInfo{}, err
	}
	return DecodeRecovery(data)
}
