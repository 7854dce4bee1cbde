package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/pkg/security"
	"github.com/coffersTech/hilogd/internal/storage"
)

func sampleStart(dir string, id uint32) StartMsg {
	return StartMsg{
		JobID:     id,
		FilePath:  filepath.Join(dir, "hilog"),
		FileSize:  4 << 20,
		FileNum:   10,
		Algorithm: storage.Zstd,
		Filter: engine.Filter{
			Types:    model.DefaultTypesMask,
			Levels:   model.AllLevelsMask,
			Domains:  []uint32{0xD002BFF},
			BlackTag: true,
			Tags:     []string{"noisy"},
			Regex:    "conn*",
		},
	}
}

func TestRecoveryRoundTrip(t *testing.T) {
	in := RecoveryInfo{Index: 7, Start: sampleStart("/data/log/hilog", 21)}
	data, err := EncodeRecovery(&in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeRecovery(data)
	if err != nil {
		t.Fatalf("DecodeRecovery: %v", err)
	}
	if out.Index != 7 || out.Start.JobID != 21 || out.Start.FilePath != in.Start.FilePath ||
		out.Start.Algorithm != storage.Zstd || out.Start.FileNum != 10 {
		t.Errorf("decoded = %+v", out)
	}
	f := out.Start.Filter
	if f.Types != model.DefaultTypesMask || !f.BlackTag || len(f.Tags) != 1 || f.Tags[0] != "noisy" ||
		len(f.Domains) != 1 || f.Domains[0] != 0xD002BFF || f.Regex != "conn*" {
		t.Errorf("decoded filter = %+v", f)
	}

	again, _ := EncodeRecovery(&in)
	if string(again) != string(data) {
		t.Error("encoding is not deterministic")
	}

	blob, _ := encMode.Marshal(&in)
	if string(data[4:]) != string(security.Seal(blob)) {
		t.Error("recovery body is not the sealed CBOR image")
	}
}

func TestRecoveryRejectsCorruption(t *testing.T) {
	data, _ := EncodeRecovery(&RecoveryInfo{Index: 1, Start: sampleStart("/x", 30)})
	tests := map[string][]byte{
		"empty":     nil,
		"truncated": data[:len(data)-1],
		"flipped":   append(append([]byte{}, data[:6]...), append([]byte{data[6] ^ 0x40}, data[7:]...)...),
		"long":      append(append([]byte{}, data...), 0),
	}
	for name, b := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeRecovery(b); !errors.Is(err, ErrCorruptRecovery) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestRestoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteRecoveryFile(RecoveryPath(dir, 12), &RecoveryInfo{Index: 4, Start: sampleStart(dir, 12)}); err != nil {
		t.Fatal(err)
	}
	bad, _ := EncodeRecovery(&RecoveryInfo{Start: sampleStart(dir, 13)})
	bad[len(bad)-1] ^= 0xFF
	if err := os.WriteFile(RecoveryPath(dir, 13), bad, 0644); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "hilog.info"), []byte("not a job"), 0644)

	var started []RecoveryInfo
	n := Restore(dir, zerolog.Nop(), func(info RecoveryInfo) error {
		started = append(started, info)
		return nil
	})
	if n != 1 || len(started) != 1 {
		t.Fatalf("restored %d jobs, want 1", n)
	}
	if got := started[0]; got.Start.JobID != 12 || got.Index != 4 || got.Start.FilePath != filepath.Join(dir, "hilog") {
		t.Errorf("restored %+v", got)
	}
}
