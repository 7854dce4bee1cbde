package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/coffersTech/hilogd/internal/storage"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestRotatorShiftsAtCeiling(t *testing.T) {
	dir := t.TempDir()
	start := StartMsg{JobID: 11, FilePath: filepath.Join(dir, "hilog"), FileNum: 3, Algorithm: storage.None}
	r := NewRotator(start)
	if err := r.Init(RecoveryInfo{Start: start}, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := r.Input([]byte(fmt.Sprintf("chunk%d\n", i))); err != nil {
			t.Fatalf("Input %d: %v", i, err)
		}
		r.FinishInput()
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	want := map[string]string{"hilog.0": "chunk2\n", "hilog.1": "chunk3\n", "hilog.2": "chunk4\n"}
	for name, content := range want {
		if got := readFile(t, filepath.Join(dir, name)); got != content {
			t.Errorf("%s = %q, want %q", name, got, content)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "hilog.3")); !os.IsNotExist(err) {
		t.Error("file beyond the ceiling exists")
	}

	info, err := ReadRecoveryFile(RecoveryPath(dir, 11))
	if err != nil {
		t.Fatalf("ReadRecoveryFile: %v", err)
	}
	if info.Index != 2 || info.Start.JobID != 11 {
		t.Errorf("recovery info = %+v", info)
	}
}

func TestRotatorRestoreAppends(t *testing.T) {
	dir := t.TempDir()
	start := StartMsg{JobID: 12, FilePath: filepath.Join(dir, "hilog"), FileNum: 4, Algorithm: storage.Zlib}

	r := NewRotator(start)
	if err := r.Init(RecoveryInfo{Start: start}, false); err != nil {
		t.Fatal(err)
	}
	r.FinishInput()
	r.Input([]byte("a"))
	r.Close()

	r = NewRotator(start)
	if err := r.Init(RecoveryInfo{Index: 1, Start: start}, true); err != nil {
		t.Fatal(err)
	}
	r.Input([]byte("b"))
	r.Close()

	if got := readFile(t, filepath.Join(dir, "hilog.1.gz")); got != "ab" {
		t.Errorf("restored file = %q, want %q", got, "ab")
	}
}

func TestRotatorFreshInitRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"hilog.7", "hilog.3.zst", "hilog.txt", "hilog.1a"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("old"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	start := StartMsg{JobID: 13, FilePath: filepath.Join(dir, "hilog"), FileNum: 2}
	r := NewRotator(start)
	if err := r.Init(RecoveryInfo{Start: start}, false); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	for name, exists := range map[string]bool{"hilog.7": false, "hilog.3.zst": false, "hilog.txt": true, "hilog.1a": true, "hilog.0": true} {
		_, err := os.Stat(filepath.Join(dir, name))
		if (err == nil) != exists {
			t.Errorf("%s exists = %v, want %v", name, err == nil, exists)
		}
	}
}
