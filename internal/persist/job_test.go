package persist

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
	"github.com/coffersTech/hilogd/internal/storage"
)

func coreRecord(i int) model.Record {
	return model.Record{
		Type:    model.TypeCore,
		Level:   model.LevelInfo,
		Pid:     100,
		Tid:     101,
		Domain:  0xD002B00,
		TvSec:   1700000000,
		TvNsec:  5_000_000,
		Tag:     "svc",
		Content: fmt.Sprintf("hello %d", i),
	}
}

func testManager(t *testing.T) (*Manager, *engine.Buffer, string) {
	t.Helper()
	dir := t.TempDir()
	buf := engine.NewBuffer(true, nil)
	m := NewManager(ManagerOptions{
		Dir:           dir,
		Main:          buf,
		Logger:        zerolog.Nop(),
		FlushInterval: 20 * time.Millisecond,
		Location:      time.UTC,
	})
	return m, buf, dir
}

func allFilter() engine.Filter {
	return engine.Filter{Types: model.DefaultTypesMask, Levels: model.AllLevelsMask}
}

func TestAppendLine(t *testing.T) {
	r := coreRecord(0)
	if got := string(AppendLine(nil, &r, time.UTC)); got != "11-14 22:13:20.005   100   101 I C02b00/svc: hello 0\n" {
		t.Errorf("core line = %q", got)
	}
	k := model.Record{Type: model.TypeKmsg, Level: model.LevelWarn, TvSec: 1700000000, Content: "usb 1-1: reset"}
	if got := string(AppendLine(nil, &k, time.UTC)); got != "11-14 22:13:20.000  usb 1-1: reset\n" {
		t.Errorf("kmsg line = %q", got)
	}
}

func TestJobPersistsRecords(t *testing.T) {
	m, buf, dir := testManager(t)
	for i := 0; i < 3; i++ {
		buf.Insert(coreRecord(i))
	}
	start := StartMsg{JobID: 10, FilePath: filepath.Join(dir, "hilog"), FileSize: 4 << 20, FileNum: 10, Algorithm: storage.Zlib, Filter: allFilter()}
	j, err := m.StartJob(RecoveryInfo{Start: start}, false)
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	if j.State() != StateRunning {
		t.Errorf("state = %v", j.State())
	}
	buf.Insert(coreRecord(3))

	out := filepath.Join(dir, "hilog.0.gz")
	deadline := time.Now().Add(2 * time.Second)
	var text string
	for time.Now().Before(deadline) {
		j.Refresh()
		data, err := storage.ReadPersisted(out)
		if err == nil && strings.Count(string(data), "\n") == 4 {
			text = string(data)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.HasSuffix(text, "C02b00/svc: hello 3\n") {
		t.Fatalf("persisted text = %q", text)
	}

	ids, err := m.Stop(0)
	if err != nil || len(ids) != 1 || ids[0] != 10 {
		t.Fatalf("Stop = %v, %v", ids, err)
	}
	if j.State() != StateStopped || m.Registry().Len() != 0 {
		t.Errorf("state %v, %d jobs registered", j.State(), m.Registry().Len())
	}
	for _, p := range []string{StagingPath(dir, 10), RecoveryPath(dir, 10)} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s left behind", p)
		}
	}
	if _, err := m.Stop(0); !errors.Is(err, protocol.ErrPersistTaskEmpty) {
		t.Errorf("Stop on empty registry: %v", err)
	}
}

func TestJobInitErrors(t *testing.T) {
	m, _, dir := testManager(t)
	start := StartMsg{JobID: 10, FilePath: filepath.Join(dir, "hilog"), FileNum: 2, Filter: allFilter()}
	if _, err := m.StartJob(RecoveryInfo{Start: start}, false); err != nil {
		t.Fatal(err)
	}
	defer m.Shutdown()

	tests := []struct {
		name  string
		start StartMsg
		want  error
	}{
		{"missing dir", StartMsg{JobID: 11, FilePath: filepath.Join(dir, "nope", "hilog")}, protocol.ErrLogPersistFilePathInvalid},
		{"same id", StartMsg{JobID: 10, FilePath: filepath.Join(dir, "other")}, protocol.ErrLogPersistTaskExisted},
		{"same path", StartMsg{JobID: 12, FilePath: filepath.Join(dir, "hilog")}, protocol.ErrLogPersistTaskExisted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.StartJob(RecoveryInfo{Start: tt.start}, false); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
	if m.Registry().Len() != 1 {
		t.Errorf("%d jobs registered after failures", m.Registry().Len())
	}
	if _, err := m.Refresh(99); !errors.Is(err, protocol.ErrJobidNotExsist) {
		t.Errorf("Refresh unknown id: %v", err)
	}
}

func TestJobRotatesOnCompressedSize(t *testing.T) {
	dir := t.TempDir()
	buf := engine.NewBuffer(true, nil)
	start := StartMsg{JobID: 10, FilePath: filepath.Join(dir, "hilog"), FileSize: 1, FileNum: 3, Filter: allFilter()}
	j := NewJob(start, JobOptions{Buffer: buf, Registry: NewRegistry(0), Logger: zerolog.Nop(), Location: time.UTC})
	if err := j.Init(RecoveryInfo{Start: start}, false); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		r := coreRecord(i)
		j.write(&r)
		j.Refresh()
	}
	j.Stop()

	for i, want := range []string{"hello 1", "hello 2", "hello 3"} {
		got := readFile(t, fmt.Sprintf("%s.%d", start.FilePath, i))
		if !strings.Contains(got, want) || strings.Count(got, "\n") != 1 {
			t.Errorf("hilog.%d = %q, want %q", i, got, want)
		}
	}
}

func TestRestoreReplaysStagedBytes(t *testing.T) {
	m, _, dir := testManager(t)
	start := StartMsg{JobID: 10, FilePath: filepath.Join(dir, "hilog"), FileSize: 4 << 20, FileNum: 5, Filter: allFilter()}

	s, err := OpenStaging(StagingPath(dir, 10), false)
	if err != nil {
		t.Fatal(err)
	}
	s.Write([]byte("staged before crash\n"))
	s.Close()
	if err := WriteRecoveryFile(RecoveryPath(dir, 10), &RecoveryInfo{Index: 2, Start: start}); err != nil {
		t.Fatal(err)
	}

	if n := m.Restore(); n != 1 {
		t.Fatalf("Restore = %d", n)
	}
	j, ok := m.Registry().Get(10)
	if !ok {
		t.Fatal("job 10 not registered")
	}
	if got := readFile(t, filepath.Join(dir, "hilog.2")); got != "staged before crash\n" {
		t.Errorf("hilog.2 = %q", got)
	}
	if j.Params().FilePath != start.FilePath {
		t.Errorf("params = %+v", j.Params())
	}

	m.Shutdown()
	info, err := ReadRecoveryFile(RecoveryPath(dir, 10))
	if err != nil || info.Index != 2 {
		t.Errorf("recovery after shutdown: %+v, %v", info, err)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	names := []string{"hilog.0.gz", "hilog.1.gz", "kept.0", "other.3.zst", "notes.txt", "persisterInfo_10"}
	for _, n := range names {
		os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644)
	}
	r := NewRegistry(0)
	r.Add(NewJob(StartMsg{JobID: 10, FilePath: filepath.Join(dir, "kept")}, JobOptions{Registry: r}))

	if err := Clear(dir, r); err != nil {
		t.Fatal(err)
	}
	for name, exists := range map[string]bool{
		"hilog.0.gz": false, "hilog.1.gz": false, "other.3.zst": false,
		"kept.0": true, "notes.txt": true, "persisterInfo_10": true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if (err == nil) != exists {
			t.Errorf("%s exists = %v, want %v", name, err == nil, exists)
		}
	}
}
