package hilog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/collector"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/persist"
	"github.com/coffersTech/hilogd/internal/properties"
	"github.com/coffersTech/hilogd/internal/protocol"
	"github.com/coffersTech/hilogd/internal/server"
)

type daemon struct {
	deps    *server.Deps
	input   string
	output  string
	control string
}

func startDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()
	stats := engine.NewStats(true, false, nil)
	main := engine.NewBuffer(true, stats)
	coll := collector.New(collector.Options{Buffer: main, Logger: zerolog.Nop()})
	mgr := persist.NewManager(persist.ManagerOptions{
		Dir:    t.TempDir(),
		Main:   main,
		Logger: zerolog.Nop(),
	})
	d := &daemon{
		deps: &server.Deps{
			Main:      main,
			Kmsg:      engine.NewBuffer(true, nil),
			Stats:     stats,
			Collector: coll,
			Persist:   mgr,
			Props:     properties.NewMemory(nil),
			Logger:    zerolog.Nop(),
		},
		input:   filepath.Join(dir, "in"),
		output:  filepath.Join(dir, "out"),
		control: filepath.Join(dir, "ctl"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	in := server.NewInputServer(d.input, coll, zerolog.Nop())
	if err := in.Listen(); err != nil {
		t.Fatal(err)
	}
	go in.Serve(ctx)

	var servers []*server.ControlServer
	for path, cmds := range map[string][]protocol.Cmd{d.output: server.OutputCmds, d.control: server.ControlCmds} {
		srv := server.NewControlServer(path, cmds, d.deps)
		if err := srv.Listen(); err != nil {
			t.Fatal(err)
		}
		go srv.Serve(ctx)
		servers = append(servers, srv)
	}
	t.Cleanup(func() {
		cancel()
		for _, srv := range servers {
			srv.Shutdown(context.Background())
		}
		mgr.Shutdown()
	})
	return d
}

func (d *daemon) waitLen(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.deps.Main.Len() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := d.deps.Main.Len(); got != n {
		t.Fatalf("buffer holds %d records, want %d", got, n)
	}
}

func dialClient(t *testing.T, path string) *Client {
	t.Helper()
	c, err := DialClient(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestProducerAndOutput(t *testing.T) {
	d := startDaemon(t)
	p, err := Dial(Options{Socket: d.input, Domain: 0x10, Tag: "sdk"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Write(model.LevelInfo, "first"); err != nil {
		t.Fatal(err)
	}
	if err := p.Printf(model.LevelError, "second %d", 2); err != nil {
		t.Fatal(err)
	}
	d.waitLen(t, 2)

	c := dialClient(t, d.output)
	var got []model.Record
	err = c.Output(context.Background(), Query{NoBlock: true}, func(r model.Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Content != "first" || got[1].Content != "second 2" || got[1].Level != model.LevelError {
		t.Errorf("records = %+v", got)
	}
	if got[0].Tag != "sdk" || got[0].Domain != 0x10 || got[0].Pid != uint32(os.Getpid()) {
		t.Errorf("record header = %+v", got[0])
	}

	// Level filter over the same connection.
	got = nil
	err = c.Output(context.Background(), Query{NoBlock: true, Levels: model.LevelError.Mask()}, func(r model.Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil || len(got) != 1 {
		t.Errorf("filtered output = %v, %d records", err, len(got))
	}
}

func TestOutputCancel(t *testing.T) {
	d := startDaemon(t)
	c := dialClient(t, d.output)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Output(ctx, Query{}, func(model.Record) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Output() error = %v, want deadline exceeded", err)
	}
}

func TestHandler(t *testing.T) {
	d := startDaemon(t)
	p, err := Dial(Options{Socket: d.input, Tag: "slog"})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	h := NewHandler(p, slog.LevelInfo)
	log := slog.New(h).With("svc", "api").WithGroup("req")
	log.Debug("hidden")
	log.Warn("slow", "ms", 120, slog.Group("peer", "id", 7))
	h.Shutdown()
	d.waitLen(t, 1)

	c := dialClient(t, d.output)
	var got model.Record
	c.Output(context.Background(), Query{NoBlock: true}, func(r model.Record) error {
		got = r
		return nil
	})
	if want := "slow svc=api req.ms=120 req.peer.id=7"; got.Content != want {
		t.Errorf("content = %q, want %q", got.Content, want)
	}
	if got.Level != model.LevelWarn {
		t.Errorf("level = %v", got.Level)
	}
}

func TestLevelOf(t *testing.T) {
	tests := []struct {
		in   slog.Level
		want model.Level
	}{
		{slog.LevelDebug, model.LevelDebug},
		{slog.LevelInfo, model.LevelInfo},
		{slog.LevelWarn + 1, model.LevelWarn},
		{slog.LevelError, model.LevelError},
		{slog.LevelError + 4, model.LevelFatal},
	}
	for _, tt := range tests {
		if got := LevelOf(tt.in); got != tt.want {
			t.Errorf("LevelOf(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestControlClient(t *testing.T) {
	d := startDaemon(t)
	c := dialClient(t, d.control)

	set, err := c.SetBufferSize(model.TypeApp.Mask(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if set[model.TypeApp] != 1<<20 {
		t.Errorf("SetBufferSize() = %v", set)
	}
	sizes, err := c.BufferSize(model.TypeApp.Mask())
	if err != nil || sizes[model.TypeApp] != 1<<20 {
		t.Errorf("BufferSize() = %v, %v", sizes, err)
	}

	id, err := c.PersistStart(PersistRequest{JobID: 12, FileName: "sdk", Stream: "none"})
	if err != nil || id != 12 {
		t.Fatalf("PersistStart() = %d, %v", id, err)
	}
	jobs, err := c.PersistQuery()
	if err != nil || len(jobs) != 1 || jobs[0].FileName != "sdk" || jobs[0].Stream != "none" {
		t.Fatalf("PersistQuery() = %+v, %v", jobs, err)
	}
	if ids, err := c.PersistStop(0); err != nil || len(ids) != 1 || ids[0] != 12 {
		t.Errorf("PersistStop() = %v, %v", ids, err)
	}
	if _, err := c.PersistQuery(); !errors.Is(err, protocol.ErrNoRunningTask) {
		t.Errorf("PersistQuery() after stop = %v", err)
	}

	if _, err := c.StatsSummary(0); err != nil {
		t.Errorf("StatsSummary() error = %v", err)
	}
	if err := c.StatsClear(); err != nil {
		t.Errorf("StatsClear() error = %v", err)
	}
	if err := c.SetFlowControl(false); err != nil {
		t.Errorf("SetFlowControl() error = %v", err)
	}
}

func TestQueryLimits(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		want error
	}{
		{"domains", Query{Domains: make([]uint32, protocol.MaxDomains+1)}, protocol.ErrTooManyDomains},
		{"tags", Query{Tags: make([]string, protocol.MaxTags+1)}, protocol.ErrTooManyTags},
		{"pids", Query{Pids: make([]uint32, protocol.MaxPids+1)}, protocol.ErrTooManyPids},
		{"regex", Query{Regex: strings.Repeat("a", protocol.MaxRegexLen)}, protocol.ErrRegexStrTooLong},
		{"tag length", Query{Tags: []string{strings.Repeat("t", model.MaxTagLen)}}, protocol.ErrTagStrTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.q.wire(); !errors.Is(err, tt.want) {
				t.Errorf("wire() error = %v, want %v", err, tt.want)
			}
		})
	}
}
