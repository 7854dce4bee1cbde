package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
)

func TestInputServerStampsSenderPid(t *testing.T) {
	deps := testDeps(t)
	path := filepath.Join(t.TempDir(), "input")
	in := NewInputServer(path, deps.Collector, zerolog.Nop())
	if err := in.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Serve(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	}()

	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	rec := appRecord(1, 0)
	b, err := codec.Encode(&rec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatal(err)
	}
	// A malformed datagram is dropped without stopping the server.
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(b); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for deps.Main.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := deps.Main.Len(); n != 2 {
		t.Fatalf("buffer holds %d records, want 2", n)
	}

	f := &engine.Filter{Types: model.AllTypesMask, Levels: model.AllLevelsMask}
	id := deps.Main.CreateReader(nil)
	defer deps.Main.RemoveReader(id)
	got, _ := deps.Main.Query(f, id, 0)
	if got.Pid != uint32(os.Getpid()) {
		t.Errorf("pid = %d, want sender pid %d", got.Pid, os.Getpid())
	}
	if got.Content != rec.Content {
		t.Errorf("content = %q", got.Content)
	}
}

func TestControlServer(t *testing.T) {
	deps := testDeps(t)
	path := filepath.Join(t.TempDir(), "control")
	srv := NewControlServer(path, ControlCmds, deps)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	for range 2 {
		send(t, conn, protocol.BufferSizeGetRqst, &protocol.BufferSizeGet{Types: model.TypeCore.Mask()})
		var res protocol.BufferSizeGetResult
		if err := protocol.ReadMsg(conn, protocol.BufferSizeGetRsp, &res); err != nil {
			t.Fatal(err)
		}
		if res.Size[model.TypeCore] != uint32(engine.DefaultBufferSize) {
			t.Errorf("core size = %d", res.Size[model.TypeCore])
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if _, err := protocol.ReadHeader(conn); err == nil {
		t.Error("connection still open after Shutdown")
	}
	conn.Close()
}

func TestListenReplacesStaleSocket(t *testing.T) {
	deps := testDeps(t)
	path := filepath.Join(t.TempDir(), "control")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	srv := NewControlServer(path, OutputCmds, deps)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	srv.Shutdown(context.Background())
}
