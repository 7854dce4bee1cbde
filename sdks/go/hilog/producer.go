// Package hilog is the Go client of the hilogd daemon: a datagram
// producer, a slog.Handler on top of it, and a control protocol client.
package hilog

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/model"
)

// DefaultInputSocket is the daemon's datagram socket.
const DefaultInputSocket = "/dev/unix/socket/hilogInput"

type Options struct {
	// Socket overrides DefaultInputSocket.
	Socket string
	Type   model.LogType
	Domain uint32
	Tag    string
}

// Producer writes records to the daemon. It is safe for concurrent use.
type Producer struct {
	opts Options
	pid  uint32

	mu   sync.Mutex
	conn *net.UnixConn
	buf  []byte
}

// Dial connects a producer. The record type defaults to APP.
func Dial(opts Options) (*Producer, error) {
	if opts.Socket == "" {
		opts.Socket = DefaultInputSocket
	}
	if len(opts.Tag)+1 > model.MaxTagLen {
		return nil, fmt.Errorf("tag %q longer than %d bytes", opts.Tag, model.MaxTagLen-1)
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: opts.Socket, Net: "unixgram"})
	if err != nil {
		return nil, err
	}
	return &Producer{opts: opts, pid: uint32(os.Getpid()), conn: conn}, nil
}

// Write sends one record. Content longer than the wire limit is cut.
func (p *Producer) Write(level model.Level, content string) error {
	if limit := model.MaxLogLen - 1; len(content) > limit {
		content = content[:limit]
	}
	wall := model.WallNow()
	r := model.Record{
		Type:    p.opts.Type,
		Level:   level,
		Pid:     p.pid,
		Tid:     uint32(unix.Gettid()),
		Domain:  p.opts.Domain,
		TvSec:   wall.Sec,
		TvNsec:  wall.Nsec,
		MonoSec: model.MonoNow().Sec,
		Tag:     p.opts.Tag,
		Content: content,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	if p.buf, err = codec.AppendEncode(p.buf[:0], &r); err != nil {
		return err
	}
	_, err = p.conn.Write(p.buf)
	return err
}

// Printf formats and writes a record.
func (p *Producer) Printf(level model.Level, format string, args ...any) error {
	return p.Write(level, fmt.Sprintf(format, args...))
}

func (p *Producer) Close() error {
	return p.conn.Close()
}
