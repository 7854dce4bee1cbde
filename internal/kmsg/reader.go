// Package kmsg feeds kernel log records read from /dev/kmsg into the
// kernel ring buffer.
package kmsg

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/model"
)

// DefaultPath is the kernel log device.
const DefaultPath = "/dev/kmsg"

// Sink receives parsed kernel records.
type Sink interface {
	Insert(rec model.Record) error
}

// LevelOf maps a syslog priority to a record level.
func LevelOf(prio int) model.Level {
	switch prio & 7 {
	case 0, 1, 2:
		return model.LevelFatal
	case 3:
		return model.LevelError
	case 4, 5:
		return model.LevelWarn
	case 6:
		return model.LevelInfo
	default:
		return model.LevelDebug
	}
}

// ParseLine parses one "<prio>,<seq>,<usec>,<flags>;<message>" record.
// wall stamps the record; the mono time comes from the kernel timestamp.
func ParseLine(line string, wall model.TimeStamp) (model.Record, bool) {
	head, msg, ok := strings.Cut(line, ";")
	if !ok {
		return model.Record{}, false
	}
	fields := strings.Split(head, ",")
	if len(fields) < 3 {
		return model.Record{}, false
	}
	prio, err := strconv.Atoi(fields[0])
	if err != nil {
		return model.Record{}, false
	}
	usec, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return model.Record{}, false
	}
	msg = strings.TrimRight(msg, "\n")
	if msg == "" {
		return model.Record{}, false
	}
	if len(msg) > model.MaxLogLen-1 {
		msg = msg[:model.MaxLogLen-1]
	}
	return model.Record{
		Type:    model.TypeKmsg,
		Level:   LevelOf(prio),
		TvSec:   wall.Sec,
		TvNsec:  wall.Nsec,
		MonoSec: uint32(usec / 1_000_000),
		Content: msg,
	}, true
}

// Reader copies /dev/kmsg into a Sink on its own goroutine.
type Reader struct {
	path string
	sink Sink
	log  zerolog.Logger

	mu   sync.Mutex
	file *os.File
	done chan struct{}
}

// NewReader creates a stopped reader.
func NewReader(path string, sink Sink, log zerolog.Logger) *Reader {
	if path == "" {
		path = DefaultPath
	}
	return &Reader{path: path, sink: sink, log: log.With().Str("component", "kmsg").Logger()}
}

// Running reports whether the read loop is active.
func (r *Reader) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file != nil
}

// Start opens the device and starts reading. Calling Start on a running
// reader does nothing. The loop ends when ctx is done or Stop is called.
func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return nil
	}
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}
	r.file = f
	r.done = make(chan struct{})
	go r.loop(f, r.done)
	go func(done chan struct{}) {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-done:
		}
	}(r.done)
	r.log.Info().Str("path", r.path).Msg("kmsg reader started")
	return nil
}

// Stop closes the device and waits for the loop to end.
func (r *Reader) Stop() {
	r.mu.Lock()
	f, done := r.file, r.done
	r.file = nil
	r.mu.Unlock()
	if f == nil {
		return
	}
	f.Close()
	<-done
	r.log.Info().Msg("kmsg reader stopped")
}

func (r *Reader) loop(f *os.File, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 8192)
	for {
		n, err := f.Read(buf)
		if err != nil {
			// EPIPE means records were overwritten before we read them.
			if errors.Is(err, syscall.EPIPE) {
				continue
			}
			if !errors.Is(err, os.ErrClosed) {
				r.log.Debug().Err(err).Msg("kmsg read ended")
			}
			return
		}
		for _, line := range bytes.Split(buf[:n], []byte{'\n'}) {
			// continuation lines carry key=value properties
			if len(line) == 0 || line[0] == ' ' {
				continue
			}
			rec, ok := ParseLine(string(line), model.WallNow())
			if !ok {
				continue
			}
			if err := r.sink.Insert(rec); err != nil {
				r.log.Debug().Err(err).Msg("kmsg record dropped")
			}
		}
	}
}
