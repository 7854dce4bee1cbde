package hilog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/coffersTech/hilogd/internal/model"
)

// queueSize bounds the records waiting for the sender goroutine.
const queueSize = 10000

type entry struct {
	level   model.Level
	content string
}

// sender owns the producer and drains the queue on one goroutine.
type sender struct {
	p     *Producer
	queue chan entry
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Handler is a slog.Handler forwarding records to the daemon
// asynchronously. Attributes are appended to the message as key=value.
type Handler struct {
	s      *sender
	level  slog.Leveler
	attrs  string
	prefix string
}

// NewHandler starts the sender goroutine for p. Records below level are
// dropped; a nil level means slog.LevelInfo.
func NewHandler(p *Producer, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	s := &sender{p: p, queue: make(chan entry, queueSize), done: make(chan struct{})}
	s.wg.Add(1)
	go s.run()
	return &Handler{s: s, level: level}
}

// LevelOf maps a slog level to the nearest record level.
func LevelOf(l slog.Level) model.Level {
	switch {
	case l < slog.LevelInfo:
		return model.LevelDebug
	case l < slog.LevelWarn:
		return model.LevelInfo
	case l < slog.LevelError:
		return model.LevelWarn
	case l < slog.LevelError+4:
		return model.LevelError
	default:
		return model.LevelFatal
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})

	select {
	case h.s.queue <- entry{level: LevelOf(r.Level), content: b.String()}:
	default:
		fmt.Fprintln(os.Stderr, "hilog: queue full, dropping record")
	}
	return nil
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", prefix, a.Key, a.Value.Any())
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	h2.attrs = b.String()
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix += name + "."
	return &h2
}

func (s *sender) run() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.queue:
			s.send(e)
		case <-s.done:
			for {
				select {
				case e := <-s.queue:
					s.send(e)
				default:
					return
				}
			}
		}
	}
}

func (s *sender) send(e entry) {
	if err := s.p.Write(e.level, e.content); err != nil {
		fmt.Fprintf(os.Stderr, "hilog: send failed: %v\n", err)
	}
}

// Shutdown flushes queued records and stops the sender. The producer is
// left open.
func (h *Handler) Shutdown() {
	h.s.once.Do(func() { close(h.s.done) })
	h.s.wg.Wait()
}
