// Package collector turns datagrams received on the input socket into
// validated records inserted into the ring buffer.
package collector

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/flowctrl"
	"github.com/coffersTech/hilogd/internal/model"
)

// DropTag labels the marker announcing records lost to flow control.
const DropTag = "LOGLIMITD"

// ErrDomain reports a domain outside the range allowed for the record type.
var ErrDomain = errors.New("domain not allowed for log type")

// ErrFlowControl reports a record rejected by flow control.
var ErrFlowControl = errors.New("rejected by flow control")

// ErrBufferFull reports a record that could not be inserted.
var ErrBufferFull = errors.New("buffer full")

// Cred is the identity the kernel attached to a datagram.
type Cred struct {
	PID uint32
	UID uint32
	GID uint32
}

// Options configures a Collector.
type Options struct {
	Buffer *engine.Buffer
	Flow   *flowctrl.Controller
	Logger zerolog.Logger

	// FullRetries bounds the retries of an insert that found the buffer full.
	FullRetries int
	RetryWait   time.Duration
}

// Collector validates, admits and inserts records.
type Collector struct {
	buf       *engine.Buffer
	flow      *flowctrl.Controller
	log       zerolog.Logger
	retries   int
	retryWait time.Duration
}

// New creates a collector.
func New(opts Options) *Collector {
	if opts.FullRetries <= 0 {
		opts.FullRetries = 5
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Millisecond
	}
	return &Collector{
		buf:       opts.Buffer,
		flow:      opts.Flow,
		log:       opts.Logger.With().Str("component", "collector").Logger(),
		retries:   opts.FullRetries,
		retryWait: opts.RetryWait,
	}
}

// SetFlowControl toggles domain flow control at runtime.
func (c *Collector) SetFlowControl(on bool) {
	if c.flow != nil {
		c.flow.SetDomainEnabled(on)
	}
}

// Dropped returns the records flow control rejected per type.
func (c *Collector) Dropped() [model.TypeNum]uint32 {
	if c.flow == nil {
		return [model.TypeNum]uint32{}
	}
	return c.flow.Dropped()
}

// ClearDropped resets the flow control drop totals.
func (c *Collector) ClearDropped() {
	if c.flow != nil {
		c.flow.ClearDropped()
	}
}

// OnDataReceived handles one datagram. A malformed or rejected packet is
// dropped and the reason returned; the socket keeps serving.
func (c *Collector) OnDataReceived(cred *Cred, raw []byte) error {
	rec, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	if !rec.InAllowedDomain() {
		return fmt.Errorf("type %v domain %#x: %w", rec.Type, rec.Domain, ErrDomain)
	}
	if cred != nil && cred.PID != 0 {
		rec.Pid = cred.PID
	}

	dropped := 0
	if c.flow != nil {
		ok, n := c.flow.Admit(&rec)
		if !ok {
			return ErrFlowControl
		}
		dropped = n
	}
	if dropped > 0 {
		c.insert(dropMarker(&rec, dropped), 0)
	}
	return c.insert(rec, dropped)
}

// Insert stores a record produced inside the daemon.
func (c *Collector) Insert(rec model.Record) error {
	return c.insert(rec, 0)
}

func (c *Collector) insert(rec model.Record, dropped int) error {
	for attempt := 0; ; attempt++ {
		n, full := c.buf.Insert(rec)
		if n > 0 {
			c.buf.CountLog(engine.StatsInfoOf(&rec, dropped))
			return nil
		}
		if !full {
			return fmt.Errorf("insert %v record: malformed", rec.Type)
		}
		if attempt >= c.retries {
			c.log.Debug().Stringer("type", rec.Type).Msg("buffer full, record dropped")
			return ErrBufferFull
		}
		time.Sleep(c.retryWait)
	}
}

func dropMarker(r *model.Record, n int) model.Record {
	m := *r
	m.Tag = DropTag
	m.Content = fmt.Sprintf("%d line(s) dropped!", n)
	return m
}
