// Package flowctrl implements per-domain and per-process admission control
// over one second windows of the record monotonic clock.
package flowctrl

import (
	"sync"
	"sync/atomic"

	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/properties"
)

// Fallback quotas in bytes per second.
const (
	DefaultDomainQuota = 51200
	DefaultProcQuota   = 5 * procQuotaUnit
)

var windowLen = model.TimeStamp{Sec: 1}

type window struct {
	quota   int
	sum     int
	dropped int
	start   model.TimeStamp
}

// admit applies one record of n bytes at time now. It returns -1 to reject,
// 0 to accept, or the previous window's drop count when now opens a new window.
func (w *window) admit(now model.TimeStamp, n int) int {
	if now.After(w.start.Add(windowLen)) {
		prev := w.dropped
		w.start = now
		w.sum = n
		w.dropped = 0
		return prev
	}
	if w.sum+n <= w.quota {
		w.sum += n
		return 0
	}
	w.dropped++
	return -1
}

// Options configures a Controller.
type Options struct {
	Props        properties.Reader
	DomainQuotas map[uint32]int // keyed by DomainKey
	ProcQuotas   map[string]int
	ProcName     func(pid uint32) string
}

// Controller decides whether a record is admitted.
type Controller struct {
	props        properties.Reader
	domainQuotas map[uint32]int
	procQuotas   map[string]int
	procName     func(pid uint32) string

	domainOn atomic.Bool
	procOn   atomic.Bool

	mu      sync.Mutex
	domains map[uint32]*window
	procs   map[uint32]*window
	dropped [model.TypeNum]uint32
}

// New builds a controller. The domain and process switches start from
// their property values.
func New(opts Options) *Controller {
	props := opts.Props
	if props == nil {
		props = properties.NewMemory(nil)
	}
	c := &Controller{
		props:        props,
		domainQuotas: opts.DomainQuotas,
		procQuotas:   opts.ProcQuotas,
		procName:     opts.ProcName,
		domains:      make(map[uint32]*window),
		procs:        make(map[uint32]*window),
	}
	c.domainOn.Store(properties.Bool(props, properties.KeyDomainFlowCtrl, false))
	c.procOn.Store(properties.Bool(props, properties.KeyProcFlowCtrl, false))
	return c
}

// SetDomainEnabled toggles domain flow control at runtime.
func (c *Controller) SetDomainEnabled(on bool) {
	c.domainOn.Store(on)
}

// DomainEnabled reports the domain switch.
func (c *Controller) DomainEnabled() bool {
	return c.domainOn.Load()
}

// Admit applies flow control to r. dropped is the number of records the
// same keys lost in their previous windows, reported once when a new window
// opens; the caller announces them before inserting r.
//
// APP records are never limited. Other types pass the process window of
// their pid and then the window of their domain, each when its switch is on.
func (c *Controller) Admit(r *model.Record) (accepted bool, dropped int) {
	if r.Type == model.TypeApp || properties.IsDebug(c.props) {
		return true, 0
	}
	if c.procOn.Load() {
		ret := c.admitProc(r)
		if ret < 0 {
			return false, 0
		}
		dropped += ret
	}
	if c.domainOn.Load() {
		ret := c.admitDomain(r)
		if ret < 0 {
			return false, 0
		}
		dropped += ret
	}
	return true, dropped
}

func (c *Controller) admitDomain(r *model.Record) int {
	now := r.Mono()
	n := r.QuotaLen()

	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.domains[r.Domain]
	if !ok {
		c.domains[r.Domain] = &window{quota: c.domainQuota(r.Domain), sum: n, start: now}
		return 0
	}
	ret := w.admit(now, n)
	if ret < 0 {
		c.dropped[r.Type]++
	}
	return ret
}

func (c *Controller) admitProc(r *model.Record) int {
	now := r.Mono()
	n := r.QuotaLen()

	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.procs[r.Pid]
	if !ok {
		c.procs[r.Pid] = &window{quota: c.procQuota(r.Pid), sum: n, start: now}
		return 0
	}
	ret := w.admit(now, n)
	if ret < 0 {
		c.dropped[r.Type]++
	}
	return ret
}

func (c *Controller) domainQuota(domain uint32) int {
	if q, ok := c.domainQuotas[DomainKey(domain)]; ok {
		return q
	}
	if q := properties.Int(c.props, properties.DomainQuotaKey(domain), 0); q > 0 {
		return int(q)
	}
	return DefaultDomainQuota
}

func (c *Controller) procQuota(pid uint32) int {
	if c.procName == nil {
		return DefaultProcQuota
	}
	name := c.procName(pid)
	if q := properties.Int(c.props, properties.ProcQuotaKey(name), 0); q > 0 {
		return int(q)
	}
	if q, ok := c.procQuotas[name]; ok {
		return q
	}
	return DefaultProcQuota
}

// Dropped returns the records rejected per type since the last clear.
func (c *Controller) Dropped() [model.TypeNum]uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// ClearDropped resets the drop counters. Window state is kept.
func (c *Controller) ClearDropped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = [model.TypeNum]uint32{}
}
