package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/properties"
	"github.com/coffersTech/hilogd/internal/protocol"
)

// Capacity bounds per partition.
const (
	MinBufferSize     int64 = 64 * 1024
	MaxBufferSize     int64 = 512 * 1024 * 1024
	DefaultBufferSize int64 = 256 * 1024
)

// dropRatio is the share of capacity freed by one eviction sweep.
const dropRatio = 0.05

// SkippedTag labels the synthetic record announcing evicted, unread records.
const SkippedTag = "HiLog"

// ReaderID is the opaque handle a consumer queries the buffer with.
type ReaderID uint64

type reader struct {
	mu      sync.Mutex
	next    uint64
	skipped uint64
	init    bool
	onNew   func()
}

type entry struct {
	seq  uint64
	dead bool
	rec  model.Record
}

// Buffer is the shared in-memory record store. Records are kept in
// insertion order and accounted per partition; each reader owns a cursor
// holding the sequence number of the next record it will examine.
type Buffer struct {
	mu       sync.RWMutex
	entries  []entry
	nextSeq  uint64
	size     [model.TypeNum]int64
	capacity [model.TypeNum]int64
	skipMode bool

	readersMu sync.RWMutex
	readers   map[ReaderID]*reader
	lastID    atomic.Uint64

	stats *Stats
}

// NewBuffer creates a buffer with default capacities. In skip mode an
// unread record may be evicted and its readers are told how many they
// missed; otherwise unread records block eviction and Insert reports full.
func NewBuffer(skipMode bool, stats *Stats) *Buffer {
	b := &Buffer{
		entries:  make([]entry, 0, 4096),
		skipMode: skipMode,
		readers:  make(map[ReaderID]*reader),
		stats:    stats,
	}
	for i := range b.capacity {
		b.capacity[i] = DefaultBufferSize
	}
	return b
}

// InitCapacities loads capacities from properties. For each type the
// transient per-type key wins, then the persisted per-type key, then the
// transient and persisted global keys.
func (b *Buffer) InitCapacities(props properties.Reader) {
	global := int64(0)
	for _, persist := range []bool{false, true} {
		if v := properties.Int(props, properties.BufferSizeKey(nil, persist), 0); validCapacity(v) {
			global = v
			break
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for t := model.LogType(0); t < model.TypeNum; t++ {
		if !t.Valid() {
			continue
		}
		size := DefaultBufferSize
		if global != 0 {
			size = global
		}
		for _, persist := range []bool{true, false} {
			if v := properties.Int(props, properties.BufferSizeKey(&t, persist), 0); validCapacity(v) {
				size = v
			}
		}
		b.capacity[t.Partition()] = size
	}
}

func validCapacity(v int64) bool {
	return v >= MinBufferSize && v <= MaxBufferSize
}

// Stats returns the engine counted into by the collector, possibly nil.
func (b *Buffer) Stats() *Stats {
	return b.stats
}

// CountLog forwards to the stats engine.
func (b *Buffer) CountLog(info StatsInfo) {
	if b.stats != nil {
		b.stats.Count(info)
	}
}

// Insert appends rec. bytes is the accounted size, zero when the record is
// malformed or does not fit; full reports that unread records pinned by a
// reader blocked eviction, which callers treat as transient backpressure.
func (b *Buffer) Insert(rec model.Record) (bytes int, full bool) {
	if rec.TagLen() > model.MaxTagLen || rec.Size() > model.MaxLogLen || !rec.Type.Valid() {
		return 0, false
	}
	sz := int64(rec.Size())
	part := rec.Type.Partition()

	b.mu.Lock()
	if sz+b.size[part] >= b.capacity[part] {
		if !b.evictLocked(part, sz) {
			b.mu.Unlock()
			return 0, true
		}
		if sz+b.size[part] > b.capacity[part] {
			b.mu.Unlock()
			return 0, true
		}
	}
	b.entries = append(b.entries, entry{seq: b.nextSeq, rec: rec})
	b.nextSeq++
	b.size[part] += sz
	b.mu.Unlock()

	b.notify()
	return int(sz), false
}

// evictLocked drops the oldest records of part until the partition plus
// the incoming record fits in 95% of capacity. It returns false when a
// pinned record stopped the sweep.
func (b *Buffer) evictLocked(part model.LogType, incoming int64) bool {
	target := int64(float64(b.capacity[part]) * (1 - dropRatio))
	pinFrom := b.pinBoundaryLocked()

	ok := true
	evicted := 0
	for i := range b.entries {
		if b.size[part]+incoming <= target {
			break
		}
		e := &b.entries[i]
		if e.rec.Type.Partition() != part {
			continue
		}
		if !b.skipMode && e.seq >= pinFrom {
			ok = false
			break
		}
		e.dead = true
		b.size[part] -= int64(e.rec.Size())
		evicted++
		if b.skipMode {
			b.chargeSkippedLocked(e.seq)
		}
	}
	if evicted > 0 {
		b.compactLocked()
	}
	return ok
}

// pinBoundaryLocked returns the smallest cursor among initialized readers.
// Records at or after it have not been read by every reader.
func (b *Buffer) pinBoundaryLocked() uint64 {
	boundary := b.nextSeq
	b.readersMu.RLock()
	defer b.readersMu.RUnlock()
	for _, r := range b.readers {
		r.mu.Lock()
		if r.init && r.next < boundary {
			boundary = r.next
		}
		r.mu.Unlock()
	}
	return boundary
}

func (b *Buffer) chargeSkippedLocked(seq uint64) {
	b.readersMu.RLock()
	defer b.readersMu.RUnlock()
	for _, r := range b.readers {
		r.mu.Lock()
		if r.init && r.next <= seq {
			r.skipped++
		}
		r.mu.Unlock()
	}
}

func (b *Buffer) compactLocked() {
	kept := b.entries[:0]
	for _, e := range b.entries {
		if !e.dead {
			kept = append(kept, e)
		}
	}
	clear(b.entries[len(kept):])
	b.entries = kept
}

func (b *Buffer) notify() {
	b.readersMu.RLock()
	callbacks := make([]func(), 0, len(b.readers))
	for _, r := range b.readers {
		if r.onNew != nil {
			callbacks = append(callbacks, r.onNew)
		}
	}
	b.readersMu.RUnlock()

	for _, cb := range callbacks {
		cb()
	}
}

// CreateReader registers a cursor. onNewData runs on the inserting
// goroutine after every insert and must not block or call back into b.
func (b *Buffer) CreateReader(onNewData func()) ReaderID {
	id := ReaderID(b.lastID.Add(1))
	b.readersMu.Lock()
	b.readers[id] = &reader{onNew: onNewData}
	b.readersMu.Unlock()
	return id
}

// RemoveReader drops the cursor. Later queries with id return nothing.
func (b *Buffer) RemoveReader(id ReaderID) {
	b.readersMu.Lock()
	delete(b.readers, id)
	b.readersMu.Unlock()
}

// Query returns the next record at or after the reader's cursor that
// matches f. The first call positions the cursor: tailCount zero starts
// at the oldest retained record, otherwise at the tailCount-th newest
// match. Pending skip notices are returned before any record.
func (b *Buffer) Query(f *Filter, id ReaderID, tailCount int) (model.Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.readersMu.RLock()
	r, ok := b.readers[id]
	b.readersMu.RUnlock()
	if !ok {
		return model.Record{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.init {
		r.next = b.positionLocked(f, tailCount)
		r.init = true
	}
	if r.skipped > 0 {
		n := r.skipped
		r.skipped = 0
		return skippedRecord(n), true
	}

	i := b.indexOf(r.next)
	for ; i < len(b.entries); i++ {
		e := &b.entries[i]
		if f.Match(&e.rec) {
			r.next = e.seq + 1
			return e.rec, true
		}
	}
	r.next = b.nextSeq
	return model.Record{}, false
}

func (b *Buffer) positionLocked(f *Filter, tailCount int) uint64 {
	if len(b.entries) == 0 {
		return b.nextSeq
	}
	if tailCount <= 0 {
		return b.entries[0].seq
	}
	pos := b.entries[0].seq
	found := 0
	for i := len(b.entries) - 1; i >= 0; i-- {
		if f.Match(&b.entries[i].rec) {
			found++
			if found == tailCount {
				return b.entries[i].seq
			}
		}
	}
	return pos
}

// indexOf returns the slice index of the first entry with seq >= seq.
func (b *Buffer) indexOf(seq uint64) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].seq >= seq
	})
}

func skippedRecord(n uint64) model.Record {
	wall := model.WallNow()
	mono := model.MonoNow()
	return model.Record{
		Type:    model.TypeCore,
		Level:   model.LevelWarn,
		Domain:  model.DomainOSMin,
		TvSec:   wall.Sec,
		TvNsec:  wall.Nsec,
		MonoSec: mono.Sec,
		Tag:     SkippedTag,
		Content: fmt.Sprintf("%d line(s) skipped!", n),
	}
}

// Delete removes every record of type t and returns the bytes freed.
// Cursors are left in place; records they pointed at simply vanish.
func (b *Buffer) Delete(t model.LogType) int64 {
	if !t.Valid() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var freed int64
	for i := range b.entries {
		e := &b.entries[i]
		if e.rec.Type == t {
			e.dead = true
			freed += int64(e.rec.Size())
		}
	}
	if freed > 0 {
		b.size[t.Partition()] -= freed
		b.compactLocked()
	}
	return freed
}

// SetCapacity changes the capacity of t's partition.
func (b *Buffer) SetCapacity(t model.LogType, size int64) error {
	if !t.Valid() {
		return protocol.ErrLogTypeInvalid
	}
	if !validCapacity(size) {
		return fmt.Errorf("buffer size %d: %w", size, protocol.ErrBuffSizeInvalid)
	}
	b.mu.Lock()
	b.capacity[t.Partition()] = size
	b.mu.Unlock()
	return nil
}

// Capacity returns the capacity of t's partition, or zero for an invalid type.
func (b *Buffer) Capacity(t model.LogType) int64 {
	if !t.Valid() {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity[t.Partition()]
}

// Size returns the bytes accounted to t's partition.
func (b *Buffer) Size(t model.LogType) int64 {
	if t >= model.TypeNum {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size[t.Partition()]
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
