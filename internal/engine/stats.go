package engine

import (
	"maps"
	"sync"

	"github.com/coffersTech/hilogd/internal/model"
)

// auditPeriod is the window over which peak frequency and throughput are measured.
var auditPeriod = model.TimeStamp{Sec: 1}

// StatsInfo is what the collector reports for each accepted record.
type StatsInfo struct {
	Level   model.Level
	Type    model.LogType
	Len     uint16
	Dropped uint16
	Domain  uint32
	Pid     uint32
	TvSec   uint32
	TvNsec  uint32
	MonoSec uint32
	Tag     string
}

// StatsInfoOf builds the stats view of r.
func StatsInfoOf(r *model.Record, dropped int) StatsInfo {
	return StatsInfo{
		Level:   r.Level,
		Type:    r.Type,
		Len:     uint16(r.Size()),
		Dropped: uint16(dropped),
		Domain:  r.Domain,
		Pid:     r.Pid,
		TvSec:   r.TvSec,
		TvNsec:  r.TvNsec,
		MonoSec: r.MonoSec,
		Tag:     r.Tag,
	}
}

// StatsEntry accumulates counters for one domain, process, type or tag.
type StatsEntry struct {
	Lines   [model.LevelNum]uint32
	Len     [model.LevelNum]uint64
	Dropped uint32

	TmpLines uint32
	TmpLen   uint64

	FreqMax           float32
	FreqMaxTime       model.TimeStamp
	ThroughputMax     float32
	ThroughputMaxTime model.TimeStamp

	WallLast       model.TimeStamp
	MonoLast       model.TimeStamp
	MonoAuditStart model.TimeStamp
}

func newStatsEntry(info *StatsInfo) StatsEntry {
	wall := model.TimeStamp{Sec: info.TvSec, Nsec: info.TvNsec}
	mono := model.TimeStamp{Sec: info.MonoSec, Nsec: info.TvNsec}
	e := StatsEntry{
		Dropped:           uint32(info.Dropped),
		TmpLines:          1,
		TmpLen:            uint64(info.Len),
		FreqMaxTime:       wall,
		ThroughputMaxTime: wall,
		WallLast:          wall,
		MonoLast:          mono,
		MonoAuditStart:    mono,
	}
	lvl := info.Level.Index()
	e.Lines[lvl] = 1
	e.Len[lvl] = uint64(info.Len)
	return e
}

func (e *StatsEntry) update(info *StatsInfo) {
	mono := model.TimeStamp{Sec: info.MonoSec, Nsec: info.TvNsec}
	if mono.Sub(e.MonoLast).After(auditPeriod) {
		secs := float32(e.MonoLast.Sub(e.MonoAuditStart).Seconds())
		if secs < 1.0 {
			secs = 1.0
		}
		if freq := float32(e.TmpLines) / secs; freq > e.FreqMax {
			e.FreqMax = freq
			e.FreqMaxTime = e.WallLast
		}
		if tp := float32(e.TmpLen) / secs; tp > e.ThroughputMax {
			e.ThroughputMax = tp
			e.ThroughputMaxTime = e.WallLast
		}
		e.TmpLines = 0
		e.TmpLen = 0
		e.MonoAuditStart = mono
	}

	lvl := info.Level.Index()
	e.Lines[lvl]++
	e.Len[lvl] += uint64(info.Len)
	e.Dropped += uint32(info.Dropped)
	e.TmpLines++
	e.TmpLen += uint64(info.Len)
	e.MonoLast = mono
	e.WallLast = model.TimeStamp{Sec: info.TvSec, Nsec: info.TvNsec}
}

// GetFreqMax returns the peak lines per second, or the rate of the open
// window when no window has closed yet.
func (e *StatsEntry) GetFreqMax() float32 {
	if e.FreqMax == 0 {
		secs := float32(e.MonoLast.Sub(e.MonoAuditStart).Seconds())
		if secs > 1 {
			return float32(e.TmpLines) / secs
		}
		return float32(e.TmpLines)
	}
	return e.FreqMax
}

// GetThroughputMax is GetFreqMax for bytes.
func (e *StatsEntry) GetThroughputMax() float32 {
	if e.ThroughputMax == 0 {
		secs := float32(e.MonoLast.Sub(e.MonoAuditStart).Seconds())
		if secs > 1 {
			return float32(e.TmpLen) / secs
		}
		return float32(e.TmpLen)
	}
	return e.ThroughputMax
}

// TotalLines sums lines across levels.
func (e *StatsEntry) TotalLines() uint32 {
	var n uint32
	for _, l := range e.Lines {
		n += l
	}
	return n
}

// DomainStats is the per type/domain node.
type DomainStats struct {
	Stats StatsEntry
	Tags  map[string]StatsEntry
}

// PidStats is the per process node.
type PidStats struct {
	All    StatsEntry
	ByType [model.TypeNum]StatsEntry
	Name   string
	Tags   map[string]StatsEntry
}

// StatsSnapshot is a consistent deep copy of the engine's tables.
type StatsSnapshot struct {
	Begin      model.TimeStamp
	MonoBegin  model.TimeStamp
	TotalLines [model.LevelNum]uint32
	TotalLens  [model.LevelNum]uint64
	Domains    [model.TypeNum]map[uint32]DomainStats
	Pids       map[uint32]PidStats
	TagEnabled bool
}

// Stats aggregates per type, domain, process and tag counters.
type Stats struct {
	enable    bool
	tagEnable bool
	procName  func(pid uint32) string

	mu         sync.Mutex
	begin      model.TimeStamp
	monoBegin  model.TimeStamp
	totalLines [model.LevelNum]uint32
	totalLens  [model.LevelNum]uint64
	domains    [model.TypeNum]map[uint32]*DomainStats
	pids       map[uint32]*PidStats
}

// NewStats creates an engine. The enable switches are fixed for its
// lifetime. procName resolves a pid to a process name and may be nil.
func NewStats(enable, tagEnable bool, procName func(pid uint32) string) *Stats {
	s := &Stats{
		enable:    enable,
		tagEnable: tagEnable,
		procName:  procName,
	}
	s.Reset()
	return s
}

// Enabled reports whether Count records anything.
func (s *Stats) Enabled() bool {
	return s.enable
}

// TagEnabled reports whether per tag tables are kept.
func (s *Stats) TagEnabled() bool {
	return s.tagEnable
}

// Count folds one accepted record into every table.
func (s *Stats) Count(info StatsInfo) {
	if !s.enable || !info.Level.Valid() || info.Type >= model.TypeNum {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lvl := info.Level.Index()
	s.totalLines[lvl]++
	s.totalLens[lvl] += uint64(info.Len)
	s.updateDomain(&info)
	s.updatePid(&info)
}

func (s *Stats) updateTags(tags map[string]StatsEntry, info *StatsInfo) {
	if !s.tagEnable {
		return
	}
	if e, ok := tags[info.Tag]; ok {
		e.update(info)
		tags[info.Tag] = e
		return
	}
	tags[info.Tag] = newStatsEntry(info)
}

func (s *Stats) updateDomain(info *StatsInfo) {
	table := s.domains[info.Type]
	d, ok := table[info.Domain]
	if ok {
		d.Stats.update(info)
	} else {
		d = &DomainStats{Stats: newStatsEntry(info), Tags: make(map[string]StatsEntry)}
		table[info.Domain] = d
	}
	s.updateTags(d.Tags, info)
}

func (s *Stats) updatePid(info *StatsInfo) {
	p, ok := s.pids[info.Pid]
	if ok {
		p.All.update(info)
		p.ByType[info.Type].update(info)
	} else {
		p = &PidStats{All: newStatsEntry(info), Tags: make(map[string]StatsEntry)}
		p.ByType[info.Type] = p.All
		if s.procName != nil {
			p.Name = s.procName(info.Pid)
		}
		s.pids[info.Pid] = p
	}
	s.updateTags(p.Tags, info)
}

// Reset drops every table and restarts the epoch.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.domains {
		s.domains[i] = make(map[uint32]*DomainStats)
	}
	s.pids = make(map[uint32]*PidStats)
	s.totalLines = [model.LevelNum]uint32{}
	s.totalLens = [model.LevelNum]uint64{}
	s.begin = model.WallNow()
	s.monoBegin = model.MonoNow()
}

// Snapshot copies the current tables.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Begin:      s.begin,
		MonoBegin:  s.monoBegin,
		TotalLines: s.totalLines,
		TotalLens:  s.totalLens,
		Pids:       make(map[uint32]PidStats, len(s.pids)),
		TagEnabled: s.tagEnable,
	}
	for t, table := range s.domains {
		out := make(map[uint32]DomainStats, len(table))
		for d, ds := range table {
			out[d] = DomainStats{Stats: ds.Stats, Tags: maps.Clone(ds.Tags)}
		}
		snap.Domains[t] = out
	}
	for pid, ps := range s.pids {
		cp := *ps
		cp.Tags = maps.Clone(ps.Tags)
		snap.Pids[pid] = cp
	}
	return snap
}
