package server

import (
	"bytes"
	"encoding/binary"
	"maps"
	"slices"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
)

// maxBody is the largest payload a MsgHeader can describe.
const maxBody = 1<<16 - 1

var (
	sizeSummary     = binary.Size(protocol.StatsSummary{})
	sizeTypeSection = binary.Size(protocol.TypeSection{})
	sizeDomain      = binary.Size(protocol.DomainSection{})
	sizeTag         = binary.Size(protocol.TagStats{})
	sizeProc        = binary.Size(protocol.ProcSection{})
	sizeProcType    = binary.Size(protocol.ProcTypeStats{})
)

func wireStats(e *engine.StatsEntry) protocol.Stats {
	return protocol.Stats{
		Lines:         e.Lines,
		Len:           e.Len,
		Dropped:       e.Dropped,
		FreqMax:       e.GetFreqMax(),
		FreqMaxSec:    e.FreqMaxTime.Sec,
		FreqMaxNsec:   e.FreqMaxTime.Nsec,
		ThroughputMax: e.GetThroughputMax(),
		TpMaxSec:      e.ThroughputMaxTime.Sec,
		TpMaxNsec:     e.ThroughputMaxTime.Nsec,
	}
}

// statsWriter packs sections while tracking the payload budget.
type statsWriter struct {
	buf    bytes.Buffer
	budget int
}

func (w *statsWriter) put(v any) {
	binary.Write(&w.buf, binary.LittleEndian, v)
}

// take reserves n bytes and reports whether they fit.
func (w *statsWriter) take(n int) bool {
	if n > w.budget {
		return false
	}
	w.budget -= n
	return true
}

func sortedTags(tags map[string]engine.StatsEntry) []string {
	return slices.Sorted(maps.Keys(tags))
}

// encodeStats builds a STATS_QUERY_RSP payload: the summary with the flow
// control drop totals, one section per selected type with its domains and
// domain tags, then every process with its per type and tag entries.
// Sections that would overflow the payload limit are left out and the
// counts adjusted.
func encodeStats(snap *engine.StatsSnapshot, flowDropped [model.TypeNum]uint32, q *protocol.StatsQuery, now model.TimeStamp) []byte {
	types := q.Types
	if types == 0 {
		types = model.AllTypesMask
	}
	var domains []uint32
	if q.DomainCount > 0 {
		domains = q.Domains[:min(int(q.DomainCount), protocol.MaxDomains)]
	}

	w := &statsWriter{budget: maxBody - sizeSummary}
	var body statsWriter

	typeNum := 0
	for _, t := range model.TypesOf(types) {
		table := snap.Domains[t]
		if !w.take(sizeTypeSection) {
			break
		}
		keys := slices.Sorted(maps.Keys(table))
		if domains != nil {
			keys = slices.DeleteFunc(keys, func(d uint32) bool { return !slices.Contains(domains, d) })
		}
		var section statsWriter
		domainNum := 0
		for _, d := range keys {
			if !w.take(sizeDomain) {
				break
			}
			ds := table[d]
			tags := sortedTags(ds.Tags)
			fit := 0
			for range tags {
				if !w.take(sizeTag) {
					break
				}
				fit++
			}
			section.put(protocol.DomainSection{Domain: d, Stats: wireStats(&ds.Stats), TagNum: uint16(fit)})
			for _, tag := range tags[:fit] {
				e := ds.Tags[tag]
				ts := protocol.TagStats{Stats: wireStats(&e)}
				codec.PutCString(ts.Tag[:], tag)
				section.put(ts)
			}
			domainNum++
		}
		body.put(protocol.TypeSection{Type: uint16(t), DomainNum: uint16(domainNum)})
		body.buf.Write(section.buf.Bytes())
		typeNum++
	}

	procNum := 0
	pids := slices.Sorted(maps.Keys(snap.Pids))
	for _, pid := range pids {
		ps := snap.Pids[pid]
		var present []model.LogType
		for t := model.LogType(0); t < model.TypeNum; t++ {
			if ps.ByType[t].TotalLines() > 0 {
				present = append(present, t)
			}
		}
		if !w.take(sizeProc + len(present)*sizeProcType) {
			break
		}
		tags := sortedTags(ps.Tags)
		fit := 0
		for range tags {
			if !w.take(sizeTag) {
				break
			}
			fit++
		}
		sec := protocol.ProcSection{
			Pid:     pid,
			Stats:   wireStats(&ps.All),
			TypeNum: uint16(len(present)),
			TagNum:  uint16(fit),
		}
		codec.PutCString(sec.Name[:], ps.Name)
		body.put(sec)
		for _, t := range present {
			body.put(protocol.ProcTypeStats{Type: uint16(t), Stats: wireStats(&ps.ByType[t])})
		}
		for _, tag := range tags[:fit] {
			e := ps.Tags[tag]
			ts := protocol.TagStats{Stats: wireStats(&e)}
			codec.PutCString(ts.Tag[:], tag)
			body.put(ts)
		}
		procNum++
	}

	dur := now.Sub(snap.MonoBegin)
	var out statsWriter
	out.put(protocol.StatsSummary{
		TsBeginSec:   snap.Begin.Sec,
		TsBeginNsec:  snap.Begin.Nsec,
		DurationSec:  dur.Sec,
		DurationNsec: dur.Nsec,
		TotalLines:   snap.TotalLines,
		TotalLens:    snap.TotalLens,
		FlowDropped:  flowDropped,
		TypeNum:      uint16(typeNum),
		ProcNum:      uint16(procNum),
	})
	out.buf.Write(body.buf.Bytes())
	return out.buf.Bytes()
}
