package engine

import (
	"testing"

	"github.com/coffersTech/hilogd/internal/model"
)

func info(level model.Level, mono model.TimeStamp, length uint16) StatsInfo {
	return StatsInfo{
		Level:   level,
		Type:    model.TypeCore,
		Len:     length,
		Domain:  0xD000F00,
		Pid:     77,
		TvSec:   1700000000 + mono.Sec,
		TvNsec:  mono.Nsec,
		MonoSec: mono.Sec,
		Tag:     "svc",
	}
}

func TestStatsPeakFrequency(t *testing.T) {
	s := NewStats(true, true, func(pid uint32) string { return "proc" })

	const k = 50
	for i := 0; i < k; i++ {
		mono := model.NewTimeStamp(10, uint32(i)*18_000_000) // spread over 10.0 .. 10.9
		s.Count(info(model.LevelInfo, mono, 10))
	}

	snap := s.Snapshot()
	d := snap.Domains[model.TypeCore][0xD000F00]
	if got := d.Stats.Lines[model.LevelInfo.Index()]; got != k {
		t.Fatalf("lines[INFO] = %d, want %d", got, k)
	}
	if got := d.Stats.GetFreqMax(); got < k {
		t.Errorf("open window freq = %v, want >= %d", got, k)
	}

	// A record more than one second later closes the window.
	s.Count(info(model.LevelInfo, model.NewTimeStamp(12, 0), 10))
	snap = s.Snapshot()
	d = snap.Domains[model.TypeCore][0xD000F00]
	if d.Stats.FreqMax < k {
		t.Errorf("freqMax = %v, want >= %d", d.Stats.FreqMax, k)
	}
	if d.Stats.ThroughputMax < k*10 {
		t.Errorf("throughputMax = %v", d.Stats.ThroughputMax)
	}
	if d.Stats.TmpLines != 1 {
		t.Errorf("new window tmpLines = %d", d.Stats.TmpLines)
	}

	p := snap.Pids[77]
	if p.Name != "proc" || p.All.TotalLines() != k+1 || p.ByType[model.TypeCore].TotalLines() != k+1 {
		t.Errorf("pid table = %+v", p)
	}
	if tag, ok := d.Tags["svc"]; !ok || tag.TotalLines() != k+1 {
		t.Errorf("tag table = %+v", d.Tags)
	}
	if snap.TotalLines[model.LevelInfo.Index()] != k+1 {
		t.Errorf("totals = %v", snap.TotalLines)
	}
}

func TestStatsDisabled(t *testing.T) {
	s := NewStats(false, false, nil)
	s.Count(info(model.LevelWarn, model.NewTimeStamp(1, 0), 5))
	snap := s.Snapshot()
	if len(snap.Pids) != 0 || snap.TotalLines[model.LevelWarn.Index()] != 0 {
		t.Error("disabled engine counted a record")
	}
}

func TestStatsTagsGated(t *testing.T) {
	s := NewStats(true, false, nil)
	s.Count(info(model.LevelWarn, model.NewTimeStamp(1, 0), 5))
	snap := s.Snapshot()
	if len(snap.Domains[model.TypeCore][0xD000F00].Tags) != 0 {
		t.Error("tag stats kept while disabled")
	}
}

func TestStatsReset(t *testing.T) {
	s := NewStats(true, true, nil)
	s.Count(info(model.LevelWarn, model.NewTimeStamp(1, 0), 5))
	before := s.Snapshot().Begin
	s.Reset()
	snap := s.Snapshot()
	if len(snap.Pids) != 0 || len(snap.Domains[model.TypeCore]) != 0 {
		t.Error("Reset left entries behind")
	}
	if snap.Begin.Before(before) {
		t.Error("Reset did not restart the epoch")
	}
}

func TestStatsDroppedAccumulates(t *testing.T) {
	s := NewStats(true, false, nil)
	in := info(model.LevelInfo, model.NewTimeStamp(1, 0), 5)
	in.Dropped = 3
	s.Count(in)
	in.Dropped = 2
	s.Count(in)
	if got := s.Snapshot().Domains[model.TypeCore][0xD000F00].Stats.Dropped; got != 5 {
		t.Errorf("dropped = %d", got)
	}
}
