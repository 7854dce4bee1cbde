package engine

import (
	"testing"

	"github.com/coffersTech/hilogd/internal/model"
)

func TestFilterMatch(t *testing.T) {
	rec := model.Record{
		Type:    model.TypeCore,
		Level:   model.LevelError,
		Pid:     42,
		Domain:  0xD002B12,
		Tag:     "Audio",
		Content: "stream 7 underrun at 48kHz",
	}
	base := func() Filter {
		return Filter{Types: model.AllTypesMask, Levels: model.AllLevelsMask}
	}

	tests := []struct {
		name   string
		modify func(f *Filter)
		want   bool
	}{
		{"everything", func(f *Filter) {}, true},
		{"type not selected", func(f *Filter) { f.Types = model.TypeApp.Mask() }, false},
		{"level not selected", func(f *Filter) { f.Levels = model.LevelDebug.Mask() }, false},
		{"exact domain", func(f *Filter) { f.Domains = []uint32{0xD002B12} }, true},
		{"other domain", func(f *Filter) { f.Domains = []uint32{0xD002B13} }, false},
		{"wildcard domain", func(f *Filter) { f.Domains = []uint32{0xD002BFF} }, true},
		{"wildcard other", func(f *Filter) { f.Domains = []uint32{0xD002CFF} }, false},
		{"blacklisted domain", func(f *Filter) { f.Domains = []uint32{0xD002BFF}; f.BlackDomain = true }, false},
		{"blacklist misses", func(f *Filter) { f.Domains = []uint32{0xD000001}; f.BlackDomain = true }, true},
		{"tag", func(f *Filter) { f.Tags = []string{"Video", "Audio"} }, true},
		{"tag prefix is not a match", func(f *Filter) { f.Tags = []string{"Aud"} }, false},
		{"blacklisted tag", func(f *Filter) { f.Tags = []string{"Audio"}; f.BlackTag = true }, false},
		{"pid", func(f *Filter) { f.Pids = []uint32{1, 42} }, true},
		{"blacklisted pid", func(f *Filter) { f.Pids = []uint32{42}; f.BlackPid = true }, false},
		{"glob star", func(f *Filter) { f.Regex = "under*48" }, true},
		{"glob question", func(f *Filter) { f.Regex = "stream ? under" }, true},
		{"glob class", func(f *Filter) { f.Regex = "stream [0-9] " }, true},
		{"dot is literal", func(f *Filter) { f.Regex = "stream.7" }, false},
		{"plus is literal", func(f *Filter) { f.Regex = "48k+" }, false},
		{"no match", func(f *Filter) { f.Regex = "overrun" }, false},
		{"invalid pattern falls back to substring", func(f *Filter) { f.Regex = "[under" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.modify(&f)
			if got := f.Match(&rec); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGlobToRegexp(t *testing.T) {
	tests := map[string]string{
		"a*b":   "a.*b",
		"a?b":   "a.b",
		"[ab]c": "[ab]c",
		"a.b":   `a\.b`,
		"x+^&":  `x\+\^&`,
	}
	for in, want := range tests {
		if got := GlobToRegexp(in); got != want {
			t.Errorf("GlobToRegexp(%q) = %q, want %q", in, got, want)
		}
	}
}
