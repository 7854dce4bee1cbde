package server

import (
	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/engine"
	"github.com/coffersTech/hilogd/internal/model"
	"github.com/coffersTech/hilogd/internal/protocol"
)

// FilterFromWire validates a wire filter and converts it. Zero types
// select the default types and zero levels select every level. Kernel
// records cannot be queried together with other types.
func FilterFromWire(w *protocol.Filter) (engine.Filter, error) {
	types := w.Types
	if types == 0 {
		types = model.DefaultTypesMask
	}
	if types&^model.AllTypesMask != 0 {
		return engine.Filter{}, protocol.ErrLogTypeInvalid
	}
	if types&model.KmsgMask != 0 && types != model.KmsgMask {
		return engine.Filter{}, protocol.ErrQueryTypeInvalid
	}
	levels := w.Levels
	if levels == 0 {
		levels = model.AllLevelsMask
	}
	if levels&^model.AllLevelsMask != 0 {
		return engine.Filter{}, protocol.ErrLogLevelInvalid
	}
	if int(w.DomainCount) > protocol.MaxDomains {
		return engine.Filter{}, protocol.ErrTooManyDomains
	}
	if int(w.TagCount) > protocol.MaxTags {
		return engine.Filter{}, protocol.ErrTooManyTags
	}
	if w.PidCount < 0 || int(w.PidCount) > protocol.MaxPids {
		return engine.Filter{}, protocol.ErrTooManyPids
	}

	f := engine.Filter{
		Types:       types,
		Levels:      levels,
		BlackDomain: w.BlackDomain,
		BlackTag:    w.BlackTag,
		BlackPid:    w.BlackPid,
		Regex:       codec.CString(w.Regex[:]),
	}
	if w.DomainCount > 0 {
		f.Domains = append([]uint32(nil), w.Domains[:w.DomainCount]...)
	}
	for i := 0; i < int(w.TagCount); i++ {
		f.Tags = append(f.Tags, codec.CString(w.Tags[i][:]))
	}
	if w.PidCount > 0 {
		f.Pids = append([]uint32(nil), w.Pids[:w.PidCount]...)
	}
	f.Compile()
	return f, nil
}

// FilterToWire is the inverse of FilterFromWire. Fields beyond the wire
// limits are cut.
func FilterToWire(f *engine.Filter) protocol.Filter {
	w := protocol.Filter{
		Types:       f.Types,
		Levels:      f.Levels,
		BlackDomain: f.BlackDomain,
		BlackTag:    f.BlackTag,
		BlackPid:    f.BlackPid,
	}
	w.DomainCount = uint8(copy(w.Domains[:], f.Domains))
	for i, tag := range f.Tags {
		if i == protocol.MaxTags {
			break
		}
		codec.PutCString(w.Tags[i][:], tag)
		w.TagCount++
	}
	w.PidCount = int32(copy(w.Pids[:], f.Pids))
	codec.PutCString(w.Regex[:], f.Regex)
	return w
}
