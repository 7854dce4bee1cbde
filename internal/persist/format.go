package persist

import (
	"fmt"
	"time"

	"github.com/coffersTech/hilogd/internal/model"
)

var typePrefix = [model.TypeNum]string{
	model.TypeApp:            "A",
	model.TypeInit:           "I",
	model.TypeCore:           "C",
	model.TypeKmsg:           "K",
	model.TypeOnlyPrerelease: "P",
}

// AppendLine formats r as one persisted text line:
//
//	MM-DD HH:MM:SS.mmm   pid   tid L T<domain>/tag: content
//
// Kernel records carry no pid, tid or domain and print the tag only.
func AppendLine(dst []byte, r *model.Record, loc *time.Location) []byte {
	ts := time.Unix(int64(r.TvSec), 0).In(loc)
	_, month, day := ts.Date()
	hour, minute, sec := ts.Clock()
	dst = fmt.Appendf(dst, "%02d-%02d %02d:%02d:%02d.%03d",
		int(month), day, hour, minute, sec, r.TvNsec/uint32(time.Millisecond))

	if r.Type == model.TypeKmsg {
		dst = fmt.Appendf(dst, " %s ", r.Tag)
	} else {
		prefix := " "
		if r.Type < model.TypeNum && typePrefix[r.Type] != "" {
			prefix = typePrefix[r.Type]
		}
		dst = fmt.Appendf(dst, " %5d %5d %s %s%05x/%s: ",
			r.Pid, r.Tid, r.Level.Short(), prefix, r.Domain&0xFFFFF, r.Tag)
	}
	dst = append(dst, r.Content...)
	return append(dst, '\n')
}
