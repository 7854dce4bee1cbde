package model

import "fmt"

// LogType identifies the producer class of a record.
type LogType uint16

const (
	TypeApp            LogType = 0
	TypeInit           LogType = 1
	TypeCore           LogType = 3
	TypeKmsg           LogType = 4
	TypeOnlyPrerelease LogType = 5

	// TypeNum is one past the largest valid type.
	TypeNum = 6
)

// Level is the record severity, DEBUG..FATAL.
type Level uint8

const (
	LevelDebug Level = 3
	LevelInfo  Level = 4
	LevelWarn  Level = 5
	LevelError Level = 6
	LevelFatal Level = 7

	LevelBase = 3
	LevelNum  = 5
)

// Size limits, both counting the terminating NUL.
const (
	MaxTagLen = 32
	MaxLogLen = 4096
)

// Domain ranges accepted at ingestion.
const (
	DomainAppMin uint32 = 0x0
	DomainAppMax uint32 = 0xFFFF
	DomainOSMin  uint32 = 0xD000000
	DomainOSMax  uint32 = 0xD0FFFFF
)

// Type masks used by requests that select several types at once.
const (
	AllTypesMask  uint16 = 1<<TypeApp | 1<<TypeInit | 1<<TypeCore | 1<<TypeKmsg | 1<<TypeOnlyPrerelease
	AllLevelsMask uint16 = 1<<LevelDebug | 1<<LevelInfo | 1<<LevelWarn | 1<<LevelError | 1<<LevelFatal

	DefaultTypesMask  uint16 = 1<<TypeApp | 1<<TypeCore | 1<<TypeInit | 1<<TypeOnlyPrerelease
	DefaultRemoveMask uint16 = 1<<TypeApp | 1<<TypeCore | 1<<TypeOnlyPrerelease
	KmsgMask          uint16 = 1 << TypeKmsg
)

var typeNames = [TypeNum]string{
	TypeApp:            "app",
	TypeInit:           "init",
	2:                  "invalid",
	TypeCore:           "core",
	TypeKmsg:           "kmsg",
	TypeOnlyPrerelease: "only_prerelease",
}

// Valid reports whether t names a real log type.
func (t LogType) Valid() bool {
	return t < TypeNum && t != 2
}

// Mask returns the single-bit mask of t.
func (t LogType) Mask() uint16 {
	return 1 << t
}

// Partition returns the capacity accounting key. ONLY_PRERELEASE shares CORE's budget.
func (t LogType) Partition() LogType {
	if t == TypeOnlyPrerelease {
		return TypeCore
	}
	return t
}

func (t LogType) String() string {
	if t < TypeNum {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint16(t))
}

// ParseType resolves a type name. It returns false for unknown names.
func ParseType(name string) (LogType, bool) {
	for i, n := range typeNames {
		if n == name && LogType(i).Valid() {
			return LogType(i), true
		}
	}
	return 0, false
}

// TypesOf expands a bitmask into the valid types it selects, in ascending order.
func TypesOf(mask uint16) []LogType {
	var out []LogType
	for t := LogType(0); t < TypeNum; t++ {
		if t.Valid() && mask&t.Mask() != 0 {
			out = append(out, t)
		}
	}
	return out
}

// Valid reports whether l is within DEBUG..FATAL.
func (l Level) Valid() bool {
	return l >= LevelDebug && l <= LevelFatal
}

// Mask returns the single-bit mask of l.
func (l Level) Mask() uint16 {
	return 1 << l
}

// Index returns the zero based slot of l in per-level counter arrays.
func (l Level) Index() int {
	return int(l) - LevelBase
}

// Short returns the one letter form used in persisted text lines.
func (l Level) Short() string {
	switch l {
	case LevelDebug:
		return "D"
	case LevelInfo:
		return "I"
	case LevelWarn:
		return "W"
	case LevelError:
		return "E"
	case LevelFatal:
		return "F"
	default:
		return "?"
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Record is one log entry as held by the daemon.
// Tag and Content are stored without their wire terminators.
type Record struct {
	Version uint8
	Type    LogType
	Level   Level
	Pid     uint32
	Tid     uint32
	Domain  uint32
	TvSec   uint32
	TvNsec  uint32
	MonoSec uint32
	Tag     string
	Content string
}

// TagLen is the wire tag length including the terminator.
func (r *Record) TagLen() int {
	return len(r.Tag) + 1
}

// Size is the number of bytes the record is accounted for in the buffer:
// the content including its terminator.
func (r *Record) Size() int {
	return len(r.Content) + 1
}

// QuotaLen is the length charged against flow-control quotas.
func (r *Record) QuotaLen() int {
	return len(r.Tag) + len(r.Content)
}

// Wall returns the record's realtime stamp.
func (r *Record) Wall() TimeStamp {
	return TimeStamp{Sec: r.TvSec, Nsec: r.TvNsec}
}

// Mono returns the record's monotonic stamp. The nanosecond part is shared
// with the wall clock on the wire.
func (r *Record) Mono() TimeStamp {
	return TimeStamp{Sec: r.MonoSec, Nsec: r.TvNsec}
}

// InAllowedDomain checks the domain against the range permitted for its type.
// Kernel records only come from the kmsg reader, so producers never qualify.
func (r *Record) InAllowedDomain() bool {
	switch r.Type {
	case TypeApp:
		return r.Domain <= DomainAppMax
	case TypeCore, TypeInit, TypeOnlyPrerelease:
		return r.Domain >= DomainOSMin && r.Domain <= DomainOSMax
	default:
		return false
	}
}
