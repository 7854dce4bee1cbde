package model

import (
	"time"

	"golang.org/x/sys/unix"
)

const nsecPerSec = 1_000_000_000

// TimeStamp is a seconds/nanoseconds pair used for both wall and monotonic clocks.
type TimeStamp struct {
	Sec  uint32
	Nsec uint32
}

// NewTimeStamp builds a normalized stamp.
func NewTimeStamp(sec, nsec uint32) TimeStamp {
	return TimeStamp{Sec: sec + nsec/nsecPerSec, Nsec: nsec % nsecPerSec}
}

// FromSeconds converts a floating point second count.
func FromSeconds(s float64) TimeStamp {
	if s <= 0 {
		return TimeStamp{}
	}
	sec := uint32(s)
	return TimeStamp{Sec: sec, Nsec: uint32((s - float64(sec)) * nsecPerSec)}
}

// WallNow reads the realtime clock.
func WallNow() TimeStamp {
	now := time.Now()
	return TimeStamp{Sec: uint32(now.Unix()), Nsec: uint32(now.Nanosecond())}
}

// MonoNow reads CLOCK_MONOTONIC, the clock producers stamp mono_sec with.
func MonoNow() TimeStamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return TimeStamp{}
	}
	return TimeStamp{Sec: uint32(ts.Sec), Nsec: uint32(ts.Nsec)}
}

// Add returns t + o.
func (t TimeStamp) Add(o TimeStamp) TimeStamp {
	return NewTimeStamp(t.Sec+o.Sec, t.Nsec+o.Nsec)
}

// Sub returns t - o, or zero when o is after t.
func (t TimeStamp) Sub(o TimeStamp) TimeStamp {
	if !t.After(o) {
		return TimeStamp{}
	}
	sec, nsec := t.Sec-o.Sec, t.Nsec
	if nsec < o.Nsec {
		sec--
		nsec += nsecPerSec
	}
	return TimeStamp{Sec: sec, Nsec: nsec - o.Nsec}
}

// After reports whether t is strictly later than o.
func (t TimeStamp) After(o TimeStamp) bool {
	return t.Sec > o.Sec || (t.Sec == o.Sec && t.Nsec > o.Nsec)
}

// Before reports whether t is strictly earlier than o.
func (t TimeStamp) Before(o TimeStamp) bool {
	return o.After(t)
}

// Compare returns -1, 0 or +1.
func (t TimeStamp) Compare(o TimeStamp) int {
	switch {
	case t.Before(o):
		return -1
	case t.After(o):
		return 1
	}
	return 0
}

// IsZero reports whether both fields are zero.
func (t TimeStamp) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Seconds returns the stamp as floating point seconds.
func (t TimeStamp) Seconds() float64 {
	return float64(t.Sec) + float64(t.Nsec)/nsecPerSec
}

// Time converts a wall stamp to time.Time.
func (t TimeStamp) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec))
}
