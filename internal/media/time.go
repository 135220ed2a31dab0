package media

import (
	"fmt"
	"math"
	"math/bits"
)

// NoPTS marks an unknown timestamp expressed in stream ticks.
const NoPTS int64 = math.MinInt64

// DefaultTimeBase is the tick rate used when a Time is built from seconds.
const DefaultTimeBase = 1_000_000

// Rational is a stream time base, in seconds per tick (Num/Den).
type Rational struct {
	Num int64
	Den int64
}

// Valid reports whether r can be used to convert ticks to seconds.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Float returns r as a floating point number.
func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Time is a rational timestamp: Time ticks of 1/Base seconds each.
// A zero Base marks an invalid time.
type Time struct {
	Time int64
	Base uint64
}

// NewTime returns t ticks of 1/base seconds.
func NewTime(t int64, base uint64) Time {
	return Time{Time: t, Base: base}
}

// Seconds converts floating point seconds to a microsecond-based Time.
func Seconds(sec float64) Time {
	return Time{Time: int64(math.Round(sec * DefaultTimeBase)), Base: DefaultTimeBase}
}

// FromTicks converts ticks of time base tb into a Time. The second return
// value is false when ticks is NoPTS or tb is not usable.
func FromTicks(ticks int64, tb Rational) (Time, bool) {
	if ticks == NoPTS || !tb.Valid() {
		return Time{}, false
	}
	if tb.Num == 1 {
		return Time{Time: ticks, Base: uint64(tb.Den)}, true
	}
	return Time{Time: ticks * tb.Num, Base: uint64(tb.Den)}, true
}

// Valid reports whether t carries a usable base.
func (t Time) Valid() bool {
	return t.Base != 0
}

// Sec returns t in seconds.
func (t Time) Sec() float64 {
	if t.Base == 0 {
		return 0
	}
	return float64(t.Time) / float64(t.Base)
}

// Rebased expresses t in ticks of 1/base seconds, rounding toward negative
// infinity.
func (t Time) Rebased(base uint64) Time {
	if t.Base == base || t.Base == 0 {
		return Time{Time: t.Time, Base: base}
	}
	n := t.Time * int64(base)
	q := n / int64(t.Base)
	if n%int64(t.Base) != 0 && n < 0 {
		q--
	}
	return Time{Time: q, Base: base}
}

// Ticks converts t into ticks of time base tb.
func (t Time) Ticks(tb Rational) int64 {
	if !tb.Valid() || t.Base == 0 {
		return NoPTS
	}
	return int64(math.Floor(t.Sec() * float64(tb.Den) / float64(tb.Num)))
}

// Add returns t + d, expressed in t's base.
func (t Time) Add(d Time) Time {
	if d.Base == t.Base {
		return Time{Time: t.Time + d.Time, Base: t.Base}
	}
	return Time{Time: t.Time + d.Rebased(t.Base).Time, Base: t.Base}
}

// Sub returns t - d, expressed in t's base.
func (t Time) Sub(d Time) Time {
	return t.Add(d.Neg())
}

// Neg returns -t.
func (t Time) Neg() Time {
	return Time{Time: -t.Time, Base: t.Base}
}

// AddTicks returns t advanced by n ticks of its own base.
func (t Time) AddTicks(n int64) Time {
	return Time{Time: t.Time + n, Base: t.Base}
}

// AddSeconds returns t advanced by sec seconds.
func (t Time) AddSeconds(sec float64) Time {
	return Time{Time: t.Time + int64(math.Round(sec*float64(t.Base))), Base: t.Base}
}

// Cmp compares t and o exactly, returning -1, 0 or 1.
func (t Time) Cmp(o Time) int {
	if t.Base != o.Base {
		return cmpCross(t.Time, o.Base, o.Time, t.Base)
	}
	a, b := t.Time, o.Time
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less reports whether t precedes o.
func (t Time) Less(o Time) bool { return t.Cmp(o) < 0 }

// Equal reports whether t and o denote the same instant.
func (t Time) Equal(o Time) bool { return t.Cmp(o) == 0 }

// Min returns the earlier of t and o.
func Min(t, o Time) Time {
	if o.Less(t) {
		return o
	}
	return t
}

// Max returns the later of t and o.
func Max(t, o Time) Time {
	if t.Less(o) {
		return o
	}
	return t
}

func cmpCross(a int64, bBase uint64, b int64, aBase uint64) int {
	hiA, loA := mul64(a, bBase)
	hiB, loB := mul64(b, aBase)
	switch {
	case hiA < hiB:
		return -1
	case hiA > hiB:
		return 1
	case loA < loB:
		return -1
	case loA > loB:
		return 1
	}
	return 0
}

// mul64 returns the signed 128-bit product of v and u as (hi, lo).
func mul64(v int64, u uint64) (int64, uint64) {
	neg := v < 0
	mag := uint64(v)
	if neg {
		mag = uint64(-v)
	}
	hi, lo := bits.Mul64(mag, u)
	if neg {
		lo = ^lo + 1
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	return int64(hi), lo
}

// String formats t as hh:mm:ss.mmm.
func (t Time) String() string {
	if !t.Valid() {
		return "--:--:--.---"
	}
	return t.HHMMSSms()
}

// HHMMSSms formats t as hh:mm:ss.mmm.
func (t Time) HHMMSSms() string {
	ms := t.Rebased(1000).Time
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return fmt.Sprintf("%s%02d:%02d:%02d.%03d", sign, ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// HHMMSSff formats t as a timecode with a frame field at the given rate.
// Drop-frame rates (29.97, 59.94) use ';' before the frame number.
func (t Time) HHMMSSff(fps float64) string {
	if fps <= 0 {
		fps = 1
	}
	frameRate := math.Round(fps)
	sep := ":"
	if math.Abs(frameRate-fps) > 0.001 {
		sep = ";"
	}
	frames := int64(math.Floor(t.Sec()*fps + 1e-9))
	sign := ""
	if frames < 0 {
		sign = "-"
		frames = -frames
	}
	fr := int64(frameRate)
	ff := frames % fr
	sec := frames / fr
	return fmt.Sprintf("%s%02d:%02d:%02d%s%02d", sign, sec/3600, sec/60%60, sec%60, sep, ff)
}
