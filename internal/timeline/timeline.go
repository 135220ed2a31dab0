// Package timeline records per-track sample timing as gap-tolerant spans and
// estimates frame rates from observed timestamps.
package timeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zsiec/reel/internal/media"
)

// DefaultTolerance is the gap, in seconds, that still counts as contiguous
// when summarizing a demuxer.
const DefaultTolerance = 0.017

// Timespan is the half-open interval [T0, T1).
type Timespan struct {
	T0, T1 media.Time
}

// Span returns the span [t0, t1).
func Span(t0, t1 media.Time) Timespan { return Timespan{T0: t0, T1: t1} }

// Valid reports whether both ends are set and ordered.
func (s Timespan) Valid() bool {
	return s.T0.Valid() && s.T1.Valid() && !s.T1.Less(s.T0)
}

// Duration returns T1 - T0.
func (s Timespan) Duration() media.Time { return s.T1.Sub(s.T0) }

// Contains reports whether t lies in [T0, T1).
func (s Timespan) Contains(t media.Time) bool {
	return !t.Less(s.T0) && t.Less(s.T1)
}

// Disjoint reports whether s and o are separated by more than tolerance
// seconds.
func (s Timespan) Disjoint(o Timespan, tolerance float64) bool {
	return o.T0.Sub(s.T1).Sec() > tolerance || s.T0.Sub(o.T1).Sec() > tolerance
}

// Union returns the smallest span covering s and o.
func (s Timespan) Union(o Timespan) Timespan {
	return Timespan{T0: media.Min(s.T0, o.T0), T1: media.Max(s.T1, o.T1)}
}

func (s Timespan) String() string {
	return fmt.Sprintf("[%s, %s)", s.T0.HHMMSSms(), s.T1.HHMMSSms())
}

// Extend adds s to the ordered span list. A span that starts within
// tolerance of the last span's end extends it and a span starting later
// is appended. A span that starts before the last span's end is refused
// when failOnNonMonotonic is set; otherwise it is merged in, coalescing any
// earlier spans it now overlaps. Extend returns the updated list and
// whether s was accepted.
func Extend(spans []Timespan, s Timespan, tolerance float64, failOnNonMonotonic bool) ([]Timespan, bool) {
	if len(spans) == 0 {
		return append(spans, s), true
	}
	last := &spans[len(spans)-1]
	gap := s.T0.Sub(last.T1).Sec()
	switch {
	case gap > tolerance:
		return append(spans, s), true
	case gap >= -tolerance && !s.T0.Less(last.T0):
		last.T1 = media.Max(last.T1, s.T1)
		return spans, true
	case failOnNonMonotonic:
		return spans, false
	}

	merged := last.Union(s)
	spans = spans[:len(spans)-1]
	for len(spans) > 0 && !spans[len(spans)-1].Disjoint(merged, tolerance) {
		merged = merged.Union(spans[len(spans)-1])
		spans = spans[:len(spans)-1]
	}
	return append(spans, merged), true
}

// BBox returns the span covering every span in the list.
func BBox(spans []Timespan) Timespan {
	if len(spans) == 0 {
		return Timespan{}
	}
	out := spans[0]
	for _, s := range spans[1:] {
		out = out.Union(s)
	}
	return out
}

// Track is the sample history of one elementary stream, indexed in decode
// order.
type Track struct {
	DTSSpans  []Timespan
	PTSSpans  []Timespan
	Keyframes []int
	DTS       []media.Time
	PTS       []media.Time
	Dur       []media.Time
}

// Len returns the number of samples recorded.
func (t *Track) Len() int { return len(t.DTS) }

func (t *Track) addFrame(key bool, dts, pts, dur media.Time, tolerance float64) {
	if key {
		t.Keyframes = append(t.Keyframes, len(t.DTS))
	}
	t.DTS = append(t.DTS, dts)
	t.PTS = append(t.PTS, pts)
	t.Dur = append(t.Dur, dur)

	var ok bool
	if t.DTSSpans, ok = Extend(t.DTSSpans, Span(dts, dts.Add(dur)), tolerance, true); !ok {
		// Decode time stepped backward; the container restarted its clock.
		t.DTSSpans = append(t.DTSSpans, Span(dts, dts.Add(dur)))
	}
	t.PTSSpans, _ = Extend(t.PTSSpans, Span(pts, pts.Add(dur)), tolerance, false)
}

// gop returns the keyframe at or before sample i and the next keyframe (or
// the sample count when there is none).
func (t *Track) gop(i int) (int, int) {
	k := sort.SearchInts(t.Keyframes, i+1)
	start := 0
	if k > 0 {
		start = t.Keyframes[k-1]
	}
	end := t.Len()
	if k < len(t.Keyframes) {
		end = t.Keyframes[k]
	}
	return start, end
}

// SampleRange is the result of FindSamplesFor. Indices are decode order;
// GOP bounds are half open.
type SampleRange struct {
	KA, KB int // GOP of the first sample
	KC, KD int // GOP of the last sample
	IA, IB int // first and last sample
}

// FindSamplesFor locates the samples needed to present span. IA is the
// sample whose presentation interval contains span.T0 (or the first sample
// presented after it), IB the last sample in decode order whose
// presentation interval ends by span.T1. It reports false when no sample
// falls inside span.
func (t *Track) FindSamplesFor(span Timespan) (SampleRange, bool) {
	ia, ib := -1, -1
	firstAfter := -1
	for i := range t.PTS {
		s := Span(t.PTS[i], t.PTS[i].Add(t.Dur[i]))
		if ia < 0 && s.Contains(span.T0) {
			ia = i
		}
		if !s.T0.Less(span.T0) && (firstAfter < 0 || s.T0.Less(t.PTS[firstAfter])) {
			firstAfter = i
		}
		if !span.T1.Less(s.T1) {
			ib = i
		}
	}
	if ia < 0 {
		ia = firstAfter
	}
	if ia < 0 || ib < 0 {
		return SampleRange{}, false
	}

	r := SampleRange{IA: ia, IB: ib}
	r.KA, r.KB = t.gop(ia)
	r.KC, r.KD = t.gop(ib)
	return r, true
}

// Timeline holds the tracks of one program.
type Timeline struct {
	Tracks map[string]*Track
	order  []string
}

// New returns an empty timeline.
func New() *Timeline {
	return &Timeline{Tracks: make(map[string]*Track)}
}

// AddFrame records one sample for trackID.
func (tl *Timeline) AddFrame(trackID string, key bool, dts, pts, dur media.Time, tolerance float64) {
	t := tl.Tracks[trackID]
	if t == nil {
		t = &Track{}
		tl.Tracks[trackID] = t
		tl.order = append(tl.order, trackID)
	}
	t.addFrame(key, dts, pts, dur, tolerance)
}

// Track returns the track recorded under id, or nil.
func (tl *Timeline) Track(id string) *Track { return tl.Tracks[id] }

// TrackIDs returns track ids in the order they were first seen.
func (tl *Timeline) TrackIDs() []string {
	return append([]string(nil), tl.order...)
}

// BBox returns the DTS span covering every track.
func (tl *Timeline) BBox() Timespan {
	var all []Timespan
	for _, t := range tl.Tracks {
		if len(t.DTSSpans) > 0 {
			all = append(all, BBox(t.DTSSpans))
		}
	}
	return BBox(all)
}

func (tl *Timeline) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timeline %s\n", tl.BBox())
	for _, id := range tl.order {
		t := tl.Tracks[id]
		fmt.Fprintf(&b, "  %s: %d samples, %d keyframes\n", id, t.Len(), len(t.Keyframes))
		for _, s := range t.DTSSpans {
			fmt.Fprintf(&b, "    dts %s\n", s)
		}
		for _, s := range t.PTSSpans {
			fmt.Fprintf(&b, "    pts %s\n", s)
		}
	}
	return b.String()
}
