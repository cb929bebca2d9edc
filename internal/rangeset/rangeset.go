// Package rangeset implements interval arithmetic over buffered playback
// time: union, intersection, exclusion, containment, and gap queries. Every
// function returns a new, sorted, disjoint slice; none mutate their inputs.
package rangeset

import "math"

// Epsilon is the tolerance below which two ranges are treated as contiguous
// and merged into one during Insert.
const Epsilon = 1.0 / 60.0

// Range is a half-open time interval [Start, End).
type Range struct {
	Start float64
	End   float64
}

// empty reports whether r covers no time at all.
func (r Range) empty() bool {
	return r.Start >= r.End
}

// Set is a sorted, disjoint (beyond Epsilon), non-empty list of ranges.
type Set []Range

// Insert merges r into ranges, combining it with any overlapping or
// near-contiguous (within Epsilon) neighbors. The result is sorted and
// disjoint. Inserting an empty range (Start == End) is a no-op.
func Insert(ranges Set, r Range) Set {
	if r.empty() {
		return clone(ranges)
	}

	out := make(Set, 0, len(ranges)+1)
	merged := r
	inserted := false

	for _, cur := range ranges {
		if cur.empty() {
			continue
		}
		switch {
		case cur.End+Epsilon < merged.Start:
			// cur lies entirely before merged; keep as-is.
			out = append(out, cur)
		case merged.End+Epsilon < cur.Start:
			// cur lies entirely after merged; flush merged first.
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, cur)
		default:
			// Overlapping or within tolerance: fold into merged.
			if cur.Start < merged.Start {
				merged.Start = cur.Start
			}
			if cur.End > merged.End {
				merged.End = cur.End
			}
		}
	}

	if !inserted {
		out = insertSorted(out, merged)
	}

	return out
}

// insertSorted inserts r into an already-sorted, already-disjoint-from-r
// slice at the correct position.
func insertSorted(ranges Set, r Range) Set {
	i := 0
	for i < len(ranges) && ranges[i].Start < r.Start {
		i++
	}
	out := make(Set, 0, len(ranges)+1)
	out = append(out, ranges[:i]...)
	out = append(out, r)
	out = append(out, ranges[i:]...)
	return out
}

// Exclude returns the subranges of base not covered by any range in cut.
func Exclude(base Set, cut Set) Set {
	out := clone(base)
	for _, c := range cut {
		out = excludeOne(out, c)
	}
	return out
}

func excludeOne(ranges Set, cut Range) Set {
	if cut.empty() {
		return ranges
	}
	out := make(Set, 0, len(ranges))
	for _, r := range ranges {
		if cut.End <= r.Start || cut.Start >= r.End {
			out = append(out, r)
			continue
		}
		if cut.Start > r.Start {
			out = append(out, Range{Start: r.Start, End: cut.Start})
		}
		if cut.End < r.End {
			out = append(out, Range{Start: cut.End, End: r.End})
		}
	}
	return out
}

// Intersect returns the overlap of two sets as a new disjoint set.
func Intersect(a, b Set) Set {
	var out Set
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		start := math.Max(a[i].Start, b[j].Start)
		end := math.Min(a[i].End, b[j].End)
		if start < end {
			out = append(out, Range{Start: start, End: end})
		}
		if a[i].End < b[j].End {
			i++
		} else {
			j++
		}
	}
	return out
}

// GetRange returns the range containing t (half-open: start <= t < end) and
// true, or the zero Range and false if no range contains t.
func GetRange(ranges Set, t float64) (Range, bool) {
	for _, r := range ranges {
		if r.Start <= t && t < r.End {
			return r, true
		}
	}
	return Range{}, false
}

// LeftSize returns end - t for the range currently containing t, or +Inf if
// t is not within any range. At the exact end of a range (t == r.End) the
// half-open definition means t is no longer "in" that range, so LeftSize
// also returns +Inf there.
func LeftSize(ranges Set, t float64) float64 {
	r, ok := GetRange(ranges, t)
	if !ok {
		return math.Inf(1)
	}
	return r.End - t
}

// NextGap returns the distance from t to the start of the next range ahead
// of t, or +Inf if there is none (including when t is inside a range that
// is the last one, with nothing after it).
func NextGap(ranges Set, t float64) float64 {
	for _, r := range ranges {
		if r.Start >= t {
			return r.Start - t
		}
	}
	return math.Inf(1)
}

// IsTimeIn reports whether t falls within any range, half-open.
func IsTimeIn(ranges Set, t float64) bool {
	_, ok := GetRange(ranges, t)
	return ok
}

// TotalDuration returns the sum of the durations of all ranges.
func TotalDuration(ranges Set) float64 {
	var total float64
	for _, r := range ranges {
		total += r.End - r.Start
	}
	return total
}

func clone(ranges Set) Set {
	out := make(Set, len(ranges))
	copy(out, ranges)
	return out
}
