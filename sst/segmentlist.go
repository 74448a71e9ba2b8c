/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import "github.com/sirikata-go/sst/cmn/debug"

// SegmentRange is a half-open byte range [Start, Start+Length) received
// out of order in one stream (§3, §4.1).
type SegmentRange struct {
	Start  int64
	Length int64
}

func (r SegmentRange) end() int64 { return r.Start + r.Length }

// ReceivedSegmentList is an ordered, merging set of disjoint non-adjacent
// byte ranges. It exists because bytes are memcpy'd directly into the
// reassembly buffer at their offset; the list only tracks which ranges
// are valid (§4.1, §4.5).
type ReceivedSegmentList struct {
	ranges []SegmentRange // kept sorted by Start, pairwise non-adjacent
}

// Insert adds [offset, offset+length), merging with any range it touches
// or overlaps, and silently dropping purely-duplicate insertions.
func (l *ReceivedSegmentList) Insert(offset, length int64) {
	if length <= 0 {
		return
	}
	o, e := offset, offset+length

	i := 0
	for i < len(l.ranges) && l.ranges[i].end() < o {
		i++
	}
	// i is the first range that could touch or overlap [o,e): its end >= o.

	j := i
	for j < len(l.ranges) && l.ranges[j].Start <= e {
		j++
	}
	// [i,j) are all ranges touching or overlapping [o,e).

	if i == j {
		// Neither neighbor touches: insert fresh.
		l.ranges = append(l.ranges, SegmentRange{})
		copy(l.ranges[i+1:], l.ranges[i:])
		l.ranges[i] = SegmentRange{Start: o, Length: length}
		return
	}

	// Merge: new range spans min(existing starts, o) .. max(existing ends, e).
	first := l.ranges[i]
	last := l.ranges[j-1]
	merged := SegmentRange{
		Start: min64(first.Start, o),
	}
	merged.Length = max64(last.end(), e) - merged.Start

	// Pure-overlap insert (already fully covered by an existing single
	// range) collapses to a no-op rewrite of that same range - fine, it's
	// idempotent.
	debug.Assert(merged.Length >= 0)

	l.ranges[i] = merged
	if j > i+1 {
		copy(l.ranges[i+1:], l.ranges[j:])
		l.ranges = l.ranges[:len(l.ranges)-(j-i-1)]
	}
}

// ReadyRange pops the first range iff it is contiguous with
// nextStart+skipLen, returning the merged (start, extent) covering the
// skipLen bytes just received plus any newly-contiguous buffered bytes.
// When the first range is not contiguous (or the list is empty), nothing
// is popped and the result covers only the skipLen bytes: (nextStart,
// skipLen), which is zero-length when skipLen is 0 (§4.1).
func (l *ReceivedSegmentList) ReadyRange(nextStart, skipLen int64) SegmentRange {
	boundary := nextStart + skipLen
	if len(l.ranges) == 0 {
		if skipLen > 0 {
			return SegmentRange{Start: nextStart, Length: skipLen}
		}
		return SegmentRange{}
	}
	first := l.ranges[0]
	if first.Start > boundary {
		if skipLen > 0 {
			return SegmentRange{Start: nextStart, Length: skipLen}
		}
		return SegmentRange{}
	}
	// first.Start <= boundary: contiguous (or overlapping) with the
	// just-received bytes. Pop it and fold in the skip.
	l.ranges = l.ranges[1:]
	end := max64(first.end(), boundary)
	return SegmentRange{Start: nextStart, Length: end - nextStart}
}

// Empty reports whether no out-of-order ranges remain buffered.
func (l *ReceivedSegmentList) Empty() bool { return len(l.ranges) == 0 }

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
