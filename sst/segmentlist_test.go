/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import "testing"

func TestReceivedSegmentListMergesOutOfOrderRanges(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(0, 10)
	l.Insert(20, 10)
	l.Insert(30, 10)
	l.Insert(10, 10)

	got := l.ReadyRange(0, 0)
	want := SegmentRange{Start: 0, Length: 40}
	if got != want {
		t.Fatalf("ReadyRange(0,0) = %+v, want %+v", got, want)
	}
	if !l.Empty() {
		t.Fatalf("expected list empty after popping the fully-merged range, got %+v", l.ranges)
	}
}

func TestReceivedSegmentListDuplicateInsertIsNoop(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(0, 10)
	l.Insert(0, 10)
	if len(l.ranges) != 1 {
		t.Fatalf("expected one range after duplicate insert, got %+v", l.ranges)
	}
	if l.ranges[0] != (SegmentRange{Start: 0, Length: 10}) {
		t.Fatalf("unexpected range after duplicate insert: %+v", l.ranges[0])
	}
}

func TestReceivedSegmentListOverlappingInsert(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(0, 10)
	l.Insert(5, 10) // overlaps [0,10) by 5 bytes, extends to [0,15)
	if len(l.ranges) != 1 {
		t.Fatalf("expected one merged range, got %+v", l.ranges)
	}
	if l.ranges[0] != (SegmentRange{Start: 0, Length: 15}) {
		t.Fatalf("unexpected merge result: %+v", l.ranges[0])
	}
}

func TestReceivedSegmentListNonAdjacentStaysSeparate(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(0, 10)
	l.Insert(20, 10) // gap [10,20) remains unfilled
	if len(l.ranges) != 2 {
		t.Fatalf("expected two disjoint ranges, got %+v", l.ranges)
	}
}

func TestReceivedSegmentListReadyRangeWaitsForContiguity(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(20, 10) // bytes [20,30) arrived, but [0,20) has not

	got := l.ReadyRange(0, 0)
	if got != (SegmentRange{}) {
		t.Fatalf("expected nothing ready yet, got %+v", got)
	}

	// Now the missing prefix [0,20) arrives in one shot.
	got = l.ReadyRange(0, 20)
	want := SegmentRange{Start: 0, Length: 30}
	if got != want {
		t.Fatalf("ReadyRange(0,20) = %+v, want %+v", got, want)
	}
	if !l.Empty() {
		t.Fatalf("expected list drained, got %+v", l.ranges)
	}
}

func TestReceivedSegmentListReadyRangeWithNoBufferedTail(t *testing.T) {
	var l ReceivedSegmentList
	got := l.ReadyRange(100, 5)
	want := SegmentRange{Start: 100, Length: 5}
	if got != want {
		t.Fatalf("ReadyRange with empty list = %+v, want %+v", got, want)
	}
}

func TestReceivedSegmentListAdjacentRangesMerge(t *testing.T) {
	var l ReceivedSegmentList
	l.Insert(10, 10) // [10,20)
	l.Insert(0, 10)  // [0,10), adjacent to the above: should merge to [0,20)
	if len(l.ranges) != 1 {
		t.Fatalf("expected adjacent ranges to merge, got %+v", l.ranges)
	}
	if l.ranges[0] != (SegmentRange{Start: 0, Length: 20}) {
		t.Fatalf("unexpected merge: %+v", l.ranges[0])
	}
}
