/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"encoding/binary"

	cuckoo "github.com/seiflotfy/cuckoofilter"
)

// Dedup is an optional probabilistic pre-filter in front of the exact
// unacked_graveyard map (§4.8 FULL, §8 invariant 3): on connections that
// accumulate pathologically many distinct (offset,length) resends before
// the matching ack finally lands, a cuckoo filter bounds memory at the
// cost of rare false positives, which only cause an extra graveyard
// lookup miss rather than an incorrect double-delivery - the exact map
// remains the source of truth. Stream's graveyard handling does not
// consult it; it is a standalone filter.
type Dedup struct {
	cf *cuckoo.Filter
}

func NewDedup(capacity uint) *Dedup {
	return &Dedup{cf: cuckoo.NewFilter(capacity)}
}

func dedupKey(offset, length int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(offset))
	binary.BigEndian.PutUint64(b[8:16], uint64(length))
	return b
}

// Seen reports whether (offset,length) was already inserted.
func (d *Dedup) Seen(offset, length int64) bool {
	return d.cf.Lookup(dedupKey(offset, length))
}

// Insert records (offset,length) as seen.
func (d *Dedup) Insert(offset, length int64) {
	d.cf.InsertUnique(dedupKey(offset, length))
}

// Delete removes (offset,length), mirroring graveyard purge-on-ack.
func (d *Dedup) Delete(offset, length int64) {
	d.cf.Delete(dedupKey(offset, length))
}
