/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"github.com/klauspost/reedsolomon"
	"github.com/pkg/errors"
)

// FEC wraps the *unreliable datagram* path (never the reliable stream
// path, which is already covered by ack/retransmit) with Reed-Solomon
// parity shards, for callers who would rather spend bandwidth than
// latency recovering a lost fragment of a single logical datagram
// (§4.8 FULL). It is a standalone codec: neither ConnectionManager nor
// Connection.Datagram applies it.
type FEC struct {
	dataShards, parityShards int
	enc                      reedsolomon.Encoder
}

// NewFEC builds an encoder producing parityShards recovery fragments for
// every dataShards data fragments of a datagram.
func NewFEC(dataShards, parityShards int) (*FEC, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, errors.Wrap(err, "sst: fec: construct encoder")
	}
	return &FEC{dataShards: dataShards, parityShards: parityShards, enc: enc}, nil
}

// Encode splits payload into f.dataShards data fragments (padding the
// last as needed) and appends f.parityShards parity fragments.
func (f *FEC) Encode(payload []byte) ([][]byte, error) {
	shards, err := f.enc.Split(payload)
	if err != nil {
		return nil, errors.Wrap(err, "sst: fec: split")
	}
	if err := f.enc.Encode(shards); err != nil {
		return nil, errors.Wrap(err, "sst: fec: encode")
	}
	return shards, nil
}

// Reconstruct fills in missing fragments (nil entries in shards) in
// place, using whatever data+parity fragments are present, and reports
// whether the repaired set is now complete.
func (f *FEC) Reconstruct(shards [][]byte) (bool, error) {
	if err := f.enc.Reconstruct(shards); err != nil {
		return false, nil // not enough shards yet; caller keeps waiting for more fragments
	}
	ok, err := f.enc.Verify(shards)
	if err != nil {
		return false, errors.Wrap(err, "sst: fec: verify")
	}
	return ok, nil
}

// Join reassembles the original payload from a complete, reconstructed
// shard set, trimming Split's padding.
func (f *FEC) Join(shards [][]byte, payloadLen int) ([]byte, error) {
	buf := make([]byte, 0, payloadLen)
	for _, s := range shards[:f.dataShards] {
		buf = append(buf, s...)
	}
	if len(buf) < payloadLen {
		return nil, errors.New("sst: fec: reconstructed payload shorter than expected")
	}
	return buf[:payloadLen], nil
}
