/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"bytes"

	"github.com/pierrec/lz4/v3"
)

// Compressor applies LZ4 compression to Stream payloads before
// fragmentation (§4.8 FULL). It is a standalone codec: Stream has no
// setting that applies it, so payloads go out uncompressed unless the
// caller compresses them before Write.
type Compressor struct{}

func (Compressor) Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Compressor) Decompress(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
