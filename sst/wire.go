/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// StreamPacketType enumerates the Stream header's `type` field (§6).
type StreamPacketType uint8

const (
	PktINIT StreamPacketType = iota
	PktREPLY
	PktACK
	PktDATA
	PktDATAGRAM
)

func (t StreamPacketType) String() string {
	switch t {
	case PktINIT:
		return "INIT"
	case PktREPLY:
		return "REPLY"
	case PktACK:
		return "ACK"
	case PktDATA:
		return "DATA"
	case PktDATAGRAM:
		return "DATAGRAM"
	default:
		return "UNKNOWN"
	}
}

const (
	FlagContinues uint8 = 0x1
)

// ChannelHeader wraps every datagram (§6).
type ChannelHeader struct {
	ChannelID ChannelID
	TxSeqNo   uint64
	AckCount  uint32
	AckSeqNo  uint64
	Payload   []byte
}

// StreamHeader lives inside the payload of data-bearing channel packets (§6).
type StreamHeader struct {
	LSID      LSID
	Type      StreamPacketType
	Flags     uint8
	Window    uint8 // log2 of advertised receive window, clamped
	SrcPort   uint32
	DestPort  uint32
	PSID      LSID   // INIT only: parent LSID
	RSID      LSID   // REPLY only: initiator's LSID
	BSN       uint64 // stream byte offset; 0 for INIT/REPLY/ACK
	Payload   []byte
}

func (h StreamHeader) Continues() bool { return h.Flags&FlagContinues != 0 }

// Encoding is a fixed-width-then-length-prefixed-payload binary codec,
// deliberately not routed through a general-purpose serializer (see
// DESIGN.md): the field layout is pinned by §6 byte-for-byte.

func EncodeChannelHeader(h ChannelHeader) []byte {
	buf := make([]byte, 4+8+4+8+4+len(h.Payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(h.ChannelID))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.TxSeqNo)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.AckCount)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.AckSeqNo)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.Payload)))
	off += 4
	copy(buf[off:], h.Payload)
	return buf
}

func DecodeChannelHeader(buf []byte) (ChannelHeader, error) {
	var h ChannelHeader
	if len(buf) < 28 {
		return h, errors.New("sst: channel header: short buffer")
	}
	off := 0
	h.ChannelID = ChannelID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	h.TxSeqNo = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.AckCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.AckSeqNo = binary.BigEndian.Uint64(buf[off:])
	off += 8
	plen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint32(len(buf)-off) < plen {
		return h, errors.New("sst: channel header: payload length mismatch")
	}
	h.Payload = buf[off : off+int(plen)]
	return h, nil
}

func EncodeStreamHeader(h StreamHeader) []byte {
	buf := make([]byte, 4+1+1+1+4+4+4+4+8+4+len(h.Payload))
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(h.LSID))
	off += 4
	buf[off] = byte(h.Type)
	off++
	buf[off] = h.Flags
	off++
	buf[off] = h.Window
	off++
	binary.BigEndian.PutUint32(buf[off:], h.SrcPort)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.DestPort)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(h.PSID))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(h.RSID))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], h.BSN)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.Payload)))
	off += 4
	copy(buf[off:], h.Payload)
	return buf
}

func DecodeStreamHeader(buf []byte) (StreamHeader, error) {
	var h StreamHeader
	const fixedLen = 4 + 1 + 1 + 1 + 4 + 4 + 4 + 4 + 8 + 4
	if len(buf) < fixedLen {
		return h, errors.Wrapf(errShortBuffer, "stream header needs %d bytes, got %d", fixedLen, len(buf))
	}
	off := 0
	h.LSID = LSID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	h.Type = StreamPacketType(buf[off])
	off++
	h.Flags = buf[off]
	off++
	h.Window = buf[off]
	off++
	h.SrcPort = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.DestPort = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.PSID = LSID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	h.RSID = LSID(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	h.BSN = binary.BigEndian.Uint64(buf[off:])
	off += 8
	plen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint32(len(buf)-off) < plen {
		return h, errors.Wrap(errShortBuffer, "stream header payload")
	}
	h.Payload = buf[off : off+int(plen)]
	return h, nil
}

var errShortBuffer = fmt.Errorf("sst: short buffer")

// windowLog2 returns floor(log2(bytes)) (0 for bytes <= 0), the value
// advertised in the Window byte of the stream header. Per §9 Open Question (iii): precision loss
// here is tolerated by design, not a bug to fix.
func windowLog2(bytes int) uint8 {
	if bytes <= 0 {
		return 0
	}
	var n uint8
	for v := bytes; v > 1; v >>= 1 {
		n++
	}
	if n > 255 {
		return 255
	}
	return n
}

func windowFromLog2(log2 uint8) int64 {
	return int64(1) << uint(log2)
}
