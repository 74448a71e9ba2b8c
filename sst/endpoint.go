// Package sst implements a Structured Stream Transport: reliable, ordered,
// multi-stream, multi-channel connections layered over an unreliable
// datagram substrate.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"fmt"

	"github.com/sirikata-go/sst/cmn/cos"
)

// EndpointID is the constraint the transport is generic over: an opaque
// application identifier is never interpreted by this package, only
// compared, hashed, and printed. ObjectID below is the concrete, shipped
// instantiation; a caller may supply another (e.g. a raw netip.AddrPort
// wrapper) without touching Connection/Stream/Manager.
type EndpointID[T any] interface {
	comparable
	fmt.Stringer
	Less(other T) bool
	Hash() uint64
}

// Endpoint identifies one side of a Connection: an opaque application id
// plus a 16-bit port, per §3.
type Endpoint[T EndpointID[T]] struct {
	ObjectID T
	Port     uint16
}

func (e Endpoint[T]) String() string {
	return fmt.Sprintf("%s:%d", e.ObjectID, e.Port)
}

func (e Endpoint[T]) Less(other Endpoint[T]) bool {
	if e.ObjectID != other.ObjectID {
		return e.ObjectID.Less(other.ObjectID)
	}
	return e.Port < other.Port
}

func (e Endpoint[T]) Hash() uint64 {
	return e.ObjectID.Hash()*31 + uint64(e.Port)
}

// ObjectID is the shipped concrete endpoint identifier: an opaque string
// (e.g. an object/session id assigned by the application layer above
// this transport) hashed with xxhash.
type ObjectID string

func (o ObjectID) String() string { return string(o) }

func (o ObjectID) Less(other ObjectID) bool {
	return o < other
}

func (o ObjectID) Hash() uint64 {
	return cos.EndpointHash(string(o))
}

// ChannelID is u32, 0 reserved for "setup" (§3, §6).
type ChannelID uint32

const SetupChannel ChannelID = 0

// LSID is a local stream id, monotonically assigned per Connection (§3).
type LSID uint32

// USID is a random stream identifier generated by the stream's initiator
// (§3): a shortid string of at least cos.LenUSID characters from
// cmn/cos.GenUSID, not a 128-bit value. It is kept locally on the Stream
// and is not carried in the stream header.
type USID string
