/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

// DatagramHandler receives raw bytes delivered to a listening endpoint.
type DatagramHandler[T EndpointID[T]] func(src Endpoint[T], payload []byte)

// DatagramLayer is the external collaborator this spec fixes the
// interface of but not the implementation (§1, §6): best-effort,
// unordered, unreliable send/listen/unlisten, keyed on endpoints.
type DatagramLayer[T EndpointID[T]] interface {
	// GetUnusedPort returns a locally-free port for ObjectID o.
	GetUnusedPort(o T) uint16
	// ListenOn registers cb to receive datagrams sent to ep.
	ListenOn(ep Endpoint[T], cb DatagramHandler[T])
	// Unlisten removes any registration installed by ListenOn.
	Unlisten(ep Endpoint[T])
	// Send is fire-and-forget; the caller owns bytes after it returns, the
	// layer must copy anything it queues for async delivery.
	Send(src, dst Endpoint[T], bytes []byte) error
	// Invalidate releases any layer-wide resources (sockets, goroutines).
	Invalidate()
}
