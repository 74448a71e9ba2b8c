/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sirikata-go/sst/cmn/nlog"
)

// connKey identifies a Connection by the (local,remote) endpoint pair plus
// the local channel id, since a single local endpoint may eventually
// multiplex several channels to the same remote during handshake races.
type connKey struct {
	local, remote string
	channel       ChannelID
}

// ConnectionManager is the process-scoped registry (§3, §4.4): bound to a
// single Datagram Layer, it keeps a table of live Connections keyed by
// (local, remote, local channel), a table of listening endpoints with
// accept callbacks, and the lifecycle (stop, close-all).
type ConnectionManager[T EndpointID[T]] struct {
	cfg *Config
	dl  DatagramLayer[T]

	mu          sync.Mutex
	conns       map[connKey]*Connection[T]
	byChannel   map[ChannelID]*Connection[T] // setup-phase lookup, keyed by our own locally-allocated channel
	listeners   map[string]endpointListener[T]
	nextChannel uint32
}

// endpointListener pairs the application port a Listen call was made
// under with the callback to run for each accepted root Stream.
type endpointListener[T EndpointID[T]] struct {
	port uint32
	cb   StreamReturnCallback[T]
}

// NewConnectionManager constructs a manager bound to a single Datagram
// Layer instance (real UDP, or a fault-injecting sstest.Fake).
func NewConnectionManager[T EndpointID[T]](dl DatagramLayer[T], cfg *Config) *ConnectionManager[T] {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConnectionManager[T]{
		cfg:         cfg,
		dl:          dl,
		conns:       make(map[connKey]*Connection[T]),
		byChannel:   make(map[ChannelID]*Connection[T]),
		listeners:   make(map[string]endpointListener[T]),
		nextChannel: 1, // channel 0 is reserved for setup (§6)
	}
}

func (mgr *ConnectionManager[T]) allocChannel() uint32 {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for {
		id := mgr.nextChannel
		mgr.nextChannel++
		if mgr.nextChannel == 0 {
			mgr.nextChannel = 1 // wrap past the reserved setup channel
		}
		if _, taken := mgr.byChannel[ChannelID(id)]; !taken {
			return id
		}
	}
}

// ConnectStream is the public entry point mirroring the original
// `connect_stream`/`open_stream` combination exposed at the manager level
// (§6 "ConnectionManager: connect_stream"): dial `remote` from `local`,
// opening a root Stream once the handshake completes.
func (mgr *ConnectionManager[T]) ConnectStream(local, remote Endpoint[T], localPort, remotePort uint32, initial []byte, cb StreamReturnCallback[T]) {
	connCB := func(status int, c *Connection[T]) {
		if status != 0 {
			cb(status, nil)
			return
		}
		c.openStream(0, localPort, remotePort, initial, cb)
	}
	mgr.dl.ListenOn(local, func(src Endpoint[T], payload []byte) { mgr.dispatch(local, src, payload) })
	c := openConnection(mgr, local, remote, connCB)
	mgr.register(c)
}

// Listen registers an accept callback for (ep,port), and ensures the
// Datagram Layer is listening on ep so inbound handshakes reach this
// process (§6 "ConnectionManager: listen").
func (mgr *ConnectionManager[T]) Listen(ep Endpoint[T], port uint32, cb StreamReturnCallback[T]) {
	mgr.mu.Lock()
	mgr.listeners[ep.String()] = endpointListener[T]{port: port, cb: cb}
	mgr.mu.Unlock()
	mgr.dl.ListenOn(ep, func(src Endpoint[T], payload []byte) { mgr.dispatch(ep, src, payload) })
}

// Unlisten removes a prior Listen registration.
func (mgr *ConnectionManager[T]) Unlisten(ep Endpoint[T]) {
	mgr.mu.Lock()
	delete(mgr.listeners, ep.String())
	mgr.mu.Unlock()
	mgr.dl.Unlisten(ep)
}

// CreateDatagramLayer exposes the manager's bound Datagram Layer,
// mirroring `create_datagram_layer` (§6); this manager is constructed
// around a single shared layer instance rather than a per-call factory,
// since one process typically has one transport-level socket or fake.
func (mgr *ConnectionManager[T]) CreateDatagramLayer() DatagramLayer[T] { return mgr.dl }

// dispatch routes an inbound datagram to the Connection owning its
// channel id, or into the handshake-accept path for channel 0 (§4.4,
// §4.3 "Acceptor").
func (mgr *ConnectionManager[T]) dispatch(local, remote Endpoint[T], raw []byte) {
	ch, err := DecodeChannelHeader(raw)
	if err != nil {
		nlog.Warningf("sst: manager: malformed datagram from %s: %v", remote, err)
		return
	}

	if ch.ChannelID == SetupChannel {
		mgr.acceptOrRoute(local, remote, ch)
		return
	}

	mgr.mu.Lock()
	c, ok := mgr.byChannel[ch.ChannelID]
	mgr.mu.Unlock()
	if !ok {
		nlog.Warningf("sst: manager: unknown channel %d from %s", ch.ChannelID, remote)
		return
	}
	c.onDatagram(raw)
}

func (mgr *ConnectionManager[T]) acceptOrRoute(local, remote Endpoint[T], ch ChannelHeader) {
	// An initiator's handshake reply also arrives framed on channel 0
	// with AckCount>0 but no fresh channel-alloc payload of its own; we
	// only treat *unacked* channel-0 frames with a 4-byte payload as a
	// fresh INIT from a would-be initiator. Replies to our own
	// already-pending Connections also arrive on channel 0 and fall
	// through to the endpoint scan below.
	if ch.AckCount == 0 && len(ch.Payload) >= 4 {
		// Our own allocated channel isn't known until acceptHandshake below
		// runs, so a retransmitted INIT (the peer's reply to our first
		// acceptance was lost) can't be deduped by connKey lookup; scan for
		// an already-accepted Connection to this (local, remote) instead.
		if existing := mgr.findByEndpoints(local, remote); existing != nil {
			existing.onStrand(func() { existing.resendHandshakeReply(ch.TxSeqNo) })
			return
		}

		remoteCh := ChannelID(getU32(ch.Payload[0:4]))
		c := acceptHandshake(mgr, local, remote, remoteCh, ch.TxSeqNo)
		mgr.register(c)

		// The reply advertises port C' (== c.localCh) and the initiator
		// redirects its traffic there, so listen on that port too.
		chEp := local
		chEp.Port = uint16(c.localCh)
		mgr.dl.ListenOn(chEp, func(src Endpoint[T], payload []byte) { mgr.dispatch(chEp, src, payload) })

		mgr.mu.Lock()
		l, ok := mgr.listeners[local.String()]
		mgr.mu.Unlock()
		if ok {
			c.ListenStream(l.port, l.cb)
		}
		return
	}

	// Not a fresh INIT: the acceptor's handshake reply is framed on
	// channel 0, so it is routed to a pending initiator Connection found
	// by endpoints rather than through byChannel.
	mgr.mu.Lock()
	var target *Connection[T]
	for _, c := range mgr.conns {
		if c.local == local && c.remote.ObjectID == remote.ObjectID && c.State() == ConnPendingConnect {
			target = c
			break
		}
	}
	mgr.mu.Unlock()
	if target != nil {
		target.onDatagram(EncodeChannelHeader(ch))
	}
}

// findByEndpoints returns any live Connection between local and remote,
// regardless of channel or state.
func (mgr *ConnectionManager[T]) findByEndpoints(local, remote Endpoint[T]) *Connection[T] {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	for _, c := range mgr.conns {
		if c.local == local && c.remote.ObjectID == remote.ObjectID {
			return c
		}
	}
	return nil
}

func (mgr *ConnectionManager[T]) register(c *Connection[T]) {
	mgr.mu.Lock()
	mgr.conns[connKey{local: c.local.String(), remote: c.remote.String(), channel: c.localCh}] = c
	mgr.byChannel[c.localCh] = c
	mgr.mu.Unlock()
}

func (mgr *ConnectionManager[T]) forget(c *Connection[T]) {
	mgr.mu.Lock()
	delete(mgr.conns, connKey{local: c.local.String(), remote: c.remote.String(), channel: c.localCh})
	delete(mgr.byChannel, c.localCh)
	mgr.mu.Unlock()
}

// Stop walks every live Connection and asks it to quiesce (§4.4 "stop()").
func (mgr *ConnectionManager[T]) Stop() {
	mgr.mu.Lock()
	conns := make([]*Connection[T], 0, len(mgr.conns))
	for _, c := range mgr.conns {
		conns = append(conns, c)
	}
	mgr.mu.Unlock()
	for _, c := range conns {
		c.Close(false)
	}
}

// CloseAll drains the Connection table one (bounded-concurrency) batch at
// a time, releasing the table lock before tearing down each Connection,
// to avoid re-entrant deadlock when a Connection's own teardown calls
// back into forget() (§4.4 "close_all()"). errgroup bounds how many
// Connections tear down concurrently, matching the teacher's use of
// golang.org/x/sync for bounded concurrent fan-out.
func (mgr *ConnectionManager[T]) CloseAll() error {
	mgr.mu.Lock()
	conns := make([]*Connection[T], 0, len(mgr.conns))
	for _, c := range mgr.conns {
		conns = append(conns, c)
	}
	mgr.mu.Unlock()

	var eg errgroup.Group
	eg.SetLimit(32)
	for _, c := range conns {
		c := c
		eg.Go(func() error {
			c.Close(true)
			return nil
		})
	}
	return eg.Wait()
}

// Stats exposes a snapshot of per-connection stats, keyed the way
// ConnCollector expects.
func (mgr *ConnectionManager[T]) Stats() map[promLabels]*ConnStats {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	out := make(map[promLabels]*ConnStats, len(mgr.conns))
	for _, c := range mgr.conns {
		out[promLabels{local: c.local.String(), remote: c.remote.String()}] = &c.stats
	}
	return out
}
