/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sirikata-go/sst/cmn/cos"
	"github.com/sirikata-go/sst/cmn/nlog"
	"github.com/sirikata-go/sst/hk"
)

// ConnState is the Connection state machine (§4.3).
type ConnState int

const (
	ConnDisconnected ConnState = iota
	ConnPendingConnect
	ConnPendingReceiveConnect
	ConnConnected
	ConnPendingDisconnect
)

// connRef is the "weak" back-reference a Stream holds to its owning
// Connection (§9 "Strong/weak cycles"): cleared when the Connection tears
// down, so a live Stream can never keep a dead Connection's resources
// (socket, channel id) alive.
type connRef[T EndpointID[T]] struct {
	mu sync.RWMutex
	c  *Connection[T]
}

func (r *connRef[T]) get() *Connection[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.c
}

func (r *connRef[T]) clear() {
	r.mu.Lock()
	r.c = nil
	r.mu.Unlock()
}

// channelSegment is a queued-then-in-flight unit at the channel level
// (§3): it wraps whatever stream-header bytes were handed down from a
// Stream's service step.
type channelSegment struct {
	seqNo      uint64
	payload    []byte
	transmitAt time.Time
	ackAt      time.Time
}

// ConnectionReturnCallback reports connection-creation outcome (§6).
type ConnectionReturnCallback[T EndpointID[T]] func(status int, c *Connection[T])

// Connection owns one channel on the Datagram Layer, multiplexes many
// Streams, and implements the channel handshake, congestion window, and
// channel-level sequence numbers (§3, §4.3).
type Connection[T EndpointID[T]] struct {
	mgr     *ConnectionManager[T]
	local   Endpoint[T]
	remote  Endpoint[T]
	localCh ChannelID
	remoteCh ChannelID // peer's own local channel id; stamped on every outbound frame

	cfg *Config
	dl  DatagramLayer[T]

	self *connRef[T] // the handle every owned Stream holds

	mu    sync.Mutex
	state ConnState

	// channel-level send/recv bookkeeping
	txSeqNo       uint64
	lastRecvSeqNo uint64
	cwnd          int
	inSendingMode bool
	inFlight      []*channelSegment // ordered by seqNo, oldest first
	queue         []*channelSegment
	rto           time.Duration
	haveSample    bool
	lastSend      time.Time

	out map[LSID]*Stream[T] // locally-created streams, by local LSID
	in  map[LSID]*Stream[T] // remote-created streams, by local LSID
	nextLSID LSID

	listeners map[uint32]StreamReturnCallback[T] // accept callbacks by local port
	rootStream *Stream[T]

	// handshake bookkeeping (initiator side)
	handshakeRetries int
	connCB           ConnectionReturnCallback[T]

	cmdCh chan func()
	stopCh chan struct{}

	stats ConnStats

	lastActivity time.Time
	hkName       string

	pendingDatagrams map[LSID]*pendingDatagram
	datagramReaders  map[uint32][]func([]byte)

	streamBySeq map[uint64]*Stream[T] // channel seqno -> the Stream whose DATA packet it carried
}

func newConnection[T EndpointID[T]](mgr *ConnectionManager[T], local, remote Endpoint[T], localCh ChannelID) *Connection[T] {
	c := &Connection[T]{
		mgr:          mgr,
		local:        local,
		remote:       remote,
		localCh:      localCh,
		cfg:          mgr.cfg,
		dl:           mgr.dl,
		state:        ConnDisconnected,
		cwnd:         1,
		rto:          mgr.cfg.InitialRTO,
		out:          make(map[LSID]*Stream[T]),
		in:           make(map[LSID]*Stream[T]),
		listeners:    make(map[uint32]StreamReturnCallback[T]),
		cmdCh:        make(chan func(), 256),
		stopCh:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	c.self = &connRef[T]{c: c}
	c.hkName = local.String() + "->" + remote.String() + hk.NameSuffix
	go c.run()
	hk.Reg(c.hkName, c.tick, c.cfg.InitialRTO)
	return c
}

// onStrand runs f on the Connection's single goroutine and blocks until
// it completes - this channel/goroutine pair *is* the "strand" (§5 FULL).
func (c *Connection[T]) onStrand(f func()) {
	done := make(chan struct{})
	select {
	case c.cmdCh <- func() { f(); close(done) }:
		<-done
	case <-c.stopCh:
	}
}

func (c *Connection[T]) run() {
	for {
		select {
		case f := <-c.cmdCh:
			f()
		case <-c.stopCh:
			return
		}
	}
}

// tick is the hk callback driving this Connection's periodic service:
// retransmit checks, keepalive, idle-liveness. It returns the next
// interval to re-fire at (2*RTO, per §5's cancellation/timeout rule).
func (c *Connection[T]) tick() time.Duration {
	now := time.Now()
	c.onStrand(func() {
		c.serviceLocked(now)
	})
	c.mu.Lock()
	rto := c.rto
	dead := c.state == ConnDisconnected
	c.mu.Unlock()
	if dead {
		return hk.UnregInterval
	}
	return 2 * rto
}

func (c *Connection[T]) serviceLocked(now time.Time) {
	c.mu.Lock()
	idleTooLong := now.Sub(c.lastActivity) > c.cfg.LivenessTimeout && len(c.out) == 0 && len(c.in) == 0
	c.mu.Unlock()
	if idleTooLong {
		c.closeLocked(true)
		return
	}

	if c.State() == ConnPendingConnect {
		c.serviceHandshake(now)
		return
	}

	c.maybeResendChannel(now)
	c.flushQueue()

	// service every owned stream
	c.mu.Lock()
	streams := make([]*Stream[T], 0, len(c.out)+len(c.in))
	for _, s := range c.out {
		streams = append(streams, s)
	}
	for _, s := range c.in {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.service(c, now)
	}
}

func (c *Connection[T]) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection[T]) scheduleService() {
	hk.UnregIf(c.hkName, func() time.Duration {
		c.serviceLocked(time.Now())
		c.mu.Lock()
		rto := c.rto
		c.mu.Unlock()
		return 2 * rto
	})
}

//
// handshake
//

// openConnection begins the initiator side of the handshake: allocate a
// free local channel id, send [C] on channel 0 to the remote listening
// endpoint (§4.3).
func openConnection[T EndpointID[T]](mgr *ConnectionManager[T], local, remote Endpoint[T], cb ConnectionReturnCallback[T]) *Connection[T] {
	localCh := ChannelID(mgr.allocChannel())
	c := newConnection(mgr, local, remote, localCh)
	c.state = ConnPendingConnect
	c.connCB = cb
	c.onStrand(func() { c.sendHandshakeInit() })
	return c
}

func (c *Connection[T]) sendHandshakeInit() {
	payload := make([]byte, 4)
	putU32(payload, uint32(c.localCh))
	ch := ChannelHeader{ChannelID: SetupChannel, TxSeqNo: 0, Payload: payload}
	c.send(ch)
	c.lastSend = time.Now()
}

func (c *Connection[T]) serviceHandshake(now time.Time) {
	c.mu.Lock()
	if c.handshakeRetries >= c.cfg.HandshakeRetryCap {
		cb := c.connCB
		c.state = ConnDisconnected
		c.mu.Unlock()
		if cb != nil {
			cb(-1, c)
		}
		return
	}
	backoff := c.rto * time.Duration(1<<uint(c.handshakeRetries))
	due := c.lastSend.Add(backoff)
	if now.Before(due) {
		c.mu.Unlock()
		return
	}
	c.handshakeRetries++
	c.mu.Unlock()
	c.sendHandshakeInit()
}

// acceptHandshake is the acceptor-side response to a channel-0 INIT
// carrying only [C] (§4.3): allocate a free local channel id C', pick a
// local port == C', create a Connection in PendingReceiveConnect, reply
// [C', port].
func acceptHandshake[T EndpointID[T]](mgr *ConnectionManager[T], local, remote Endpoint[T], remoteCh ChannelID, remoteSeqNo uint64) *Connection[T] {
	localCh := ChannelID(mgr.allocChannel())
	c := newConnection(mgr, local, remote, localCh)
	c.state = ConnPendingReceiveConnect
	c.lastRecvSeqNo = remoteSeqNo
	c.remoteCh = remoteCh

	c.resendHandshakeReply(remoteSeqNo)
	c.state = ConnConnected
	return c
}

// resendHandshakeReply (re)sends the acceptor's [C', port] reply. Used both
// for the first reply in acceptHandshake and, since the acceptor never runs
// its own handshake-retry timer once ConnConnected, whenever manager.go sees
// the initiator retransmit its INIT (meaning our first reply was dropped).
func (c *Connection[T]) resendHandshakeReply(remoteSeqNo uint64) {
	port := uint32(c.localCh)
	payload := make([]byte, 8)
	putU32(payload[0:4], uint32(c.localCh))
	putU32(payload[4:8], port)
	ch := ChannelHeader{ChannelID: SetupChannel, TxSeqNo: 0, AckCount: 1, AckSeqNo: remoteSeqNo, Payload: payload}
	c.send(ch)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// onHandshakeReply is the initiator's handling of the acceptor's [C',port]
// reply: read remote channel id + port, transition to Connected, ack,
// deliver the creation callback (§4.3).
func (c *Connection[T]) onHandshakeReply(payload []byte, remoteSeqNo uint64) {
	if len(payload) < 8 {
		nlog.Warningf("sst: short handshake reply from %s", c.remote)
		return
	}
	remoteChannelID := getU32(payload[0:4])
	remotePort := getU32(payload[4:8])

	c.mu.Lock()
	c.remote.Port = uint16(remotePort)
	c.remoteCh = ChannelID(remoteChannelID)
	c.state = ConnConnected
	c.lastRecvSeqNo = remoteSeqNo
	cb := c.connCB
	c.mu.Unlock()

	if cb != nil {
		cb(0, c)
	}
}

//
// streams
//

// openStream is the local-initiator path for creating a Stream (§4.2,
// §6 "open_stream"): assigns a local LSID, sends INIT, and calls cb on
// handshake completion.
func (c *Connection[T]) openStream(parent LSID, localPort, remotePort uint32, initial []byte, cb StreamReturnCallback[T]) *Stream[T] {
	var s *Stream[T]
	c.onStrand(func() {
		c.mu.Lock()
		c.nextLSID++
		lsid := c.nextLSID
		c.mu.Unlock()

		usid := USID(cos.GenUSID())
		s = newStream(c, lsid, 0, parent, localPort, remotePort, usid)
		s.creationCB = cb
		s.isRoot = parent == 0 && c.rootStream == nil

		c.mu.Lock()
		if s.isRoot {
			c.rootStream = s
		}
		c.out[lsid] = s
		c.mu.Unlock()

		if len(initial) > 0 {
			s.writeLocked(initial)
		}
		c.sendInit(s)
	})
	return s
}

func (c *Connection[T]) sendInit(s *Stream[T]) {
	hdr := StreamHeader{
		LSID: s.localLSID, Type: PktINIT, Window: s.advertisedWindow(),
		SrcPort: s.localPort, DestPort: s.remotePort, PSID: s.parentLSID,
	}
	c.sendStreamHeader(hdr)
}

// onInit is the acceptor-side handling of an INIT packet: look up the
// listen callback by dest port, create the Stream, deliver payload, reply
// REPLY with the remote LSID (§4.2 "Packet handling (inbound)").
func (c *Connection[T]) onInit(hdr StreamHeader) {
	c.mu.Lock()
	var existing *Stream[T]
	for _, s := range c.in { // c.in is keyed by our LSID; hdr.LSID is the peer's
		if s.remoteLSID == hdr.LSID {
			existing = s
			break
		}
	}
	if existing != nil {
		c.mu.Unlock()
		// §9 open question (i): re-send a REPLY ack without payload for a
		// duplicate INIT; preserved as-is per the note to reproduce, not fix.
		c.sendReply(existing)
		return
	}
	cb, ok := c.listeners[hdr.DestPort]
	c.mu.Unlock()
	if !ok {
		nlog.Warningf("sst: INIT for unknown port %d on %s", hdr.DestPort, c.local)
		return
	}

	c.mu.Lock()
	c.nextLSID++
	lsid := c.nextLSID
	c.mu.Unlock()

	s := newStream(c, lsid, hdr.LSID, LSID(hdr.PSID), hdr.DestPort, hdr.SrcPort, "")
	s.state = StreamConnected
	s.updateTransmitWindow(hdr.Window)
	c.mu.Lock()
	c.in[lsid] = s
	c.mu.Unlock()

	if len(hdr.Payload) > 0 {
		s.receiveData(hdr)
	}
	c.sendReply(s)
	if cb != nil {
		cb(0, s)
	}
}

func (c *Connection[T]) sendReply(s *Stream[T]) {
	hdr := StreamHeader{
		LSID: s.remoteLSID, Type: PktREPLY, Window: s.advertisedWindow(),
		SrcPort: s.localPort, DestPort: s.remotePort, RSID: s.localLSID,
	}
	c.sendStreamHeader(hdr)
}

// onReply is the initiator-side handling of a REPLY: resolve by rsid,
// mark Connected, deliver payload, invoke the creation callback
// (§4.2).
func (c *Connection[T]) onReply(hdr StreamHeader) {
	c.mu.Lock()
	s, ok := c.out[LSID(hdr.RSID)]
	c.mu.Unlock()
	if !ok {
		return
	}
	s.onHandshakeComplete(hdr.LSID)
	s.updateTransmitWindow(hdr.Window)
	if len(hdr.Payload) > 0 {
		s.receiveData(hdr)
	}
}

func (c *Connection[T]) sendStreamData(s *Stream[T], buf *StreamBuffer) uint64 {
	hdr := StreamHeader{
		LSID: s.remoteLSID, Type: PktDATA, Window: s.advertisedWindow(),
		SrcPort: s.localPort, DestPort: s.remotePort, BSN: uint64(buf.Offset), Payload: buf.Payload,
	}
	c.stats.BytesSent.Add(int64(len(buf.Payload)))
	c.stats.SegmentsSent.Add(1)
	seq := c.sendStreamHeader(hdr)
	c.mu.Lock()
	if c.streamBySeq == nil {
		c.streamBySeq = make(map[uint64]*Stream[T])
	}
	c.streamBySeq[seq] = s
	c.mu.Unlock()
	return seq
}

func (c *Connection[T]) sendAckFor(s *Stream[T]) {
	hdr := StreamHeader{
		LSID: s.remoteLSID, Type: PktACK, Window: s.advertisedWindow(),
		SrcPort: s.localPort, DestPort: s.remotePort,
	}
	c.sendStreamHeader(hdr)
}

// removeStream drops s from whichever map owns it and clears its weak
// back-reference, per the "pop from map, release lock, then drop" pattern
// (§5 "Lifetime").
func (c *Connection[T]) removeStream(s *Stream[T]) {
	c.mu.Lock()
	delete(c.out, s.localLSID)
	delete(c.in, s.localLSID)
	empty := len(c.out) == 0 && len(c.in) == 0
	c.mu.Unlock()
	if empty {
		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()
	}
}

func (c *Connection[T]) onRootStreamFailed(s *Stream[T]) {
	c.removeStream(s)
	c.closeLocked(true)
}

// ListenStream registers cb as the accept callback for localPort (§6
// "listen_stream").
func (c *Connection[T]) ListenStream(localPort uint32, cb StreamReturnCallback[T]) {
	c.mu.Lock()
	c.listeners[localPort] = cb
	c.mu.Unlock()
}

func (c *Connection[T]) LocalEndpoint() Endpoint[T]  { return c.local }
func (c *Connection[T]) RemoteEndpoint() Endpoint[T] { return c.remote }

// OpenStream is the public entry point for creating a parentless stream
// directly on this Connection (§6 "open_stream").
func (c *Connection[T]) OpenStream(localPort, remotePort uint32, initial []byte, cb StreamReturnCallback[T]) *Stream[T] {
	return c.openStream(0, localPort, remotePort, initial, cb)
}

//
// channel-level send/recv
//

func (c *Connection[T]) sendStreamHeader(hdr StreamHeader) uint64 {
	body := EncodeStreamHeader(hdr)
	c.mu.Lock()
	seq := c.txSeqNo
	c.txSeqNo++
	seg := &channelSegment{seqNo: seq, payload: body}
	c.queue = append(c.queue, seg)
	c.mu.Unlock()
	c.flushQueue()
	return seq
}

// flushQueue sends from the channel queue while in_flight.len <= cwnd,
// implementing "sending mode" (§4.3 "Congestion").
func (c *Connection[T]) flushQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || len(c.inFlight) > c.cwnd {
			c.inSendingMode = len(c.queue) > 0
			c.mu.Unlock()
			return
		}
		seg := c.queue[0]
		c.queue = c.queue[1:]
		seg.transmitAt = time.Now()
		c.inFlight = append(c.inFlight, seg)
		c.lastSend = seg.transmitAt
		ackCount := uint32(1)
		ackSeq := c.lastRecvSeqNo
		c.mu.Unlock()

		ch := ChannelHeader{ChannelID: c.remoteCh, TxSeqNo: seg.seqNo, AckCount: ackCount, AckSeqNo: ackSeq, Payload: seg.payload}
		c.send(ch)
	}
}

func (c *Connection[T]) send(ch ChannelHeader) {
	buf := EncodeChannelHeader(ch)
	if err := c.dl.Send(c.local, c.remote, buf); err != nil {
		nlog.Warningf("sst: send %s->%s: %v", c.local, c.remote, err)
	}
}

// maybeResendChannel halves cwnd and clears in-flight on timeout while
// packets are outstanding - the data isn't lost, the owning Streams will
// re-queue it via their own resend (§4.3 "Congestion").
func (c *Connection[T]) maybeResendChannel(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inFlight) == 0 {
		return
	}
	if now.Sub(c.lastSend) <= 2*c.rto {
		return
	}
	c.cwnd = max(1, c.cwnd/2)
	c.inFlight = c.inFlight[:0]
	c.stats.Retransmits.Add(1)
}

// onAck processes an inbound channel-level ack: AckSeqNo is a cumulative
// high-water mark ("peer has received every channel segment up to and
// including this one"), so every in-flight segment at or below it is
// acked at once, each one handed off to the Stream whose DATA packet it
// carried. RTO is sampled from the exact segment matching ackSeqNo when
// present; cwnd grows with probability 1/cwnd per ack (§4.3).
func (c *Connection[T]) onAck(ackSeqNo uint64) {
	c.mu.Lock()
	now := time.Now()
	var acked []*channelSegment
	remaining := c.inFlight[:0]
	for _, seg := range c.inFlight {
		if seg.seqNo <= ackSeqNo {
			seg.ackAt = now
			acked = append(acked, seg)
		} else {
			remaining = append(remaining, seg)
		}
	}
	c.inFlight = remaining
	if len(acked) == 0 {
		c.mu.Unlock()
		return
	}

	for _, seg := range acked {
		if seg.seqNo != ackSeqNo {
			continue
		}
		sample := seg.ackAt.Sub(seg.transmitAt)
		if !c.haveSample {
			c.rto = sample
			c.haveSample = true
		} else {
			c.rto = time.Duration(c.cfg.RTOAlpha*float64(c.rto) + (1-c.cfg.RTOAlpha)*float64(sample))
		}
	}

	if c.cwnd > 0 && rand.Intn(c.cwnd) == 0 {
		c.cwnd++
	}
	c.stats.AcksRecv.Add(1)
	c.stats.CWnd.Store(int64(c.cwnd))
	c.stats.RTOMicros.Store(c.rto.Microseconds())

	type ackedStream struct {
		seqNo uint64
		s     *Stream[T]
	}
	owners := make([]ackedStream, 0, len(acked))
	for _, seg := range acked {
		if s, ok := c.streamBySeq[seg.seqNo]; ok {
			owners = append(owners, ackedStream{seqNo: seg.seqNo, s: s})
			delete(c.streamBySeq, seg.seqNo)
		}
	}
	c.mu.Unlock()

	for _, o := range owners {
		o.s.receiveAck(o.seqNo)
	}

	c.flushQueue()
}

//
// inbound dispatch
//

// onDatagram is invoked by the ConnectionManager for every datagram
// addressed to this Connection's channel (§4.3 "Inbound packet path").
func (c *Connection[T]) onDatagram(raw []byte) {
	ch, err := DecodeChannelHeader(raw)
	if err != nil {
		nlog.Warningf("sst: %v", errors.Wrapf(err, "malformed channel header from %s", c.remote))
		return
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if ch.AckCount > 0 {
		c.onAck(ch.AckSeqNo)
	}
	if len(ch.Payload) == 0 {
		return
	}

	if c.State() == ConnPendingConnect {
		c.onHandshakeReply(ch.Payload, ch.TxSeqNo)
		return
	}

	hdr, err := DecodeStreamHeader(ch.Payload)
	if err != nil {
		nlog.Warningf("sst: %v", errors.Wrapf(err, "malformed stream header from %s", c.remote))
		return
	}
	c.stats.SegmentsRecv.Add(1)

	handled := true
	switch hdr.Type {
	case PktINIT:
		c.onInit(hdr)
	case PktREPLY:
		c.onReply(hdr)
	case PktDATA, PktACK:
		c.dispatchToStream(hdr)
	case PktDATAGRAM:
		c.onDatagramFragment(hdr)
	default:
		handled = false
	}

	// "last received channel seqno" only advances if the packet was
	// fully handled - avoids acking data the peer would then have to
	// forget (§4.3 "Inbound packet path").
	if handled {
		c.mu.Lock()
		if ch.TxSeqNo > c.lastRecvSeqNo {
			c.lastRecvSeqNo = ch.TxSeqNo
		}
		c.mu.Unlock()
	}
}

func (c *Connection[T]) dispatchToStream(hdr StreamHeader) {
	c.mu.Lock()
	s, ok := c.in[hdr.LSID]
	if !ok {
		s, ok = c.out[hdr.LSID]
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	switch hdr.Type {
	case PktDATA:
		s.receiveData(hdr)
	case PktACK:
		s.updateTransmitWindow(hdr.Window)
	}
}

//
// datagrams (§4.3 "Datagrams")
//

type pendingDatagram struct {
	parts [][]byte
}

func (c *Connection[T]) onDatagramFragment(hdr StreamHeader) {
	c.mu.Lock()
	if c.pendingDatagrams == nil {
		c.pendingDatagrams = make(map[LSID]*pendingDatagram)
	}
	pd, ok := c.pendingDatagrams[hdr.LSID]
	if !ok {
		pd = &pendingDatagram{}
		c.pendingDatagrams[hdr.LSID] = pd
	}
	pd.parts = append(pd.parts, hdr.Payload)
	done := !hdr.Continues()
	var full []byte
	var destPort uint32
	if done {
		delete(c.pendingDatagrams, hdr.LSID)
		for _, p := range pd.parts {
			full = append(full, p...)
		}
		destPort = hdr.DestPort
	}
	cbs := c.datagramReaders[destPort]
	c.mu.Unlock()

	if done {
		for _, cb := range cbs {
			cb(full)
		}
	}
}

// Datagram fragments a best-effort payload across multiple DATAGRAM
// stream packets, each with a fresh LSID, and a CONTINUES flag on all but
// the last (§4.3 "Datagrams").
func (c *Connection[T]) Datagram(payload []byte, srcPort, dstPort uint32, done DatagramSendDoneCallback) {
	c.onStrand(func() {
		c.mu.Lock()
		c.nextLSID++
		lsid := c.nextLSID
		c.mu.Unlock()

		const headerReserve = 28
		reserve := headerReserve
		chunkSize := c.cfg.MaxPayloadSize - reserve
		if chunkSize <= 0 {
			chunkSize = 1
		}
		for off := 0; off < len(payload) || (len(payload) == 0 && off == 0); {
			end := off + chunkSize
			if end > len(payload) {
				end = len(payload)
			}
			continues := end < len(payload)
			hdr := StreamHeader{LSID: lsid, Type: PktDATAGRAM, SrcPort: srcPort, DestPort: dstPort, Payload: payload[off:end]}
			if continues {
				hdr.Flags |= FlagContinues
			}
			body := EncodeStreamHeader(hdr)
			if len(body) > c.cfg.MaxPayloadSize {
				reserve += 10
				chunkSize = c.cfg.MaxPayloadSize - reserve
				continue
			}
			c.send(ChannelHeader{ChannelID: c.remoteCh, TxSeqNo: 0, Payload: body})
			off = end
			if len(payload) == 0 {
				break
			}
		}
		if done != nil {
			done(0, nil)
		}
	})
}

// DatagramSendDoneCallback reports send completion for Datagram (§6).
type DatagramSendDoneCallback func(status int, userPtr any)

// RegisterDatagramReader installs cb for datagrams addressed to port
// (§6 "register_datagram_reader").
func (c *Connection[T]) RegisterDatagramReader(port uint32, cb func(payload []byte)) {
	c.mu.Lock()
	if c.datagramReaders == nil {
		c.datagramReaders = make(map[uint32][]func([]byte))
	}
	c.datagramReaders[port] = append(c.datagramReaders[port], cb)
	c.mu.Unlock()
}

//
// teardown (§4.3, §4.4, §7)
//

// Close tears the Connection down. force=true drops every stream
// immediately and is always idempotent (§7); force=false only tears down
// once every owned stream has already drained itself to Disconnected,
// deferring otherwise (the per-stream PendingDisconnect drain in
// Stream.service will eventually call removeStream and leave both maps
// empty, at which point serviceLocked's idle check finishes the job).
func (c *Connection[T]) Close(force bool) {
	c.onStrand(func() { c.closeLocked(force) })
}

func (c *Connection[T]) closeLocked(force bool) {
	c.mu.Lock()
	if c.state == ConnDisconnected {
		c.mu.Unlock()
		return
	}
	if !force && (len(c.out) > 0 || len(c.in) > 0) {
		c.state = ConnPendingDisconnect
		for _, s := range c.out {
			s.mu.Lock()
			if s.state == StreamConnected {
				s.state = StreamPendingDisconnect
			}
			s.mu.Unlock()
		}
		c.mu.Unlock()
		return
	}
	c.state = ConnDisconnected
	streams := make([]*Stream[T], 0, len(c.out)+len(c.in))
	for _, s := range c.out {
		streams = append(streams, s)
	}
	for _, s := range c.in {
		streams = append(streams, s)
	}
	c.out = make(map[LSID]*Stream[T])
	c.in = make(map[LSID]*Stream[T])
	c.mu.Unlock()

	for _, s := range streams {
		s.mu.Lock()
		s.state = StreamDisconnected
		s.mu.Unlock()
	}

	c.self.clear()
	hk.Unreg(c.hkName)
	c.mgr.forget(c)
	close(c.stopCh)
}
