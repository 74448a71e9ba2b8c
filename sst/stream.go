/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"sync"
	"time"
)

// StreamState is the Stream state machine (§4.2).
type StreamState int

const (
	StreamPendingConnect StreamState = iota
	StreamConnected
	StreamPendingDisconnect
	StreamDisconnected
)

func (s StreamState) String() string {
	switch s {
	case StreamPendingConnect:
		return "PendingConnect"
	case StreamConnected:
		return "Connected"
	case StreamPendingDisconnect:
		return "PendingDisconnect"
	case StreamDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// StreamBuffer is payload bytes plus transmit bookkeeping (§3): lives in
// the send queue, then the in-flight map, then is either freed on ack or
// re-queued on timeout.
type StreamBuffer struct {
	Offset      int64
	Payload     []byte
	TransmitAt  time.Time
	AckAt       time.Time
	ChannelSeqNo uint64 // set once sent; used as the waiting_for_acks key
}

func (b *StreamBuffer) acked() bool { return !b.AckAt.IsZero() }

// ReadCallback delivers newly-contiguous bytes to the application.
type ReadCallback func(payload []byte)

// StreamReturnCallback reports stream-creation outcome: status 0 success,
// -1 failure (§6).
type StreamReturnCallback[T EndpointID[T]] func(status int, s *Stream[T])

// Stream is one reliable byte stream in one direction per side
// (bidirectional in aggregate) (§3, §4.2).
type Stream[T EndpointID[T]] struct {
	conn *connRef[T] // weak: see design note "strong/weak cycles" (§9)

	localLSID  LSID
	remoteLSID LSID
	parentLSID LSID
	localPort  uint32
	remotePort uint32
	usid       USID

	mu    sync.Mutex
	state StreamState

	sendQueue      []*StreamBuffer
	waitingForAcks map[uint64]*StreamBuffer // channel-seqno -> buffer
	graveyard      map[uint64]*StreamBuffer // channel-seqno -> buffer whose ack timed out
	bytesOutstanding int64
	queueBytes     int64

	// receive side
	segList          ReceivedSegmentList
	reassembly       map[int64][]byte // offset -> bytes, pending delivery (overlay over segList)
	nextByteExpected int64
	pendingRead      []byte // bytes already ordered but not yet handed to readCB (e.g. no reader attached yet)

	// flow control
	transmitWindow int64 // bytes we may still send, per peer's advertised window
	peerWindowLog2 uint8

	// RTT/RTO
	rto        time.Duration
	haveSample bool
	lastSend   time.Time
	lastRecv   time.Time
	lastKeepalive time.Time

	readCB ReadCallback

	initRetransmits int
	creationCB      StreamReturnCallback[T]
	isRoot          bool // true if this is the Connection's handshake-originating stream

	cfg *Config
}

func newStream[T EndpointID[T]](conn *Connection[T], local, remote, parent LSID, localPort, remotePort uint32, usid USID) *Stream[T] {
	now := time.Now()
	return &Stream[T]{
		conn:             conn.self,
		localLSID:        local,
		remoteLSID:       remote,
		parentLSID:       parent,
		localPort:        localPort,
		remotePort:       remotePort,
		usid:             usid,
		state:            StreamPendingConnect,
		waitingForAcks:   make(map[uint64]*StreamBuffer),
		graveyard:        make(map[uint64]*StreamBuffer),
		reassembly:       make(map[int64][]byte),
		transmitWindow:   conn.cfg.MaxQueueLength,
		rto:              conn.cfg.InitialRTO,
		lastRecv:         now,
		cfg:              conn.cfg,
	}
}

func (s *Stream[T]) LocalLSID() LSID   { return s.localLSID }
func (s *Stream[T]) RemoteLSID() LSID  { return s.remoteLSID }
func (s *Stream[T]) USID() USID        { return s.usid }

func (s *Stream[T]) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Write fragments bytes into <=MaxPayloadSize chunks and pushes them onto
// the send queue if the queue-length budget allows it; returns the number
// of bytes actually enqueued (§4.2 "write").
func (s *Stream[T]) Write(payload []byte) int {
	c := s.conn.get()
	if c == nil {
		return 0
	}
	n := 0
	c.onStrand(func() {
		n = s.writeLocked(payload)
	})
	return n
}

func (s *Stream[T]) writeLocked(payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StreamDisconnected || s.state == StreamPendingDisconnect {
		return 0
	}
	budget := s.cfg.MaxQueueLength - s.queueBytes
	if budget <= 0 {
		return 0
	}
	if int64(len(payload)) > budget {
		payload = payload[:budget]
	}
	wasEmpty := len(s.sendQueue) == 0

	written := 0
	off := s.nextWriteOffset()
	for len(payload) > 0 {
		n := len(payload)
		if n > s.cfg.MaxPayloadSize {
			n = s.cfg.MaxPayloadSize
		}
		chunk := make([]byte, n)
		copy(chunk, payload[:n])
		s.sendQueue = append(s.sendQueue, &StreamBuffer{Offset: off, Payload: chunk})
		s.queueBytes += int64(n)
		off += int64(n)
		written += n
		payload = payload[n:]
	}
	if wasEmpty && written > 0 {
		c := s.conn.get()
		if c != nil {
			c.scheduleService()
		}
	}
	return written
}

// nextWriteOffset is the stream-byte offset the next queued chunk starts
// at: the end of whatever was queued or in flight last.
func (s *Stream[T]) nextWriteOffset() int64 {
	if n := len(s.sendQueue); n > 0 {
		last := s.sendQueue[n-1]
		return last.Offset + int64(len(last.Payload))
	}
	var maxEnd int64
	for _, b := range s.waitingForAcks {
		if e := b.Offset + int64(len(b.Payload)); e > maxEnd {
			maxEnd = e
		}
	}
	return maxEnd
}

// SetReadCallback installs a delivery callback, immediately draining any
// deliverable contiguous prefix (§4.2).
func (s *Stream[T]) SetReadCallback(cb ReadCallback) {
	s.mu.Lock()
	s.readCB = cb
	s.mu.Unlock()
	s.drainReassembly()
}

// Close: force=true drops state immediately; force=false marks
// PendingDisconnect and schedules service so the queue drains first
// (§4.2).
func (s *Stream[T]) Close(force bool) {
	c := s.conn.get()
	if c == nil {
		return
	}
	c.onStrand(func() {
		s.mu.Lock()
		if force {
			s.state = StreamDisconnected
			s.mu.Unlock()
			c.removeStream(s)
			return
		}
		if s.state == StreamDisconnected {
			s.mu.Unlock()
			return
		}
		s.state = StreamPendingDisconnect
		s.mu.Unlock()
		c.scheduleService()
	})
}

//
// inbound packet handling - all invoked on the owning Connection's strand
//

func (s *Stream[T]) receiveData(hdr StreamHeader) {
	s.mu.Lock()
	s.lastRecv = time.Now()

	// update transmit window from advertised peer window (§4.2)
	s.peerWindowLog2 = hdr.Window
	peerWindow := windowFromLog2(hdr.Window)
	tw := peerWindow - s.bytesOutstanding
	if tw < 0 {
		tw = 0
	}
	s.transmitWindow = tw

	offset := int64(hdr.BSN)
	payload := hdr.Payload
	end := offset + int64(len(payload))

	switch {
	case end <= s.nextByteExpected:
		// already delivered; ack and return (case 1)
	case offset == s.nextByteExpected && s.withinReceiveWindow(offset, len(payload)):
		s.reassembly[offset] = append([]byte(nil), payload...)
		s.segList.Insert(offset, int64(len(payload)))
		s.deliverReadyLocked()
	case offset > s.nextByteExpected && s.withinReceiveWindow(offset, len(payload)):
		s.reassembly[offset] = append([]byte(nil), payload...)
		s.segList.Insert(offset, int64(len(payload)))
		// do not advance delivery (case 3)
	default:
		// doesn't fit: drop, do not ack (case 4)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if c := s.conn.get(); c != nil {
		c.sendAckFor(s)
	}
}

// updateTransmitWindow applies a peer-advertised window from any inbound
// header that carries one (DATA, ACK, INIT, REPLY all do), independent of
// whether that header also delivered bytes (§4.2 "Flow control").
func (s *Stream[T]) updateTransmitWindow(winLog2 uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerWindowLog2 = winLog2
	peerWindow := windowFromLog2(winLog2)
	tw := peerWindow - s.bytesOutstanding
	if tw < 0 {
		tw = 0
	}
	s.transmitWindow = tw
}

func (s *Stream[T]) withinReceiveWindow(offset int64, length int) bool {
	return offset+int64(length)-s.nextByteExpected <= s.cfg.MaxReceiveWindow
}

// advertisedWindow reports the receive window to put on an outbound
// header: MaxReceiveWindow shrunk by whatever we're already holding
// (out-of-order reassembly plus ordered bytes not yet drained to a
// reader), so a peer that keeps filling a backlog we aren't consuming
// actually gets throttled instead of seeing a constant ceiling.
func (s *Stream[T]) advertisedWindow() uint8 {
	s.mu.Lock()
	buffered := int64(len(s.pendingRead))
	for _, b := range s.reassembly {
		buffered += int64(len(b))
	}
	s.mu.Unlock()
	remaining := s.cfg.MaxReceiveWindow - buffered
	if remaining < 0 {
		remaining = 0
	}
	return windowLog2(int(remaining))
}

// deliverReadyLocked must be called with s.mu held; it pops the
// contiguous prefix from segList, in-order, and queues it for the read
// callback. Bytes are only ever handed to readCB, never discarded: if no
// reader is attached yet (e.g. the initial payload riding an INIT/REPLY
// arrives before the caller wires SetReadCallback), they sit in
// pendingRead until one is.
func (s *Stream[T]) deliverReadyLocked() {
	for {
		rng := s.segList.ReadyRange(s.nextByteExpected, 0)
		if rng.Length == 0 {
			break
		}
		for off := rng.Start; off < rng.Start+rng.Length; {
			chunk, ok := s.reassembly[off]
			if !ok {
				break // shouldn't happen if segList and reassembly stay in sync
			}
			s.pendingRead = append(s.pendingRead, chunk...)
			delete(s.reassembly, off)
			off += int64(len(chunk))
		}
		s.nextByteExpected = rng.Start + rng.Length
	}

	if s.readCB != nil && len(s.pendingRead) > 0 {
		buf := s.pendingRead
		s.pendingRead = nil
		cb := s.readCB
		s.mu.Unlock()
		cb(buf)
		s.mu.Lock()
	}
}

func (s *Stream[T]) drainReassembly() {
	s.mu.Lock()
	s.deliverReadyLocked()
	s.mu.Unlock()
}

// receiveAck looks up the acked buffer in waitingForAcks, falling back to
// the graveyard (§4.2 "receive_ack").
func (s *Stream[T]) receiveAck(channelSeqNo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.waitingForAcks[channelSeqNo]
	fromGraveyard := false
	if !ok {
		buf, ok = s.graveyard[channelSeqNo]
		fromGraveyard = true
	}
	if !ok {
		return
	}

	buf.AckAt = time.Now()
	s.bytesOutstanding -= int64(len(buf.Payload))
	if s.bytesOutstanding < 0 {
		s.bytesOutstanding = 0
	}

	if !fromGraveyard {
		delete(s.waitingForAcks, channelSeqNo)
		s.updateRTO(buf)
	} else {
		delete(s.graveyard, channelSeqNo)
	}

	// purge every graveyard duplicate of this buffer (same offset+length)
	for seq, g := range s.graveyard {
		if g.Offset == buf.Offset && len(g.Payload) == len(buf.Payload) {
			delete(s.graveyard, seq)
		}
	}

	if c := s.conn.get(); c != nil && s.transmitWindow > 0 {
		c.scheduleService()
	}
}

// updateRTO applies the RTO EMA: first sample is the measured RTT,
// subsequent samples are RTO <- alpha*RTO + (1-alpha)*sample (§4.2).
func (s *Stream[T]) updateRTO(buf *StreamBuffer) {
	if buf.TransmitAt.IsZero() {
		return
	}
	sample := buf.AckAt.Sub(buf.TransmitAt)
	if !s.haveSample {
		s.rto = sample
		s.haveSample = true
		return
	}
	alpha := s.cfg.RTOAlpha
	s.rto = time.Duration(alpha*float64(s.rto) + (1-alpha)*float64(sample))
}

// resend re-queues every in-flight buffer (oldest first) and records it
// in the graveyard under its old channel-seqno so a late ack can still be
// applied (§4.2 "Retransmission").
func (s *Stream[T]) resend() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waitingForAcks) == 0 {
		return
	}
	seqs := make([]uint64, 0, len(s.waitingForAcks))
	for seq := range s.waitingForAcks {
		seqs = append(seqs, seq)
	}
	// iterate in reverse (by seqno) so older packets go first back onto
	// the head of the queue
	sortSeqsDesc(seqs)

	requeued := make([]*StreamBuffer, 0, len(seqs))
	for _, seq := range seqs {
		buf := s.waitingForAcks[seq]
		if buf.acked() {
			continue // observed acked already; must not be sent again
		}
		s.graveyard[seq] = buf
		requeued = append([]*StreamBuffer{buf}, requeued...)
		// the send loop re-accumulates bytesOutstanding when it re-sends
		// this buffer off sendQueue; without zeroing here the same bytes
		// get double-counted on every retransmission and the transmit
		// window never recovers.
		s.bytesOutstanding -= int64(len(buf.Payload))
	}
	if s.bytesOutstanding < 0 {
		s.bytesOutstanding = 0
	}
	s.sendQueue = append(requeued, s.sendQueue...)
	s.waitingForAcks = make(map[uint64]*StreamBuffer)

	if !s.haveSample {
		s.rto *= 2
		if s.rto > s.cfg.MaxRTO {
			s.rto = s.cfg.MaxRTO
		}
	}
}

func sortSeqsDesc(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] < s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// service runs the Stream's single servicing step, invoked from the
// owning Connection's strand on every tick (§4.2 "Service loop").
func (s *Stream[T]) service(c *Connection[T], now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastRecv) > s.cfg.LivenessTimeout {
		s.mu.Unlock()
		c.removeStream(s)
		return
	}

	if s.state == StreamPendingConnect && s.isRoot {
		if s.initRetransmits >= s.cfg.MaxInitRetransmissions {
			cb := s.creationCB
			s.mu.Unlock()
			if cb != nil {
				cb(-1, s)
			}
			c.onRootStreamFailed(s)
			return
		}
		s.initRetransmits++
		s.mu.Unlock()
		c.sendInit(s)
		return
	}

	if now.Sub(s.lastSend) > 2*s.rto && len(s.waitingForAcks) > 0 {
		s.mu.Unlock()
		s.resend()
		s.mu.Lock()
	}

	needsKeepalive := s.state == StreamConnected && len(s.sendQueue) == 0 &&
		now.Sub(s.lastSend) > s.cfg.KeepaliveInterval && now.Sub(s.lastKeepalive) > s.cfg.KeepaliveInterval
	if needsKeepalive {
		s.lastKeepalive = now
		s.mu.Unlock()
		s.sendKeepalive(c)
		s.mu.Lock()
	}

	for len(s.sendQueue) > 0 && s.transmitWindow > 0 {
		buf := s.sendQueue[0]
		if int64(len(buf.Payload)) > s.transmitWindow {
			break
		}
		s.sendQueue = s.sendQueue[1:]
		s.queueBytes -= int64(len(buf.Payload))
		buf.TransmitAt = now
		s.lastSend = now
		s.transmitWindow -= int64(len(buf.Payload))
		s.bytesOutstanding += int64(len(buf.Payload))
		s.mu.Unlock()
		seq := c.sendStreamData(s, buf)
		s.mu.Lock()
		buf.ChannelSeqNo = seq
		s.waitingForAcks[seq] = buf
	}

	terminal := s.state == StreamPendingDisconnect && len(s.sendQueue) == 0 && len(s.waitingForAcks) == 0
	s.mu.Unlock()

	if terminal {
		s.mu.Lock()
		s.state = StreamDisconnected
		s.mu.Unlock()
		c.removeStream(s)
	}
}

// sendKeepalive queues a zero-length DATA packet, surfacing liveness as a
// normal data/ack exchange (§4.2 "Keepalive"). writeLocked's fragmentation
// loop is guarded by len(payload) > 0 and would silently drop an empty
// payload, so the zero-length buffer is queued directly here instead.
func (s *Stream[T]) sendKeepalive(c *Connection[T]) {
	s.mu.Lock()
	if s.state != StreamConnected {
		s.mu.Unlock()
		return
	}
	// service()'s own send loop (below this call, same tick) picks the
	// queued buffer straight up; no need to separately reschedule.
	off := s.nextWriteOffset()
	s.sendQueue = append(s.sendQueue, &StreamBuffer{Offset: off, Payload: nil})
	s.mu.Unlock()
}

func (s *Stream[T]) onHandshakeComplete(remoteLSID LSID) {
	s.mu.Lock()
	s.remoteLSID = remoteLSID
	s.state = StreamConnected
	cb := s.creationCB
	s.mu.Unlock()
	if cb != nil {
		cb(0, s)
	}
}
