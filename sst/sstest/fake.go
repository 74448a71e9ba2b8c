// Package sstest provides a fault-injecting, in-memory DatagramLayer used
// by the BDD suite to exercise reliable delivery under loss,
// reorder, and duplication (§8 invariant 1, "large-stream" scenario).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sstest

import (
	"math/rand"
	"sync"
	"time"

	sst "github.com/sirikata-go/sst/sst"
)

// Fake is a shared, in-process DatagramLayer: every Endpoint registered
// via ListenOn on the same *Fake instance can reach every other, as if
// bound to a common (lossy) network.
type Fake[T sst.EndpointID[T]] struct {
	mu       sync.Mutex
	handlers map[string]sst.DatagramHandler[T]
	eps      map[string]sst.Endpoint[T]
	nextPort map[string]uint16 // per-ObjectID.String() port counter

	// fault injection, all probabilities in [0,1]
	DropProb     float64
	ReorderProb  float64
	DuplicateProb float64
	Latency      time.Duration

	rng   *rand.Rand
	rngMu sync.Mutex

	pending []delayedSend[T]
	pendMu  sync.Mutex
	stopCh  chan struct{}
}

type delayedSend[T sst.EndpointID[T]] struct {
	at       time.Time
	src, dst sst.Endpoint[T]
	payload  []byte
}

// NewFake constructs a Fake datagram layer seeded for reproducible tests.
func NewFake[T sst.EndpointID[T]](seed int64) *Fake[T] {
	f := &Fake[T]{
		handlers: make(map[string]sst.DatagramHandler[T]),
		eps:      make(map[string]sst.Endpoint[T]),
		nextPort: make(map[string]uint16),
		rng:      rand.New(rand.NewSource(seed)),
		stopCh:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *Fake[T]) GetUnusedPort(o T) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := o.String()
	f.nextPort[key]++
	return 20000 + f.nextPort[key]
}

func (f *Fake[T]) ListenOn(ep sst.Endpoint[T], cb sst.DatagramHandler[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[ep.String()] = cb
	f.eps[ep.String()] = ep
}

func (f *Fake[T]) Unlisten(ep sst.Endpoint[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, ep.String())
	delete(f.eps, ep.String())
}

func (f *Fake[T]) Send(src, dst sst.Endpoint[T], payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	if f.chance(f.DropProb) {
		return nil // dropped: best-effort substrate, no error surfaced
	}

	delay := f.Latency
	if f.chance(f.ReorderProb) {
		delay += time.Duration(f.randInt(5)) * time.Millisecond
	}

	f.enqueue(src, dst, cp, delay)
	if f.chance(f.DuplicateProb) {
		dup := make([]byte, len(cp))
		copy(dup, cp)
		f.enqueue(src, dst, dup, delay+time.Millisecond)
	}
	return nil
}

func (f *Fake[T]) enqueue(src, dst sst.Endpoint[T], payload []byte, delay time.Duration) {
	f.pendMu.Lock()
	f.pending = append(f.pending, delayedSend[T]{at: time.Now().Add(delay), src: src, dst: dst, payload: payload})
	f.pendMu.Unlock()
}

func (f *Fake[T]) pump() {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			f.deliverDue()
		case <-f.stopCh:
			return
		}
	}
}

func (f *Fake[T]) deliverDue() {
	now := time.Now()
	f.pendMu.Lock()
	var due []delayedSend[T]
	rest := f.pending[:0]
	for _, s := range f.pending {
		if !s.at.After(now) {
			due = append(due, s)
		} else {
			rest = append(rest, s)
		}
	}
	f.pending = rest
	f.pendMu.Unlock()

	for _, s := range due {
		f.mu.Lock()
		cb, ok := f.handlers[s.dst.String()]
		f.mu.Unlock()
		if ok {
			cb(s.src, s.payload)
		}
	}
}

func (f *Fake[T]) Invalidate() { close(f.stopCh) }

func (f *Fake[T]) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Float64() < p
}

func (f *Fake[T]) randInt(n int) int {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.Intn(n)
}

// Counter is a DropProb-less, deterministic fault hook (built by
// NewEveryNthDropper): wrap Send to drop every n-th datagram. Used by the "large-stream reliable
// delivery" scenario (§8), which specifies "drops every 7th packet"
// rather than a probability.
type Counter struct {
	mu sync.Mutex
	n  int
	i  int
}

func NewEveryNthDropper(n int) *Counter { return &Counter{n: n} }

// ShouldDrop reports whether the current call should be dropped, and
// advances the counter.
func (c *Counter) ShouldDrop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.i++
	return c.n > 0 && c.i%c.n == 0
}
