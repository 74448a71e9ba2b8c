// Package hk provides a mechanism for registering cleanup and periodic
// housekeeping functions which are invoked at specified intervals - each
// SST Connection registers one entry here to drive its periodic service
// (retransmit checks, stream keepalive, idle-liveness) without giving every
// connection and stream its own timer goroutine.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sirikata-go/sst/cmn/debug"
	"github.com/sirikata-go/sst/cmn/nlog"
)

// well-known intervals, named the way callers reference them
const (
	DayInterval      = 24 * time.Hour
	UnregInterval    = time.Duration(0) // sentinel: run once, then unregister
	PruneActiveIval  = 10 * time.Second // prune dead entries from the active connection table
	DelOldIval       = time.Minute      // delete long-idle graveyard/dedup entries
	OldAgeLso        = 10 * time.Minute // "liveness since observed" cutoff for listen-only sockets
	OldAgeX          = time.Hour        // extra-old cutoff, used by slower sweepers
)

// NameSuffix disambiguates repeated registrations under the same logical
// name (e.g. one housekeeping entry per connection, keyed by endpoint).
const NameSuffix = "-hk"

type (
	// request is the func a caller registers: it runs at `interval`, and
	// the duration it returns becomes the new interval - returning
	// UnregInterval unregisters it.
	request struct {
		f        func() time.Duration
		name     string
		interval time.Duration
		due      time.Time
		index    int // heap index, maintained by container/heap callbacks
	}

	ctrl struct {
		r      *request
		unreg  bool
		unregf func() time.Duration // optional conditional unreg, see UnregIf
	}

	housekeeper struct {
		byName map[string]*request
		heap   []*request
		ctrlCh chan ctrl
		stopCh chan struct{}
		ticker *time.Ticker
		mu     sync.Mutex
		started chan struct{}
		once    sync.Once
	}
)

// DefaultHK is the process-wide housekeeper; Init must run before Run.
var DefaultHK = &housekeeper{}

func Init(stopping *bool) {
	_ = stopping // reserved: future use for fast-exit signaling from callers that poll a shared flag
	DefaultHK.byName = make(map[string]*request, 64)
	DefaultHK.heap = make([]*request, 0, 64)
	DefaultHK.ctrlCh = make(chan ctrl, 64)
	DefaultHK.stopCh = make(chan struct{})
	DefaultHK.started = make(chan struct{})
	heap.Init(DefaultHK)
}

// TestInit is Init with sensible zero-config defaults, for package tests.
func TestInit() {
	Init(new(bool))
}

func WaitStarted() {
	<-DefaultHK.started
}

const tick = 100 * time.Millisecond

func (hk *housekeeper) Run() {
	hk.ticker = time.NewTicker(tick)
	defer hk.ticker.Stop()
	hk.once.Do(func() { close(hk.started) })

	for {
		select {
		case now := <-hk.ticker.C:
			hk.do(now)
		case c := <-hk.ctrlCh:
			hk.mu.Lock()
			if c.unreg {
				hk.remove(c.r.name)
			} else if c.unregf != nil {
				if r, ok := hk.byName[c.r.name]; ok {
					if d := c.unregf(); d == UnregInterval {
						hk.removeLocked(r)
					}
				}
			} else {
				hk.add(c.r)
			}
			hk.mu.Unlock()
		case <-hk.stopCh:
			return
		}
	}
}

func (hk *housekeeper) Stop() { close(hk.stopCh) }

// Reg registers f to run once after `interval`, and thereafter at whatever
// interval f itself returns (returning UnregInterval stops the cycle).
func Reg(name string, f func() time.Duration, interval time.Duration) {
	r := &request{f: f, name: name, interval: interval, due: time.Now().Add(interval)}
	DefaultHK.ctrlCh <- ctrl{r: r}
}

func Unreg(name string) {
	DefaultHK.ctrlCh <- ctrl{r: &request{name: name}, unreg: true}
}

// UnregIf runs f once, immediately, off-cycle, provided `name` is
// registered (otherwise f does not run); if f returns UnregInterval the
// registration for `name` is removed, otherwise it's left untouched.
func UnregIf(name string, f func() time.Duration) {
	DefaultHK.ctrlCh <- ctrl{r: &request{name: name}, unregf: f}
}

func (hk *housekeeper) add(r *request) {
	if old, ok := hk.byName[r.name]; ok {
		hk.removeLocked(old)
	}
	hk.byName[r.name] = r
	heap.Push(hk, r)
}

func (hk *housekeeper) remove(name string) {
	if r, ok := hk.byName[name]; ok {
		hk.removeLocked(r)
	}
}

func (hk *housekeeper) removeLocked(r *request) {
	delete(hk.byName, r.name)
	if r.index >= 0 && r.index < len(hk.heap) && hk.heap[r.index] == r {
		heap.Remove(hk, r.index)
	}
}

// do pops and re-fires every request whose due time has passed.
func (hk *housekeeper) do(now time.Time) {
	hk.mu.Lock()
	defer hk.mu.Unlock()
	for len(hk.heap) > 0 && !hk.heap[0].due.After(now) {
		r := hk.heap[0]
		heap.Pop(hk)
		delete(hk.byName, r.name)

		d := hk.fire(r)
		if d == UnregInterval {
			continue
		}
		r.interval = d
		r.due = now.Add(d)
		hk.byName[r.name] = r
		heap.Push(hk, r)
	}
}

func (hk *housekeeper) fire(r *request) (d time.Duration) {
	defer func() {
		if p := recover(); p != nil {
			nlog.Errorf("hk: %q panicked: %v", r.name, p)
			d = UnregInterval
		}
	}()
	return r.f()
}

// container/heap.Interface, ordered by due time (min-heap)

func (hk *housekeeper) Len() int { return len(hk.heap) }

func (hk *housekeeper) Less(i, j int) bool { return hk.heap[i].due.Before(hk.heap[j].due) }

func (hk *housekeeper) Swap(i, j int) {
	hk.heap[i], hk.heap[j] = hk.heap[j], hk.heap[i]
	hk.heap[i].index = i
	hk.heap[j].index = j
}

func (hk *housekeeper) Push(x any) {
	r := x.(*request)
	r.index = len(hk.heap)
	hk.heap = append(hk.heap, r)
}

func (hk *housekeeper) Pop() any {
	old := hk.heap
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	hk.heap = old[:n-1]
	debug.Assert(n >= 0)
	return r
}
