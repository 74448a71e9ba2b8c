/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"errors"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sirikata-go/sst/cmn/nlog"
)

// UDPResolver maps an endpoint's ObjectID to an IP, so an ObjectID+port
// Endpoint can be addressed as a net.UDPAddr; the caller supplies it (e.g.
// a resolved hostname or a registry lookup) since ObjectID is
// application-opaque.
type UDPResolver[T EndpointID[T]] func(o T) (net.IP, error)

// UDPLayer is a real DatagramLayer that binds one UDP socket per listened
// local port on localIP and hands each socket's inbound packets to the
// handler registered for that port. It is the production counterpart to
// sstest.Fake.
type UDPLayer[T EndpointID[T]] struct {
	resolve UDPResolver[T]
	localIP net.IP

	mu       sync.Mutex
	conns    map[uint16]*net.UDPConn // one socket per locally-bound port
	handlers map[uint16]DatagramHandler[T]
	nextPort uint16
}

func NewUDPLayer[T EndpointID[T]](localIP net.IP, resolve UDPResolver[T]) *UDPLayer[T] {
	return &UDPLayer[T]{
		resolve:  resolve,
		localIP:  localIP,
		conns:    make(map[uint16]*net.UDPConn),
		handlers: make(map[uint16]DatagramHandler[T]),
		nextPort: 30000,
	}
}

func (u *UDPLayer[T]) GetUnusedPort(T) uint16 {
	u.mu.Lock()
	defer u.mu.Unlock()
	for {
		u.nextPort++
		if _, taken := u.conns[u.nextPort]; !taken {
			return u.nextPort
		}
	}
}

func (u *UDPLayer[T]) ListenOn(ep Endpoint[T], cb DatagramHandler[T]) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers[ep.Port] = cb
	if _, ok := u.conns[ep.Port]; ok {
		return
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: u.localIP, Port: int(ep.Port)})
	if err != nil {
		nlog.Errorf("sst: udp listen on port %d: %v", ep.Port, err)
		return
	}
	tuneSocket(conn)
	u.conns[ep.Port] = conn
	go u.recvLoop(ep.Port, conn)
}

func (u *UDPLayer[T]) recvLoop(port uint16, conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return // closed via Unlisten/Invalidate
		}
		u.mu.Lock()
		cb := u.handlers[port]
		u.mu.Unlock()
		if cb == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		var zero T
		cb(Endpoint[T]{ObjectID: zero, Port: port}, payload)
	}
}

func (u *UDPLayer[T]) Unlisten(ep Endpoint[T]) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.handlers, ep.Port)
	if conn, ok := u.conns[ep.Port]; ok {
		conn.Close()
		delete(u.conns, ep.Port)
	}
}

func (u *UDPLayer[T]) Send(src, dst Endpoint[T], payload []byte) error {
	u.mu.Lock()
	conn := u.conns[src.Port]
	u.mu.Unlock()
	if conn == nil {
		return errNoSocket
	}
	ip, err := u.resolve(dst.ObjectID)
	if err != nil {
		return err
	}
	_, err = conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: int(dst.Port)})
	return err
}

func (u *UDPLayer[T]) Invalidate() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for port, conn := range u.conns {
		conn.Close()
		delete(u.conns, port)
	}
}

var errNoSocket = errors.New("sst: no local socket bound for source endpoint")

// tuneSocket widens the kernel receive buffer on the raw fd so a burst of
// reordered/duplicated datagrams (see sstest.Fake) doesn't get dropped at
// the socket layer before SST's own congestion control even sees it.
func tuneSocket(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 4<<20)
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}
