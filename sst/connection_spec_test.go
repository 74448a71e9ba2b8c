/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst_test

import (
	"bytes"
	"sync"
	"time"

	"github.com/sirikata-go/sst/hk"
	sst "github.com/sirikata-go/sst/sst"
	"github.com/sirikata-go/sst/sst/sstest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = BeforeSuite(func() {
	hk.TestInit()
	go hk.DefaultHK.Run()
	hk.WaitStarted()
})

func testConfig() *sst.Config {
	cfg := sst.DefaultConfig()
	cfg.InitialRTO = 150 * time.Millisecond
	cfg.MaxRTO = 2 * time.Second
	cfg.LivenessTimeout = 5 * time.Second
	cfg.KeepaliveInterval = time.Second
	return cfg
}

// droppingLayer wraps a Fake, dropping every n-th Send deterministically
// instead of the Fake's own probabilistic DropProb, for the "drops every
// 7th packet, delivery still completes" scenario.
type droppingLayer struct {
	*sstest.Fake[sst.ObjectID]
	drop *sstest.Counter
}

func (d *droppingLayer) Send(src, dst sst.Endpoint[sst.ObjectID], payload []byte) error {
	if d.drop.ShouldDrop() {
		return nil
	}
	return d.Fake.Send(src, dst, payload)
}

var _ = Describe("Connection and Stream", func() {
	var (
		clientEp, serverEp sst.Endpoint[sst.ObjectID]
	)

	BeforeEach(func() {
		clientEp = sst.Endpoint[sst.ObjectID]{ObjectID: "client", Port: 0}
		serverEp = sst.Endpoint[sst.ObjectID]{ObjectID: "server", Port: 0}
	})

	It("completes a handshake and exchanges the initial payload", func() {
		fake := sstest.NewFake[sst.ObjectID](1)
		defer fake.Invalidate()

		serverMgr := sst.NewConnectionManager[sst.ObjectID](fake, testConfig())
		clientMgr := sst.NewConnectionManager[sst.ObjectID](fake, testConfig())

		var acceptedPayload []byte
		var mu sync.Mutex
		serverMgr.Listen(serverEp, 7, func(status int, s *sst.Stream[sst.ObjectID]) {
			Expect(status).To(Equal(0))
			s.SetReadCallback(func(p []byte) {
				mu.Lock()
				acceptedPayload = append(acceptedPayload, p...)
				mu.Unlock()
			})
		})

		var clientStream *sst.Stream[sst.ObjectID]
		clientMgr.ConnectStream(clientEp, serverEp, 5, 7, []byte("hello"), func(status int, s *sst.Stream[sst.ObjectID]) {
			Expect(status).To(Equal(0))
			clientStream = s
		})

		Eventually(func() *sst.Stream[sst.ObjectID] { return clientStream }, 5*time.Second, 10*time.Millisecond).ShouldNot(BeNil())
		Eventually(func() []byte {
			mu.Lock()
			defer mu.Unlock()
			return acceptedPayload
		}, 5*time.Second, 10*time.Millisecond).Should(Equal([]byte("hello")))
	})

	It("delivers a large stream reliably despite every 7th packet being dropped and reordering", func() {
		base := sstest.NewFake[sst.ObjectID](2)
		base.ReorderProb = 0.1
		defer base.Invalidate()
		layer := &droppingLayer{Fake: base, drop: sstest.NewEveryNthDropper(7)}

		serverMgr := sst.NewConnectionManager[sst.ObjectID](layer, testConfig())
		clientMgr := sst.NewConnectionManager[sst.ObjectID](layer, testConfig())

		payload := bytes.Repeat([]byte("0123456789abcdef"), 4000) // 64000 bytes, several fragments

		var received []byte
		var mu sync.Mutex
		serverMgr.Listen(serverEp, 7, func(status int, s *sst.Stream[sst.ObjectID]) {
			Expect(status).To(Equal(0))
			s.SetReadCallback(func(p []byte) {
				mu.Lock()
				received = append(received, p...)
				mu.Unlock()
			})
		})

		var clientStream *sst.Stream[sst.ObjectID]
		clientMgr.ConnectStream(clientEp, serverEp, 5, 7, nil, func(status int, s *sst.Stream[sst.ObjectID]) {
			Expect(status).To(Equal(0))
			clientStream = s
		})
		Eventually(func() *sst.Stream[sst.ObjectID] { return clientStream }, 5*time.Second, 10*time.Millisecond).ShouldNot(BeNil())

		clientStream.Write(payload)

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(received)
		}, 30*time.Second, 20*time.Millisecond).Should(Equal(len(payload)))

		mu.Lock()
		defer mu.Unlock()
		Expect(received).To(Equal(payload))
	})

	It("drains and tears down a stream on a graceful Close", func() {
		fake := sstest.NewFake[sst.ObjectID](3)
		defer fake.Invalidate()

		cfg := testConfig()
		cfg.LivenessTimeout = 200 * time.Millisecond

		serverMgr := sst.NewConnectionManager[sst.ObjectID](fake, cfg)
		clientMgr := sst.NewConnectionManager[sst.ObjectID](fake, cfg)

		serverMgr.Listen(serverEp, 7, func(status int, s *sst.Stream[sst.ObjectID]) {})

		var clientStream *sst.Stream[sst.ObjectID]
		clientMgr.ConnectStream(clientEp, serverEp, 5, 7, nil, func(status int, s *sst.Stream[sst.ObjectID]) {
			clientStream = s
		})
		Eventually(func() *sst.Stream[sst.ObjectID] { return clientStream }, 5*time.Second, 10*time.Millisecond).ShouldNot(BeNil())

		clientStream.Close(false)

		Eventually(func() sst.StreamState { return clientStream.State() }, 5*time.Second, 10*time.Millisecond).Should(Equal(sst.StreamDisconnected))
	})
})
