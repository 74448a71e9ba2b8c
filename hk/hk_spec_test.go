/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/sirikata-go/sst/hk"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("should fire a registered function after its interval", func() {
		var n int32
		hk.Reg("fires-once", func() time.Duration {
			atomic.AddInt32(&n, 1)
			return hk.UnregInterval
		}, 10*time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&n) }, time.Second).Should(Equal(int32(1)))
	})

	It("should keep re-firing until the callback unregisters itself", func() {
		var n int32
		hk.Reg("fires-thrice", func() time.Duration {
			if atomic.AddInt32(&n, 1) >= 3 {
				return hk.UnregInterval
			}
			return 5 * time.Millisecond
		}, 5*time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&n) }, time.Second).Should(Equal(int32(3)))
		Consistently(func() int32 { return atomic.LoadInt32(&n) }, 50*time.Millisecond).Should(Equal(int32(3)))
	})

	It("should stop firing once explicitly unregistered", func() {
		var n int32
		hk.Reg("unreg-me", func() time.Duration {
			atomic.AddInt32(&n, 1)
			return 5 * time.Millisecond
		}, 5*time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&n) }, time.Second).Should(BeNumerically(">=", 1))
		hk.Unreg("unreg-me")
		time.Sleep(20 * time.Millisecond)
		got := atomic.LoadInt32(&n)
		Consistently(func() int32 { return atomic.LoadInt32(&n) }, 50*time.Millisecond).Should(Equal(got))
	})
})
