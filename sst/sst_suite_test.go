/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSST(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Structured Stream Transport Suite")
}
