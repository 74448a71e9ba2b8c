//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// Portable fallback for builds that don't opt into the runtime.nanotime
// linkname trick (see fast_nanotime.go, built only with `-tags mono`).
func NanoTime() int64 { return time.Now().UnixNano() }
