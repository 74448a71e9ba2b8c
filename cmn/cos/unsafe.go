// Package cos provides common low-level types and utilities shared across
// the transport, connection, and stream layers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import "unsafe"

// UnsafeB borrows a string's backing array as a []byte without copying.
// The caller must never mutate the result, and must not retain it once the
// source string's lifetime has ended.
func UnsafeB(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// UnsafeS is the converse of UnsafeB: it views a []byte as a string without
// copying. The caller must not mutate b afterward.
func UnsafeS(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
