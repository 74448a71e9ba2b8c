// Package cos provides common low-level types and utilities shared across
// the transport, connection, and stream layers.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

const (
	// alphabet for generated IDs, same shape as shortid's own DEFAULT_ABC
	// NOTE: len(idABC) > 0x3f - see GenTie()
	idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

	// LenUSID is the generated USID length, per
	// https://github.com/teris-io/shortid#id-length
	LenUSID = 9

	tooLongID = 32
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be less than 32 characters and " + mayOnlyContain // NOTE tooLongID
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func InitUSIDGen(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, idABC, seed)
}

// default generator, so GenUSID works without an explicit InitUSIDGen
func init() { InitUSIDGen(uint64(time.Now().UnixNano())) }

//
// USID - the connection-level unique stream/session identifier handed out
// at handshake time (analogous to a TCP initial sequence number, but
// collision-resistant across the lifetime of an endpoint rather than
// merely hard to guess within one)
//

func GenUSID() (usid string) {
	var h, t string
	usid = sid.MustGenerate()
	if !isAlpha(usid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := usid[len(usid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + usid + t
}

func IsValidUSID(usid string) bool {
	return len(usid) >= LenUSID && IsAlphaNice(usid)
}

// EndpointHash gives a stable, cheap-to-compute 64-bit digest of an
// endpoint's string form; it backs ObjectID.Hash. The connection manager's
// tables are keyed by endpoint strings and do not use it.
func EndpointHash(s string) uint64 {
	return xxhash.Checksum64S(UnsafeB(s), mlcg32Seed)
}

// mlcg32Seed is an arbitrary, fixed seed: hashes only need to be stable
// within a process, not across processes or versions.
const mlcg32Seed = 0x811c9dc5

// CryptoRandS returns a cryptographically random alphanumeric string of
// length l, used for connection manager instance tags in tests.
func CryptoRandS(l int) string {
	const abc = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, l)
	raw := make([]byte, l)
	if _, err := rand.Read(raw); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	for i, c := range raw {
		b[i] = abc[int(c)%len(abc)]
	}
	return string(b)
}

//
// utility functions
//

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// letters and numbers w/ '-' and '_' permitted with limitations (see OnlyNice const)
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := 0; i < l; i++ {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// 3-letter tie breaker (fast), used to disambiguate USIDs generated within
// the same generator tick.
func GenTie() string {
	tie := rtie.Add(1)
	b0 := idABC[tie&0x3f]
	b1 := idABC[-tie&0x3f]
	b2 := idABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}
