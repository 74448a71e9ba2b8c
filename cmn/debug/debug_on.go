//go:build debug

// Package debug provides assertion utilities compiled in only under the
// `debug` build tag (see debug_off.go for the zero-cost default).
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/sirikata-go/sst/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, args ...any) { nlog.InfoDepth(1, fmt.Sprintf(format, args...)) }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

func AssertNotPstr(v any) {
	Assertf(false, "unexpected pointer to string: %v", v)
}

func FailTypeCast(v any) {
	panic(fmt.Sprintf("unexpected type: %T (%v)", v, v))
}

// TryLock-based checks: best-effort, since stdlib mutexes don't expose
// ownership. A successful TryLock means nobody (incl. the caller) holds it,
// so it's immediately released again before asserting.
func AssertMutexLocked(mu *sync.Mutex) {
	ok := mu.TryLock()
	if ok {
		mu.Unlock()
	}
	Assert(!ok, "mutex not locked")
}

func AssertRWMutexLocked(mu *sync.RWMutex) {
	ok := mu.TryLock()
	if ok {
		mu.Unlock()
	}
	Assert(!ok, "rwmutex not locked")
}

func AssertRWMutexRLocked(mu *sync.RWMutex) {
	locked := !mu.TryLock()
	rlocked := !mu.TryRLock()
	if !locked {
		mu.Unlock()
	}
	Assert(locked || rlocked, "rwmutex not r-locked")
}

func Handlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"/debug/assert": func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("debug build: assertions enabled\n"))
		},
	}
}
