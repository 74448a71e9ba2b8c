// Package nlog - SST logger, provides buffering, timestamping, writing, and
// flushing/syncing/rotating
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirikata-go/sst/cmn/mono"
)

const (
	fixedSize   = 64 * 1024
	extraSize   = 32 * 1024 // via mem pool
	maxLineSize = 2 * 1024
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevText = [...]string{sevInfo: "I", sevWarn: "W", sevErr: "E"}

// redactFnames lets callers hide source-file names from emitted lines
// (e.g. generated code, vendored wire codecs) without silencing the message.
var redactFnames = map[string]struct{}{}

var (
	toStderr     bool
	alsoToStderr bool
	logDir       string
	aisrole      string
	title        string

	host, _ = os.Hostname()
	pid     = os.Getpid()

	onceInitFiles sync.Once
	nlogs         [3]*nlog
	pool          sync.Pool
)

func initFiles() {
	nlogs[sevInfo] = newNlog(sevInfo)
	nlogs[sevWarn] = nlogs[sevInfo] // warnings fold into the info+err streams, see log()
	nlogs[sevErr] = newNlog(sevErr)
	if logDir == "" {
		toStderr = true
		return
	}
	now := time.Now()
	for _, sev := range []severity{sevInfo, sevErr} {
		if f, _, err := fcreate(sevText[sev], now); err == nil {
			nlogs[sev].file = f
		} else {
			toStderr = true
		}
	}
}

func assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"nlog assertion failed:"}, args...)...))
	}
}

//
// fixed - a reusable, non-growing byte buffer
//

type fixed struct {
	buf  []byte
	woff int
}

func (fb *fixed) reset()      { fb.woff = 0 }
func (fb *fixed) size() int   { return len(fb.buf) }
func (fb *fixed) avail() int  { return len(fb.buf) - fb.woff }
func (fb *fixed) eol()        { fb.writeByte('\n') }
func (fb *fixed) writeByte(c byte) {
	if fb.woff < len(fb.buf) {
		fb.buf[fb.woff] = c
		fb.woff++
	}
}
func (fb *fixed) writeString(s string) { fb.Write([]byte(s)) }

func (fb *fixed) Write(p []byte) (int, error) {
	n := copy(fb.buf[fb.woff:], p)
	fb.woff += n
	return n, nil
}

func (fb *fixed) flush(w *os.File) (int, error) {
	if fb.woff == 0 {
		return 0, nil
	}
	n, err := w.Write(fb.buf[:fb.woff])
	fb.reset()
	return n, err
}

//
// nlog
//

type nlog struct {
	file           *os.File
	pw, buf1, buf2 *fixed
	line           fixed
	toFlush        []*fixed
	last           atomic.Int64
	written        atomic.Int64
	sev            severity
	oob            atomic.Bool
	erred          atomic.Bool
	mw             sync.Mutex
}

func newNlog(sev severity) *nlog {
	nl := &nlog{
		sev:     sev,
		buf1:    &fixed{buf: make([]byte, fixedSize)},
		buf2:    &fixed{buf: make([]byte, fixedSize)},
		line:    fixed{buf: make([]byte, maxLineSize)},
		toFlush: make([]*fixed, 0, 4),
	}
	nl.pw = nl.buf1
	return nl
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	switch {
	case toStderr:
		fb := alloc()
		sprintf(sev, depth, format, fb, args...)
		fb.flush(os.Stderr)
		free(fb)
	case alsoToStderr || sev >= sevWarn:
		fb := alloc()
		sprintf(sev, depth, format, fb, args...)
		if alsoToStderr || sev >= sevErr {
			fb.flush(os.Stderr)
		}
		if sev >= sevWarn {
			nl := nlogs[sevErr]
			nl.mw.Lock()
			nl.write(fb)
			nl.mw.Unlock()
		}
		nl := nlogs[sevInfo]
		nl.mw.Lock()
		nl.write(fb)
		nl.mw.Unlock()
		free(fb)
	default:
		nlogs[sevInfo].printf(sev, depth, format, args...)
	}
}

func (nl *nlog) since(now int64) time.Duration { return time.Duration(now - nl.last.Load()) }

func (nl *nlog) printf(sev severity, depth int, format string, args ...any) {
	nl.mw.Lock()
	nl.line.reset()
	sprintf(sev, depth+1, format, &nl.line, args...)
	nl.write(&nl.line)
	nl.mw.Unlock()
}

// under mw-lock
func (nl *nlog) write(line *fixed) {
	buf := line.buf[:line.woff]
	nl.pw.Write(buf)

	if nl.pw.avail() > maxLineSize {
		return
	}
	nl.toFlush = append(nl.toFlush, nl.pw)
	nl.oob.Store(true)
	nl.get()
}

func (nl *nlog) get() {
	prev := nl.pw
	assert(prev == nl.toFlush[len(nl.toFlush)-1])
	switch {
	case prev == nl.buf1:
		if nl.buf2 != nil {
			nl.pw = nl.buf2
		} else {
			nl.pw = alloc()
		}
		nl.buf1 = nil
	case prev == nl.buf2:
		if nl.buf1 != nil {
			nl.pw = nl.buf1
		} else {
			nl.pw = alloc()
		}
		nl.buf2 = nil
	default: // prev was alloc-ed
		if nl.buf1 != nil {
			nl.pw = nl.buf1
		} else if nl.buf2 != nil {
			nl.pw = nl.buf2
		} else {
			nl.pw = alloc()
		}
	}
}

func (nl *nlog) put(pw *fixed) {
	nl.mw.Lock()
	if nl.buf1 == nil {
		nl.buf1 = pw
	} else if nl.buf2 == nil {
		nl.buf2 = pw
	}
	nl.mw.Unlock()
}

func (nl *nlog) flush() {
	for {
		nl.mw.Lock()
		if len(nl.toFlush) == 0 {
			nl.oob.Store(false)
			nl.mw.Unlock()
			break
		}
		pw := nl.toFlush[0]
		copy(nl.toFlush, nl.toFlush[1:])
		nl.toFlush = nl.toFlush[:len(nl.toFlush)-1]
		nl.mw.Unlock()

		nl.do(pw)
	}
}

func (nl *nlog) do(pw *fixed) {
	if nl.file == nil {
		os.Stderr.Write(pw.buf[:pw.woff])
	} else if nl.erred.Load() {
		os.Stderr.Write(pw.buf[:pw.woff])
	} else {
		n, err := pw.flush(nl.file)
		if err != nil {
			nl.erred.Store(true)
		}
		nl.written.Add(int64(n))
		nl.last.Store(mono.NanoTime())
	}

	pw.reset()
	if pw.size() == extraSize {
		free(pw)
	} else {
		nl.put(pw)
	}

	if nl.file != nil && nl.written.Load() >= MaxSize {
		nl.file.Close()
		nl.rotate(time.Now())
	}
}

func (nl *nlog) rotate(now time.Time) (err error) {
	s := fmt.Sprintf("host %s, %s for %s/%s\n", host, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	snow := now.Format("2006/01/02 15:04:05")
	if nl.file, _, err = fcreate(sevText[nl.sev], now); err != nil {
		nl.erred.Store(true)
		return
	}
	nl.written.Store(0)
	nl.erred.Store(false)
	if title == "" {
		_, err = nl.file.WriteString("Started up at " + snow + ", " + s)
	} else {
		nl.file.WriteString("Rotated at " + snow + ", " + s)
		_, err = nl.file.WriteString(title)
	}
	return
}

//
// utils
//

func sname() string {
	if aisrole != "" {
		return aisrole
	}
	return "sst"
}

func logfname(tag string, t time.Time) (name, link string) {
	s := sname()
	name = fmt.Sprintf("%s.%s.%s.%02d%02d-%02d%02d%02d.%d",
		s, host, tag, t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), pid)
	return name, s + "." + tag
}

func fcreate(tag string, t time.Time) (*os.File, string, error) {
	name, link := logfname(tag, t)
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", err
	}
	linkPath := filepath.Join(logDir, link)
	os.Remove(linkPath)
	os.Symlink(name, linkPath)
	return f, name, nil
}

func formatHdr(s severity, depth int, fb *fixed) {
	const char = "IWE"
	_, fn, ln, ok := runtime.Caller(3 + depth)
	if !ok {
		return
	}
	idx := strings.LastIndexByte(fn, filepath.Separator)
	if idx > 0 {
		fn = fn[idx+1:]
	}
	if l := len(fn); l > 3 {
		fn = fn[:l-3]
	}
	fb.writeByte(char[s])
	fb.writeByte(' ')
	now := time.Now()
	fb.writeString(now.Format("15:04:05.000000"))
	fb.writeByte(' ')
	if _, redact := redactFnames[fn]; redact {
		return
	}
	fb.writeString(fn)
	fb.writeByte(':')
	fb.writeString(strconv.Itoa(ln))
	fb.writeByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *fixed, args ...any) {
	formatHdr(sev, depth+1, fb)
	if format == "" {
		fmt.Fprintln(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
		fb.eol()
	}
}

// mem pool of additional buffers, used when none of the "fixed" ones are
// available (both in flight to disk) or when alsoToStderr duplicates a line.

func alloc() (fb *fixed) {
	if v := pool.Get(); v != nil {
		fb = v.(*fixed)
		fb.reset()
	} else {
		fb = &fixed{buf: make([]byte, extraSize)}
	}
	return
}

func free(fb *fixed) {
	assert(fb.size() == extraSize)
	pool.Put(fb)
}
