// Copyright 2022 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package log

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// BackendFn is a function that creates a Backend instance.
type BackendFn func() Backend

// Backend can format and emit log messages.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Log emits a log message with the given severity, source, and Printf-like arguments.
	Log(Level, string, string, ...interface{})
	// Block emits a multi-line log message, with an additional line prefix.
	Block(Level, string, string, string, ...interface{})
	// Flush flushes and stops initial buffering synchronously.
	Flush()
	// Sync waits for all messages to get emitted.
	Sync()
	// Stop stops the backend instance.
	Stop()
	// SetSourceAlignment sets the maximum source length for optional alignment.
	SetSourceAlignment(int)
}

const (
	// FmtBackendName is the name of our simple fmt-based logging backend.
	FmtBackendName = "fmt"
	// fmtBackendQueueLen is the length of the internal fmt message queue.
	fmtBackendQueueLen = 1024
)

// severity tags fmtBackend prefixes emitted messages with.
var fmtTags = map[Level]string{
	LevelDebug: "D:",
	LevelInfo:  "I:",
	LevelWarn:  "W:",
	LevelError: "E:",
	LevelPanic: "PANIC:",
	LevelFatal: "FATAL ERROR:",
}

// fmtBackend is our simple, default fmt.Fprintln-based Backend.
//
// Messages are passed to an emitter goroutine. Until the first flush
// request or error message, messages are buffered, so that early
// output follows any backend or debug configuration applied at startup.
type fmtBackend struct {
	out   io.Writer
	q     chan *fmtReq
	align int
}

type fmtReqKind int

const (
	reqLog fmtReqKind = iota
	reqFlush
	reqSync
	reqStop
	reqAlign
)

// fmtReq is a request to the emitter goroutine.
type fmtReq struct {
	kind   fmtReqKind
	level  Level
	source string
	prefix string
	msg    string
	align  int
	sync   chan struct{}
}

func createFmtBackend() Backend {
	return newFmtBackend(os.Stdout)
}

func newFmtBackend(out io.Writer) *fmtBackend {
	f := &fmtBackend{
		out: out,
		q:   make(chan *fmtReq, fmtBackendQueueLen),
	}
	go f.run()
	return f
}

func (*fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Log(level Level, source, format string, args ...interface{}) {
	f.log(level, source, "", format, args...)
}

func (f *fmtBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	f.log(level, source, prefix, format, args...)
}

func (f *fmtBackend) Flush() {
	f.request(&fmtReq{kind: reqFlush})
}

func (f *fmtBackend) Sync() {
	f.request(&fmtReq{kind: reqSync})
}

func (f *fmtBackend) Stop() {
	f.request(&fmtReq{kind: reqStop})
}

func (f *fmtBackend) SetSourceAlignment(align int) {
	f.q <- &fmtReq{kind: reqAlign, align: align}
}

func (f *fmtBackend) request(req *fmtReq) {
	req.sync = make(chan struct{})
	f.q <- req
	<-req.sync
}

func (f *fmtBackend) log(level Level, source, prefix, format string, args ...interface{}) {
	req := &fmtReq{
		kind:   reqLog,
		level:  level,
		source: source,
		prefix: prefix,
		msg:    fmt.Sprintf(format, args...),
	}
	// fatal errors and panics are synchronous
	if level >= LevelPanic {
		f.request(req)
		return
	}
	f.q <- req
}

// run emits log messages for the fmtBackend.
func (f *fmtBackend) run() {
	buf := make([]*fmtReq, 0, fmtBackendQueueLen)

	for req := range f.q {
		switch req.kind {
		case reqAlign:
			f.align = req.align
			continue
		case reqLog:
			switch {
			case buf == nil:
				f.emit(req)
			case req.level >= LevelError || len(buf) == cap(buf):
				for _, r := range buf {
					f.emit(r)
				}
				f.emit(req)
				buf = nil
			default:
				buf = append(buf, req)
			}
		default:
			if req.kind == reqFlush || req.kind == reqStop {
				for _, r := range buf {
					f.emit(r)
				}
				buf = nil
			}
		}
		if req.sync != nil {
			close(req.sync)
		}
		if req.kind == reqStop {
			return
		}
	}
}

// emit formats and emits a single log message.
func (f *fmtBackend) emit(req *fmtReq) {
	length := len(req.source)
	suflen := (f.align - length) / 2
	prelen := f.align - (length + suflen)
	if suflen < 0 {
		suflen, prelen = 0, 0
	}
	source := "[" + fmt.Sprintf("%*s", prelen, "") + req.source + fmt.Sprintf("%*s", suflen, "") + "]"

	for _, line := range strings.Split(req.msg, "\n") {
		if req.prefix == "" {
			fmt.Fprintln(f.out, fmtTags[req.level], source, line)
		} else {
			fmt.Fprintln(f.out, fmtTags[req.level], source, req.prefix+line)
		}
	}
}

func init() {
	RegisterBackend(FmtBackendName, createFmtBackend)
}
