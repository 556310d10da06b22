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
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger, returning the old state.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger implements Logger for a single source.
type logger struct {
	source string
	debug  atomic.Bool
}

// state is our runtime state.
type state struct {
	sync.RWMutex
	level    Level                // lowest emitted non-debug severity
	forced   atomic.Bool          // forced full debugging
	active   Backend              // active backend
	backends map[string]BackendFn // registered backends
	loggers  map[string]*logger   // loggers by source
	debug    map[string]bool      // configured debug state by source, "*" for all
}

var log = &state{
	level:    LevelInfo,
	backends: map[string]BackendFn{},
	loggers:  map[string]*logger{},
	debug:    map[string]bool{},
}

// NewLogger returns the Logger for source, creating it if necessary.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

func (s *state) get(source string) *logger {
	source = strings.Trim(source, "[] ")

	s.RLock()
	l, ok := s.loggers[source]
	s.RUnlock()
	if ok {
		return l
	}

	s.Lock()
	defer s.Unlock()

	if l, ok = s.loggers[source]; ok {
		return l
	}
	l = &logger{source: source}
	l.debug.Store(s.debugFor(source))
	s.loggers[source] = l
	s.realign()

	return l
}

// debugFor returns the configured debug state for source. Must be called locked.
func (s *state) debugFor(source string) bool {
	if state, ok := s.debug[source]; ok {
		return state
	}
	return s.debug["*"]
}

// realign updates backend source alignment. Must be called locked.
func (s *state) realign() {
	if s.active == nil {
		return
	}
	align := 0
	for source := range s.loggers {
		if len(source) > align {
			align = len(source)
		}
	}
	s.active.SetSourceAlignment(align)
}

// backend returns the active backend, creating the default one if necessary.
func (s *state) backend() Backend {
	s.RLock()
	active := s.active
	s.RUnlock()
	if active != nil {
		return active
	}

	s.Lock()
	defer s.Unlock()
	if s.active == nil {
		s.active = s.backends[FmtBackendName]()
		s.realign()
	}
	return s.active
}

// SetLevel sets the lowest emitted non-debug severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetDebug sets the debug state of the given sources, "*" meaning all sources.
func SetDebug(sources map[string]bool) {
	log.Lock()
	defer log.Unlock()

	log.debug = map[string]bool{}
	for source, state := range sources {
		log.debug[source] = state
	}
	for source, l := range log.loggers {
		l.debug.Store(log.debugFor(source))
	}
}

// ForceDebug forces debugging for all sources on or off, returning the old state.
func ForceDebug(state bool) bool {
	return log.forced.Swap(state)
}

// RegisterBackend registers a logger backend.
func RegisterBackend(name string, fn BackendFn) {
	log.Lock()
	defer log.Unlock()
	log.backends[name] = fn
}

// SetBackend activates the named backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()

	fn, ok := log.backends[name]
	if !ok {
		return loggerError("unknown backend %q", name)
	}
	if log.active != nil {
		if log.active.Name() == name {
			return nil
		}
		log.active.Stop()
	}
	log.active = fn()
	log.realign()

	return nil
}

// Flush flushes any messages buffered by the active backend.
func Flush() {
	log.backend().Flush()
}

func (l *logger) Source() string {
	return l.source
}

func (l *logger) EnableDebug(state bool) bool {
	return l.debug.Swap(state)
}

func (l *logger) DebugEnabled() bool {
	return l.debug.Load() || log.forced.Load()
}

func (l *logger) emit(level Level) bool {
	if level == LevelDebug {
		return l.DebugEnabled()
	}
	log.RLock()
	defer log.RUnlock()
	return level >= log.level
}

func (l *logger) Debug(format string, args ...interface{}) {
	if l.emit(LevelDebug) {
		log.backend().Log(LevelDebug, l.source, format, args...)
	}
}

func (l *logger) Info(format string, args ...interface{}) {
	if l.emit(LevelInfo) {
		log.backend().Log(LevelInfo, l.source, format, args...)
	}
}

func (l *logger) Warn(format string, args ...interface{}) {
	if l.emit(LevelWarn) {
		log.backend().Log(LevelWarn, l.source, format, args...)
	}
}

func (l *logger) Error(format string, args ...interface{}) {
	if l.emit(LevelError) {
		log.backend().Log(LevelError, l.source, format, args...)
	}
}

func (l *logger) Fatal(format string, args ...interface{}) {
	b := log.backend()
	b.Log(LevelFatal, l.source, format, args...)
	b.Sync()
	os.Exit(1)
}

func (l *logger) Panic(format string, args ...interface{}) {
	b := log.backend()
	b.Log(LevelPanic, l.source, format, args...)
	b.Sync()
	panic(fmt.Sprintf("["+l.source+"] "+format, args...))
}

func (l *logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if l.emit(LevelDebug) {
		log.backend().Block(LevelDebug, l.source, prefix, format, args...)
	}
}

func (l *logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if l.emit(LevelInfo) {
		log.backend().Block(LevelInfo, l.source, prefix, format, args...)
	}
}

func (l *logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if l.emit(LevelWarn) {
		log.backend().Block(LevelWarn, l.source, prefix, format, args...)
	}
}

func (l *logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	if l.emit(LevelError) {
		log.backend().Block(LevelError, l.source, prefix, format, args...)
	}
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
