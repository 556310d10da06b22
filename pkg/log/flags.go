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
	"encoding/json"
	"strings"

	"github.com/intel/telepaging/pkg/config"
)

const (
	// configModule is our path in the runtime configuration.
	configModule = "logger"
)

// options are the runtime-configurable logger options.
type options struct {
	// Level is the lowest emitted non-debug severity.
	Level Level `json:"Level"`
	// Debug lists sources to enable debugging for, "*" for all, "-source" to exclude.
	Debug []string `json:"Debug,omitempty"`
	// Backend is the name of the logger backend to use.
	Backend string `json:"Backend"`
}

var opt = &options{}

// Reset implements config.Fragment.
func (o *options) Reset() {
	*o = options{
		Level:   LevelInfo,
		Backend: FmtBackendName,
	}
}

// Describe implements config.Fragment.
func (o *options) Describe() string {
	return `Logging configuration.
  Level:   lowest severity to emit (debug, info, warning, error)
  Debug:   list of sources to debug, '*' for all, '-source' to exclude one
  Backend: fmt, klog or zap`
}

// Validate implements config.FragmentValidator.
func (o *options) Validate() error {
	log.RLock()
	_, ok := log.backends[o.Backend]
	log.RUnlock()
	if !ok {
		return loggerError("unknown backend %q", o.Backend)
	}
	return nil
}

// debugMap converts the Debug list to a source to state map.
func (o *options) debugMap() map[string]bool {
	m := map[string]bool{}
	for _, src := range o.Debug {
		for _, name := range strings.Split(src, ",") {
			name = strings.TrimSpace(name)
			switch {
			case name == "":
			case strings.HasPrefix(name, "-"):
				m[name[1:]] = false
			default:
				m[name] = true
			}
		}
	}
	return m
}

// apply activates the current options.
func (o *options) apply() error {
	SetLevel(o.Level)
	SetDebug(o.debugMap())
	return SetBackend(o.Backend)
}

// ParseLevel parses the given level name.
func ParseLevel(value string) (Level, error) {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"panic":   LevelPanic,
		"fatal":   LevelFatal,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return LevelInfo, loggerError("invalid logging level %q", value)
	}
	return level, nil
}

// String returns the name of the level.
func (l Level) String() string {
	names := map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warning",
		LevelError: "error",
		LevelPanic: "panic",
		LevelFatal: "fatal",
	}
	if name, ok := names[l]; ok {
		return name
	}
	return names[LevelInfo]
}

// MarshalJSON is the JSON marshaller for Level.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON is the JSON unmarshaller for Level.
func (l *Level) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return loggerError("invalid level %s: %v", string(raw), err)
	}
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// configNotify applies configuration updates.
func configNotify(event config.Event, source config.Source) error {
	deflog.Info("logger configuration %s from %s", event, source)
	return opt.apply()
}

func init() {
	config.MustRegister(configModule, opt)
	config.WatchUpdates(configNotify)

	cfglog := NewLogger("config")
	config.SetLogger(config.Logger{
		Debugf: cfglog.Debug,
		Infof:  cfglog.Info,
		Errorf: cfglog.Error,
		Panicf: cfglog.Panic,
	})
}
