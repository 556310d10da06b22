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
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// ZapBackendName is the name of the zap backend.
	ZapBackendName = "zap"
)

// zapBackend emits messages through a go.uber.org/zap logger, using a
// named child logger per source.
type zapBackend struct {
	sync.Mutex
	root    *zap.Logger
	sources map[string]*zap.SugaredLogger
}

func createZapBackend() Backend {
	// level filtering is done by us, let everything through
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	root, err := cfg.Build()
	if err != nil {
		root = zap.NewExample()
	}
	return newZapBackend(root)
}

func newZapBackend(root *zap.Logger) *zapBackend {
	return &zapBackend{
		root:    root,
		sources: map[string]*zap.SugaredLogger{},
	}
}

func (*zapBackend) Name() string {
	return ZapBackendName
}

func (z *zapBackend) sugar(source string) *zap.SugaredLogger {
	z.Lock()
	defer z.Unlock()

	s, ok := z.sources[source]
	if !ok {
		s = z.root.Named(source).Sugar()
		z.sources[source] = s
	}
	return s
}

func (z *zapBackend) Log(level Level, source, format string, args ...interface{}) {
	s := z.sugar(source)
	switch level {
	case LevelDebug:
		s.Debugf(format, args...)
	case LevelInfo:
		s.Infof(format, args...)
	case LevelWarn:
		s.Warnf(format, args...)
	default:
		s.Errorf(format, args...)
	}
}

func (z *zapBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		z.Log(level, source, "%s%s", prefix, line)
	}
}

func (z *zapBackend) Flush()                 { _ = z.root.Sync() }
func (z *zapBackend) Sync()                  { _ = z.root.Sync() }
func (z *zapBackend) Stop()                  { _ = z.root.Sync() }
func (*zapBackend) SetSourceAlignment(int) {}

func init() {
	RegisterBackend(ZapBackendName, createZapBackend)
}
