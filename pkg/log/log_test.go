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
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// testBackend records messages for verification.
type testBackend struct {
	sync.Mutex
	recorded []string
}

const testBackendName = "test"

var testlog = &testBackend{}

func (*testBackend) Name() string { return testBackendName }

func (t *testBackend) Log(level Level, source, format string, args ...interface{}) {
	t.Lock()
	defer t.Unlock()
	t.recorded = append(t.recorded, fmt.Sprintf("%s [%s] ", level, source)+fmt.Sprintf(format, args...))
}

func (t *testBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		t.Log(level, source, "%s%s", prefix, line)
	}
}

func (*testBackend) Flush()                 {}
func (*testBackend) Sync()                  {}
func (*testBackend) Stop()                  {}
func (*testBackend) SetSourceAlignment(int) {}

func (t *testBackend) reset() []string {
	t.Lock()
	defer t.Unlock()
	r := t.recorded
	t.recorded = nil
	return r
}

func setup(t *testing.T) {
	RegisterBackend(testBackendName, func() Backend { return testlog })
	require.NoError(t, SetBackend(testBackendName))
	SetLevel(LevelInfo)
	SetDebug(nil)
	ForceDebug(false)
	testlog.reset()
}

func TestLevels(t *testing.T) {
	setup(t)
	l := NewLogger("levels")

	type testCase struct {
		name   string
		level  Level
		expect []string
	}

	for _, tc := range []testCase{
		{
			name:  "info",
			level: LevelInfo,
			expect: []string{
				"info [levels] i",
				"warning [levels] w",
				"error [levels] e",
			},
		},
		{
			name:  "warning",
			level: LevelWarn,
			expect: []string{
				"warning [levels] w",
				"error [levels] e",
			},
		},
		{
			name:   "error",
			level:  LevelError,
			expect: []string{"error [levels] e"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			SetLevel(tc.level)
			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e")
			require.Equal(t, tc.expect, testlog.reset())
		})
	}
}

func TestDebugging(t *testing.T) {
	setup(t)
	a := NewLogger("debug-a")
	b := NewLogger("debug-b")

	a.Debug("dropped")
	require.Empty(t, testlog.reset())

	SetDebug(map[string]bool{"debug-a": true})
	a.Debug("a")
	b.Debug("b")
	require.Equal(t, []string{"debug [debug-a] a"}, testlog.reset())

	SetDebug(map[string]bool{"*": true, "debug-a": false})
	a.Debug("a")
	b.Debug("b")
	require.Equal(t, []string{"debug [debug-b] b"}, testlog.reset())

	SetDebug(nil)
	require.False(t, ForceDebug(true))
	a.Debug("forced")
	require.Equal(t, []string{"debug [debug-a] forced"}, testlog.reset())
	ForceDebug(false)

	require.False(t, b.EnableDebug(true))
	require.True(t, b.DebugEnabled())
	b.DebugBlock("  ", "line1\nline2")
	require.Equal(t, []string{"debug [debug-b]   line1", "debug [debug-b]   line2"}, testlog.reset())
}

func TestOptions(t *testing.T) {
	setup(t)

	o := &options{}
	o.Reset()
	o.Debug = []string{"x,y", "-z"}
	require.Equal(t, map[string]bool{"x": true, "y": true, "z": false}, o.debugMap())

	o.Backend = "no-such-backend"
	require.Error(t, o.Validate())
	o.Backend = testBackendName
	require.NoError(t, o.Validate())

	var level Level
	require.NoError(t, level.UnmarshalJSON([]byte(`"warn"`)))
	require.Equal(t, LevelWarn, level)
	require.Error(t, level.UnmarshalJSON([]byte(`"loud"`)))
}

func TestFmtBackend(t *testing.T) {
	buf := &bytes.Buffer{}
	f := newFmtBackend(buf)
	f.SetSourceAlignment(6)

	f.Log(LevelInfo, "src", "buffered %d", 1)
	f.Sync()
	require.Empty(t, buf.String(), "messages are buffered until flushed")

	f.Block(LevelWarn, "src", "> ", "a\nb")
	f.Flush()
	require.Equal(t, "I: [  src ] buffered 1\nW: [  src ] > a\nW: [  src ] > b\n", buf.String())

	buf.Reset()
	f.Log(LevelError, "source", "direct")
	f.Stop()
	require.Equal(t, "E: [source] direct\n", buf.String())
}

func TestZapBackend(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	z := newZapBackend(zap.New(core))

	z.Log(LevelWarn, "zsrc", "hello %s", "zap")
	z.Block(LevelDebug, "zsrc", "- ", "x\ny")

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "zsrc", entries[0].LoggerName)
	require.Equal(t, "hello zap", entries[0].Message)
	require.Equal(t, "- y", entries[2].Message)
}
