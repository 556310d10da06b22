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


package config_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/intel/telepaging/pkg/config"
)

type dummyCfg struct{}

func (*dummyCfg) Reset()           {}
func (*dummyCfg) Describe() string { return "dummy" }

func TestInvalidRegistration(t *testing.T) {
	config.ReInitialize()

	i := 3

	type testCase struct {
		name string
		path string
		ptr  interface{}
	}

	for _, tc := range []testCase{
		{name: "nil", path: "nil", ptr: nil},
		{name: "non-pointer", path: "nonPtr", ptr: i},
		{name: "pointer to non-struct", path: "ptrToNonStruct", ptr: &i},
		{name: "empty path", path: "", ptr: &dummyCfg{}},
		{name: "invalid path", path: "test..path", ptr: &dummyCfg{}},
		{name: "non-fragment ptr", path: "nonFragmentPtr", ptr: &struct{}{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, config.Register(tc.path, tc.ptr))
		})
	}
}

func TestConflictingRegistration(t *testing.T) {
	config.ReInitialize()

	type testCase struct {
		name  string
		path  string
		valid bool
	}

	for _, tc := range []testCase{
		{name: "register fragment #1", path: "main.group.module1", valid: true},
		{name: "conflicting path #1", path: "Main.group.module1"},
		{name: "conflicting path #2", path: "main.Group.Module1"},
		{name: "conflicting path #3", path: "main.group.module-1"},
		{name: "register fragment #2", path: "main.group.module1.sub-module", valid: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := config.Register(tc.path, &dummyCfg{})
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

type testMod1 struct {
	Int    int `json:"integer"`
	String string
	Map    map[string]string
	Slice  []string
	Wait   config.Duration
}

func (*testMod1) Describe() string { return "first test module" }

func (d *testMod1) Reset() {
	*d = testMod1{String: "default", Wait: config.Duration(time.Second)}
}

func (d *testMod1) Validate() error {
	if d.Int < 0 {
		return fmt.Errorf("invalid (negative) integer %d", d.Int)
	}
	if strings.Contains(d.String, "invalid") {
		return fmt.Errorf("invalid string %q", d.String)
	}
	return nil
}

type testMod2 struct {
	Enabled bool
}

func (*testMod2) Describe() string { return "nested test module" }

func (d *testMod2) Reset() {
	*d = testMod2{Enabled: true}
}

func TestSetYAML(t *testing.T) {
	config.ReInitialize()

	mod1 := &testMod1{}
	mod2 := &testMod2{}
	require.NoError(t, config.Register("main.mod1", mod1))
	require.NoError(t, config.Register("main.mod1.mod2", mod2))

	require.Equal(t, "default", mod1.String, "registration resets to defaults")

	notified := 0
	config.WatchUpdates(func(event config.Event, source config.Source) error {
		notified++
		return nil
	})

	type testCase struct {
		name    string
		data    string
		fail    bool
		expect1 *testMod1
		expect2 *testMod2
	}

	for _, tc := range []testCase{
		{
			name: "set all",
			data: `
main:
  mod1:
    integer: 123
    String: foobar
    Wait: 250ms
    Map:
      foo: bar
    Slice:
      - s0
      - s1
    mod2:
      Enabled: false
`,
			expect1: &testMod1{
				Int:    123,
				String: "foobar",
				Wait:   config.Duration(250 * time.Millisecond),
				Map:    map[string]string{"foo": "bar"},
				Slice:  []string{"s0", "s1"},
			},
			expect2: &testMod2{Enabled: false},
		},
		{
			name:    "omitted fragments are reset",
			data:    `main: {}`,
			expect1: &testMod1{String: "default", Wait: config.Duration(time.Second)},
			expect2: &testMod2{Enabled: true},
		},
		{
			name: "numeric duration is milliseconds",
			data: `
main:
  mod1:
    Wait: 1500
`,
			expect1: &testMod1{String: "default", Wait: config.Duration(1500 * time.Millisecond)},
			expect2: &testMod2{Enabled: true},
		},
		{
			name: "validation failure leaves configuration unchanged",
			data: `
main:
  mod1:
    integer: -1
`,
			fail: true,
		},
		{
			name: "unknown field",
			data: `
main:
  mod1:
    Bogus: 1
`,
			fail: true,
		},
		{
			name: "unknown top-level",
			data: `other: {}`,
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := *mod1
			err := config.SetYAML([]byte(tc.data), config.ConfigFile)
			if tc.fail {
				require.Error(t, err)
				require.Equal(t, before, *mod1)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expect1, mod1)
			require.Equal(t, tc.expect2, mod2)
		})
	}

	require.Equal(t, 3, notified)
}

func TestGetYAML(t *testing.T) {
	config.ReInitialize()

	mod1 := &testMod1{}
	require.NoError(t, config.Register("main.mod1", mod1))
	require.NoError(t, config.SetYAML([]byte("main:\n  mod1:\n    integer: 7\n"), config.External))

	raw, err := config.GetYAML()
	require.NoError(t, err)

	data := map[string]map[string]map[string]interface{}{}
	require.NoError(t, yaml.Unmarshal(raw, &data))
	require.Equal(t, float64(7), data["main"]["mod1"]["integer"])
	require.Equal(t, "1s", data["main"]["mod1"]["Wait"])

	require.Contains(t, config.Describe(), "first test module")
}
