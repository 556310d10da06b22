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

package main

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/telepaging/pkg/telepage"
)

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		size uint64
		fail bool
	}{
		{in: "4096", size: 4096},
		{in: "4k", size: 4096},
		{in: "2M", size: 2 << 20},
		{in: "1G", size: 1 << 30},
		{in: "M", fail: true},
		{in: "-1", fail: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			size, err := parseSize(tc.in)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.size, size)
		})
	}
}

func TestPrompt(t *testing.T) {
	cfg := telepage.DefaultConfig()
	cfg.Memory.TeraPage = 1 << 20
	ctx, err := telepage.New(telepage.Options{Config: cfg})
	require.NoError(t, err)
	d := &daemon{ctx: ctx}
	defer d.close()

	script := strings.Join([]string{
		"map -pid 1 -start 0x10000 -size 8k",
		"write -pid 1 -addr 10000 -fill 7",
		"migrate -pid 1 -addr 10000 -to compressed",
		"state -pid 1 -start 10000 -size 8k",
		"fault -pid 1 -addr 10000",
		"read -pid 1 -addr 10000",
		"bogus",
		"quit",
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := NewPrompt("> ", d, bufio.NewReader(strings.NewReader(script)), bufio.NewWriter(out))
	p.interact()

	text := out.String()
	require.Contains(t, text, "mapped 2 page(s) to terapage")
	require.Contains(t, text, telepage.SplitMapped.String())
	require.Contains(t, text, telepage.Success.String())
	require.Contains(t, text, strings.Repeat("07", 32))
	require.Contains(t, text, "unknown command")
	require.Contains(t, text, "quitting prompt.")
}
