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


package config

import (
	"strings"
)

const (
	pathSep = "."
	wordSep = "-"
)

// Path is a dotted configuration path, split into its components.
type Path []string

func makePath(s string) Path {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, pathSep)
}

// Validate checks that the path is non-empty and has no empty components.
func (p Path) Validate() error {
	if len(p) == 0 {
		return configError("invalid empty path")
	}
	for _, name := range p {
		if name == "" {
			return configError("invalid path %q, has empty name", p.String())
		}
	}
	return nil
}

func (p Path) String() string {
	return strings.Join(p, pathSep)
}

// Clone returns a copy of the path.
func (p Path) Clone() Path {
	c := make([]string, len(p))
	copy(c, p)
	return Path(c)
}

// Canonical returns the path in a case- and word separator-insensitive form.
func (p Path) Canonical() Path {
	c := make([]string, 0, len(p))
	for _, name := range p {
		c = append(c, canonicalName(name))
	}
	return Path(c)
}

func canonicalName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, wordSep, ""))
}
