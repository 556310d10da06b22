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


// Package version tags built binaries with version metadata. Override the
// defaults at link time, for instance:
//
//	-ldflags "-X=github.com/intel/telepaging/pkg/version.Version=<version> \
//	          -X=github.com/intel/telepaging/pkg/version.Build=<build-id>"
//
// Without linker overrides the module version and VCS revision recorded
// by the go toolchain are used, if available.
package version

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
)

const unknown = "unknown"

// Default values of variables we'll override with the linker.
var (
	// Version is our version as given by 'git describe'.
	Version = unknown
	// Build is the SHA1 of the repository we've been built from.
	Build = unknown
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == unknown && info.Main.Version != "" {
		Version = info.Main.Version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && Build == unknown {
			Build = s.Value
		}
	}
}

// String returns a one-line version description.
func String() string {
	return fmt.Sprintf("%s (build %s)", Version, Build)
}

// PrintVersionInfo prints version information about this binary.
func PrintVersionInfo() {
	fmt.Printf("%s version information:\n", filepath.Base(os.Args[0]))
	fmt.Printf("  - version: %s\n", Version)
	fmt.Printf("  - build:   %s\n", Build)
}

// flagValue hooks into flag.Value.Set of -version during command line parsing.
type flagValue struct{}

// IsBoolFlag tells flag that we only have optional arguments.
func (flagValue) IsBoolFlag() bool {
	return true
}

func (flagValue) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		PrintVersionInfo()
		os.Exit(0)
	}
	return nil
}

func (flagValue) String() string {
	return "false"
}

// RegisterFlag puts in place a -version command line option in the given flag set.
func RegisterFlag(fs *flag.FlagSet) {
	fs.Var(flagValue{}, "version", "Print version information about "+filepath.Base(os.Args[0]))
}
