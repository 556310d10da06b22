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
	"os"
	"os/signal"
	"path/filepath"
	"sync"
)

// the default logger is named after the running binary
var deflog = log.get(filepath.Base(filepath.Clean(os.Args[0])))

// Default returns the default Logger.
func Default() Logger {
	return deflog
}

var toggle struct {
	sync.Mutex
	ch chan os.Signal
}

// ToggleDebugOn flips forced debugging of all sources whenever one of the
// given signals arrives. Calling it with no signals removes the handler.
func ToggleDebugOn(sigs ...os.Signal) {
	toggle.Lock()
	defer toggle.Unlock()

	if toggle.ch != nil {
		signal.Stop(toggle.ch)
		close(toggle.ch)
		toggle.ch = nil
	}
	if len(sigs) == 0 {
		return
	}

	toggle.ch = make(chan os.Signal, 1)
	signal.Notify(toggle.ch, sigs...)
	go func(ch <-chan os.Signal) {
		for range ch {
			on := !log.forced.Load()
			ForceDebug(on)
			deflog.Warn("forced debugging of all sources %s", map[bool]string{false: "off", true: "on"}[on])
		}
	}(toggle.ch)
}
