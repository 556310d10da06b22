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
	"fmt"
)

// pkg/log registers its own configuration here, so it can't be imported
// by us. Instead it hooks itself in using SetLogger.

// Logger is our set of logging functions.
type Logger struct {
	Debugf func(string, ...interface{})
	Infof  func(string, ...interface{})
	Errorf func(string, ...interface{})
	Panicf func(string, ...interface{})
}

var log = Logger{
	Debugf: func(string, ...interface{}) {},
	Infof: func(format string, args ...interface{}) {
		fmt.Printf("I: [config] "+format+"\n", args...)
	},
	Errorf: func(format string, args ...interface{}) {
		fmt.Printf("E: [config] "+format+"\n", args...)
	},
	Panicf: func(format string, args ...interface{}) {
		panic(fmt.Sprintf("config: "+format, args...))
	},
}

// SetLogger sets the logging functions used by this package.
func SetLogger(logger Logger) {
	if logger.Debugf != nil {
		log.Debugf = logger.Debugf
	}
	if logger.Infof != nil {
		log.Infof = logger.Infof
	}
	if logger.Errorf != nil {
		log.Errorf = logger.Errorf
	}
	if logger.Panicf != nil {
		log.Panicf = logger.Panicf
	}
}
