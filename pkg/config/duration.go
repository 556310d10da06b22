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
	"encoding/json"
	"time"
)

// Duration is a time.Duration which marshals to and from a string like "1.5s".
// Plain numbers are taken as milliseconds.
type Duration time.Duration

// MarshalJSON is the JSON marshaller for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON is the JSON unmarshaller for Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return configError("invalid Duration %s: %v", string(data), err)
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value * float64(time.Millisecond)))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return configError("invalid Duration %q: %v", value, err)
		}
		*d = Duration(parsed)
	default:
		return configError("invalid Duration of type %T", v)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the value of Duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
