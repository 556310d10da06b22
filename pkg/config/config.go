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
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// Fragment is a piece of configuration registered under a path.
type Fragment interface {
	// Reset resets the fragment to its default values.
	Reset()
	// Describe returns a human-readable description of the fragment.
	Describe() string
}

// FragmentValidator is a Fragment which can check its own consistency.
type FragmentValidator interface {
	Validate() error
}

// Source describes where configuration data has been acquired from.
type Source string

const (
	// ConfigFile is a YAML/JSON file configuration source.
	ConfigFile Source = "configuration file"
	// External is an external configuration source.
	External Source = "external configuration"
	// Defaults is the built-in default configuration.
	Defaults Source = "default configuration"
)

// Event describes the reason why a notification callback has been invoked.
type Event string

const (
	// UpdateEvent is the event type for a configuration update.
	UpdateEvent Event = "updated"
	// RevertEvent is the event type for a configuration reset to defaults.
	RevertEvent Event = "reverted"
)

// NotifyFn is the type of a configuration change notification function.
type NotifyFn func(Event, Source) error

// fragment is a registered Fragment.
type fragment struct {
	path Path
	ptr  Fragment
}

// registry is our runtime state.
type registry struct {
	sync.RWMutex
	fragments map[string]*fragment // registered fragments by canonical path
	notify    []NotifyFn           // update watchers
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{fragments: map[string]*fragment{}}
}

// ReInitialize drops all registered fragments and watchers.
func ReInitialize() {
	reg = newRegistry()
}

// Register registers a configuration fragment at the given dotted path.
func Register(path string, ptr interface{}) error {
	if ptr == nil {
		return configError("can't register nil fragment at %q", path)
	}
	if t := reflect.TypeOf(ptr); t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return configError("can't register %T at %q, need a pointer to a struct", ptr, path)
	}
	f, ok := ptr.(Fragment)
	if !ok {
		return configError("can't register %T at %q, it does not implement Fragment", ptr, path)
	}

	p := makePath(path)
	if err := p.Validate(); err != nil {
		return err
	}

	reg.Lock()
	defer reg.Unlock()

	key := p.Canonical().String()
	if other, ok := reg.fragments[key]; ok {
		return configError("can't register %q, conflicts with %q", path, other.path)
	}

	f.Reset()
	reg.fragments[key] = &fragment{path: p, ptr: f}
	log.Debugf("registered configuration fragment %q (%T)", path, ptr)

	return nil
}

// MustRegister registers a configuration fragment, panicking on failure.
func MustRegister(path string, ptr interface{}) {
	if err := Register(path, ptr); err != nil {
		log.Panicf("%v", err)
	}
}

// WatchUpdates registers fn to be called after every configuration change.
func WatchUpdates(fn NotifyFn) {
	reg.Lock()
	defer reg.Unlock()
	reg.notify = append(reg.notify, fn)
}

// GetConfig returns the fragment registered at the given path.
func GetConfig(path string) (Fragment, bool) {
	reg.RLock()
	defer reg.RUnlock()

	f, ok := reg.fragments[makePath(path).Canonical().String()]
	if !ok {
		return nil, false
	}
	return f.ptr, true
}

// SetYAML sets the configuration from the given YAML data. Fragments not
// mentioned in the data are reset to their defaults. The update is either
// applied as a whole or, on any decoding or validation error, not at all.
func SetYAML(raw []byte, source Source) error {
	data := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return configError("failed to parse YAML data: %v", err)
	}

	reg.Lock()

	updates, err := reg.decode(data)
	if err != nil {
		reg.Unlock()
		return err
	}
	for key, v := range updates {
		reflect.ValueOf(reg.fragments[key].ptr).Elem().Set(v.Elem())
	}
	notify := append([]NotifyFn{}, reg.notify...)

	reg.Unlock()

	return notifyAll(notify, UpdateEvent, source)
}

// Reset resets all fragments to their defaults.
func Reset() error {
	reg.Lock()
	for _, f := range reg.fragments {
		f.ptr.Reset()
	}
	notify := append([]NotifyFn{}, reg.notify...)
	reg.Unlock()

	return notifyAll(notify, RevertEvent, Defaults)
}

// GetYAML returns the current configuration as YAML data.
func GetYAML() ([]byte, error) {
	reg.RLock()
	defer reg.RUnlock()

	tree := map[string]interface{}{}
	for _, key := range reg.sortedKeys() {
		f := reg.fragments[key]
		raw, err := json.Marshal(f.ptr)
		if err != nil {
			return nil, configError("failed to marshal %q: %v", f.path, err)
		}
		obj := map[string]interface{}{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, configError("failed to convert %q: %v", f.path, err)
		}
		node := tree
		for _, name := range f.path {
			child, ok := node[name].(map[string]interface{})
			if !ok {
				child = map[string]interface{}{}
				node[name] = child
			}
			node = child
		}
		for k, v := range obj {
			node[k] = v
		}
	}

	return yaml.Marshal(tree)
}

// Describe returns the descriptions of all registered fragments.
func Describe() string {
	reg.RLock()
	defer reg.RUnlock()

	var sb strings.Builder
	for _, key := range reg.sortedKeys() {
		f := reg.fragments[key]
		sb.WriteString(f.path.String() + ":\n")
		for _, line := range strings.Split(strings.TrimSpace(f.ptr.Describe()), "\n") {
			sb.WriteString("    " + line + "\n")
		}
	}
	return sb.String()
}

// decode decodes and validates new values for all fragments.
func (r *registry) decode(data map[string]interface{}) (map[string]reflect.Value, error) {
	var errors *multierror.Error

	updates := map[string]reflect.Value{}
	claimed := map[string]struct{}{}

	for _, key := range r.sortedKeys() {
		f := r.fragments[key]
		v := reflect.New(reflect.TypeOf(f.ptr).Elem())
		fresh := v.Interface().(Fragment)
		fresh.Reset()

		if sub, ok := r.pick(data, f.path); ok {
			if err := decodeStrict(sub, fresh); err != nil {
				errors = multierror.Append(errors, configError("%q: %v", f.path, err))
				continue
			}
		}
		claimed[f.path.Canonical()[0]] = struct{}{}

		if validator, ok := fresh.(FragmentValidator); ok {
			if err := validator.Validate(); err != nil {
				errors = multierror.Append(errors, configError("%q: %v", f.path, err))
				continue
			}
		}
		updates[key] = v
	}

	for name := range data {
		if _, ok := claimed[canonicalName(name)]; !ok {
			errors = multierror.Append(errors, configError("unknown configuration %q", name))
		}
	}

	if err := errors.ErrorOrNil(); err != nil {
		return nil, err
	}
	return updates, nil
}

// pick returns the data for path, without entries for nested fragments.
func (r *registry) pick(data map[string]interface{}, path Path) (map[string]interface{}, bool) {
	node := data
	for _, name := range path {
		child, ok := lookup(node, name).(map[string]interface{})
		if !ok {
			return nil, false
		}
		node = child
	}

	sub := map[string]interface{}{}
	for k, v := range node {
		nested := append(path.Clone(), k).Canonical().String()
		if _, ok := r.fragments[nested]; ok {
			continue
		}
		if r.hasPrefix(nested) {
			continue
		}
		sub[k] = v
	}
	return sub, true
}

// hasPrefix checks if any registered fragment lives below the given path.
func (r *registry) hasPrefix(key string) bool {
	for k := range r.fragments {
		if strings.HasPrefix(k, key+".") {
			return true
		}
	}
	return false
}

func (r *registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.fragments))
	for k := range r.fragments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// lookup does a case-insensitive map lookup.
func lookup(m map[string]interface{}, name string) interface{} {
	if v, ok := m[name]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func decodeStrict(data map[string]interface{}, ptr interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(ptr)
}

func notifyAll(notify []NotifyFn, event Event, source Source) error {
	var errors *multierror.Error
	for _, fn := range notify {
		if err := fn(event, source); err != nil {
			errors = multierror.Append(errors, err)
		}
	}
	return errors.ErrorOrNil()
}

// configError returns a formatted configuration-specific error.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
