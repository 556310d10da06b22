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

package telepage

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/codec"
	"github.com/intel/telepaging/pkg/telepage/protocol"
)

var (
	// ErrConnection is returned when a remote node can't be reached.
	ErrConnection = protocol.ErrConnection
	// ErrTimeout is returned when a remote request is not answered in time.
	ErrTimeout = protocol.ErrTimeout
	// ErrChecksum is returned when transferred data fails verification.
	ErrChecksum = protocol.ErrChecksum
	// ErrProtocolVersion is returned when a peer speaks another protocol version.
	ErrProtocolVersion = protocol.ErrProtocolVersion
	// ErrStaleRegion is returned for operations on freed remote memory.
	ErrStaleRegion = protocol.ErrStaleRegion
	// ErrOutOfMemory is returned when no local frame can be allocated.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrAccessDenied is returned for accesses the mapping does not permit.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotRemote is returned for faults the normal fault path handles.
	ErrNotRemote = errors.New("page is not remote")
	// ErrInvalidAddress is returned for addresses outside any usable mapping.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidTier is returned for tiers which are not available.
	ErrInvalidTier = errors.New("tier not available")
	// ErrMigrationDistance is returned for migrations farther than allowed.
	ErrMigrationDistance = errors.New("migration distance exceeded")
	// ErrDisabled is returned for operations turned off by the mode.
	ErrDisabled = errors.New("operation disabled")
	// ErrConflict is returned when a mapping changed during an operation.
	ErrConflict = errors.New("mapping changed concurrently")
)

// ErrorClass classifies errors by how they are handled.
type ErrorClass int

const (
	// ClassNone is the class of nil errors.
	ClassNone ErrorClass = iota
	// Transient errors are retried by the caller's outer fault loop.
	Transient
	// Resource errors trigger reclamation before being surfaced.
	Resource
	// Integrity errors are fatal to the request they occur in.
	Integrity
	// Logical errors are returned immediately without retrying.
	Logical
	// Internal errors are anything else.
	Internal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case Transient:
		return "transient"
	case Resource:
		return "resource"
	case Integrity:
		return "integrity"
	case Logical:
		return "logical"
	}
	return "internal"
}

var classes = []struct {
	class ErrorClass
	errs  []error
}{
	{Transient, []error{ErrConnection, ErrTimeout, context.DeadlineExceeded}},
	{Resource, []error{ErrOutOfMemory, protocol.ErrRemoteOutOfMemory}},
	{Integrity, []error{ErrChecksum, ErrProtocolVersion, codec.ErrCorrupt, protocol.ErrInvalidMessage}},
	{Logical, []error{ErrAccessDenied, ErrNotRemote, ErrInvalidAddress, ErrStaleRegion,
		ErrInvalidTier, ErrMigrationDistance, ErrDisabled, protocol.ErrOutOfBounds}},
}

// Classify returns the class of an error.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		for _, e := range c.errs {
			if errors.Is(err, e) {
				return c.class
			}
		}
	}
	return Internal
}

// FaultResult is the outcome of handling a page fault.
type FaultResult int

const (
	// Success means the page has been installed locally.
	Success FaultResult = iota
	// NotRemote means the normal fault path needs to handle the fault.
	NotRemote
	// AccessDenied means the access is not permitted by the mapping.
	AccessDenied
	// OutOfMemory means no local frame could be allocated.
	OutOfMemory
	// ConnectionError means the remote node could not be reached.
	ConnectionError
	// Timeout means the remote node did not answer in time.
	Timeout
	// Error means any other failure.
	Error
)

func (r FaultResult) String() string {
	switch r {
	case Success:
		return "success"
	case NotRemote:
		return "not-remote"
	case AccessDenied:
		return "access-denied"
	case OutOfMemory:
		return "out-of-memory"
	case ConnectionError:
		return "connection-error"
	case Timeout:
		return "timeout"
	}
	return "error"
}

// FaultResultFor maps an error to the fault result reporting it.
func FaultResultFor(err error) FaultResult {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrNotRemote):
		return NotRemote
	case errors.Is(err, ErrAccessDenied):
		return AccessDenied
	case errors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, ErrConnection):
		return ConnectionError
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Error
}

func telepageError(format string, args ...interface{}) error {
	return fmt.Errorf("telepage: "+format, args...)
}
