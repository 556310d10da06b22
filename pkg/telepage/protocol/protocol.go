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

// Package protocol implements the wire protocol used to transfer pages
// between nodes: fixed-header binary messages, payload checksums, the
// compress-then-encrypt payload transform and tracking of outstanding
// requests.
package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// Version is the protocol version. Both ends must agree on it.
	Version uint8 = 1
	// MaxPayload is the largest payload a single message may carry.
	MaxPayload = 16384
	// PageSize is the size of a transferred page.
	PageSize = 4096
)

// MessageType identifies the kind of a message.
type MessageType uint8

const (
	PageRequest      MessageType = 1
	PageResponse     MessageType = 2
	PageUpdate       MessageType = 3
	Invalidation     MessageType = 4
	PrefetchRequest  MessageType = 5
	PrefetchResponse MessageType = 6
	KeepAlive        MessageType = 7
	Error            MessageType = 0xFF
)

var messageTypeNames = map[MessageType]string{
	PageRequest:      "page-request",
	PageResponse:     "page-response",
	PageUpdate:       "page-update",
	Invalidation:     "invalidation",
	PrefetchRequest:  "prefetch-request",
	PrefetchResponse: "prefetch-response",
	KeepAlive:        "keep-alive",
	Error:            "error",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("message#%d", uint8(t))
}

// isResponse returns true for message types using the response layout.
func (t MessageType) isResponse() bool {
	return t == PageResponse || t == PrefetchResponse
}

// RequestType is the operation a request asks for.
type RequestType uint8

const (
	Read       RequestType = 1
	Write      RequestType = 2
	Share      RequestType = 3
	Invalidate RequestType = 4
	Prefetch   RequestType = 5
	Allocate   RequestType = 6
	Free       RequestType = 7
)

var requestTypeNames = map[RequestType]string{
	Read:       "read",
	Write:      "write",
	Share:      "share",
	Invalidate: "invalidate",
	Prefetch:   "prefetch",
	Allocate:   "allocate",
	Free:       "free",
}

func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("request#%d", uint8(t))
}

// Transport is the transport a request asks to be served over.
type Transport uint8

const (
	// TransportTCP is a reliable stream connection.
	TransportTCP Transport = iota
	// TransportRDMA is a remote direct memory access channel.
	TransportRDMA
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportRDMA:
		return "rdma"
	}
	return fmt.Sprintf("transport#%d", uint8(t))
}

// Status is the status of a response.
type Status uint8

const (
	StatusOK Status = iota
	StatusFailed
)

// ErrorCode is the code carried by an Error message.
type ErrorCode uint16

const (
	CodeInternal ErrorCode = iota + 1
	CodeOutOfMemory
	CodeInvalidRegion
	CodeOutOfBounds
	CodeAccessViolation
	CodeInvalidAddress
	CodeProtocolVersion
	CodeInvalidMessage
	CodeChecksum
	CodeNotImplemented
	CodeEncryption
)

var (
	// ErrConnection is returned when a node can't be reached or the
	// connection to it is lost.
	ErrConnection = errors.New("connection error")
	// ErrTimeout is returned when a request isn't answered in time.
	ErrTimeout = errors.New("request timed out")
	// ErrChecksum is returned when a payload fails verification.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrProtocolVersion is returned for messages with a foreign protocol version.
	ErrProtocolVersion = errors.New("protocol version mismatch")
	// ErrInvalidMessage is returned for malformed messages.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrStaleRegion is returned for operations on a freed or unknown region.
	ErrStaleRegion = errors.New("stale remote region")
	// ErrOutOfBounds is returned for accesses beyond the end of a region.
	ErrOutOfBounds = errors.New("access out of region bounds")
	// ErrRemoteOutOfMemory is returned when a node can't satisfy an allocation.
	ErrRemoteOutOfMemory = errors.New("remote node out of memory")
	// ErrAccessViolation is returned when a node refuses an access.
	ErrAccessViolation = errors.New("access violation")
	// ErrInvalidAddress is returned for addresses a node doesn't know.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNotImplemented is returned for requests a node doesn't serve.
	ErrNotImplemented = errors.New("request not implemented")
	// ErrEncryption is returned for unusable encryption settings.
	ErrEncryption = errors.New("encryption not available")
	// ErrRemote is returned for otherwise unclassified remote failures.
	ErrRemote = errors.New("remote error")
)

var codeErrors = []struct {
	code ErrorCode
	err  error
}{
	{CodeOutOfMemory, ErrRemoteOutOfMemory},
	{CodeInvalidRegion, ErrStaleRegion},
	{CodeOutOfBounds, ErrOutOfBounds},
	{CodeAccessViolation, ErrAccessViolation},
	{CodeInvalidAddress, ErrInvalidAddress},
	{CodeProtocolVersion, ErrProtocolVersion},
	{CodeInvalidMessage, ErrInvalidMessage},
	{CodeChecksum, ErrChecksum},
	{CodeNotImplemented, ErrNotImplemented},
	{CodeEncryption, ErrEncryption},
}

// Err returns the error corresponding to the code.
func (c ErrorCode) Err() error {
	for _, ce := range codeErrors {
		if ce.code == c {
			return ce.err
		}
	}
	return ErrRemote
}

// CodeFor returns the error code to report err with.
func CodeFor(err error) ErrorCode {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return ce.code
		}
	}
	return CodeInternal
}

// PageID identifies a page anywhere in the cluster.
type PageID struct {
	Node    uint64
	PID     uint64
	Address uint64
}

func (id PageID) String() string {
	return fmt.Sprintf("%d/%d/%#x", id.Node, id.PID, id.Address)
}

// Less orders page ids by node, process and address.
func (id PageID) Less(o PageID) bool {
	if id.Node != o.Node {
		return id.Node < o.Node
	}
	if id.PID != o.PID {
		return id.PID < o.PID
	}
	return id.Address < o.Address
}

func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("protocol: "+format, args...)
}
