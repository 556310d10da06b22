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

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/intel/telepaging/pkg/telepage/codec"
)

// Header sizes of the fixed message layouts.
const (
	RequestHeaderSize  = 80
	ResponseHeaderSize = 80
	ErrorHeaderSize    = 40
	// MaxErrorText is the longest error text carried by an Error message.
	MaxErrorText = 1024
)

// Message is a protocol message.
type Message interface {
	// Kind returns the type of the message.
	Kind() MessageType
	// RequestID returns the id of the request the message belongs to.
	RequestID() uint32
}

// Request asks the receiving node to perform an operation. It is the
// layout of PageRequest, PrefetchRequest, PageUpdate, Invalidation and
// KeepAlive messages.
type Request struct {
	Type        MessageType
	Version     uint8
	Op          RequestType
	Flags       uint8
	ID          uint32
	Source      uint64
	Target      uint64
	PID         uint64
	Address     uint64
	Timestamp   uint64
	Transport   Transport
	Compression codec.Algorithm
	Encryption  EncryptionLevel
	// Region is the remote region the request operates on.
	Region uuid.UUID
	// Size is the original size of the payload, or the number of bytes
	// requested if there is no payload.
	Size     uint32
	Checksum uint32
	Payload  []byte
}

// Kind implements Message.
func (r *Request) Kind() MessageType { return r.Type }

// RequestID implements Message.
func (r *Request) RequestID() uint32 { return r.ID }

// Page returns the id of the page the request is about.
func (r *Request) Page() PageID {
	return PageID{Node: r.Target, PID: r.PID, Address: r.Address}
}

// Response answers a Request. It is the layout of PageResponse and
// PrefetchResponse messages.
type Response struct {
	Type         MessageType
	Version      uint8
	Status       Status
	Flags        uint8
	ID           uint32
	Source       uint64
	Target       uint64
	PID          uint64
	Address      uint64
	Timestamp    uint64
	Region       uuid.UUID
	OriginalSize uint32
	Checksum     uint32
	Compression  codec.Algorithm
	Encryption   EncryptionLevel
	Payload      []byte
}

// Kind implements Message.
func (r *Response) Kind() MessageType { return r.Type }

// RequestID implements Message.
func (r *Response) RequestID() uint32 { return r.ID }

// PageSize returns the size of the payload as carried on the wire.
func (r *Response) PageSize() int { return len(r.Payload) }

// ErrorMessage reports the failure of a Request.
type ErrorMessage struct {
	Version   uint8
	Code      ErrorCode
	ID        uint32
	Source    uint64
	Target    uint64
	Timestamp uint64
	Text      string
}

// Kind implements Message.
func (*ErrorMessage) Kind() MessageType { return Error }

// RequestID implements Message.
func (e *ErrorMessage) RequestID() uint32 { return e.ID }

// Err returns the error reported by the message.
func (e *ErrorMessage) Err() error {
	if e.Text == "" {
		return e.Code.Err()
	}
	return errors.Wrap(e.Code.Err(), e.Text)
}

// NewError creates an Error message reporting err as the failure of req.
func NewError(req *Request, source uint64, err error) *ErrorMessage {
	text := err.Error()
	if len(text) > MaxErrorText {
		text = text[:MaxErrorText]
	}
	return &ErrorMessage{
		Version:   Version,
		Code:      CodeFor(err),
		ID:        req.ID,
		Source:    source,
		Target:    req.Source,
		Timestamp: now(),
		Text:      text,
	}
}

var be = binary.BigEndian

// Encode encodes a message into its wire format.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Request:
		if len(msg.Payload) > MaxPayload {
			return nil, errors.Wrapf(ErrInvalidMessage, "%d bytes of payload exceeds %d", len(msg.Payload), MaxPayload)
		}
		b := make([]byte, RequestHeaderSize+len(msg.Payload))
		b[0] = byte(msg.Type)
		b[1] = msg.Version
		b[2] = byte(msg.Op)
		b[3] = msg.Flags
		be.PutUint32(b[4:], msg.ID)
		be.PutUint64(b[8:], msg.Source)
		be.PutUint64(b[16:], msg.Target)
		be.PutUint64(b[24:], msg.PID)
		be.PutUint64(b[32:], msg.Address)
		be.PutUint64(b[40:], msg.Timestamp)
		b[48] = byte(msg.Transport)
		b[49] = byte(msg.Compression)
		b[50] = byte(msg.Encryption)
		be.PutUint32(b[52:], uint32(len(msg.Payload)))
		be.PutUint32(b[56:], msg.Size)
		be.PutUint32(b[60:], msg.Checksum)
		copy(b[64:80], msg.Region[:])
		copy(b[RequestHeaderSize:], msg.Payload)
		return b, nil

	case *Response:
		if len(msg.Payload) > MaxPayload {
			return nil, errors.Wrapf(ErrInvalidMessage, "%d bytes of payload exceeds %d", len(msg.Payload), MaxPayload)
		}
		b := make([]byte, ResponseHeaderSize+len(msg.Payload))
		b[0] = byte(msg.Type)
		b[1] = msg.Version
		b[2] = byte(msg.Status)
		b[3] = msg.Flags
		be.PutUint32(b[4:], msg.ID)
		be.PutUint64(b[8:], msg.Source)
		be.PutUint64(b[16:], msg.Target)
		be.PutUint64(b[24:], msg.PID)
		be.PutUint64(b[32:], msg.Address)
		be.PutUint64(b[40:], msg.Timestamp)
		copy(b[48:64], msg.Region[:])
		be.PutUint32(b[64:], uint32(len(msg.Payload)))
		be.PutUint32(b[68:], msg.OriginalSize)
		be.PutUint32(b[72:], msg.Checksum)
		b[76] = byte(msg.Compression)
		b[77] = byte(msg.Encryption)
		copy(b[ResponseHeaderSize:], msg.Payload)
		return b, nil

	case *ErrorMessage:
		text := msg.Text
		if len(text) > MaxErrorText {
			text = text[:MaxErrorText]
		}
		b := make([]byte, ErrorHeaderSize+len(text))
		b[0] = byte(Error)
		b[1] = msg.Version
		be.PutUint16(b[2:], uint16(msg.Code))
		be.PutUint32(b[4:], msg.ID)
		be.PutUint64(b[8:], msg.Source)
		be.PutUint64(b[16:], msg.Target)
		be.PutUint64(b[24:], msg.Timestamp)
		be.PutUint16(b[32:], uint16(len(text)))
		copy(b[ErrorHeaderSize:], text)
		return b, nil
	}

	return nil, protocolError("can't encode message of type %T", m)
}

// WriteMessage encodes and writes a message.
func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads and decodes the next message. A message with a foreign
// protocol version is consumed and returned together with an error
// wrapping ErrProtocolVersion, so that the receiver can reply to it.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [RequestHeaderSize]byte

	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}

	t := MessageType(hdr[0])
	size := 0
	switch {
	case t == Error:
		size = ErrorHeaderSize
	case t.isResponse():
		size = ResponseHeaderSize
	case messageTypeNames[t] != "":
		size = RequestHeaderSize
	default:
		return nil, errors.Wrapf(ErrInvalidMessage, "unknown message type %d", hdr[0])
	}

	if _, err := io.ReadFull(r, hdr[1:size]); err != nil {
		return nil, unexpected(err)
	}

	var (
		msg     Message
		version = hdr[1]
		payload []byte
		err     error
	)

	switch t {
	case Error:
		e := &ErrorMessage{
			Version:   version,
			Code:      ErrorCode(be.Uint16(hdr[2:])),
			ID:        be.Uint32(hdr[4:]),
			Source:    be.Uint64(hdr[8:]),
			Target:    be.Uint64(hdr[16:]),
			Timestamp: be.Uint64(hdr[24:]),
		}
		if payload, err = readPayload(r, int(be.Uint16(hdr[32:])), MaxErrorText); err != nil {
			return nil, err
		}
		e.Text = string(payload)
		msg = e

	case PageResponse, PrefetchResponse:
		rsp := &Response{
			Type:         t,
			Version:      version,
			Status:       Status(hdr[2]),
			Flags:        hdr[3],
			ID:           be.Uint32(hdr[4:]),
			Source:       be.Uint64(hdr[8:]),
			Target:       be.Uint64(hdr[16:]),
			PID:          be.Uint64(hdr[24:]),
			Address:      be.Uint64(hdr[32:]),
			Timestamp:    be.Uint64(hdr[40:]),
			OriginalSize: be.Uint32(hdr[68:]),
			Checksum:     be.Uint32(hdr[72:]),
			Compression:  codec.Algorithm(hdr[76]),
			Encryption:   EncryptionLevel(hdr[77]),
		}
		copy(rsp.Region[:], hdr[48:64])
		if rsp.Payload, err = readPayload(r, int(be.Uint32(hdr[64:])), MaxPayload); err != nil {
			return nil, err
		}
		msg = rsp

	default:
		req := &Request{
			Type:        t,
			Version:     version,
			Op:          RequestType(hdr[2]),
			Flags:       hdr[3],
			ID:          be.Uint32(hdr[4:]),
			Source:      be.Uint64(hdr[8:]),
			Target:      be.Uint64(hdr[16:]),
			PID:         be.Uint64(hdr[24:]),
			Address:     be.Uint64(hdr[32:]),
			Timestamp:   be.Uint64(hdr[40:]),
			Transport:   Transport(hdr[48]),
			Compression: codec.Algorithm(hdr[49]),
			Encryption:  EncryptionLevel(hdr[50]),
			Size:        be.Uint32(hdr[56:]),
			Checksum:    be.Uint32(hdr[60:]),
		}
		copy(req.Region[:], hdr[64:80])
		if req.Payload, err = readPayload(r, int(be.Uint32(hdr[52:])), MaxPayload); err != nil {
			return nil, err
		}
		msg = req
	}

	if version != Version {
		return msg, errors.Wrapf(ErrProtocolVersion, "%s message #%d has version %d, expected %d",
			t, msg.RequestID(), version, Version)
	}

	return msg, nil
}

func readPayload(r io.Reader, size, max int) ([]byte, error) {
	if size > max {
		return nil, errors.Wrapf(ErrInvalidMessage, "%d bytes of payload exceeds %d", size, max)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, unexpected(err)
	}
	return buf, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (r *Request) String() string {
	return fmt.Sprintf("%s<%s #%d %s region %s, %d bytes>", r.Type, r.Op, r.ID,
		r.Page(), r.Region, len(r.Payload))
}
