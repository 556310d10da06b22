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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/intel/telepaging/pkg/telepage/codec"
)

// EncryptionLevel is the negotiated level of payload encryption.
type EncryptionLevel uint8

const (
	// EncryptionNone transfers payloads in the clear.
	EncryptionNone EncryptionLevel = iota
	// EncryptionStandard seals payloads with AES-256-GCM.
	EncryptionStandard
	// EncryptionHigh seals payloads with XChaCha20-Poly1305.
	EncryptionHigh
)

var encryptionNames = map[EncryptionLevel]string{
	EncryptionNone:     "none",
	EncryptionStandard: "standard",
	EncryptionHigh:     "high",
}

func (l EncryptionLevel) String() string {
	if name, ok := encryptionNames[l]; ok {
		return name
	}
	return fmt.Sprintf("encryption#%d", uint8(l))
}

// ParseEncryptionLevel parses the given encryption level name.
func ParseEncryptionLevel(name string) (EncryptionLevel, error) {
	for l, n := range encryptionNames {
		if strings.EqualFold(n, name) {
			return l, nil
		}
	}
	return EncryptionNone, protocolError("unknown encryption level %q", name)
}

// MarshalJSON is the JSON marshaller for EncryptionLevel.
func (l EncryptionLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON is the JSON unmarshaller for EncryptionLevel.
func (l *EncryptionLevel) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return protocolError("invalid encryption level %s: %v", string(raw), err)
	}
	parsed, err := ParseEncryptionLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Checksum calculates the ones' complement of the wrapping sum of the
// little-endian 32-bit words of data. A trailing partial word is padded
// with zeroes.
func Checksum(data []byte) uint32 {
	var sum uint32
	for len(data) >= 4 {
		sum += binary.LittleEndian.Uint32(data)
		data = data[4:]
	}
	if len(data) > 0 {
		var tail [4]byte
		copy(tail[:], data)
		sum += binary.LittleEndian.Uint32(tail[:])
	}
	return ^sum
}

// Envelope is a payload as carried on the wire, together with the
// information needed to restore it.
type Envelope struct {
	Compression  codec.Algorithm
	Encryption   EncryptionLevel
	OriginalSize uint32
	Checksum     uint32
	Payload      []byte
}

// Envelope returns the payload envelope of a request.
func (r *Request) Envelope() Envelope {
	return Envelope{
		Compression:  r.Compression,
		Encryption:   r.Encryption,
		OriginalSize: r.Size,
		Checksum:     r.Checksum,
		Payload:      r.Payload,
	}
}

// SetEnvelope sets the payload of a request.
func (r *Request) SetEnvelope(env Envelope) {
	r.Compression = env.Compression
	r.Encryption = env.Encryption
	r.Size = env.OriginalSize
	r.Checksum = env.Checksum
	r.Payload = env.Payload
}

// Envelope returns the payload envelope of a response.
func (r *Response) Envelope() Envelope {
	return Envelope{
		Compression:  r.Compression,
		Encryption:   r.Encryption,
		OriginalSize: r.OriginalSize,
		Checksum:     r.Checksum,
		Payload:      r.Payload,
	}
}

// SetEnvelope sets the payload of a response.
func (r *Response) SetEnvelope(env Envelope) {
	r.Compression = env.Compression
	r.Encryption = env.Encryption
	r.OriginalSize = env.OriginalSize
	r.Checksum = env.Checksum
	r.Payload = env.Payload
}

// Transform seals payloads for sending (compress, then encrypt, then
// checksum) and opens received ones (verify, then decrypt, then
// decompress). Every node shares the same pre-shared key.
type Transform struct {
	compressor codec.Compressor
	encryption EncryptionLevel
	aeads      map[EncryptionLevel]cipher.AEAD
}

// NewTransform creates a transform with the given default compression and
// encryption. Encryption needs a non-empty key.
func NewTransform(compression codec.Algorithm, level codec.Level, encryption EncryptionLevel, key []byte) (*Transform, error) {
	c, err := codec.Get(compression, level)
	if err != nil {
		return nil, err
	}

	t := &Transform{
		compressor: c,
		encryption: encryption,
		aeads:      map[EncryptionLevel]cipher.AEAD{},
	}

	if len(key) > 0 {
		for _, l := range []EncryptionLevel{EncryptionStandard, EncryptionHigh} {
			aead, err := newAEAD(l, key)
			if err != nil {
				return nil, err
			}
			t.aeads[l] = aead
		}
	}

	if _, ok := encryptionNames[encryption]; !ok {
		return nil, errors.Wrapf(ErrEncryption, "unknown encryption level %d", encryption)
	}
	if encryption != EncryptionNone && t.aeads[encryption] == nil {
		return nil, errors.Wrapf(ErrEncryption, "%s encryption needs a key", encryption)
	}

	return t, nil
}

func newAEAD(level EncryptionLevel, secret []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("telepaging "+level.String()))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "protocol: key derivation failed")
	}

	switch level {
	case EncryptionStandard:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "protocol: failed to create AES cipher")
		}
		return cipher.NewGCM(block)
	case EncryptionHigh:
		return chacha20poly1305.NewX(key)
	}

	return nil, errors.Wrapf(ErrEncryption, "no cipher for %s encryption", level)
}

// Compression returns the default compression algorithm.
func (t *Transform) Compression() codec.Algorithm {
	return t.compressor.Algorithm()
}

// Encryption returns the default encryption level.
func (t *Transform) Encryption() EncryptionLevel {
	return t.encryption
}

// Seal seals data using the default compression and encryption.
func (t *Transform) Seal(data []byte) (Envelope, error) {
	return t.seal(data, t.compressor, t.encryption)
}

// SealWith seals data using the given compression and encryption, as
// requested by a peer.
func (t *Transform) SealWith(data []byte, compression codec.Algorithm, encryption EncryptionLevel) (Envelope, error) {
	c := t.compressor
	if compression != c.Algorithm() {
		var err error
		if c, err = codec.Get(compression, codec.LevelDefault); err != nil {
			return Envelope{}, err
		}
	}
	return t.seal(data, c, encryption)
}

func (t *Transform) seal(data []byte, c codec.Compressor, encryption EncryptionLevel) (Envelope, error) {
	if len(data) > MaxPayload {
		return Envelope{}, errors.Wrapf(ErrInvalidMessage, "%d bytes of data exceeds %d", len(data), MaxPayload)
	}
	blk, err := codec.Encode(c, data)
	if err != nil {
		return Envelope{}, err
	}

	payload := blk.Data
	if encryption != EncryptionNone {
		aead := t.aeads[encryption]
		if aead == nil {
			return Envelope{}, errors.Wrapf(ErrEncryption, "%s encryption not configured", encryption)
		}
		nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(payload)+aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return Envelope{}, errors.Wrap(err, "protocol: failed to generate nonce")
		}
		payload = aead.Seal(nonce, nonce, payload, nil)
	}

	if len(payload) > MaxPayload {
		return Envelope{}, errors.Wrapf(ErrInvalidMessage, "sealed payload of %d bytes exceeds %d", len(payload), MaxPayload)
	}

	return Envelope{
		Compression:  blk.Algorithm,
		Encryption:   encryption,
		OriginalSize: uint32(len(data)),
		Checksum:     Checksum(payload),
		Payload:      payload,
	}, nil
}

// Open verifies and restores the payload of an envelope. A checksum or
// authentication failure is reported as ErrChecksum.
func (t *Transform) Open(env Envelope) ([]byte, error) {
	if env.OriginalSize > MaxPayload {
		return nil, errors.Wrapf(ErrInvalidMessage, "original size %d exceeds %d", env.OriginalSize, MaxPayload)
	}
	if sum := Checksum(env.Payload); sum != env.Checksum {
		return nil, errors.Wrapf(ErrChecksum, "payload checksum %#08x, expected %#08x", sum, env.Checksum)
	}

	payload := env.Payload
	if env.Encryption != EncryptionNone {
		aead := t.aeads[env.Encryption]
		if aead == nil {
			return nil, errors.Wrapf(ErrEncryption, "%s encryption not configured", env.Encryption)
		}
		ns := aead.NonceSize()
		if len(payload) < ns+aead.Overhead() {
			return nil, errors.Wrapf(ErrChecksum, "short %s encrypted payload", env.Encryption)
		}
		plain, err := aead.Open(nil, payload[:ns], payload[ns:], nil)
		if err != nil {
			return nil, errors.Wrapf(ErrChecksum, "%s payload authentication failed", env.Encryption)
		}
		payload = plain
	}

	data, err := codec.DecodeInto(nil, env.Compression, payload, int(env.OriginalSize))
	if err != nil {
		return nil, err
	}
	return data, nil
}
