// Copyright 2026 The KDBX Authors
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

// Package innerstream implements the stream ciphers that protect
// individual field values inside a KeePass database.
//
// The keystream position is shared by every protected value in a
// document: values must be enciphered or deciphered in the exact order
// they appear during traversal.  A Stream holds that cursor.
package innerstream

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/salsa20/salsa"
)

// Cipher identifies an inner stream cipher, using the on-disk ids.
type Cipher uint32

// Inner stream cipher ids.
const (
	None     Cipher = 0
	Salsa20  Cipher = 2
	ChaCha20 Cipher = 3
)

func (c Cipher) String() string {
	switch c {
	case None:
		return "None"
	case Salsa20:
		return "Salsa20"
	case ChaCha20:
		return "ChaCha20"
	default:
		return fmt.Sprintf("Cipher(%d)", uint32(c))
	}
}

// UnknownCipherError is returned when a database names a stream cipher
// this package does not implement.
type UnknownCipherError struct {
	ID uint32
}

func (e UnknownCipherError) Error() string {
	return fmt.Sprintf("innerstream: unknown stream cipher id %d", e.ID)
}

// A Stream is a positioned keystream.  Apply XORs the keystream into b,
// advancing the position; the same operation deciphers what it enciphered.
type Stream interface {
	Apply(b []byte)
}

// salsaIV is the fixed Salsa20 nonce used by every KeePass implementation.
var salsaIV = [8]byte{0xe8, 0x30, 0x09, 0x4b, 0x97, 0x20, 0x5d, 0x2a}

// New builds the stream for the given cipher id and inner stream key.
//
// Salsa20 takes a 32-byte key directly.  ChaCha20 derives its key and
// nonce from SHA-512 of the inner key: key = hash[0:32], nonce =
// hash[32:44].
func New(c Cipher, key []byte) (Stream, error) {
	switch c {
	case None:
		return plain{}, nil
	case Salsa20:
		if len(key) != 32 {
			return nil, fmt.Errorf("innerstream: Salsa20 key is %d bytes, want 32", len(key))
		}
		s := new(salsaStream)
		copy(s.key[:], key)
		copy(s.counter[:8], salsaIV[:])
		return s, nil
	case ChaCha20:
		h := sha512.Sum512(key)
		cc, err := chacha20.NewUnauthenticatedCipher(h[0:32], h[32:44])
		if err != nil {
			return nil, err
		}
		return &chachaStream{c: cc}, nil
	default:
		return nil, UnknownCipherError{uint32(c)}
	}
}

// HashedKey returns SHA-256 of key.  KDBX3 headers carry the raw
// protected stream key; the Salsa20 key is its SHA-256 digest.
func HashedKey(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

type plain struct{}

func (plain) Apply(b []byte) {}

// salsaStream keeps an explicit block counter and keystream remainder so
// that successive Apply calls continue mid-block, which the one-shot
// salsa20 API does not provide.
type salsaStream struct {
	key     [32]byte
	counter [16]byte
	rest    []byte
}

func (s *salsaStream) Apply(b []byte) {
	n := copy(b, xorBytes(b, s.rest))
	s.rest = s.rest[n:]
	b = b[n:]
	if len(b) == 0 {
		return
	}
	nblocks := (len(b) + 63) / 64
	ks := make([]byte, nblocks*64)
	salsa.XORKeyStream(ks, ks, &s.counter, &s.key)
	ctr := binary.LittleEndian.Uint64(s.counter[8:])
	binary.LittleEndian.PutUint64(s.counter[8:], ctr+uint64(nblocks))
	copy(b, xorBytes(b, ks))
	s.rest = ks[len(b):]
}

// xorBytes XORs b with the prefix of ks, returning the XORed prefix.
func xorBytes(b, ks []byte) []byte {
	n := len(b)
	if n > len(ks) {
		n = len(ks)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = b[i] ^ ks[i]
	}
	return out
}

type chachaStream struct {
	c *chacha20.Cipher
}

func (s *chachaStream) Apply(b []byte) {
	s.c.XORKeyStream(b, b)
}
