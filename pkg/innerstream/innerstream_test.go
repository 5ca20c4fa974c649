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

package innerstream

import (
	"bytes"
	"testing"
)

var testInnerKey = bytes.Repeat([]byte{0x5a}, 32)

func TestApplyTwiceIsIdentity(t *testing.T) {
	for _, c := range []Cipher{None, Salsa20, ChaCha20} {
		enc, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}
		dec, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}

		plain := []byte("hunter2, but longer than one salsa block so the counter advances fully")
		buf := append([]byte(nil), plain...)
		enc.Apply(buf)
		if c != None && bytes.Equal(buf, plain) {
			t.Errorf("%v: Apply left plaintext unchanged", c)
		}
		dec.Apply(buf)
		if !bytes.Equal(buf, plain) {
			t.Errorf("%v: round trip mismatch", c)
		}
	}
}

// The keystream position must carry across Apply calls: enciphering a
// sequence of values one at a time must match a peer that deciphers
// them one at a time, regardless of chunk boundaries.
func TestCursorContinuity(t *testing.T) {
	chunks := [][]byte{
		[]byte("a"),
		[]byte("bcd"),
		bytes.Repeat([]byte{0x77}, 63),
		bytes.Repeat([]byte{0x88}, 64),
		bytes.Repeat([]byte{0x99}, 65),
		[]byte("tail"),
	}
	for _, c := range []Cipher{Salsa20, ChaCha20} {
		chunked, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}
		whole, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}

		var contiguous []byte
		for _, chunk := range chunks {
			contiguous = append(contiguous, chunk...)
		}
		whole.Apply(contiguous)

		var pieced []byte
		for _, chunk := range chunks {
			buf := append([]byte(nil), chunk...)
			chunked.Apply(buf)
			pieced = append(pieced, buf...)
		}

		if !bytes.Equal(pieced, contiguous) {
			t.Errorf("%v: chunked keystream diverges from contiguous keystream", c)
		}
	}
}

func TestDeterministic(t *testing.T) {
	for _, c := range []Cipher{Salsa20, ChaCha20} {
		a, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}
		b, err := New(c, testInnerKey)
		if err != nil {
			t.Fatalf("%v: New: %v", c, err)
		}
		bufA := make([]byte, 100)
		bufB := make([]byte, 100)
		a.Apply(bufA)
		b.Apply(bufB)
		if !bytes.Equal(bufA, bufB) {
			t.Errorf("%v: same key produced different keystreams", c)
		}
	}
}

func TestUnknownCipher(t *testing.T) {
	_, err := New(Cipher(7), testInnerKey)
	if _, ok := err.(UnknownCipherError); !ok {
		t.Errorf("New(7) error = %v; want UnknownCipherError", err)
	}
}

func TestSalsa20KeySize(t *testing.T) {
	if _, err := New(Salsa20, []byte("short")); err == nil {
		t.Error("New(Salsa20, short key) succeeded; want error")
	}
}

func TestHashedKey(t *testing.T) {
	a := HashedKey([]byte("protected stream key"))
	b := HashedKey([]byte("protected stream key"))
	if len(a) != 32 || !bytes.Equal(a, b) {
		t.Error("HashedKey is not a deterministic 32-byte digest")
	}
}
