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

package keepass

import "github.com/sseemayer/kdbx/pkg/kdbcrypt"

type valueKind int

const (
	plainKind valueKind = iota
	protectedKind
	bytesKind
)

// A Value is an entry field value: raw bytes, a plain string, or a
// protected string whose on-disk form is enciphered with the inner
// stream.  The zero Value is an empty plain string.
type Value struct {
	kind valueKind
	data []byte
}

// PlainValue returns an unprotected string value.
func PlainValue(s string) Value {
	return Value{kind: plainKind, data: []byte(s)}
}

// ProtectedValue returns a value that will be enciphered with the inner
// stream when written.
func ProtectedValue(s string) Value {
	return Value{kind: protectedKind, data: []byte(s)}
}

// BytesValue returns a raw byte value.  The slice is not copied.
func BytesValue(b []byte) Value {
	return Value{kind: bytesKind, data: b}
}

// Protected reports whether the value is enciphered on disk.
func (v Value) Protected() bool {
	return v.kind == protectedKind
}

// IsBytes reports whether the value holds raw bytes.
func (v Value) IsBytes() bool {
	return v.kind == bytesKind
}

// String returns the plaintext of a string value, or "" for byte values.
func (v Value) String() string {
	if v.kind == bytesKind {
		return ""
	}
	return string(v.data)
}

// Bytes returns the value's raw contents.  The slice aliases the value;
// callers must not modify it.
func (v Value) Bytes() []byte {
	return v.data
}

// IsEmpty reports whether the value has no content.
func (v Value) IsEmpty() bool {
	return len(v.data) == 0
}

// Equal reports whether two values have the same kind and content.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind || len(v.data) != len(other.data) {
		return false
	}
	for i := range v.data {
		if v.data[i] != other.data[i] {
			return false
		}
	}
	return true
}

// Wipe overwrites the value's plaintext.  The value becomes empty.
func (v *Value) Wipe() {
	kdbcrypt.Zero(v.data)
	v.data = nil
}
