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

import (
	"encoding/binary"
	"fmt"
	"io"
)

// reader reads little-endian values with a sticky error.
type reader struct {
	r   io.Reader
	err error
}

func (r *reader) readFull(p []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, p)
}

func (r *reader) readUint16() uint16 {
	var buf [2]byte
	r.readFull(buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (r *reader) readUint32() uint32 {
	var buf [4]byte
	r.readFull(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func verifyFieldSize(name string, val []byte, want int) error {
	if len(val) != want {
		return fieldSizeError{name, len(val), want}
	}
	return nil
}

type fieldSizeError struct {
	name string
	size int
	want int
}

func (e fieldSizeError) Error() string {
	return fmt.Sprintf("keepass: %s field size is %d, should be %d", e.name, e.size, e.want)
}
