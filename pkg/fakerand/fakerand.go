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

// Package fakerand provides a deterministic byte source, suitable for
// testing code that draws seeds, IVs and UUIDs from a random reader.
package fakerand

import (
	"crypto/sha512"
	"encoding/binary"
	"io"
	"sync"
)

// New returns a reader producing the same byte sequence every time.
// The reader is safe for concurrent use.
func New() io.Reader {
	return NewSeeded(0)
}

// NewSeeded returns a deterministic reader whose output depends on seed.
// Distinct seeds give unrelated sequences.
func NewSeeded(seed uint64) io.Reader {
	return &reader{seed: seed}
}

// reader generates its stream by hashing a seeded counter.  The output
// has no cryptographic value; it only needs to be stable across runs.
type reader struct {
	mu   sync.Mutex
	seed uint64
	ctr  uint64
	rest []byte
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(p)
	for len(p) > 0 {
		if len(r.rest) == 0 {
			var block [16]byte
			binary.LittleEndian.PutUint64(block[:8], r.seed)
			binary.LittleEndian.PutUint64(block[8:], r.ctr)
			r.ctr++
			sum := sha512.Sum512(block[:])
			r.rest = sum[:]
		}
		m := copy(p, r.rest)
		r.rest = r.rest[m:]
		p = p[m:]
	}
	return n, nil
}
