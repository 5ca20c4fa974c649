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
	"crypto/hmac"
	"encoding/binary"
	"fmt"

	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
)

// hmacBlockSize is the payload size written per HMAC block.
const hmacBlockSize = 1024 * 1024

// readHMACBlocks verifies and concatenates a KDBX4 HMAC block stream.
// Each block is (32-byte HMAC, uint32 length, payload); a zero-length
// block with a valid HMAC terminates the stream.
func readHMACBlocks(data []byte, base *[64]byte) ([]byte, error) {
	var out []byte
	pos := 0
	for index := uint64(0); ; index++ {
		if pos+36 > len(data) {
			return nil, fmt.Errorf("%w: truncated block %d", ErrIntegrityFailed, index)
		}
		mac := data[pos : pos+32]
		sizeBytes := data[pos+32 : pos+36]
		size := int(binary.LittleEndian.Uint32(sizeBytes))
		pos += 36
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: truncated block %d", ErrIntegrityFailed, index)
		}
		block := data[pos : pos+size]
		pos += size

		blockKey := kdbcrypt.BlockHMACKey(base, index)
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], index)
		want := kdbcrypt.HMACSHA256(blockKey[:], idx[:], sizeBytes, block)
		kdbcrypt.Zero(blockKey[:])
		if !hmac.Equal(want[:], mac) {
			return nil, fmt.Errorf("%w: block %d", ErrIntegrityFailed, index)
		}
		if size == 0 {
			return out, nil
		}
		out = append(out, block...)
	}
}

// appendHMACBlocks frames payload as a KDBX4 HMAC block stream,
// appending to dst.  The final block is empty with a valid HMAC.
func appendHMACBlocks(dst, payload []byte, base *[64]byte) []byte {
	index := uint64(0)
	for pos := 0; pos < len(payload); index++ {
		size := len(payload) - pos
		if size > hmacBlockSize {
			size = hmacBlockSize
		}
		dst = appendHMACBlock(dst, payload[pos:pos+size], index, base)
		pos += size
	}
	return appendHMACBlock(dst, nil, index, base)
}

func appendHMACBlock(dst, block []byte, index uint64, base *[64]byte) []byte {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	var sizeBytes [4]byte
	binary.LittleEndian.PutUint32(sizeBytes[:], uint32(len(block)))

	blockKey := kdbcrypt.BlockHMACKey(base, index)
	mac := kdbcrypt.HMACSHA256(blockKey[:], idx[:], sizeBytes[:], block)
	kdbcrypt.Zero(blockKey[:])

	dst = append(dst, mac[:]...)
	dst = append(dst, sizeBytes[:]...)
	dst = append(dst, block...)
	return dst
}
