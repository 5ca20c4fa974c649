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
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sseemayer/kdbx/pkg/innerstream"
	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
)

// KDBX3 outer header field ids.
const (
	kdbx3HeaderEnd                = 0
	kdbx3HeaderComment            = 1
	kdbx3HeaderCipherID           = 2
	kdbx3HeaderCompressionFlags   = 3
	kdbx3HeaderMasterSeed         = 4
	kdbx3HeaderTransformSeed      = 5
	kdbx3HeaderTransformRounds    = 6
	kdbx3HeaderEncryptionIV       = 7
	kdbx3HeaderProtectedStreamKey = 8
	kdbx3HeaderStreamStartBytes   = 9
	kdbx3HeaderInnerStreamID      = 10
)

type kdbx3Header struct {
	cipher             kdbcrypt.Cipher
	compression        Compression
	masterSeed         []byte
	transformSeed      []byte
	transformRounds    uint64
	iv                 []byte
	protectedStreamKey []byte
	streamStart        []byte
	innerCipher        innerstream.Cipher
	bodyStart          int
}

func parseKDBX3Header(data []byte) (*kdbx3Header, error) {
	h := &kdbx3Header{}
	var haveCipher, haveCompression, haveInner bool
	pos := versionHeaderSize
	for {
		if pos+3 > len(data) {
			return nil, fmt.Errorf("%w: truncated", ErrBadHeader)
		}
		id := data[pos]
		size := int(binary.LittleEndian.Uint16(data[pos+1:]))
		pos += 3
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: truncated field %d", ErrBadHeader, id)
		}
		value := data[pos : pos+size]
		pos += size

		switch id {
		case kdbx3HeaderEnd:
			h.bodyStart = pos
			if !haveCipher || !haveCompression || !haveInner ||
				h.masterSeed == nil || h.transformSeed == nil || h.iv == nil ||
				h.protectedStreamKey == nil || h.streamStart == nil {
				return nil, fmt.Errorf("%w: incomplete", ErrBadHeader)
			}
			return h, nil
		case kdbx3HeaderComment:
			// ignored
		case kdbx3HeaderCipherID:
			c, err := kdbcrypt.CipherByUUID(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %x", ErrUnsupportedCipher, value)
			}
			h.cipher = c
			haveCipher = true
		case kdbx3HeaderCompressionFlags:
			if err := verifyFieldSize("compression flags", value, 4); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			flags := binary.LittleEndian.Uint32(value)
			if flags > uint32(CompressionGZip) {
				return nil, fmt.Errorf("%w: id %d", ErrUnsupportedCompression, flags)
			}
			h.compression = Compression(flags)
			haveCompression = true
		case kdbx3HeaderMasterSeed:
			h.masterSeed = value
		case kdbx3HeaderTransformSeed:
			h.transformSeed = value
		case kdbx3HeaderTransformRounds:
			if err := verifyFieldSize("transform rounds", value, 8); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			h.transformRounds = binary.LittleEndian.Uint64(value)
		case kdbx3HeaderEncryptionIV:
			h.iv = value
		case kdbx3HeaderProtectedStreamKey:
			h.protectedStreamKey = value
		case kdbx3HeaderStreamStartBytes:
			h.streamStart = value
		case kdbx3HeaderInnerStreamID:
			if err := verifyFieldSize("inner stream id", value, 4); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			h.innerCipher = innerstream.Cipher(binary.LittleEndian.Uint32(value))
			haveInner = true
		default:
			return nil, fmt.Errorf("%w: unknown field id %d", ErrBadHeader, id)
		}
	}
}

// decryptKDBX3 authenticates the credentials and returns the header and
// the decrypted, decompressed XML payload.
func decryptKDBX3(data []byte, key *kdbcrypt.DatabaseKey) (*kdbx3Header, []byte, error) {
	h, err := parseKDBX3Header(data)
	if err != nil {
		return nil, nil, err
	}

	if err := key.PerformChallenge(h.transformSeed); err != nil {
		return nil, nil, err
	}
	composite, err := key.Composite()
	if err != nil {
		return nil, nil, err
	}
	defer kdbcrypt.Zero(composite[:])

	kdf := kdbcrypt.AESKDF{Seed: h.transformSeed, Rounds: h.transformRounds}
	transformed, err := kdf.TransformKey(&composite)
	if err != nil {
		return nil, nil, err
	}
	defer kdbcrypt.Zero(transformed[:])

	masterKey := kdbcrypt.MasterKey(h.masterSeed, &transformed)
	defer kdbcrypt.Zero(masterKey[:])

	dec, err := kdbcrypt.NewDecrypter(bytes.NewReader(data[h.bodyStart:]), h.cipher, masterKey[:], h.iv)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(dec)
	if err != nil {
		// Padding damage is indistinguishable from a wrong key here.
		return nil, nil, ErrIncorrectKey
	}

	if len(payload) < len(h.streamStart) || !bytes.Equal(payload[:len(h.streamStart)], h.streamStart) {
		return nil, nil, ErrIncorrectKey
	}

	blocks, err := readKDBX3Blocks(payload[len(h.streamStart):])
	if err != nil {
		return nil, nil, err
	}

	xml, err := decompress(h.compression, blocks)
	if err != nil {
		return nil, nil, err
	}
	return h, xml, nil
}

// readKDBX3Blocks concatenates the hashed plaintext blocks.  Each block
// is (uint32 index, 32-byte SHA-256, uint32 length, payload); an
// all-zero hash terminates the stream.
func readKDBX3Blocks(data []byte) ([]byte, error) {
	var out []byte
	var zeroHash [32]byte
	pos := 0
	for index := uint32(0); ; index++ {
		if pos+40 > len(data) {
			return nil, fmt.Errorf("%w: truncated block %d", ErrIntegrityFailed, index)
		}
		blockIndex := binary.LittleEndian.Uint32(data[pos:])
		hash := data[pos+4 : pos+36]
		size := int(binary.LittleEndian.Uint32(data[pos+36:]))
		pos += 40
		if blockIndex != index {
			return nil, fmt.Errorf("%w: block %d out of order", ErrIntegrityFailed, blockIndex)
		}
		if bytes.Equal(hash, zeroHash[:]) {
			if size != 0 {
				return nil, fmt.Errorf("%w: terminator block with length %d", ErrIntegrityFailed, size)
			}
			return out, nil
		}
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: truncated block %d", ErrIntegrityFailed, index)
		}
		block := data[pos : pos+size]
		pos += size
		sum := sha256.Sum256(block)
		if !bytes.Equal(sum[:], hash) {
			return nil, fmt.Errorf("%w: block %d", ErrBlockHashMismatch, index)
		}
		out = append(out, block...)
	}
}

func openKDBX3(data []byte, v Version, key *kdbcrypt.DatabaseKey) (*Database, error) {
	h, xmlData, err := decryptKDBX3(data, key)
	if err != nil {
		return nil, err
	}

	streamKey := innerstream.HashedKey(h.protectedStreamKey)
	stream, err := innerstream.New(h.innerCipher, streamKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStreamCipher, err)
	}

	doc, err := parseDocument(xmlData, stream)
	if err != nil {
		return nil, err
	}

	db := &Database{
		Settings: DatabaseSettings{
			Version:     v,
			Cipher:      h.cipher,
			Compression: h.compression,
			InnerCipher: h.innerCipher,
			KDF: KDFSettings{
				Kind:   KDFAes,
				Rounds: h.transformRounds,
				Seed:   h.transformSeed,
			},
		},
		Meta:           doc.meta,
		Root:           doc.root,
		DeletedObjects: doc.deleted,
	}
	return db, nil
}
