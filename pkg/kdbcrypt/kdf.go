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

package kdbcrypt

import (
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/tobischo/argon2"
)

// ErrUnknownKDF is returned for a key derivation function this package
// does not implement.
var ErrUnknownKDF = errors.New("kdbcrypt: unknown key derivation function")

// KDF identifier UUIDs from the KDBX4 variant dictionary.  AES-KDF has
// two historical UUIDs that behave identically.
var (
	AESKDFUUID      = [16]byte{0xc9, 0xd9, 0xf3, 0x9a, 0x62, 0x8a, 0x44, 0x60, 0xbf, 0x74, 0x0d, 0x08, 0xc1, 0x8a, 0x4f, 0xea}
	AESKDFUUIDKDBX4 = [16]byte{0x7c, 0x02, 0xbb, 0x82, 0x79, 0xa7, 0x4a, 0xc0, 0x92, 0x7d, 0x11, 0x4a, 0x00, 0x64, 0x82, 0x38}
	Argon2dKDFUUID  = [16]byte{0xef, 0x63, 0x6d, 0xdf, 0x8c, 0x29, 0x44, 0x4b, 0x91, 0xf7, 0xa9, 0xa4, 0x03, 0xe3, 0x0a, 0x0c}
	Argon2idKDFUUID = [16]byte{0x9e, 0x29, 0x8b, 0x19, 0x56, 0xdb, 0x47, 0x73, 0xb2, 0x3d, 0xfc, 0x3e, 0xc6, 0xf0, 0xa1, 0xe6}
	Argon2Version13 = uint32(0x13)
	Argon2Version10 = uint32(0x10)
)

// A KDF transforms the composite key into the transformed key.
type KDF interface {
	// TransformKey derives the 32-byte transformed key.  It does not
	// retain or modify the composite key.
	TransformKey(composite *[32]byte) ([32]byte, error)
}

// AESKDF is the classic KeePass key transform: Rounds iterations of
// single-block AES-ECB encryption with Seed as the key, applied to each
// half of the composite key, then SHA-256 of the result.
type AESKDF struct {
	Seed   []byte // 32 bytes
	Rounds uint64
}

// TransformKey implements KDF.  The two halves are independent, so they
// are transformed on separate goroutines.
func (k *AESKDF) TransformKey(composite *[32]byte) ([32]byte, error) {
	if len(k.Seed) != 32 {
		return [32]byte{}, fmt.Errorf("%w: AES-KDF seed is %d bytes, want 32", ErrCryptoInit, len(k.Seed))
	}
	var tk [32]byte
	var wg sync.WaitGroup
	wg.Add(2)
	go transformKeyBlock(&wg, tk[:aes.BlockSize], composite[:aes.BlockSize], k.Seed, k.Rounds)
	go transformKeyBlock(&wg, tk[aes.BlockSize:], composite[aes.BlockSize:], k.Seed, k.Rounds)
	wg.Wait()
	out := sha256.Sum256(tk[:])
	Zero(tk[:])
	return out, nil
}

// transformKeyBlock applies rounds of AES encryption using key seed to
// src and stores the result in dst.
func transformKeyBlock(wg *sync.WaitGroup, dst, src, seed []byte, rounds uint64) {
	dst = dst[:aes.BlockSize]
	copy(dst, src)
	c, err := aes.NewCipher(seed)
	if err != nil {
		panic(err)
	}
	for i := uint64(0); i < rounds; i++ {
		c.Encrypt(dst, dst)
	}
	wg.Done()
}

// Argon2Variant selects between the Argon2 flavors KDBX4 supports.
type Argon2Variant int

// Argon2 variants.
const (
	Argon2d Argon2Variant = iota
	Argon2id
)

// Argon2KDF derives the transformed key with Argon2.  Memory is in
// bytes, as stored in the header dictionary.
type Argon2KDF struct {
	Variant     Argon2Variant
	Salt        []byte
	Memory      uint64
	Iterations  uint64
	Parallelism uint32
	Version     uint32
}

// TransformKey implements KDF.
func (k *Argon2KDF) TransformKey(composite *[32]byte) ([32]byte, error) {
	if k.Version != Argon2Version13 {
		return [32]byte{}, fmt.Errorf("%w: Argon2 version %#x", ErrCryptoInit, k.Version)
	}
	var raw []byte
	switch k.Variant {
	case Argon2d:
		raw = argon2.DKey(composite[:], k.Salt, uint32(k.Iterations), uint32(k.Memory/1024), uint8(k.Parallelism), 32)
	case Argon2id:
		raw = argon2.IDKey(composite[:], k.Salt, uint32(k.Iterations), uint32(k.Memory/1024), uint8(k.Parallelism), 32)
	default:
		return [32]byte{}, ErrUnknownKDF
	}
	var out [32]byte
	copy(out[:], raw)
	Zero(raw)
	return out, nil
}
