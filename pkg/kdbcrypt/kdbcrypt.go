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

// Package kdbcrypt implements the cryptography shared by the KeePass
// database formats: composite key derivation, key transforms, outer
// payload ciphers, and the KDBX4 HMAC key schedule.
package kdbcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/twofish"

	"github.com/sseemayer/kdbx/pkg/cipherio"
)

// Errors
var (
	ErrUnknownCipher = errors.New("kdbcrypt: unknown cipher")
	ErrCryptoInit    = errors.New("kdbcrypt: cipher rejected parameters")
)

// Cipher is an outer (payload) cipher algorithm.
type Cipher int

// Available outer ciphers.
const (
	AES256Cipher Cipher = iota
	TwofishCipher
	ChaCha20Cipher
)

// Cipher suite UUIDs from the KDBX header.
var (
	aes256UUID   = [16]byte{0x31, 0xc1, 0xf2, 0xe6, 0xbf, 0x71, 0x43, 0x50, 0xbe, 0x58, 0x05, 0x21, 0x6a, 0xfc, 0x5a, 0xff}
	twofishUUID  = [16]byte{0xad, 0x68, 0xf2, 0x9f, 0x57, 0x6f, 0x4b, 0xb9, 0xa3, 0x6a, 0xd4, 0x7a, 0xf9, 0x65, 0x34, 0x6c}
	chacha20UUID = [16]byte{0xd6, 0x03, 0x8a, 0x2b, 0x8b, 0x6f, 0x4c, 0xb5, 0xa5, 0x24, 0x33, 0x9a, 0x31, 0xdb, 0xb5, 0x9a}
)

func (c Cipher) String() string {
	switch c {
	case AES256Cipher:
		return "AES-256-CBC"
	case TwofishCipher:
		return "Twofish-CBC"
	case ChaCha20Cipher:
		return "ChaCha20"
	default:
		return fmt.Sprintf("Cipher(%d)", int(c))
	}
}

// UUID returns the header identifier for the cipher.
func (c Cipher) UUID() [16]byte {
	switch c {
	case AES256Cipher:
		return aes256UUID
	case TwofishCipher:
		return twofishUUID
	case ChaCha20Cipher:
		return chacha20UUID
	default:
		panic("kdbcrypt: bad cipher")
	}
}

// IVSize returns the initialization vector size the cipher expects.
func (c Cipher) IVSize() int {
	if c == ChaCha20Cipher {
		return 12
	}
	return 16
}

// CipherByUUID maps a header identifier back to a cipher.
func CipherByUUID(id []byte) (Cipher, error) {
	var u [16]byte
	if len(id) != 16 {
		return 0, ErrUnknownCipher
	}
	copy(u[:], id)
	switch u {
	case aes256UUID:
		return AES256Cipher, nil
	case twofishUUID:
		return TwofishCipher, nil
	case chacha20UUID:
		return ChaCha20Cipher, nil
	default:
		return 0, ErrUnknownCipher
	}
}

func (c Cipher) block(key []byte) (cipher.Block, error) {
	switch c {
	case AES256Cipher:
		return aes.NewCipher(key)
	case TwofishCipher:
		return twofish.NewCipher(key)
	default:
		return nil, ErrUnknownCipher
	}
}

// NewDecrypter creates a reader that decrypts r with the given cipher,
// key and IV, stripping padding where the cipher uses it.
func NewDecrypter(r io.Reader, c Cipher, key, iv []byte) (io.Reader, error) {
	if c == ChaCha20Cipher {
		s, err := chacha20.NewUnauthenticatedCipher(key, iv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
		}
		return &streamReader{r: r, s: s}, nil
	}
	ciph, err := c.block(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ciph.BlockSize() {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d", ErrCryptoInit, len(iv), ciph.BlockSize())
	}
	return cipherio.NewReader(r, cipher.NewCBCDecrypter(ciph, iv)), nil
}

// NewEncrypter creates a writer that encrypts to w.  Closing the writer
// writes any final padded block but does not close w.
func NewEncrypter(w io.Writer, c Cipher, key, iv []byte) (io.WriteCloser, error) {
	if c == ChaCha20Cipher {
		s, err := chacha20.NewUnauthenticatedCipher(key, iv)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoInit, err)
		}
		return &streamWriter{w: w, s: s}, nil
	}
	ciph, err := c.block(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != ciph.BlockSize() {
		return nil, fmt.Errorf("%w: IV is %d bytes, want %d", ErrCryptoInit, len(iv), ciph.BlockSize())
	}
	return cipherio.NewWriter(w, cipher.NewCBCEncrypter(ciph, iv)), nil
}

type streamReader struct {
	r io.Reader
	s *chacha20.Cipher
}

func (sr *streamReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if n > 0 {
		sr.s.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

type streamWriter struct {
	w io.Writer
	s *chacha20.Cipher
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	sw.s.XORKeyStream(buf, p)
	return sw.w.Write(buf)
}

func (sw *streamWriter) Close() error { return nil }

// MasterKey combines the header's master seed with the transformed key
// to produce the outer cipher key.
func MasterKey(masterSeed []byte, transformedKey *[32]byte) [32]byte {
	h := sha256.New()
	h.Write(masterSeed)
	h.Write(transformedKey[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HMACBaseKey derives the root key for the KDBX4 HMAC block stream:
// SHA-512(master seed ‖ transformed key ‖ 0x01).
func HMACBaseKey(masterSeed []byte, transformedKey *[32]byte) [64]byte {
	h := sha512.New()
	h.Write(masterSeed)
	h.Write(transformedKey[:])
	h.Write([]byte{0x01})
	var out [64]byte
	h.Sum(out[:0])
	return out
}

// BlockHMACKey derives the per-block HMAC key:
// SHA-512(little-endian uint64 index ‖ base).  The header itself is
// authenticated with index 2^64-1.
func BlockHMACKey(base *[64]byte, index uint64) [64]byte {
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], index)
	h := sha512.New()
	h.Write(idx[:])
	h.Write(base[:])
	var out [64]byte
	h.Sum(out[:0])
	return out
}

// HeaderHMACIndex is the block index used to authenticate the header.
const HeaderHMACIndex = ^uint64(0)

// HMACSHA256 computes HMAC-SHA-256 of the concatenated elements.
func HMACSHA256(key []byte, elements ...[]byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	for _, e := range elements {
		mac.Write(e)
	}
	var out [32]byte
	mac.Sum(out[:0])
	return out
}

// Zero overwrites b with zero bytes.  Buffers holding key material are
// zeroed on every exit path of the routines that own them.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
