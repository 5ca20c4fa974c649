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
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sseemayer/kdbx/pkg/innerstream"
	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
	"github.com/sseemayer/kdbx/pkg/variantdict"
)

// KDBX4 outer header field ids.
const (
	kdbx4HeaderEnd              = 0
	kdbx4HeaderComment          = 1
	kdbx4HeaderCipherID         = 2
	kdbx4HeaderCompressionFlags = 3
	kdbx4HeaderMasterSeed       = 4
	kdbx4HeaderEncryptionIV     = 7
	kdbx4HeaderKDFParameters    = 11
	kdbx4HeaderPublicCustomData = 12
)

// KDBX4 inner header field ids.
const (
	innerHeaderEnd       = 0
	innerHeaderStreamID  = 1
	innerHeaderStreamKey = 2
	innerHeaderBinary    = 3
)

// Variant dictionary keys for KDF parameters.
const (
	kdfKeyUUID        = "$UUID"
	kdfKeyRounds      = "R"
	kdfKeySeed        = "S" // also the Argon2 salt
	kdfKeyMemory      = "M"
	kdfKeyIterations  = "I"
	kdfKeyParallelism = "P"
	kdfKeyVersion     = "V"
)

type kdbx4Header struct {
	version          Version
	cipher           kdbcrypt.Cipher
	compression      Compression
	masterSeed       []byte
	iv               []byte
	kdf              KDFSettings
	kdfSeed          []byte
	publicCustomData *variantdict.Dict
	bodyStart        int // offset just past the header terminator
}

func parseKDBX4Header(data []byte, v Version) (*kdbx4Header, error) {
	h := &kdbx4Header{version: v}
	var haveCipher, haveCompression, haveKDF bool
	pos := versionHeaderSize
	for {
		if pos+5 > len(data) {
			return nil, fmt.Errorf("%w: truncated", ErrBadHeader)
		}
		id := data[pos]
		size := int(binary.LittleEndian.Uint32(data[pos+1:]))
		pos += 5
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: truncated field %d", ErrBadHeader, id)
		}
		value := data[pos : pos+size]
		pos += size

		switch id {
		case kdbx4HeaderEnd:
			h.bodyStart = pos
			if !haveCipher || !haveCompression || !haveKDF || h.masterSeed == nil || h.iv == nil {
				return nil, fmt.Errorf("%w: incomplete", ErrBadHeader)
			}
			return h, nil
		case kdbx4HeaderComment:
			// ignored
		case kdbx4HeaderCipherID:
			c, err := kdbcrypt.CipherByUUID(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %x", ErrUnsupportedCipher, value)
			}
			h.cipher = c
			haveCipher = true
		case kdbx4HeaderCompressionFlags:
			if err := verifyFieldSize("compression flags", value, 4); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			flags := binary.LittleEndian.Uint32(value)
			if flags > uint32(CompressionGZip) {
				return nil, fmt.Errorf("%w: id %d", ErrUnsupportedCompression, flags)
			}
			h.compression = Compression(flags)
			haveCompression = true
		case kdbx4HeaderMasterSeed:
			if err := verifyFieldSize("master seed", value, 32); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			h.masterSeed = value
		case kdbx4HeaderEncryptionIV:
			h.iv = value
		case kdbx4HeaderKDFParameters:
			vd, err := variantdict.Decode(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			kdf, seed, err := kdfFromDict(vd)
			if err != nil {
				return nil, err
			}
			h.kdf = kdf
			h.kdfSeed = seed
			haveKDF = true
		case kdbx4HeaderPublicCustomData:
			vd, err := variantdict.Decode(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
			}
			h.publicCustomData = vd
		default:
			return nil, fmt.Errorf("%w: unknown field id %d", ErrBadHeader, id)
		}
	}
}

// kdfFromDict maps the KDF parameter dictionary to settings and seed.
func kdfFromDict(vd *variantdict.Dict) (KDFSettings, []byte, error) {
	id, err := vd.Bytes(kdfKeyUUID)
	if err != nil {
		return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	var u [16]byte
	copy(u[:], id)
	switch u {
	case kdbcrypt.AESKDFUUID, kdbcrypt.AESKDFUUIDKDBX4:
		rounds, err := vd.Uint64(kdfKeyRounds)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		seed, err := vd.Bytes(kdfKeySeed)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		return KDFSettings{Kind: KDFAes, Rounds: rounds, Seed: seed}, seed, nil
	case kdbcrypt.Argon2dKDFUUID, kdbcrypt.Argon2idKDFUUID:
		kind := KDFArgon2d
		if u == kdbcrypt.Argon2idKDFUUID {
			kind = KDFArgon2id
		}
		memory, err := vd.Uint64(kdfKeyMemory)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		salt, err := vd.Bytes(kdfKeySeed)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		iterations, err := vd.Uint64(kdfKeyIterations)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		parallelism, err := vd.Uint32(kdfKeyParallelism)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		version, err := vd.Uint32(kdfKeyVersion)
		if err != nil {
			return KDFSettings{}, nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
		}
		if version != kdbcrypt.Argon2Version13 && version != kdbcrypt.Argon2Version10 {
			return KDFSettings{}, nil, fmt.Errorf("%w: Argon2 version %#x", ErrUnsupportedKDF, version)
		}
		return KDFSettings{
			Kind:        kind,
			Memory:      memory,
			Iterations:  iterations,
			Parallelism: parallelism,
			Version:     version,
			Seed:        salt,
		}, salt, nil
	default:
		return KDFSettings{}, nil, fmt.Errorf("%w: uuid %x", ErrUnsupportedKDF, id)
	}
}

// kdfToDict serializes the KDF settings with the given seed.
func kdfToDict(s KDFSettings, seed []byte) *variantdict.Dict {
	vd := variantdict.New()
	switch s.Kind {
	case KDFAes:
		id := kdbcrypt.AESKDFUUIDKDBX4
		vd.SetBytes(kdfKeyUUID, id[:])
		vd.SetUint64(kdfKeyRounds, s.Rounds)
		vd.SetBytes(kdfKeySeed, seed)
	case KDFArgon2d, KDFArgon2id:
		id := kdbcrypt.Argon2dKDFUUID
		if s.Kind == KDFArgon2id {
			id = kdbcrypt.Argon2idKDFUUID
		}
		vd.SetBytes(kdfKeyUUID, id[:])
		vd.SetUint64(kdfKeyMemory, s.Memory)
		vd.SetBytes(kdfKeySeed, seed)
		vd.SetUint64(kdfKeyIterations, s.Iterations)
		vd.SetUint32(kdfKeyParallelism, s.Parallelism)
		vd.SetUint32(kdfKeyVersion, s.Version)
	}
	return vd
}

type kdbx4InnerHeader struct {
	innerCipher innerstream.Cipher
	innerKey    []byte
	attachments []HeaderAttachment
	bodyStart   int
}

func parseInnerHeader(data []byte) (*kdbx4InnerHeader, error) {
	h := &kdbx4InnerHeader{}
	var haveCipher, haveKey bool
	pos := 0
	for {
		if pos+5 > len(data) {
			return nil, fmt.Errorf("%w: truncated", ErrBadInnerHeader)
		}
		id := data[pos]
		size := int(binary.LittleEndian.Uint32(data[pos+1:]))
		pos += 5
		if pos+size > len(data) {
			return nil, fmt.Errorf("%w: truncated field %d", ErrBadInnerHeader, id)
		}
		value := data[pos : pos+size]
		pos += size

		switch id {
		case innerHeaderEnd:
			h.bodyStart = pos
			if !haveCipher || !haveKey {
				return nil, fmt.Errorf("%w: incomplete", ErrBadInnerHeader)
			}
			return h, nil
		case innerHeaderStreamID:
			if err := verifyFieldSize("inner stream id", value, 4); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadInnerHeader, err)
			}
			h.innerCipher = innerstream.Cipher(binary.LittleEndian.Uint32(value))
			haveCipher = true
		case innerHeaderStreamKey:
			h.innerKey = value
			haveKey = true
		case innerHeaderBinary:
			if len(value) < 1 {
				return nil, fmt.Errorf("%w: empty binary record", ErrBadInnerHeader)
			}
			data := make([]byte, len(value)-1)
			copy(data, value[1:])
			h.attachments = append(h.attachments, HeaderAttachment{
				Protected: value[0]&0x01 != 0,
				Data:      data,
			})
		default:
			return nil, fmt.Errorf("%w: unknown field id %d", ErrBadInnerHeader, id)
		}
	}
}

// decryptKDBX4 authenticates the credentials and returns the outer
// header, inner header, and decrypted XML document.
func decryptKDBX4(data []byte, key *kdbcrypt.DatabaseKey) (*kdbx4Header, *kdbx4InnerHeader, []byte, error) {
	v, err := parseVersion(data)
	if err != nil {
		return nil, nil, nil, err
	}
	h, err := parseKDBX4Header(data, v)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(data) < h.bodyStart+64 {
		return nil, nil, nil, fmt.Errorf("%w: truncated", ErrBadHeader)
	}
	headerData := data[:h.bodyStart]
	headerSHA := data[h.bodyStart : h.bodyStart+32]
	headerHMAC := data[h.bodyStart+32 : h.bodyStart+64]
	blockData := data[h.bodyStart+64:]

	if err := key.PerformChallenge(h.kdfSeed); err != nil {
		return nil, nil, nil, err
	}
	composite, err := key.Composite()
	if err != nil {
		return nil, nil, nil, err
	}
	defer kdbcrypt.Zero(composite[:])

	kdf, err := h.kdf.kdf(h.kdfSeed)
	if err != nil {
		return nil, nil, nil, err
	}
	transformed, err := kdf.TransformKey(&composite)
	if err != nil {
		return nil, nil, nil, err
	}
	defer kdbcrypt.Zero(transformed[:])

	// Header integrity precedes credential verification, so corruption
	// of the header is reported as damage, not as a wrong key.
	sum := sha256.Sum256(headerData)
	if !bytes.Equal(sum[:], headerSHA) {
		return nil, nil, nil, fmt.Errorf("%w: header digest", ErrIntegrityFailed)
	}

	hmacBase := kdbcrypt.HMACBaseKey(h.masterSeed, &transformed)
	defer kdbcrypt.Zero(hmacBase[:])
	headerKey := kdbcrypt.BlockHMACKey(&hmacBase, kdbcrypt.HeaderHMACIndex)
	wantHMAC := kdbcrypt.HMACSHA256(headerKey[:], headerData)
	kdbcrypt.Zero(headerKey[:])
	if !hmac.Equal(wantHMAC[:], headerHMAC) {
		return nil, nil, nil, ErrIncorrectKey
	}

	encrypted, err := readHMACBlocks(blockData, &hmacBase)
	if err != nil {
		return nil, nil, nil, err
	}

	masterKey := kdbcrypt.MasterKey(h.masterSeed, &transformed)
	defer kdbcrypt.Zero(masterKey[:])
	dec, err := kdbcrypt.NewDecrypter(bytes.NewReader(encrypted), h.cipher, masterKey[:], h.iv)
	if err != nil {
		return nil, nil, nil, err
	}
	compressed, err := io.ReadAll(dec)
	if err != nil {
		// The blocks already authenticated, so this is damage.
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrIntegrityFailed, err)
	}

	payload, err := decompress(h.compression, compressed)
	if err != nil {
		return nil, nil, nil, err
	}

	inner, err := parseInnerHeader(payload)
	if err != nil {
		return nil, nil, nil, err
	}
	return h, inner, payload[inner.bodyStart:], nil
}

func openKDBX4(data []byte, v Version, key *kdbcrypt.DatabaseKey) (*Database, error) {
	h, inner, xmlData, err := decryptKDBX4(data, key)
	if err != nil {
		return nil, err
	}

	stream, err := innerstream.New(inner.innerCipher, inner.innerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedStreamCipher, err)
	}

	doc, err := parseDocument(xmlData, stream)
	if err != nil {
		return nil, err
	}

	db := &Database{
		Settings: DatabaseSettings{
			Version:          h.version,
			Cipher:           h.cipher,
			Compression:      h.compression,
			InnerCipher:      inner.innerCipher,
			KDF:              h.kdf,
			PublicCustomData: h.publicCustomData,
		},
		HeaderAttachments: inner.attachments,
		Meta:              doc.meta,
		Root:              doc.root,
		DeletedObjects:    doc.deleted,
	}
	return db, nil
}

// Save encrypts the database as KDBX4 and writes it to w.  A partial
// write is not cleaned up; callers should write to a temporary
// location and rename.
func (db *Database) Save(w io.Writer, key *kdbcrypt.DatabaseKey) error {
	if db.Root == nil {
		return fmt.Errorf("keepass: database has no root group")
	}
	randSrc := db.Settings.Rand
	if randSrc == nil {
		randSrc = rand.Reader
	}

	masterSeed := make([]byte, 32)
	kdfSeed := make([]byte, 32)
	iv := make([]byte, db.Settings.Cipher.IVSize())
	innerKey := make([]byte, 32)
	for _, buf := range [][]byte{masterSeed, kdfSeed, iv, innerKey} {
		if _, err := io.ReadFull(randSrc, buf); err != nil {
			return err
		}
	}
	defer kdbcrypt.Zero(innerKey)

	// Outer header.  Save always emits KDBX4; databases read from an
	// older generation get a fresh minor version.
	minor := db.Settings.Version.Minor
	if db.Settings.Version.Kind != KDBX4 {
		minor = 0
	}
	header := appendVersion(nil, Version{Kind: KDBX4, Minor: minor})
	header = appendHeaderField(header, kdbx4HeaderCipherID, uuidBytes(db.Settings.Cipher.UUID()))
	header = appendHeaderField(header, kdbx4HeaderCompressionFlags, binary.LittleEndian.AppendUint32(nil, uint32(db.Settings.Compression)))
	header = appendHeaderField(header, kdbx4HeaderEncryptionIV, iv)
	header = appendHeaderField(header, kdbx4HeaderMasterSeed, masterSeed)
	header = appendHeaderField(header, kdbx4HeaderKDFParameters, kdfToDict(db.Settings.KDF, kdfSeed).Encode())
	if db.Settings.PublicCustomData != nil && db.Settings.PublicCustomData.Len() > 0 {
		header = appendHeaderField(header, kdbx4HeaderPublicCustomData, db.Settings.PublicCustomData.Encode())
	}
	header = appendHeaderField(header, kdbx4HeaderEnd, nil)

	if err := key.PerformChallenge(kdfSeed); err != nil {
		return err
	}
	composite, err := key.Composite()
	if err != nil {
		return err
	}
	defer kdbcrypt.Zero(composite[:])
	kdf, err := db.Settings.KDF.kdf(kdfSeed)
	if err != nil {
		return err
	}
	transformed, err := kdf.TransformKey(&composite)
	if err != nil {
		return err
	}
	defer kdbcrypt.Zero(transformed[:])

	out := header
	sum := sha256.Sum256(header)
	out = append(out, sum[:]...)

	hmacBase := kdbcrypt.HMACBaseKey(masterSeed, &transformed)
	defer kdbcrypt.Zero(hmacBase[:])
	headerKey := kdbcrypt.BlockHMACKey(&hmacBase, kdbcrypt.HeaderHMACIndex)
	headerHMAC := kdbcrypt.HMACSHA256(headerKey[:], header)
	kdbcrypt.Zero(headerKey[:])
	out = append(out, headerHMAC[:]...)

	// Inner header and XML document.
	var payload []byte
	payload = appendHeaderField(payload, innerHeaderStreamID, binary.LittleEndian.AppendUint32(nil, uint32(db.Settings.InnerCipher)))
	payload = appendHeaderField(payload, innerHeaderStreamKey, innerKey)
	for _, att := range db.HeaderAttachments {
		rec := make([]byte, 0, len(att.Data)+1)
		var flags byte
		if att.Protected {
			flags |= 0x01
		}
		rec = append(rec, flags)
		rec = append(rec, att.Data...)
		payload = appendHeaderField(payload, innerHeaderBinary, rec)
	}
	payload = appendHeaderField(payload, innerHeaderEnd, nil)

	stream, err := innerstream.New(db.Settings.InnerCipher, innerKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedStreamCipher, err)
	}
	xmlDoc, err := dumpDocument(db, stream)
	if err != nil {
		return err
	}
	payload = append(payload, xmlDoc...)

	compressed, err := compress(db.Settings.Compression, payload)
	if err != nil {
		return err
	}

	masterKey := kdbcrypt.MasterKey(masterSeed, &transformed)
	defer kdbcrypt.Zero(masterKey[:])
	var encBuf bytes.Buffer
	enc, err := kdbcrypt.NewEncrypter(&encBuf, db.Settings.Cipher, masterKey[:], iv)
	if err != nil {
		return err
	}
	if _, err := enc.Write(compressed); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}

	out = appendHMACBlocks(out, encBuf.Bytes(), &hmacBase)

	_, err = w.Write(out)
	return err
}

func appendHeaderField(dst []byte, id byte, value []byte) []byte {
	dst = append(dst, id)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	return append(dst, value...)
}

func uuidBytes(u [16]byte) []byte {
	return u[:]
}
