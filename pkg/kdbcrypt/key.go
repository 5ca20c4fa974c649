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
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// Errors
var (
	ErrInvalidKeyFile = errors.New("kdbcrypt: key file not in a recognized format")
	ErrEmptyKey       = errors.New("kdbcrypt: key has no components")
	ErrNoChallenge    = errors.New("kdbcrypt: challenge-response was not performed")
)

// A ChallengeResponder produces an HMAC-SHA1 response for a challenge,
// typically backed by a hardware token.
type ChallengeResponder interface {
	ChallengeResponse(challenge []byte) ([]byte, error)
}

// HMACSHA1Secret is a ChallengeResponder computing the response locally
// from a stored secret, for tokens configured in passthrough mode and
// for recovery tooling.
type HMACSHA1Secret []byte

// ChallengeResponse implements ChallengeResponder.
func (s HMACSHA1Secret) ChallengeResponse(challenge []byte) ([]byte, error) {
	mac := hmac.New(sha1.New, s)
	mac.Write(challenge)
	return mac.Sum(nil), nil
}

// A DatabaseKey combines the credentials that open a database: an
// optional password, an optional key file, and an optional
// challenge-response device.
type DatabaseKey struct {
	passwordHash []byte // SHA-256 of the password, nil if absent
	keyfileKey   []byte // parsed key file material, nil if absent
	challenge    ChallengeResponder
	response     []byte // SHA-256 of the device response, nil until challenged
}

// NewKey returns an empty key.
func NewKey() *DatabaseKey {
	return new(DatabaseKey)
}

// WithPassword adds a UTF-8 password component.
func (k *DatabaseKey) WithPassword(password string) *DatabaseKey {
	sum := sha256.Sum256([]byte(password))
	k.passwordHash = sum[:]
	return k
}

// WithKeyFile adds a key file component, consuming r.
func (k *DatabaseKey) WithKeyFile(r io.Reader) (*DatabaseKey, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	key, err := parseKeyFile(data)
	Zero(data)
	if err != nil {
		return nil, err
	}
	k.keyfileKey = key
	return k, nil
}

// WithChallengeResponse adds a challenge-response component.  The
// challenge (the database's KDF seed) is issued during Open or Save.
func (k *DatabaseKey) WithChallengeResponse(device ChallengeResponder) *DatabaseKey {
	k.challenge = device
	return k
}

// IsEmpty reports whether the key has no components.
func (k *DatabaseKey) IsEmpty() bool {
	return k.passwordHash == nil && k.keyfileKey == nil && k.challenge == nil
}

// PerformChallenge sends the KDF seed to the challenge-response device,
// if one is configured, and stores the digest of its response.
func (k *DatabaseKey) PerformChallenge(seed []byte) error {
	if k.challenge == nil {
		return nil
	}
	resp, err := k.challenge.ChallengeResponse(seed)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(resp)
	Zero(resp)
	k.response = sum[:]
	return nil
}

// elements returns the digest of each present key component, in the
// fixed order password, key file, challenge-response.
func (k *DatabaseKey) elements() ([][]byte, error) {
	var out [][]byte
	if k.passwordHash != nil {
		out = append(out, k.passwordHash)
	}
	if k.keyfileKey != nil {
		out = append(out, k.keyfileKey)
	}
	if k.challenge != nil {
		if k.response == nil {
			return nil, ErrNoChallenge
		}
		out = append(out, k.response)
	}
	if len(out) == 0 {
		return nil, ErrEmptyKey
	}
	return out, nil
}

// Composite produces the 32-byte composite key: SHA-256 over the
// concatenated component digests.
func (k *DatabaseKey) Composite() ([32]byte, error) {
	elems, err := k.elements()
	if err != nil {
		return [32]byte{}, err
	}
	h := sha256.New()
	for _, e := range elems {
		h.Write(e)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out, nil
}

// CompositeKDB produces the composite key using the KDB legacy rule:
// with a single component its digest is used directly, without the
// second hashing pass.
func (k *DatabaseKey) CompositeKDB() ([32]byte, error) {
	elems, err := k.elements()
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	if len(elems) == 1 && len(elems[0]) == 32 {
		copy(out[:], elems[0])
		return out, nil
	}
	h := sha256.New()
	for _, e := range elems {
		h.Write(e)
	}
	h.Sum(out[:0])
	return out, nil
}

// Zero wipes all key material held by the key.
func (k *DatabaseKey) Zero() {
	Zero(k.passwordHash)
	Zero(k.keyfileKey)
	Zero(k.response)
	k.passwordHash = nil
	k.keyfileKey = nil
	k.response = nil
}

// xmlKeyFile mirrors the KeePass key file XML schema.
type xmlKeyFile struct {
	XMLName xml.Name `xml:"KeyFile"`
	Meta    struct {
		Version string `xml:"Version"`
	} `xml:"Meta"`
	Key struct {
		Data struct {
			Hash  string `xml:"Hash,attr"`
			Value string `xml:",chardata"`
		} `xml:"Data"`
	} `xml:"Key"`
}

// parseKeyFile tries the key file formats in order and returns the key
// material of the first that matches:
//
//  1. XML key file v2.0: hex-decoded <Key><Data>, verified against the
//     4-byte Hash attribute.
//  2. XML key file v1.0: base64 <Key><Data> decoding to 32 bytes.
//  3. Legacy 32-byte binary file, used verbatim.
//  4. Legacy 64-character hex text, decoded.
//  5. Fallback: SHA-256 of the raw file contents.
func parseKeyFile(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidKeyFile
	}
	if key, ok := parseXMLKeyFile(data); ok {
		return key, nil
	}
	if len(data) == 32 {
		key := make([]byte, 32)
		copy(key, data)
		return key, nil
	}
	if len(data) == 64 {
		key := make([]byte, 32)
		if _, err := hex.Decode(key, data); err == nil {
			return key, nil
		}
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

func parseXMLKeyFile(data []byte) ([]byte, bool) {
	var kf xmlKeyFile
	if err := xml.Unmarshal(data, &kf); err != nil {
		return nil, false
	}
	text := kf.Key.Data.Value
	if text == "" {
		return nil, false
	}
	if strings.HasPrefix(kf.Meta.Version, "2.") {
		compact := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
				return -1
			}
			return r
		}, text)
		key := make([]byte, hex.DecodedLen(len(compact)))
		if _, err := hex.Decode(key, []byte(compact)); err != nil {
			return nil, false
		}
		if kf.Key.Data.Hash != "" {
			want := make([]byte, hex.DecodedLen(len(kf.Key.Data.Hash)))
			if _, err := hex.Decode(want, []byte(kf.Key.Data.Hash)); err != nil {
				return nil, false
			}
			sum := sha256.Sum256(key)
			if !bytes.HasPrefix(sum[:], want) {
				return nil, false
			}
		}
		return key, true
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil || len(key) != 32 {
		return nil, false
	}
	return key, true
}
