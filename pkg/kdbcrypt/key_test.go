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
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestCompositeDeterministic(t *testing.T) {
	a, err := NewKey().WithPassword("demopass").Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}
	b, err := NewKey().WithPassword("demopass").Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}
	if a != b {
		t.Error("composite key is not deterministic")
	}
}

func TestCompositeIsDoubleHash(t *testing.T) {
	got, err := NewKey().WithPassword("demopass").Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}
	inner := sha256.Sum256([]byte("demopass"))
	want := sha256.Sum256(inner[:])
	if got != want {
		t.Error("composite of a lone password is not SHA-256(SHA-256(password))")
	}
}

func TestCompositeComponentOrder(t *testing.T) {
	keyfile := strings.Repeat("k", 32)

	both, err := NewKey().WithPassword("pw").WithKeyFile(strings.NewReader(keyfile))
	if err != nil {
		t.Fatal("WithKeyFile:", err)
	}
	gotBoth, err := both.Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}

	pw := sha256.Sum256([]byte("pw"))
	h := sha256.New()
	h.Write(pw[:])
	h.Write([]byte(keyfile))
	var want [32]byte
	h.Sum(want[:0])
	if gotBoth != want {
		t.Error("password and key file digests are not concatenated in order")
	}
}

func TestEmptyKey(t *testing.T) {
	if _, err := NewKey().Composite(); err != ErrEmptyKey {
		t.Errorf("empty key Composite error = %v; want %v", err, ErrEmptyKey)
	}
	if !NewKey().IsEmpty() {
		t.Error("NewKey().IsEmpty() = false")
	}
}

func TestKeyFileFormats(t *testing.T) {
	tests := []struct {
		name string
		data string
		want func([]byte) bool
	}{
		{
			name: "xml v1 base64",
			data: "<KeyFile><Key><Data>NXyYiJMHg3ls+eBmjbAjWec9lcOToJiofbhNiFMTJMw=</Data></Key></KeyFile>",
			want: func(k []byte) bool { return len(k) == 32 },
		},
		{
			name: "legacy 32-byte binary",
			data: strings.Repeat("\x01", 32),
			want: func(k []byte) bool { return bytes.Equal(k, bytes.Repeat([]byte{1}, 32)) },
		},
		{
			name: "legacy 64-char hex",
			data: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			want: func(k []byte) bool { return len(k) == 32 && k[0] == 0x01 && k[1] == 0x23 },
		},
		{
			name: "fallback hash",
			data: "bare-key-file",
			want: func(k []byte) bool {
				sum := sha256.Sum256([]byte("bare-key-file"))
				return bytes.Equal(k, sum[:])
			},
		},
		{
			name: "non-keyfile xml falls back to hash",
			data: "<Not><A><KeyFile></KeyFile></A></Not>",
			want: func(k []byte) bool {
				sum := sha256.Sum256([]byte("<Not><A><KeyFile></KeyFile></A></Not>"))
				return bytes.Equal(k, sum[:])
			},
		},
	}
	for _, test := range tests {
		key, err := parseKeyFile([]byte(test.data))
		if err != nil {
			t.Errorf("%s: parseKeyFile: %v", test.name, err)
			continue
		}
		if !test.want(key) {
			t.Errorf("%s: unexpected key material %x", test.name, key)
		}
	}
}

func TestKeyFileV2(t *testing.T) {
	// Key material with its real hash prefix, so validation passes.
	keyHex := "36057B1C 35037FD9 62257893 C0A22403 EE3F8FBB 504D9981 08B821CB 00D28F89"
	raw, err := hex.DecodeString(strings.ReplaceAll(keyHex, " ", ""))
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(raw)

	xml := `<?xml version="1.0" encoding="utf-8"?>
<KeyFile>
    <Meta><Version>2.0</Version></Meta>
    <Key><Data Hash="` + hexEncode(sum[:4]) + `">` + keyHex + `</Data></Key>
</KeyFile>`

	key, err := parseKeyFile([]byte(xml))
	if err != nil {
		t.Fatal("parseKeyFile:", err)
	}
	if !bytes.Equal(key, raw) {
		t.Errorf("v2 key = %x; want %x", key, raw)
	}

	// A wrong hash must reject the XML reading and fall back to
	// hashing the raw file.
	badXML := strings.Replace(xml, hexEncode(sum[:4]), "00000000", 1)
	key, err = parseKeyFile([]byte(badXML))
	if err != nil {
		t.Fatal("parseKeyFile:", err)
	}
	fallback := sha256.Sum256([]byte(badXML))
	if !bytes.Equal(key, fallback[:]) {
		t.Error("corrupt v2 hash did not fall back to raw file digest")
	}
}

func TestEmptyKeyFile(t *testing.T) {
	if _, err := parseKeyFile(nil); err != ErrInvalidKeyFile {
		t.Errorf("empty key file error = %v; want %v", err, ErrInvalidKeyFile)
	}
}

func TestChallengeResponse(t *testing.T) {
	secret := HMACSHA1Secret(bytes.Repeat([]byte{0x0b}, 20))
	key := NewKey().WithPassword("pw").WithChallengeResponse(secret)

	if _, err := key.Composite(); err != ErrNoChallenge {
		t.Fatalf("Composite before challenge = %v; want %v", err, ErrNoChallenge)
	}

	seed := bytes.Repeat([]byte{0x42}, 32)
	if err := key.PerformChallenge(seed); err != nil {
		t.Fatal("PerformChallenge:", err)
	}
	withCR, err := key.Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}

	plain, err := NewKey().WithPassword("pw").Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}
	if withCR == plain {
		t.Error("challenge-response did not contribute to the composite key")
	}

	// Same seed, same secret: deterministic.
	key2 := NewKey().WithPassword("pw").WithChallengeResponse(secret)
	if err := key2.PerformChallenge(seed); err != nil {
		t.Fatal("PerformChallenge:", err)
	}
	again, err := key2.Composite()
	if err != nil {
		t.Fatal("Composite:", err)
	}
	if withCR != again {
		t.Error("challenge-response composite is not deterministic")
	}
}

func TestZero(t *testing.T) {
	key := NewKey().WithPassword("secret")
	key.Zero()
	if !key.IsEmpty() {
		t.Error("key not empty after Zero")
	}
}

func hexEncode(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
