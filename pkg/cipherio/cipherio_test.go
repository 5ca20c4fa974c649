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

package cipherio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"testing"
)

var (
	testKey = bytes.Repeat([]byte{0x42}, 32)
	testIV  = bytes.Repeat([]byte{0x17}, 16)
)

func encMode(t *testing.T) cipher.BlockMode {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal("aes.NewCipher:", err)
	}
	return cipher.NewCBCEncrypter(block, testIV)
}

func decMode(t *testing.T) cipher.BlockMode {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal("aes.NewCipher:", err)
	}
	return cipher.NewCBCDecrypter(block, testIV)
}

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 15, 16, 17, 31, 32, 33, 1023, 1024, 1025, 4096}
	for _, size := range sizes {
		plain := make([]byte, size)
		for i := range plain {
			plain[i] = byte(i)
		}

		var crypt bytes.Buffer
		w := NewWriter(&crypt, encMode(t))
		if _, err := w.Write(plain); err != nil {
			t.Errorf("size %d: Write: %v", size, err)
			continue
		}
		if err := w.Close(); err != nil {
			t.Errorf("size %d: Close: %v", size, err)
			continue
		}
		if crypt.Len()%16 != 0 {
			t.Errorf("size %d: ciphertext length %d not a multiple of 16", size, crypt.Len())
		}

		got, err := io.ReadAll(NewReader(&crypt, decMode(t)))
		if err != nil {
			t.Errorf("size %d: ReadAll: %v", size, err)
			continue
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("size %d: round trip mismatch (got %d bytes)", size, len(got))
		}
	}
}

func TestRoundTripChunkedWrites(t *testing.T) {
	plain := make([]byte, 1000)
	for i := range plain {
		plain[i] = byte(i * 7)
	}

	var crypt bytes.Buffer
	w := NewWriter(&crypt, encMode(t))
	for _, chunk := range []int{1, 3, 13, 16, 100, 867} {
		if chunk > len(plain) {
			chunk = len(plain)
		}
		if _, err := w.Write(plain[:chunk]); err != nil {
			t.Fatal("Write:", err)
		}
		plain = plain[chunk:]
	}
	if err := w.Close(); err != nil {
		t.Fatal("Close:", err)
	}

	want := make([]byte, 1000)
	for i := range want {
		want[i] = byte(i * 7)
	}
	got, err := io.ReadAll(NewReader(&crypt, decMode(t)))
	if err != nil {
		t.Fatal("ReadAll:", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("chunked write round trip mismatch")
	}
}

func TestReaderWrongPadding(t *testing.T) {
	// A block of garbage will not decrypt to valid padding.
	crypt := bytes.Repeat([]byte{0xab}, 16)
	_, err := io.ReadAll(NewReader(bytes.NewReader(crypt), decMode(t)))
	if err == nil {
		t.Error("ReadAll of garbage block succeeded; want padding error")
	}
}

func TestReaderUnalignedInput(t *testing.T) {
	crypt := bytes.Repeat([]byte{0xab}, 17)
	_, err := io.ReadAll(NewReader(bytes.NewReader(crypt), decMode(t)))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("ReadAll of unaligned input = %v; want %v", err, io.ErrUnexpectedEOF)
	}
}

func TestPKCS7(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{}, []byte{4, 4, 4, 4}},
		{[]byte{1}, []byte{1, 3, 3, 3}},
		{[]byte{1, 2, 3}, []byte{1, 2, 3, 1}},
		{[]byte{1, 2, 3, 4}, []byte{1, 2, 3, 4, 4, 4, 4, 4}},
	}
	for _, test := range tests {
		got := pkcs7Pad(append([]byte(nil), test.in...), 4)
		if !bytes.Equal(got, test.want) {
			t.Errorf("pkcs7Pad(%v, 4) = %v; want %v", test.in, got, test.want)
			continue
		}
		stripped, err := pkcs7Strip(got, 4)
		if err != nil {
			t.Errorf("pkcs7Strip(%v, 4): %v", got, err)
			continue
		}
		if !bytes.Equal(stripped, test.in) {
			t.Errorf("pkcs7Strip(%v, 4) = %v; want %v", got, stripped, test.in)
		}
	}
}

func TestPKCS7StripErrors(t *testing.T) {
	if _, err := pkcs7Strip([]byte{1, 2, 3}, 4); err != ErrDataSize {
		t.Errorf("unaligned strip error = %v; want %v", err, ErrDataSize)
	}
	if _, err := pkcs7Strip([]byte{1, 2, 3, 0}, 4); err != ErrWrongPadding {
		t.Errorf("zero pad strip error = %v; want %v", err, ErrWrongPadding)
	}
	if _, err := pkcs7Strip([]byte{1, 2, 2, 3}, 4); err != ErrWrongPadding {
		t.Errorf("mismatched pad strip error = %v; want %v", err, ErrWrongPadding)
	}
}
