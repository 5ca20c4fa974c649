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

// Package cipherio provides I/O interfaces for CBC encryption streams
// with PKCS #7 padding.
package cipherio

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"io"
)

// Errors
var (
	ErrWrongPadding = errors.New("cipherio: wrong padding")
	ErrDataSize     = errors.New("cipherio: input is not a multiple of block size")
)

// pkcs7Pad appends PKCS #7 padding to b, aligning it to blockSize.
// The block size must be in (1, 256).
func pkcs7Pad(b []byte, blockSize int) []byte {
	pad := blockSize - len(b)%blockSize
	for i := 0; i < pad; i++ {
		b = append(b, byte(pad))
	}
	return b
}

// pkcs7Strip removes PKCS #7 padding from b.  The result is a subslice
// of the argument.
func pkcs7Strip(b []byte, blockSize int) ([]byte, error) {
	n := len(b)
	if n == 0 || n%blockSize != 0 {
		return b, ErrDataSize
	}
	pad := int(b[n-1])
	if pad == 0 || pad > blockSize {
		return b, ErrWrongPadding
	}
	for _, x := range b[n-pad : n-1] {
		if x != byte(pad) {
			return b, ErrWrongPadding
		}
	}
	return b[:n-pad], nil
}

type reader struct {
	r    io.Reader
	mode cipher.BlockMode

	first  bool
	buf    bytes.Buffer
	rbuf   []byte
	nplain int // number of bytes in buf that have been decrypted
	err    error
}

// NewReader creates a new reader that decrypts and strips padding from r.
func NewReader(r io.Reader, mode cipher.BlockMode) io.Reader {
	return &reader{
		r:     r,
		mode:  mode,
		rbuf:  make([]byte, 1024),
		first: true,
	}
}

func (r *reader) Read(p []byte) (n int, err error) {
	if r.nplain > 0 {
		return r.readPlain(p), nil
	}
	r.grow()
	if r.nplain > 0 {
		return r.readPlain(p), nil
	}
	return 0, r.err
}

func (r *reader) readPlain(p []byte) int {
	n := r.nplain
	if n > len(p) {
		n = len(p)
	}
	r.buf.Read(p[:n])
	r.nplain -= n
	return n
}

func (r *reader) grow() {
	if r.err != nil {
		return
	}
	bs := r.mode.BlockSize()
	nn, err := io.ReadAtLeast(r.r, r.rbuf, bs+1-r.buf.Len())
	r.buf.Write(r.rbuf[:nn])
	bufSize := r.buf.Len()
	numExtra := bufSize % bs
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if numExtra != 0 || r.first && bufSize < bs {
			r.err = io.ErrUnexpectedEOF
		} else {
			r.err = io.EOF
		}
	case err != nil:
		r.err = err
	}
	if bufSize < bs {
		return
	}
	r.first = false
	r.nplain = bufSize - numExtra
	if numExtra == 0 && r.err == nil {
		// Stopped on a block boundary: hold back the final block, since
		// it may be the padded one.  Decide on the next grow.
		r.nplain -= bs
	}
	b := r.buf.Bytes()[:r.nplain]
	r.mode.CryptBlocks(b, b)

	if r.err == io.EOF {
		strip, err := pkcs7Strip(b, bs)
		if err != nil {
			r.err = err
		}
		r.nplain = len(strip)
		r.buf.Truncate(r.nplain)
	}
}

type writer struct {
	w    io.Writer
	mode cipher.BlockMode

	block []byte
	err   error
}

// NewWriter creates a new writer that encrypts its input and writes to w.
// Closing the writer encrypts the final padded block but does not close w.
func NewWriter(w io.Writer, mode cipher.BlockMode) io.WriteCloser {
	return &writer{
		w:     w,
		mode:  mode,
		block: make([]byte, 0, mode.BlockSize()),
	}
}

func (w *writer) Write(p []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	bs := w.mode.BlockSize()
	total := len(p)
	// Fill any partial block first.
	if len(w.block) > 0 && len(w.block) < bs {
		take := bs - len(w.block)
		if take > len(p) {
			take = len(p)
		}
		w.block = append(w.block, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return total, nil
	}
	// More input follows, so the held block is not the last one.
	if len(w.block) == bs {
		w.mode.CryptBlocks(w.block, w.block)
		if _, err := w.w.Write(w.block); err != nil {
			w.err = err
			return 0, err
		}
		w.block = w.block[:0]
	}
	// Write all full blocks except a possibly-final one, which must be
	// held back so Close can pad the true last block.
	end := len(p) - len(p)%bs
	if end == len(p) {
		end -= bs
	}
	if end > 0 {
		buf := make([]byte, end)
		copy(buf, p[:end])
		w.mode.CryptBlocks(buf, buf)
		if _, err := w.w.Write(buf); err != nil {
			w.err = err
			return 0, err
		}
	}
	w.block = append(w.block, p[end:]...)
	return total, nil
}

func (w *writer) Close() error {
	if w.err == errClosed {
		return nil
	} else if w.err != nil {
		return w.err
	}
	last := pkcs7Pad(w.block, w.mode.BlockSize())
	w.mode.CryptBlocks(last, last)
	_, err := w.w.Write(last)
	w.err = errClosed
	return err
}

var errClosed = errors.New("cipherio: write on closed writer")
