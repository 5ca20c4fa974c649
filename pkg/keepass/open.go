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
	"fmt"
	"io"

	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
)

// Open reads, decrypts and parses a database.  The reader is drained
// to completion.  Key material derived while opening is zeroed before
// returning.
func Open(r io.Reader, key *kdbcrypt.DatabaseKey) (*Database, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v, err := parseVersion(data)
	if err != nil {
		return nil, err
	}
	switch v.Kind {
	case KDB:
		return openKDB(data, v, key)
	case KDBX3:
		return openKDBX3(data, v, key)
	case KDBX4:
		return openKDBX4(data, v, key)
	default:
		return nil, ErrUnsupportedVersion
	}
}

// DecryptXML reads a KDBX database and returns the decrypted inner XML
// document without parsing it.  Protected values remain enciphered.
func DecryptXML(r io.Reader, key *kdbcrypt.DatabaseKey) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v, err := parseVersion(data)
	if err != nil {
		return nil, err
	}
	switch v.Kind {
	case KDBX3:
		_, xml, err := decryptKDBX3(data, key)
		return xml, err
	case KDBX4:
		_, _, xml, err := decryptKDBX4(data, key)
		return xml, err
	default:
		return nil, fmt.Errorf("%w: no XML payload", ErrUnsupportedVersion)
	}
}
