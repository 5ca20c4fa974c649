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

// Package keepass reads and writes the KeePass database formats: the
// legacy KDB format and KDBX3 are read, KDBX4 is read and written.
package keepass

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sseemayer/kdbx/pkg/innerstream"
	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
	"github.com/sseemayer/kdbx/pkg/variantdict"
)

// Compression identifies the payload compression algorithm.
type Compression uint32

// Compression algorithms.
const (
	CompressionNone Compression = 0
	CompressionGZip Compression = 1
)

// KDFKind selects a key derivation function.
type KDFKind int

// Key derivation functions.
const (
	KDFAes KDFKind = iota
	KDFArgon2d
	KDFArgon2id
)

// KDFSettings carries the key derivation function choice and its
// parameters.  Memory is in bytes.  The salt/seed is generated fresh on
// every save; after opening it holds the value read from the header.
type KDFSettings struct {
	Kind        KDFKind
	Rounds      uint64 // AES-KDF
	Memory      uint64 // Argon2
	Iterations  uint64 // Argon2
	Parallelism uint32 // Argon2
	Version     uint32 // Argon2
	Seed        []byte
}

// kdf instantiates the configured KDF over the given seed.
func (s KDFSettings) kdf(seed []byte) (kdbcrypt.KDF, error) {
	switch s.Kind {
	case KDFAes:
		return &kdbcrypt.AESKDF{Seed: seed, Rounds: s.Rounds}, nil
	case KDFArgon2d:
		return &kdbcrypt.Argon2KDF{
			Variant:     kdbcrypt.Argon2d,
			Salt:        seed,
			Memory:      s.Memory,
			Iterations:  s.Iterations,
			Parallelism: s.Parallelism,
			Version:     s.Version,
		}, nil
	case KDFArgon2id:
		return &kdbcrypt.Argon2KDF{
			Variant:     kdbcrypt.Argon2id,
			Salt:        seed,
			Memory:      s.Memory,
			Iterations:  s.Iterations,
			Parallelism: s.Parallelism,
			Version:     s.Version,
		}, nil
	default:
		return nil, ErrUnsupportedKDF
	}
}

// DatabaseSettings are the container parameters of a database.
type DatabaseSettings struct {
	// Version is the format generation read from disk.  Save always
	// writes KDBX4.
	Version Version

	Cipher           kdbcrypt.Cipher
	Compression      Compression
	InnerCipher      innerstream.Cipher
	KDF              KDFSettings
	PublicCustomData *variantdict.Dict // nil when absent

	// Rand supplies seeds, IVs and keys on save.  Nil means
	// crypto/rand.
	Rand io.Reader
}

// NewSettings returns the defaults for new databases: KDBX4, AES-256
// outer cipher, gzip compression, ChaCha20 inner stream, and Argon2d
// with 64 MiB, 10 iterations and 4 lanes.
func NewSettings() DatabaseSettings {
	return DatabaseSettings{
		Version:     Version{Kind: KDBX4},
		Cipher:      kdbcrypt.AES256Cipher,
		Compression: CompressionGZip,
		InnerCipher: innerstream.ChaCha20,
		KDF: KDFSettings{
			Kind:        KDFArgon2d,
			Memory:      64 * 1024 * 1024,
			Iterations:  10,
			Parallelism: 4,
			Version:     kdbcrypt.Argon2Version13,
		},
	}
}

// A HeaderAttachment is a binary stored in the KDBX4 inner header,
// referenced from entries by its pool index.
type HeaderAttachment struct {
	Protected bool
	Data      []byte
}

// A DeletedObject is a tombstone for a removed group or entry,
// propagated by Merge.
type DeletedObject struct {
	UUID         uuid.UUID
	DeletionTime time.Time
}

// A Database is a decrypted KeePass database.
type Database struct {
	Settings          DatabaseSettings
	HeaderAttachments []HeaderAttachment
	Meta              *Meta
	Root              *Group
	DeletedObjects    []DeletedObject
}

// New creates an empty database with default settings and a single
// root group.
func New() *Database {
	return &Database{
		Settings: NewSettings(),
		Meta:     NewMeta(),
		Root:     NewGroup("Root"),
	}
}

// Entries returns a lazy iterator over every live entry in the
// database, depth first; a group's entries are yielded before its
// subgroups' entries.
func (db *Database) Entries() *EntryIter {
	if db.Root == nil {
		return &EntryIter{}
	}
	return db.Root.Iter()
}

// FindEntry returns the live entry with the given UUID, or nil.
func (db *Database) FindEntry(id uuid.UUID) *Entry {
	for it := db.Entries(); ; {
		e := it.Next()
		if e == nil {
			return nil
		}
		if e.UUID == id {
			return e
		}
	}
}

// FindGroup returns the group with the given UUID, or nil.
func (db *Database) FindGroup(id uuid.UUID) *Group {
	var walk func(g *Group) *Group
	walk = func(g *Group) *Group {
		if g.UUID == id {
			return g
		}
		for _, sub := range g.Groups() {
			if found := walk(sub); found != nil {
				return found
			}
		}
		return nil
	}
	if db.Root == nil {
		return nil
	}
	return walk(db.Root)
}

// Remove deletes the node with the given UUID from the tree and
// records a tombstone for it.  It reports whether a node was removed.
func (db *Database) Remove(id uuid.UUID) bool {
	var walk func(g *Group) bool
	walk = func(g *Group) bool {
		if g.RemoveChild(id) != nil {
			return true
		}
		for _, sub := range g.Groups() {
			if walk(sub) {
				return true
			}
		}
		return false
	}
	if db.Root == nil || !walk(db.Root) {
		return false
	}
	db.DeletedObjects = append(db.DeletedObjects, DeletedObject{
		UUID:         id,
		DeletionTime: Now(),
	})
	return true
}

// deletedAt reports whether a tombstone for id exists, and its time.
func (db *Database) deletedAt(id uuid.UUID) (time.Time, bool) {
	for _, d := range db.DeletedObjects {
		if d.UUID == id {
			return d.DeletionTime, true
		}
	}
	return time.Time{}, false
}
