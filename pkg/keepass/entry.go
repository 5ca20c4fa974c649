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
	"github.com/google/uuid"
)

// Well-known entry field keys.
const (
	FieldTitle    = "Title"
	FieldUserName = "UserName"
	FieldPassword = "Password"
	FieldURL      = "URL"
	FieldNotes    = "Notes"
)

// wellKnownFields is the canonical write order for the standard keys.
var wellKnownFields = [...]string{FieldTitle, FieldUserName, FieldPassword, FieldURL, FieldNotes}

// A Field is a named entry value.  Field order is preserved from the
// document on read; writing uses the canonical order (well-known keys
// first, then the rest in read order).
type Field struct {
	Key   string
	Value Value
}

// A BinaryRef ties an attachment name on an entry to an index in the
// database's binary pool.
type BinaryRef struct {
	Key string
	Ref int
}

// AutoType is an entry's auto-type configuration.
type AutoType struct {
	Enabled      bool
	Sequence     string
	Obfuscation  int
	Associations []AutoTypeAssociation
}

// AutoTypeAssociation binds a window title to a keystroke sequence.
type AutoTypeAssociation struct {
	Window   string
	Sequence string
}

// An Entry stores a credential: a set of named values, attachments, and
// prior snapshots of itself.
type Entry struct {
	UUID            uuid.UUID
	IconID          int
	CustomIconUUID  uuid.UUID
	ForegroundColor string
	BackgroundColor string
	OverrideURL     string
	QualityCheck    *bool
	Tags            []string
	Times           Times
	Fields          []Field
	Binaries        []BinaryRef
	AutoType        *AutoType
	CustomData      CustomData

	// History holds prior snapshots of this entry, oldest first.
	// Snapshot UUIDs equal the entry's UUID and snapshots have no
	// history of their own.
	History []*Entry
}

// NewEntry creates an empty entry with a fresh UUID and current
// timestamps.
func NewEntry() *Entry {
	return &Entry{
		UUID:  uuid.New(),
		Times: NewTimes(),
	}
}

func (e *Entry) isNode() {}

// Get returns the value stored under key, or a zero Value if absent.
func (e *Entry) Get(key string) (Value, bool) {
	for i := range e.Fields {
		if e.Fields[i].Key == key {
			return e.Fields[i].Value, true
		}
	}
	return Value{}, false
}

// GetString returns the string content stored under key, or "".
func (e *Entry) GetString(key string) string {
	v, _ := e.Get(key)
	return v.String()
}

// Set stores a value under key, replacing an existing field of the same
// key, and updates the modification time.
func (e *Entry) Set(key string, value Value) {
	for i := range e.Fields {
		if e.Fields[i].Key == key {
			e.Fields[i].Value = value
			e.Times.Touch()
			return
		}
	}
	e.Fields = append(e.Fields, Field{Key: key, Value: value})
	e.Times.Touch()
}

// Title returns the entry's title field.
func (e *Entry) Title() string { return e.GetString(FieldTitle) }

// UserName returns the entry's username field.
func (e *Entry) UserName() string { return e.GetString(FieldUserName) }

// Password returns the entry's password field.
func (e *Entry) Password() string { return e.GetString(FieldPassword) }

// URL returns the entry's URL field.
func (e *Entry) URL() string { return e.GetString(FieldURL) }

// Notes returns the entry's notes field.
func (e *Entry) Notes() string { return e.GetString(FieldNotes) }

// UpdateHistory snapshots the entry's current state into its history
// and stamps a new modification time.  Snapshots are appended newest
// last.
func (e *Entry) UpdateHistory() {
	snap := e.Clone()
	snap.History = nil
	e.History = append(e.History, snap)
	e.Times.LastModification = Now()
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Tags = append([]string(nil), e.Tags...)
	c.Fields = make([]Field, len(e.Fields))
	for i, f := range e.Fields {
		data := append([]byte(nil), f.Value.data...)
		c.Fields[i] = Field{Key: f.Key, Value: Value{kind: f.Value.kind, data: data}}
	}
	c.Binaries = append([]BinaryRef(nil), e.Binaries...)
	if e.QualityCheck != nil {
		qc := *e.QualityCheck
		c.QualityCheck = &qc
	}
	if e.AutoType != nil {
		at := *e.AutoType
		at.Associations = append([]AutoTypeAssociation(nil), e.AutoType.Associations...)
		c.AutoType = &at
	}
	c.CustomData = e.CustomData.clone()
	c.History = make([]*Entry, len(e.History))
	for i, h := range e.History {
		c.History[i] = h.Clone()
	}
	return &c
}

// sortedFields returns the entry's fields in canonical write order.
func (e *Entry) sortedFields() []Field {
	out := make([]Field, 0, len(e.Fields))
	for _, known := range wellKnownFields {
		for _, f := range e.Fields {
			if f.Key == known {
				out = append(out, f)
			}
		}
	}
	for _, f := range e.Fields {
		if !isWellKnownField(f.Key) {
			out = append(out, f)
		}
	}
	return out
}

func isWellKnownField(key string) bool {
	for _, known := range wellKnownFields {
		if key == known {
			return true
		}
	}
	return false
}
