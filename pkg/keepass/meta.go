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
	"time"

	"github.com/google/uuid"
)

// Meta is the database-level metadata block.
type Meta struct {
	Generator                  string
	DatabaseName               string
	DatabaseNameChanged        time.Time
	DatabaseDescription        string
	DatabaseDescriptionChanged time.Time
	DefaultUserName            string
	DefaultUserNameChanged     time.Time
	MaintenanceHistoryDays     int
	Color                      string
	MasterKeyChanged           time.Time
	MasterKeyChangeRec         int64
	MasterKeyChangeForce       int64
	MemoryProtection           MemoryProtection
	CustomIcons                []CustomIcon
	RecycleBinEnabled          bool
	RecycleBinUUID             uuid.UUID
	RecycleBinChanged          time.Time
	EntryTemplatesGroup        uuid.UUID
	EntryTemplatesGroupChanged time.Time
	LastSelectedGroup          uuid.UUID
	LastTopVisibleGroup        uuid.UUID
	HistoryMaxItems            int
	HistoryMaxSize             int64
	SettingsChanged            time.Time

	// Binaries is the KDBX3 attachment pool; KDBX4 moves attachments to
	// the inner header.
	Binaries []MetaBinary

	CustomData CustomData
}

// MemoryProtection records which well-known fields the writer protects
// by default.
type MemoryProtection struct {
	ProtectTitle    bool
	ProtectUserName bool
	ProtectPassword bool
	ProtectURL      bool
	ProtectNotes    bool
}

// Protects reports the default protection for a well-known field key.
func (m MemoryProtection) Protects(key string) bool {
	switch key {
	case FieldTitle:
		return m.ProtectTitle
	case FieldUserName:
		return m.ProtectUserName
	case FieldPassword:
		return m.ProtectPassword
	case FieldURL:
		return m.ProtectURL
	case FieldNotes:
		return m.ProtectNotes
	default:
		return false
	}
}

// A CustomIcon is a named image stored in Meta.
type CustomIcon struct {
	UUID uuid.UUID
	Data []byte
}

// A MetaBinary is a KDBX3 pool attachment, referenced from entries by
// its ID.
type MetaBinary struct {
	ID         int
	Compressed bool
	Data       []byte
}

// CustomData is an ordered string map with unique keys and optional
// per-key modification timestamps (KDBX4.1).
type CustomData struct {
	Items []CustomDataItem
}

// A CustomDataItem is one custom data pair.
type CustomDataItem struct {
	Key          string
	Value        Value
	LastModified time.Time
}

// Get returns the item stored under key.
func (cd *CustomData) Get(key string) (CustomDataItem, bool) {
	for _, item := range cd.Items {
		if item.Key == key {
			return item, true
		}
	}
	return CustomDataItem{}, false
}

// Set stores an item, replacing any existing item with the same key.
func (cd *CustomData) Set(item CustomDataItem) {
	for i := range cd.Items {
		if cd.Items[i].Key == item.Key {
			cd.Items[i] = item
			return
		}
	}
	cd.Items = append(cd.Items, item)
}

func (cd CustomData) clone() CustomData {
	items := make([]CustomDataItem, len(cd.Items))
	for i, item := range cd.Items {
		data := append([]byte(nil), item.Value.data...)
		items[i] = CustomDataItem{
			Key:          item.Key,
			Value:        Value{kind: item.Value.kind, data: data},
			LastModified: item.LastModified,
		}
	}
	return CustomData{Items: items}
}

// NewMeta returns metadata with the defaults used for new databases.
func NewMeta() *Meta {
	now := Now()
	return &Meta{
		Generator:              generatorName,
		MaintenanceHistoryDays: 365,
		MasterKeyChanged:       now,
		MasterKeyChangeRec:     -1,
		MasterKeyChangeForce:   -1,
		MemoryProtection:       MemoryProtection{ProtectPassword: true},
		RecycleBinChanged:      now,
		HistoryMaxItems:        10,
		HistoryMaxSize:         6 * 1024 * 1024,
		SettingsChanged:        now,
	}
}

const generatorName = "kdbx-go"
