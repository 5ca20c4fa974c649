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
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sseemayer/kdbx/pkg/innerstream"
)

// docDumper encodes the inner XML document.  Like the parser, it
// drives the single protected stream cursor in emission order.
type docDumper struct {
	enc    *xml.Encoder
	stream innerstream.Stream
	err    error
}

// dumpDocument serializes the database's inner document, enciphering
// protected values with the given stream.
func dumpDocument(db *Database, stream innerstream.Stream) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteByte('\n')
	d := &docDumper{
		enc:    xml.NewEncoder(&buf),
		stream: stream,
	}

	meta := db.Meta
	if meta == nil {
		meta = NewMeta()
	}

	d.start("KeePassFile")
	d.meta(meta)
	d.start("Root")
	d.group(db.Root)
	d.start("DeletedObjects")
	for _, obj := range db.DeletedObjects {
		d.start("DeletedObject")
		d.uuidEl("UUID", obj.UUID)
		d.timeEl("DeletionTime", obj.DeletionTime)
		d.end("DeletedObject")
	}
	d.end("DeletedObjects")
	d.end("Root")
	d.end("KeePassFile")

	if d.err != nil {
		return nil, d.err
	}
	if err := d.enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *docDumper) start(name string, attrs ...xml.Attr) {
	if d.err != nil {
		return
	}
	d.err = d.enc.EncodeToken(xml.StartElement{
		Name: xml.Name{Local: name},
		Attr: attrs,
	})
}

func (d *docDumper) end(name string) {
	if d.err != nil {
		return
	}
	d.err = d.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: name}})
}

func (d *docDumper) chars(s string) {
	if d.err != nil {
		return
	}
	d.err = d.enc.EncodeToken(xml.CharData(s))
}

func (d *docDumper) simple(name, s string) {
	d.start(name)
	if s != "" {
		d.chars(s)
	}
	d.end(name)
}

func (d *docDumper) boolEl(name string, v bool) {
	if v {
		d.simple(name, "True")
	} else {
		d.simple(name, "False")
	}
}

func (d *docDumper) optBoolEl(name string, v *bool) {
	switch {
	case v == nil:
		d.simple(name, "null")
	case *v:
		d.simple(name, "True")
	default:
		d.simple(name, "False")
	}
}

func (d *docDumper) intEl(name string, v int64) {
	d.simple(name, strconv.FormatInt(v, 10))
}

func (d *docDumper) timeEl(name string, t time.Time) {
	d.simple(name, formatTime(t))
}

func (d *docDumper) uuidEl(name string, u uuid.UUID) {
	d.simple(name, base64.StdEncoding.EncodeToString(u[:]))
}

// value emits a <Value> element, enciphering protected values with the
// inner stream.
func (d *docDumper) value(v Value) {
	if !v.Protected() {
		d.simple("Value", v.String())
		return
	}
	buf := make([]byte, len(v.data))
	copy(buf, v.data)
	d.stream.Apply(buf)
	d.start("Value", xml.Attr{Name: xml.Name{Local: "Protected"}, Value: "True"})
	d.chars(base64.StdEncoding.EncodeToString(buf))
	d.end("Value")
}

func (d *docDumper) customData(cd CustomData) {
	if len(cd.Items) == 0 {
		return
	}
	d.start("CustomData")
	for _, item := range cd.Items {
		d.start("Item")
		d.simple("Key", item.Key)
		d.value(item.Value)
		if !item.LastModified.IsZero() {
			d.timeEl("LastModificationTime", item.LastModified)
		}
		d.end("Item")
	}
	d.end("CustomData")
}

func (d *docDumper) meta(m *Meta) {
	d.start("Meta")
	d.simple("Generator", generatorName)
	d.simple("DatabaseName", m.DatabaseName)
	d.timeEl("DatabaseNameChanged", m.DatabaseNameChanged)
	d.simple("DatabaseDescription", m.DatabaseDescription)
	d.timeEl("DatabaseDescriptionChanged", m.DatabaseDescriptionChanged)
	d.simple("DefaultUserName", m.DefaultUserName)
	d.timeEl("DefaultUserNameChanged", m.DefaultUserNameChanged)
	d.intEl("MaintenanceHistoryDays", int64(m.MaintenanceHistoryDays))
	d.simple("Color", m.Color)
	d.timeEl("MasterKeyChanged", m.MasterKeyChanged)
	d.intEl("MasterKeyChangeRec", m.MasterKeyChangeRec)
	d.intEl("MasterKeyChangeForce", m.MasterKeyChangeForce)

	d.start("MemoryProtection")
	d.boolEl("ProtectTitle", m.MemoryProtection.ProtectTitle)
	d.boolEl("ProtectUserName", m.MemoryProtection.ProtectUserName)
	d.boolEl("ProtectPassword", m.MemoryProtection.ProtectPassword)
	d.boolEl("ProtectURL", m.MemoryProtection.ProtectURL)
	d.boolEl("ProtectNotes", m.MemoryProtection.ProtectNotes)
	d.end("MemoryProtection")

	if len(m.CustomIcons) > 0 {
		d.start("CustomIcons")
		for _, icon := range m.CustomIcons {
			d.start("Icon")
			d.uuidEl("UUID", icon.UUID)
			d.simple("Data", base64.StdEncoding.EncodeToString(icon.Data))
			d.end("Icon")
		}
		d.end("CustomIcons")
	}

	d.boolEl("RecycleBinEnabled", m.RecycleBinEnabled)
	d.uuidEl("RecycleBinUUID", m.RecycleBinUUID)
	d.timeEl("RecycleBinChanged", m.RecycleBinChanged)
	d.uuidEl("EntryTemplatesGroup", m.EntryTemplatesGroup)
	d.timeEl("EntryTemplatesGroupChanged", m.EntryTemplatesGroupChanged)
	d.uuidEl("LastSelectedGroup", m.LastSelectedGroup)
	d.uuidEl("LastTopVisibleGroup", m.LastTopVisibleGroup)
	d.intEl("HistoryMaxItems", int64(m.HistoryMaxItems))
	d.intEl("HistoryMaxSize", m.HistoryMaxSize)
	d.timeEl("SettingsChanged", m.SettingsChanged)
	d.customData(m.CustomData)
	d.end("Meta")
}

func (d *docDumper) group(g *Group) {
	d.start("Group")
	d.uuidEl("UUID", g.UUID)
	d.simple("Name", g.Name)
	d.simple("Notes", g.Notes)
	d.intEl("IconID", int64(g.IconID))
	if g.CustomIconUUID != (uuid.UUID{}) {
		d.uuidEl("CustomIconUUID", g.CustomIconUUID)
	}
	d.times(g.Times)
	d.boolEl("IsExpanded", g.IsExpanded)
	d.simple("DefaultAutoTypeSequence", g.DefaultAutoTypeSequence)
	d.optBoolEl("EnableAutoType", g.EnableAutoType)
	d.optBoolEl("EnableSearching", g.EnableSearching)
	d.uuidEl("LastTopVisibleEntry", g.LastTopVisibleEntry)
	if len(g.Tags) > 0 {
		d.simple("Tags", strings.Join(g.Tags, ";"))
	}
	d.customData(g.CustomData)
	for _, child := range g.Children {
		switch n := child.(type) {
		case *Entry:
			d.entry(n, false)
		case *Group:
			d.group(n)
		}
	}
	d.end("Group")
}

func (d *docDumper) times(t Times) {
	d.start("Times")
	d.timeEl("LastModificationTime", t.LastModification)
	d.timeEl("CreationTime", t.Creation)
	d.timeEl("LastAccessTime", t.LastAccess)
	d.timeEl("ExpiryTime", t.Expiry)
	d.boolEl("Expires", t.Expires)
	d.intEl("UsageCount", int64(t.UsageCount))
	d.timeEl("LocationChanged", t.LocationChanged)
	d.end("Times")
}

func (d *docDumper) entry(e *Entry, inHistory bool) {
	d.start("Entry")
	d.uuidEl("UUID", e.UUID)
	d.intEl("IconID", int64(e.IconID))
	if e.CustomIconUUID != (uuid.UUID{}) {
		d.uuidEl("CustomIconUUID", e.CustomIconUUID)
	}
	d.simple("ForegroundColor", e.ForegroundColor)
	d.simple("BackgroundColor", e.BackgroundColor)
	d.simple("OverrideURL", e.OverrideURL)
	if e.QualityCheck != nil {
		d.boolEl("QualityCheck", *e.QualityCheck)
	}
	d.simple("Tags", strings.Join(e.Tags, ";"))
	d.times(e.Times)
	for _, f := range e.sortedFields() {
		d.start("String")
		d.simple("Key", f.Key)
		d.value(f.Value)
		d.end("String")
	}
	for _, b := range e.Binaries {
		d.start("Binary")
		d.simple("Key", b.Key)
		d.start("Value", xml.Attr{Name: xml.Name{Local: "Ref"}, Value: strconv.Itoa(b.Ref)})
		d.end("Value")
		d.end("Binary")
	}
	if e.AutoType != nil {
		d.start("AutoType")
		d.boolEl("Enabled", e.AutoType.Enabled)
		d.intEl("DataTransferObfuscation", int64(e.AutoType.Obfuscation))
		d.simple("DefaultSequence", e.AutoType.Sequence)
		for _, assoc := range e.AutoType.Associations {
			d.start("Association")
			d.simple("Window", assoc.Window)
			d.simple("KeystrokeSequence", assoc.Sequence)
			d.end("Association")
		}
		d.end("AutoType")
	}
	d.customData(e.CustomData)
	if !inHistory {
		d.start("History")
		for _, snap := range e.History {
			d.entry(snap, true)
		}
		d.end("History")
	}
	d.end("Entry")
}
