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
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sseemayer/kdbx/pkg/innerstream"
)

// xmlDocument is the parsed inner document.
type xmlDocument struct {
	meta    *Meta
	root    *Group
	deleted []DeletedObject
}

// docParser decodes the inner XML document.  The single protected
// stream cursor is driven in token order, so protected values decrypt
// in exactly the order they appear in the file, history included.
type docParser struct {
	d      *xml.Decoder
	stream innerstream.Stream
}

// parseDocument decodes the decrypted XML payload into the object
// model.
func parseDocument(data []byte, stream innerstream.Stream) (*xmlDocument, error) {
	p := &docParser{
		d:      xml.NewDecoder(bytes.NewReader(data)),
		stream: stream,
	}
	doc, err := p.parse()
	if err != nil {
		return nil, &XMLParseError{Offset: p.d.InputOffset(), Err: err}
	}
	if doc.root == nil {
		return nil, &XMLParseError{Offset: p.d.InputOffset(), Err: errMissingRoot{}}
	}
	if doc.meta == nil {
		doc.meta = NewMeta()
	}
	return doc, nil
}

// timeValue distinguishes an absent timestamp element from the zero
// time.
type timeValue struct {
	t  time.Time
	ok bool
}

type errMissingRoot struct{}

func (errMissingRoot) Error() string { return "document has no root group" }

func (p *docParser) parse() (*xmlDocument, error) {
	doc := &xmlDocument{}
	for {
		tok, err := p.d.Token()
		if err == io.EOF {
			return doc, nil
		} else if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if se.Name.Local != "KeePassFile" {
			return nil, fmt.Errorf("unexpected root element <%s>", se.Name.Local)
		}
		if err := p.parseKeePassFile(doc); err != nil {
			return nil, err
		}
	}
}

func (p *docParser) parseKeePassFile(doc *xmlDocument) error {
	return p.children(func(se xml.StartElement) error {
		switch se.Name.Local {
		case "Meta":
			meta, err := p.parseMeta()
			if err != nil {
				return err
			}
			doc.meta = meta
		case "Root":
			return p.parseRoot(doc)
		default:
			return p.d.Skip()
		}
		return nil
	})
}

// children invokes fn for each child element of the current element,
// consuming the matching end tag.
func (p *docParser) children(fn func(xml.StartElement) error) error {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := fn(t); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// text consumes the character data of the current element, through its
// end tag.
func (p *docParser) text() (string, error) {
	var sb strings.Builder
	for {
		tok, err := p.d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			return sb.String(), nil
		case xml.StartElement:
			return "", fmt.Errorf("unexpected element <%s> in text content", t.Name.Local)
		}
	}
}

func (p *docParser) boolText() (bool, error) {
	s, err := p.text()
	if err != nil {
		return false, err
	}
	return strings.EqualFold(s, "true") || s == "1", nil
}

// optBoolText parses a tri-state boolean, where "null" (or empty)
// means unset.
func (p *docParser) optBoolText() (*bool, error) {
	s, err := p.text()
	if err != nil {
		return nil, err
	}
	if s == "" || strings.EqualFold(s, "null") {
		return nil, nil
	}
	v := strings.EqualFold(s, "true") || s == "1"
	return &v, nil
}

func (p *docParser) intText() (int64, error) {
	s, err := p.text()
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func (p *docParser) timeText() (t timeValue, err error) {
	s, err := p.text()
	if err != nil {
		return timeValue{}, err
	}
	if s == "" {
		return timeValue{}, nil
	}
	parsed, err := parseTime(s)
	if err != nil {
		return timeValue{}, err
	}
	return timeValue{t: parsed, ok: true}, nil
}

func (p *docParser) uuidText() (uuid.UUID, error) {
	s, err := p.text()
	if err != nil {
		return uuid.UUID{}, err
	}
	return decodeUUID(s)
}

func decodeUUID(s string) (uuid.UUID, error) {
	var u uuid.UUID
	if strings.TrimSpace(s) == "" {
		return u, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return u, err
	}
	if len(raw) != 16 {
		return u, fmt.Errorf("UUID is %d bytes, want 16", len(raw))
	}
	copy(u[:], raw)
	return u, nil
}

// parseValue decodes a <Value> element, deciphering it with the inner
// stream when the Protected attribute is set.
func (p *docParser) parseValue(se xml.StartElement) (Value, error) {
	protected := false
	for _, attr := range se.Attr {
		if attr.Name.Local == "Protected" && strings.EqualFold(attr.Value, "true") {
			protected = true
		}
	}
	s, err := p.text()
	if err != nil {
		return Value{}, err
	}
	if !protected {
		return PlainValue(s), nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Value{}, err
	}
	p.stream.Apply(raw)
	return Value{kind: protectedKind, data: raw}, nil
}

func (p *docParser) parseMeta() (*Meta, error) {
	m := &Meta{MasterKeyChangeRec: -1, MasterKeyChangeForce: -1}
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "Generator":
			m.Generator, err = p.text()
		case "DatabaseName":
			m.DatabaseName, err = p.text()
		case "DatabaseNameChanged":
			err = p.timeInto(&m.DatabaseNameChanged)
		case "DatabaseDescription":
			m.DatabaseDescription, err = p.text()
		case "DatabaseDescriptionChanged":
			err = p.timeInto(&m.DatabaseDescriptionChanged)
		case "DefaultUserName":
			m.DefaultUserName, err = p.text()
		case "DefaultUserNameChanged":
			err = p.timeInto(&m.DefaultUserNameChanged)
		case "MaintenanceHistoryDays":
			var v int64
			v, err = p.intText()
			m.MaintenanceHistoryDays = int(v)
		case "Color":
			m.Color, err = p.text()
		case "MasterKeyChanged":
			err = p.timeInto(&m.MasterKeyChanged)
		case "MasterKeyChangeRec":
			m.MasterKeyChangeRec, err = p.intText()
		case "MasterKeyChangeForce":
			m.MasterKeyChangeForce, err = p.intText()
		case "MemoryProtection":
			err = p.parseMemoryProtection(&m.MemoryProtection)
		case "CustomIcons":
			err = p.parseCustomIcons(m)
		case "RecycleBinEnabled":
			m.RecycleBinEnabled, err = p.boolText()
		case "RecycleBinUUID":
			m.RecycleBinUUID, err = p.uuidText()
		case "RecycleBinChanged":
			err = p.timeInto(&m.RecycleBinChanged)
		case "EntryTemplatesGroup":
			m.EntryTemplatesGroup, err = p.uuidText()
		case "EntryTemplatesGroupChanged":
			err = p.timeInto(&m.EntryTemplatesGroupChanged)
		case "LastSelectedGroup":
			m.LastSelectedGroup, err = p.uuidText()
		case "LastTopVisibleGroup":
			m.LastTopVisibleGroup, err = p.uuidText()
		case "HistoryMaxItems":
			var v int64
			v, err = p.intText()
			m.HistoryMaxItems = int(v)
		case "HistoryMaxSize":
			m.HistoryMaxSize, err = p.intText()
		case "SettingsChanged":
			err = p.timeInto(&m.SettingsChanged)
		case "Binaries":
			err = p.parseMetaBinaries(m)
		case "CustomData":
			m.CustomData, err = p.parseCustomData()
		default:
			err = p.d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// timeInto parses a timestamp element directly into dst.
func (p *docParser) timeInto(dst *time.Time) error {
	tv, err := p.timeText()
	if err != nil {
		return err
	}
	if tv.ok {
		*dst = tv.t
	}
	return nil
}

func (p *docParser) parseMemoryProtection(mp *MemoryProtection) error {
	return p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "ProtectTitle":
			mp.ProtectTitle, err = p.boolText()
		case "ProtectUserName":
			mp.ProtectUserName, err = p.boolText()
		case "ProtectPassword":
			mp.ProtectPassword, err = p.boolText()
		case "ProtectURL":
			mp.ProtectURL, err = p.boolText()
		case "ProtectNotes":
			mp.ProtectNotes, err = p.boolText()
		default:
			err = p.d.Skip()
		}
		return err
	})
}

func (p *docParser) parseCustomIcons(m *Meta) error {
	return p.children(func(se xml.StartElement) error {
		if se.Name.Local != "Icon" {
			return p.d.Skip()
		}
		var icon CustomIcon
		err := p.children(func(child xml.StartElement) error {
			switch child.Name.Local {
			case "UUID":
				u, err := p.uuidText()
				icon.UUID = u
				return err
			case "Data":
				s, err := p.text()
				if err != nil {
					return err
				}
				icon.Data, err = base64.StdEncoding.DecodeString(strings.TrimSpace(s))
				return err
			default:
				return p.d.Skip()
			}
		})
		if err != nil {
			return err
		}
		m.CustomIcons = append(m.CustomIcons, icon)
		return nil
	})
}

func (p *docParser) parseMetaBinaries(m *Meta) error {
	return p.children(func(se xml.StartElement) error {
		if se.Name.Local != "Binary" {
			return p.d.Skip()
		}
		var b MetaBinary
		for _, attr := range se.Attr {
			switch attr.Name.Local {
			case "ID":
				id, err := strconv.Atoi(attr.Value)
				if err != nil {
					return err
				}
				b.ID = id
			case "Compressed":
				b.Compressed = strings.EqualFold(attr.Value, "true")
			}
		}
		s, err := p.text()
		if err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return err
		}
		if b.Compressed {
			raw, err = decompress(CompressionGZip, raw)
			if err != nil {
				return err
			}
			b.Compressed = false
		}
		b.Data = raw
		m.Binaries = append(m.Binaries, b)
		return nil
	})
}

func (p *docParser) parseCustomData() (CustomData, error) {
	var cd CustomData
	err := p.children(func(se xml.StartElement) error {
		if se.Name.Local != "Item" {
			return p.d.Skip()
		}
		var item CustomDataItem
		err := p.children(func(child xml.StartElement) error {
			var err error
			switch child.Name.Local {
			case "Key":
				item.Key, err = p.text()
			case "Value":
				item.Value, err = p.parseValue(child)
			case "LastModificationTime":
				err = p.timeInto(&item.LastModified)
			default:
				err = p.d.Skip()
			}
			return err
		})
		if err != nil {
			return err
		}
		cd.Set(item)
		return nil
	})
	return cd, err
}

func (p *docParser) parseRoot(doc *xmlDocument) error {
	return p.children(func(se xml.StartElement) error {
		switch se.Name.Local {
		case "Group":
			g, err := p.parseGroup()
			if err != nil {
				return err
			}
			doc.root = g
		case "DeletedObjects":
			return p.children(func(child xml.StartElement) error {
				if child.Name.Local != "DeletedObject" {
					return p.d.Skip()
				}
				var d DeletedObject
				err := p.children(func(field xml.StartElement) error {
					var err error
					switch field.Name.Local {
					case "UUID":
						d.UUID, err = p.uuidText()
					case "DeletionTime":
						err = p.timeInto(&d.DeletionTime)
					default:
						err = p.d.Skip()
					}
					return err
				})
				if err != nil {
					return err
				}
				doc.deleted = append(doc.deleted, d)
				return nil
			})
		default:
			return p.d.Skip()
		}
		return nil
	})
}

func (p *docParser) parseGroup() (*Group, error) {
	g := &Group{}
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "UUID":
			g.UUID, err = p.uuidText()
		case "Name":
			g.Name, err = p.text()
		case "Notes":
			g.Notes, err = p.text()
		case "IconID":
			var v int64
			v, err = p.intText()
			g.IconID = int(v)
		case "CustomIconUUID":
			g.CustomIconUUID, err = p.uuidText()
		case "Times":
			g.Times, err = p.parseTimes()
		case "IsExpanded":
			g.IsExpanded, err = p.boolText()
		case "DefaultAutoTypeSequence":
			g.DefaultAutoTypeSequence, err = p.text()
		case "EnableAutoType":
			g.EnableAutoType, err = p.optBoolText()
		case "EnableSearching":
			g.EnableSearching, err = p.optBoolText()
		case "LastTopVisibleEntry":
			g.LastTopVisibleEntry, err = p.uuidText()
		case "Tags":
			var s string
			s, err = p.text()
			g.Tags = splitTags(s)
		case "CustomData":
			g.CustomData, err = p.parseCustomData()
		case "Entry":
			var e *Entry
			e, err = p.parseEntry()
			if err == nil {
				g.Children = append(g.Children, e)
			}
		case "Group":
			var sub *Group
			sub, err = p.parseGroup()
			if err == nil {
				g.Children = append(g.Children, sub)
			}
		default:
			err = p.d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (p *docParser) parseTimes() (Times, error) {
	var t Times
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "CreationTime":
			err = p.timeInto(&t.Creation)
		case "LastModificationTime":
			err = p.timeInto(&t.LastModification)
		case "LastAccessTime":
			err = p.timeInto(&t.LastAccess)
		case "ExpiryTime":
			err = p.timeInto(&t.Expiry)
		case "LocationChanged":
			err = p.timeInto(&t.LocationChanged)
		case "Expires":
			t.Expires, err = p.boolText()
		case "UsageCount":
			var v int64
			v, err = p.intText()
			t.UsageCount = uint64(v)
		default:
			err = p.d.Skip()
		}
		return err
	})
	return t, err
}

func (p *docParser) parseEntry() (*Entry, error) {
	e := &Entry{}
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "UUID":
			e.UUID, err = p.uuidText()
		case "IconID":
			var v int64
			v, err = p.intText()
			e.IconID = int(v)
		case "CustomIconUUID":
			e.CustomIconUUID, err = p.uuidText()
		case "ForegroundColor":
			e.ForegroundColor, err = p.text()
		case "BackgroundColor":
			e.BackgroundColor, err = p.text()
		case "OverrideURL":
			e.OverrideURL, err = p.text()
		case "QualityCheck":
			e.QualityCheck, err = p.optBoolText()
		case "Tags":
			var s string
			s, err = p.text()
			e.Tags = splitTags(s)
		case "Times":
			e.Times, err = p.parseTimes()
		case "String":
			err = p.parseStringField(e)
		case "Binary":
			err = p.parseBinaryRef(e)
		case "AutoType":
			e.AutoType, err = p.parseAutoType()
		case "CustomData":
			e.CustomData, err = p.parseCustomData()
		case "History":
			err = p.children(func(child xml.StartElement) error {
				if child.Name.Local != "Entry" {
					return p.d.Skip()
				}
				snap, err := p.parseEntry()
				if err != nil {
					return err
				}
				e.History = append(e.History, snap)
				return nil
			})
		default:
			err = p.d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (p *docParser) parseStringField(e *Entry) error {
	var key string
	var value Value
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "Key":
			key, err = p.text()
		case "Value":
			value, err = p.parseValue(se)
		default:
			err = p.d.Skip()
		}
		return err
	})
	if err != nil {
		return err
	}
	e.Fields = append(e.Fields, Field{Key: key, Value: value})
	return nil
}

func (p *docParser) parseBinaryRef(e *Entry) error {
	var key string
	ref := -1
	err := p.children(func(se xml.StartElement) error {
		switch se.Name.Local {
		case "Key":
			var err error
			key, err = p.text()
			return err
		case "Value":
			for _, attr := range se.Attr {
				if attr.Name.Local == "Ref" {
					n, err := strconv.Atoi(attr.Value)
					if err != nil {
						return err
					}
					ref = n
				}
			}
			return p.d.Skip()
		default:
			return p.d.Skip()
		}
	})
	if err != nil {
		return err
	}
	if ref < 0 {
		return fmt.Errorf("binary %q has no Ref", key)
	}
	e.Binaries = append(e.Binaries, BinaryRef{Key: key, Ref: ref})
	return nil
}

func (p *docParser) parseAutoType() (*AutoType, error) {
	at := &AutoType{}
	err := p.children(func(se xml.StartElement) error {
		var err error
		switch se.Name.Local {
		case "Enabled":
			at.Enabled, err = p.boolText()
		case "DefaultSequence":
			at.Sequence, err = p.text()
		case "DataTransferObfuscation":
			var v int64
			v, err = p.intText()
			at.Obfuscation = int(v)
		case "Association":
			var assoc AutoTypeAssociation
			err = p.children(func(child xml.StartElement) error {
				var err error
				switch child.Name.Local {
				case "Window":
					assoc.Window, err = p.text()
				case "KeystrokeSequence":
					assoc.Sequence, err = p.text()
				default:
					err = p.d.Skip()
				}
				return err
			})
			if err == nil {
				at.Associations = append(at.Associations, assoc)
			}
		default:
			err = p.d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return at, nil
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ','
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
