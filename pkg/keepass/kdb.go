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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
)

// kdbHeaderSize is the byte length of the fixed KDB file header.
const kdbHeaderSize = 124

// KDB encryption flag bits.
const (
	kdbFlagRijndael = 2
	kdbFlagTwofish  = 8
)

// KDB field TLV types.
const (
	kdbFieldIgnore     = 0x0000
	kdbFieldTerminator = 0xffff

	kdbGroupID       = 0x0001
	kdbGroupName     = 0x0002
	kdbGroupCreation = 0x0003
	kdbGroupLastMod  = 0x0004
	kdbGroupAccess   = 0x0005
	kdbGroupExpiry   = 0x0006
	kdbGroupIcon     = 0x0007
	kdbGroupLevel    = 0x0008
	kdbGroupFlags    = 0x0009

	kdbEntryUUID       = 0x0001
	kdbEntryGroupID    = 0x0002
	kdbEntryIcon       = 0x0003
	kdbEntryTitle      = 0x0004
	kdbEntryURL        = 0x0005
	kdbEntryUsername   = 0x0006
	kdbEntryPassword   = 0x0007
	kdbEntryNotes      = 0x0008
	kdbEntryCreation   = 0x0009
	kdbEntryLastMod    = 0x000a
	kdbEntryAccess     = 0x000b
	kdbEntryExpiry     = 0x000c
	kdbEntryAttachDesc = 0x000d
	kdbEntryAttachData = 0x000e
)

type kdbHeader struct {
	flags           uint32
	masterSeed      []byte
	iv              []byte
	numGroups       uint32
	numEntries      uint32
	contentsHash    []byte
	transformSeed   []byte
	transformRounds uint32
}

func parseKDBHeader(data []byte) (*kdbHeader, error) {
	if len(data) < kdbHeaderSize {
		return nil, fmt.Errorf("%w: short header", ErrBadHeader)
	}
	return &kdbHeader{
		flags:           binary.LittleEndian.Uint32(data[8:]),
		masterSeed:      data[16:32],
		iv:              data[32:48],
		numGroups:       binary.LittleEndian.Uint32(data[48:]),
		numEntries:      binary.LittleEndian.Uint32(data[52:]),
		contentsHash:    data[56:88],
		transformSeed:   data[88:120],
		transformRounds: binary.LittleEndian.Uint32(data[120:]),
	}, nil
}

func (h *kdbHeader) cipher() (kdbcrypt.Cipher, error) {
	switch {
	case h.flags&kdbFlagRijndael != 0:
		return kdbcrypt.AES256Cipher, nil
	case h.flags&kdbFlagTwofish != 0:
		return kdbcrypt.TwofishCipher, nil
	default:
		return 0, fmt.Errorf("%w: flags %#x", ErrUnsupportedCipher, h.flags)
	}
}

func openKDB(data []byte, v Version, key *kdbcrypt.DatabaseKey) (*Database, error) {
	h, err := parseKDBHeader(data)
	if err != nil {
		return nil, err
	}
	cipher, err := h.cipher()
	if err != nil {
		return nil, err
	}

	if err := key.PerformChallenge(h.transformSeed); err != nil {
		return nil, err
	}
	composite, err := key.CompositeKDB()
	if err != nil {
		return nil, err
	}
	defer kdbcrypt.Zero(composite[:])

	kdf := kdbcrypt.AESKDF{Seed: h.transformSeed, Rounds: uint64(h.transformRounds)}
	transformed, err := kdf.TransformKey(&composite)
	if err != nil {
		return nil, err
	}
	defer kdbcrypt.Zero(transformed[:])

	masterKey := kdbcrypt.MasterKey(h.masterSeed, &transformed)
	defer kdbcrypt.Zero(masterKey[:])

	dec, err := kdbcrypt.NewDecrypter(bytes.NewReader(data[kdbHeaderSize:]), cipher, masterKey[:], h.iv)
	if err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(dec)
	if err != nil {
		return nil, ErrIncorrectKey
	}
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], h.contentsHash) {
		return nil, ErrIncorrectKey
	}

	root, err := parseKDBPayload(h, payload)
	if err != nil {
		return nil, err
	}

	return &Database{
		Settings: DatabaseSettings{
			Version:     v,
			Cipher:      cipher,
			Compression: CompressionNone,
			KDF: KDFSettings{
				Kind:   KDFAes,
				Rounds: uint64(h.transformRounds),
				Seed:   h.transformSeed,
			},
		},
		Meta: NewMeta(),
		Root: root,
	}, nil
}

// kdbFieldReader iterates the (uint16 type, uint32 size, value) records
// of a group or entry.  The terminator record ends the iteration.
type kdbFieldReader struct {
	r   reader
	buf []byte
}

// next returns the next field.  val is valid until the subsequent call.
// After the terminator record the error is io.EOF.
func (fr *kdbFieldReader) next() (key uint16, val []byte, err error) {
	if fr.r.err != nil {
		return 0, nil, fr.r.err
	}
	key = fr.r.readUint16()
	sz := int(fr.r.readUint32())
	if fr.r.err != nil {
		return 0, nil, fr.r.err
	}
	if cap(fr.buf) < sz {
		fr.buf = make([]byte, sz)
	}
	fr.buf = fr.buf[:sz]
	fr.r.readFull(fr.buf)
	if fr.r.err != nil {
		return 0, nil, fr.r.err
	}
	if key == kdbFieldTerminator {
		fr.r.err = io.EOF
	}
	return key, fr.buf, nil
}

func stripNull(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == 0 {
		return b[:n-1]
	}
	return b
}

// readKDBDate unpacks the 5-byte packed date format.
func readKDBDate(name string, b []byte) (time.Time, error) {
	if err := verifyFieldSize(name, b, 5); err != nil {
		return time.Time{}, err
	}

	// 0        1        2        3        4
	// YYYYYYYY YYYYYYMM MMDDDDDH HHHHmmmm mmssssss
	year := int(b[0])<<6 | int(b[1]>>2)
	month := time.Month(b[1]&0x03<<2 | b[2]>>6)
	day := int(b[2] >> 1 & 0x1f)
	hour := int(b[2]&0x01<<4 | b[3]>>4)
	minute := int(b[3]&0x0f<<2 | b[4]>>6)
	second := int(b[4] & 0x3f)

	if year == 2999 && month == time.December && day == 28 && hour == 23 && minute == 59 && second == 59 {
		// Magic "never" time.
		return time.Time{}, nil
	}
	return time.Date(year, month, day, hour, minute, second, 0, time.UTC), nil
}

type kdbParseState struct {
	groups      map[uint32]*Group
	groupLevels []uint16
	groupOrder  []*Group
}

func parseKDBPayload(h *kdbHeader, payload []byte) (*Group, error) {
	r := bytes.NewReader(payload)
	state := &kdbParseState{groups: make(map[uint32]*Group)}

	for i := uint32(0); i < h.numGroups; i++ {
		if err := readKDBGroup(state, r); err != nil {
			return nil, err
		}
	}

	root := &Group{Name: "Root", UUID: uuid.New()}
	for i, g := range state.groupOrder {
		parent := kdbGroupParent(state, root, i)
		if parent == nil {
			return nil, fmt.Errorf("%w: inconsistent group tree", ErrBadHeader)
		}
		parent.Children = append(parent.Children, g)
	}

	for i := uint32(0); i < h.numEntries; i++ {
		if err := readKDBEntry(state, root, r); err != nil {
			return nil, err
		}
	}
	return root, nil
}

// kdbGroupParent resolves the parent of group i from the level fields,
// scanning backwards for the closest group one level up.
func kdbGroupParent(state *kdbParseState, root *Group, i int) *Group {
	level := state.groupLevels[i]
	if level == 0 {
		return root
	}
	for j := i - 1; j >= 0; j-- {
		if delta := int16(state.groupLevels[j] - level); delta == -1 {
			return state.groupOrder[j]
		} else if delta < 0 {
			return nil
		}
	}
	return nil
}

func readKDBGroup(state *kdbParseState, r io.Reader) error {
	fr := &kdbFieldReader{r: reader{r: r}}
	g := &Group{UUID: uuid.New()}
	var level uint16
	idSet, levelSet := false, false
	for {
		k, v, err := fr.next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		switch k {
		case kdbFieldIgnore, kdbGroupFlags, kdbFieldTerminator:
			// ignored
		case kdbGroupID:
			if err := verifyFieldSize("group ID", v, 4); err != nil {
				return err
			}
			state.groups[binary.LittleEndian.Uint32(v)] = g
			idSet = true
		case kdbGroupName:
			g.Name = string(stripNull(v))
		case kdbGroupCreation:
			g.Times.Creation, err = readKDBDate("group creation time", v)
		case kdbGroupLastMod:
			g.Times.LastModification, err = readKDBDate("group modification time", v)
		case kdbGroupAccess:
			g.Times.LastAccess, err = readKDBDate("group access time", v)
		case kdbGroupExpiry:
			g.Times.Expiry, err = readKDBDate("group expiry time", v)
			g.Times.Expires = err == nil && !g.Times.Expiry.IsZero()
		case kdbGroupIcon:
			if err := verifyFieldSize("group icon", v, 4); err != nil {
				return err
			}
			g.IconID = int(binary.LittleEndian.Uint32(v))
		case kdbGroupLevel:
			if err := verifyFieldSize("group level", v, 2); err != nil {
				return err
			}
			level = binary.LittleEndian.Uint16(v)
			levelSet = true
		default:
			return fmt.Errorf("%w: unknown group field %#04x", ErrBadHeader, k)
		}
		if err != nil {
			return err
		}
	}
	if !idSet || !levelSet {
		return fmt.Errorf("%w: missing group ID or level", ErrBadHeader)
	}
	state.groupLevels = append(state.groupLevels, level)
	state.groupOrder = append(state.groupOrder, g)
	return nil
}

func readKDBEntry(state *kdbParseState, root *Group, r io.Reader) error {
	fr := &kdbFieldReader{r: reader{r: r}}
	e := &Entry{}
	var groupID uint32
	var attachName string
	var attachData []byte
	for {
		k, v, err := fr.next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		switch k {
		case kdbFieldIgnore, kdbFieldTerminator:
			// ignored
		case kdbEntryUUID:
			if err := verifyFieldSize("entry UUID", v, 16); err != nil {
				return err
			}
			copy(e.UUID[:], v)
		case kdbEntryGroupID:
			if err := verifyFieldSize("entry group ID", v, 4); err != nil {
				return err
			}
			groupID = binary.LittleEndian.Uint32(v)
		case kdbEntryIcon:
			if err := verifyFieldSize("entry icon", v, 4); err != nil {
				return err
			}
			e.IconID = int(binary.LittleEndian.Uint32(v))
		case kdbEntryTitle:
			e.Fields = append(e.Fields, Field{Key: FieldTitle, Value: PlainValue(string(stripNull(v)))})
		case kdbEntryURL:
			e.Fields = append(e.Fields, Field{Key: FieldURL, Value: PlainValue(string(stripNull(v)))})
		case kdbEntryUsername:
			e.Fields = append(e.Fields, Field{Key: FieldUserName, Value: PlainValue(string(stripNull(v)))})
		case kdbEntryPassword:
			e.Fields = append(e.Fields, Field{Key: FieldPassword, Value: ProtectedValue(string(stripNull(v)))})
		case kdbEntryNotes:
			e.Fields = append(e.Fields, Field{Key: FieldNotes, Value: PlainValue(string(stripNull(v)))})
		case kdbEntryCreation:
			e.Times.Creation, err = readKDBDate("entry creation time", v)
		case kdbEntryLastMod:
			e.Times.LastModification, err = readKDBDate("entry modification time", v)
		case kdbEntryAccess:
			e.Times.LastAccess, err = readKDBDate("entry access time", v)
		case kdbEntryExpiry:
			e.Times.Expiry, err = readKDBDate("entry expiry time", v)
			e.Times.Expires = err == nil && !e.Times.Expiry.IsZero()
		case kdbEntryAttachDesc:
			attachName = string(stripNull(v))
		case kdbEntryAttachData:
			attachData = append([]byte(nil), v...)
		default:
			return fmt.Errorf("%w: unknown entry field %#04x", ErrBadHeader, k)
		}
		if err != nil {
			return err
		}
	}
	if isKDBMetaStream(e, attachName, attachData) {
		// KeePass1 configuration pseudo-entries carry no user data.
		return nil
	}
	if attachName != "" && len(attachData) > 0 {
		e.Fields = append(e.Fields, Field{Key: attachName, Value: BytesValue(attachData)})
	}
	if g := state.groups[groupID]; g != nil {
		g.Children = append(g.Children, e)
	} else {
		root.Children = append(root.Children, e)
	}
	return nil
}

// isKDBMetaStream recognizes the KeePass1 "Meta-Info" pseudo-entries
// used to smuggle UI state through the entry list.
func isKDBMetaStream(e *Entry, attachName string, attachData []byte) bool {
	return e.Title() == "Meta-Info" && e.UserName() == "SYSTEM" &&
		e.URL() == "$" && e.IconID == 0 && e.Notes() != "" &&
		attachName == "bin-stream" && len(attachData) > 0
}
