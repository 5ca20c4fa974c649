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
	"errors"
	"testing"

	"github.com/sseemayer/kdbx/pkg/fakerand"
	"github.com/sseemayer/kdbx/pkg/kdbcrypt"
)

// fastSettings returns KDBX4 settings with a cheap KDF, suitable for
// tests.
func fastSettings() DatabaseSettings {
	s := NewSettings()
	s.KDF = KDFSettings{Kind: KDFAes, Rounds: 10}
	s.Rand = fakerand.New()
	return s
}

func passwordKey(t *testing.T, password string) *kdbcrypt.DatabaseKey {
	t.Helper()
	return kdbcrypt.NewKey().WithPassword(password)
}

func saveAndReopen(t *testing.T, db *Database, password string) *Database {
	t.Helper()
	var buf bytes.Buffer
	if err := db.Save(&buf, passwordKey(t, password)); err != nil {
		t.Fatal("Save:", err)
	}
	reopened, err := Open(bytes.NewReader(buf.Bytes()), passwordKey(t, password))
	if err != nil {
		t.Fatal("Open:", err)
	}
	return reopened
}

func TestNewDatabase(t *testing.T) {
	db := New()
	if db.Root == nil || db.Root.Name != "Root" {
		t.Fatal("New database has no root group")
	}
	if len(db.Root.Children) != 0 {
		t.Errorf("new root has %d children; want 0", len(db.Root.Children))
	}
	if it := db.Entries(); it.Next() != nil {
		t.Error("new database yields entries")
	}
}

func TestEmptyDatabaseRoundTrip(t *testing.T) {
	db := New()
	db.Settings = fastSettings()
	db.Meta.DatabaseName = "Empty"

	reopened := saveAndReopen(t, db, "demopass")
	if reopened.Meta.DatabaseName != "Empty" {
		t.Errorf("database name = %q; want %q", reopened.Meta.DatabaseName, "Empty")
	}
	if len(reopened.Root.Children) != 0 {
		t.Errorf("reopened root has %d children; want 0", len(reopened.Root.Children))
	}
}

func TestBuildSaveReopen(t *testing.T) {
	db := New()
	db.Settings = fastSettings()
	db.Meta.DatabaseName = "Demo"

	g := NewGroup("G")
	db.Root.AddGroup(g)

	e := NewEntry()
	e.Set(FieldTitle, PlainValue("Demo entry"))
	e.Set(FieldUserName, PlainValue("jdoe"))
	e.Set(FieldPassword, ProtectedValue("hunter2"))
	g.AddEntry(e)

	reopened := saveAndReopen(t, db, "demopass")

	if reopened.Meta.DatabaseName != "Demo" {
		t.Errorf("database name = %q; want Demo", reopened.Meta.DatabaseName)
	}
	node := reopened.Root.Get("G", "Demo entry")
	entry, ok := node.(*Entry)
	if !ok {
		t.Fatalf("Get(G, Demo entry) = %T; want *Entry", node)
	}
	if got := entry.Title(); got != "Demo entry" {
		t.Errorf("Title = %q; want %q", got, "Demo entry")
	}
	if got := entry.UserName(); got != "jdoe" {
		t.Errorf("UserName = %q; want %q", got, "jdoe")
	}
	if got := entry.Password(); got != "hunter2" {
		t.Errorf("Password = %q; want %q", got, "hunter2")
	}
	pw, _ := entry.Get(FieldPassword)
	if !pw.Protected() {
		t.Error("password lost its protection on round trip")
	}
	if entry.UUID != e.UUID {
		t.Errorf("entry UUID changed on round trip: %v != %v", entry.UUID, e.UUID)
	}
}

func TestWrongPassword(t *testing.T) {
	db := New()
	db.Settings = fastSettings()
	var buf bytes.Buffer
	if err := db.Save(&buf, passwordKey(t, "demopass")); err != nil {
		t.Fatal("Save:", err)
	}

	opened, err := Open(bytes.NewReader(buf.Bytes()), passwordKey(t, "wrong"))
	if !errors.Is(err, ErrIncorrectKey) {
		t.Errorf("Open with wrong password = %v; want %v", err, ErrIncorrectKey)
	}
	if opened != nil {
		t.Error("Open returned a partial database alongside the error")
	}
}

func TestTamperedPayload(t *testing.T) {
	db := New()
	db.Settings = fastSettings()
	g := NewGroup("G")
	db.Root.AddGroup(g)
	for i := 0; i < 8; i++ {
		e := NewEntry()
		e.Set(FieldTitle, PlainValue("pad the payload so a mid-file flip lands in a data block"))
		g.AddEntry(e)
	}
	var buf bytes.Buffer
	if err := db.Save(&buf, passwordKey(t, "demopass")); err != nil {
		t.Fatal("Save:", err)
	}

	// Flip one byte inside a block payload, past the header, its
	// digests and the first block's frame.
	data := buf.Bytes()
	data[len(data)-40] ^= 0x01

	_, err := Open(bytes.NewReader(data), passwordKey(t, "demopass"))
	if !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("Open of tampered file = %v; want %v", err, ErrIntegrityFailed)
	}
	if errors.Is(err, ErrIncorrectKey) {
		t.Error("tampered payload misreported as a wrong key")
	}
}

func TestEntriesIterationOrder(t *testing.T) {
	db := New()
	topEntry := NewEntry()
	topEntry.Set(FieldTitle, PlainValue("top"))
	db.Root.AddEntry(topEntry)

	sub := NewGroup("sub")
	db.Root.AddGroup(sub)
	subEntry := NewEntry()
	subEntry.Set(FieldTitle, PlainValue("nested"))
	sub.AddEntry(subEntry)

	deeper := NewGroup("deeper")
	sub.AddGroup(deeper)
	deepEntry := NewEntry()
	deepEntry.Set(FieldTitle, PlainValue("deep"))
	deeper.AddEntry(deepEntry)

	var titles []string
	for it := db.Entries(); ; {
		e := it.Next()
		if e == nil {
			break
		}
		titles = append(titles, e.Title())
	}
	want := []string{"top", "nested", "deep"}
	if len(titles) != len(want) {
		t.Fatalf("iterated %d entries; want %d", len(titles), len(want))
	}
	for i := range want {
		if titles[i] != want[i] {
			t.Errorf("entry %d = %q; want %q", i, titles[i], want[i])
		}
	}
}

func TestRemoveLeavesTombstone(t *testing.T) {
	db := New()
	e := NewEntry()
	db.Root.AddEntry(e)

	if !db.Remove(e.UUID) {
		t.Fatal("Remove returned false for a live entry")
	}
	if db.FindEntry(e.UUID) != nil {
		t.Error("entry still reachable after Remove")
	}
	if _, ok := db.deletedAt(e.UUID); !ok {
		t.Error("no tombstone recorded for removed entry")
	}
}

func TestUpdateHistory(t *testing.T) {
	e := NewEntry()
	e.Set(FieldTitle, PlainValue("v1"))
	e.UpdateHistory()
	e.Set(FieldTitle, PlainValue("v2"))
	e.UpdateHistory()

	if len(e.History) != 2 {
		t.Fatalf("history has %d snapshots; want 2", len(e.History))
	}
	if e.History[0].Title() != "v1" || e.History[1].Title() != "v2" {
		t.Error("history snapshots out of order; want oldest first")
	}
	if len(e.History[0].History) != 0 {
		t.Error("history snapshot has nested history")
	}
	for _, snap := range e.History {
		if snap.UUID != e.UUID {
			t.Error("history snapshot UUID differs from parent")
		}
	}
}

func TestUUIDsUniqueAfterOpen(t *testing.T) {
	db := New()
	db.Settings = fastSettings()
	g := NewGroup("G")
	db.Root.AddGroup(g)
	for i := 0; i < 5; i++ {
		g.AddEntry(NewEntry())
	}
	reopened := saveAndReopen(t, db, "pw")

	seen := make(map[string]bool)
	var walk func(g *Group)
	walk = func(g *Group) {
		if seen[g.UUID.String()] {
			t.Errorf("duplicate UUID %v", g.UUID)
		}
		seen[g.UUID.String()] = true
		for _, child := range g.Children {
			switch n := child.(type) {
			case *Entry:
				if seen[n.UUID.String()] {
					t.Errorf("duplicate UUID %v", n.UUID)
				}
				seen[n.UUID.String()] = true
			case *Group:
				walk(n)
			}
		}
	}
	walk(reopened.Root)
}
