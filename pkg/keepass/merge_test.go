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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// twinDatabases builds two databases sharing a common group, as if the
// same file had been copied and edited on two machines.
func twinDatabases() (*Database, *Database) {
	a := New()
	shared := NewGroup("Shared")
	shared.Times = fixedTimes(0)
	a.Root.AddGroup(shared)

	b := New()
	b.Root.UUID = a.Root.UUID
	b.Root.Times = a.Root.Times
	sharedB := shared.Clone()
	b.Root.AddGroup(sharedB)
	return a, b
}

func sharedGroup(t *testing.T, db *Database) *Group {
	t.Helper()
	g, ok := db.Root.Get("Shared").(*Group)
	require.True(t, ok, "Shared group missing")
	return g
}

func TestMergeDisjointEntries(t *testing.T) {
	a, b := twinDatabases()

	ea := NewEntry()
	ea.Times = fixedTimes(1)
	ea.Set(FieldTitle, PlainValue("from A"))
	sharedGroup(t, a).AddEntry(ea)

	eb := NewEntry()
	eb.Times = fixedTimes(2)
	eb.Set(FieldTitle, PlainValue("from B"))
	sharedGroup(t, b).AddEntry(eb)

	log, err := a.Merge(b)
	require.NoError(t, err)

	got := sharedGroup(t, a).Entries()
	require.Len(t, got, 2)
	require.Equal(t, "from A", got[0].Title(), "merge must keep existing entries first")
	require.Equal(t, "from B", got[1].Title())

	var created int
	for _, ev := range log.Events {
		if ev.Type == MergeEntryCreated {
			created++
		}
	}
	require.Equal(t, 1, created)

	// Merging again changes nothing.
	log, err = a.Merge(b)
	require.NoError(t, err)
	require.Empty(t, log.Events)
	require.Len(t, sharedGroup(t, a).Entries(), 2)
}

func TestMergeLastWriterWins(t *testing.T) {
	a, b := twinDatabases()

	e := NewEntry()
	e.Set(FieldTitle, PlainValue("old title"))
	e.Times = fixedTimes(1)
	sharedGroup(t, a).AddEntry(e)

	newer := e.Clone()
	newer.Fields = nil
	newer.Set(FieldTitle, PlainValue("new title"))
	newer.Times = fixedTimes(1)
	newer.Times.LastModification = fixedTime(30)
	sharedGroup(t, b).AddEntry(newer)

	_, err := a.Merge(b)
	require.NoError(t, err)

	got := sharedGroup(t, a).Entries()
	require.Len(t, got, 1)
	require.Equal(t, "new title", got[0].Title())

	// The older side must not clobber the newer one.
	older := a
	_, err = b.Merge(older)
	require.NoError(t, err)
	require.Equal(t, "new title", sharedGroup(t, b).Entries()[0].Title())
}

func TestMergeHistoryUnion(t *testing.T) {
	a, b := twinDatabases()

	e := NewEntry()
	e.Times = fixedTimes(5)
	e.Set(FieldTitle, PlainValue("base"))

	mkSnap := func(sec int) *Entry {
		snap := e.Clone()
		snap.History = nil
		snap.Times.LastModification = fixedTime(sec)
		return snap
	}

	ea := e.Clone()
	ea.History = []*Entry{mkSnap(1), mkSnap(2)}
	sharedGroup(t, a).AddEntry(ea)

	eb := e.Clone()
	eb.History = []*Entry{mkSnap(2), mkSnap(3), mkSnap(4)}
	sharedGroup(t, b).AddEntry(eb)

	_, err := a.Merge(b)
	require.NoError(t, err)

	got := sharedGroup(t, a).Entries()[0]
	require.Len(t, got.History, 4, "history union should hold snapshots 1..4")
	for i := 1; i < len(got.History); i++ {
		require.False(t, got.History[i].Times.LastModification.Before(got.History[i-1].Times.LastModification),
			"history must stay ordered oldest first")
	}
}

func TestMergeHistoryCap(t *testing.T) {
	a, b := twinDatabases()
	a.Meta.HistoryMaxItems = 3

	e := NewEntry()
	e.Times = fixedTimes(5)

	mkSnap := func(sec int) *Entry {
		snap := e.Clone()
		snap.History = nil
		snap.Times.LastModification = fixedTime(sec)
		return snap
	}

	ea := e.Clone()
	ea.History = []*Entry{mkSnap(1), mkSnap(2), mkSnap(3)}
	sharedGroup(t, a).AddEntry(ea)

	eb := e.Clone()
	eb.History = []*Entry{mkSnap(4), mkSnap(5)}
	sharedGroup(t, b).AddEntry(eb)

	_, err := a.Merge(b)
	require.NoError(t, err)

	got := sharedGroup(t, a).Entries()[0]
	require.Len(t, got.History, 3)
	// The newest snapshots survive the cap.
	require.Equal(t, fixedTime(5), got.History[2].Times.LastModification)
	require.Equal(t, fixedTime(3), got.History[0].Times.LastModification)
}

func TestMergeTombstoneWins(t *testing.T) {
	a, b := twinDatabases()

	e := NewEntry()
	e.Times = fixedTimes(1)
	sharedGroup(t, a).AddEntry(e)
	sharedGroup(t, b).AddEntry(e.Clone())

	// B deleted the entry after A's last modification.
	require.True(t, b.Remove(e.UUID))
	b.DeletedObjects[len(b.DeletedObjects)-1].DeletionTime = fixedTime(60)

	_, err := a.Merge(b)
	require.NoError(t, err)
	require.Nil(t, a.FindEntry(e.UUID), "tombstoned entry must be dropped")
	_, dead := a.deletedAt(e.UUID)
	require.True(t, dead, "tombstone must propagate")
}

func TestMergeEditAfterDeleteWins(t *testing.T) {
	a, b := twinDatabases()

	e := NewEntry()
	e.Times = fixedTimes(1)
	sharedGroup(t, b).AddEntry(e)

	// A carries a tombstone that predates B's edit.
	a.DeletedObjects = append(a.DeletedObjects, DeletedObject{
		UUID:         e.UUID,
		DeletionTime: fixedTime(0),
	})
	e.Times.LastModification = fixedTime(30)

	_, err := a.Merge(b)
	require.NoError(t, err)
	require.NotNil(t, a.FindEntry(e.UUID), "entry edited after deletion must survive")
	_, dead := a.deletedAt(e.UUID)
	require.False(t, dead, "stale tombstone must be dropped")
}

func TestMergeRelocation(t *testing.T) {
	a, b := twinDatabases()

	other := NewGroup("Other")
	other.Times = fixedTimes(0)
	a.Root.AddGroup(other)
	b.Root.AddGroup(other.Clone())

	e := NewEntry()
	e.Times = fixedTimes(1)
	sharedGroup(t, a).AddEntry(e)

	// B moved the entry to Other, later.
	moved := e.Clone()
	moved.Times.LocationChanged = fixedTime(45)
	og, ok := b.Root.Get("Other").(*Group)
	require.True(t, ok)
	og.AddEntry(moved)

	_, err := a.Merge(b)
	require.NoError(t, err)

	require.Empty(t, sharedGroup(t, a).Entries(), "entry should have left Shared")
	ag, ok := a.Root.Get("Other").(*Group)
	require.True(t, ok)
	require.Len(t, ag.Entries(), 1)
}

func TestMergeBinaryPoolDedup(t *testing.T) {
	a, b := twinDatabases()
	a.HeaderAttachments = []HeaderAttachment{{Data: []byte("shared blob")}}
	b.HeaderAttachments = []HeaderAttachment{
		{Data: []byte("shared blob")},
		{Data: []byte("only in b")},
	}

	e := NewEntry()
	e.Times = fixedTimes(1)
	e.Binaries = []BinaryRef{{Key: "a.txt", Ref: 0}, {Key: "b.txt", Ref: 1}}
	sharedGroup(t, b).AddEntry(e)

	_, err := a.Merge(b)
	require.NoError(t, err)

	require.Len(t, a.HeaderAttachments, 2, "identical blobs must deduplicate")
	merged := a.FindEntry(e.UUID)
	require.NotNil(t, merged)
	require.Equal(t, 0, merged.Binaries[0].Ref, "shared blob remaps to existing index")
	require.Equal(t, 1, merged.Binaries[1].Ref)
	require.Equal(t, []byte("only in b"), a.HeaderAttachments[1].Data)
}

func TestMergeCustomData(t *testing.T) {
	a, b := twinDatabases()

	e := NewEntry()
	e.Times = fixedTimes(1)
	e.CustomData.Set(CustomDataItem{Key: "k", Value: PlainValue("old"), LastModified: fixedTime(1)})
	sharedGroup(t, a).AddEntry(e)

	eb := e.Clone()
	eb.CustomData.Set(CustomDataItem{Key: "k", Value: PlainValue("new"), LastModified: fixedTime(2)})
	eb.CustomData.Set(CustomDataItem{Key: "extra", Value: PlainValue("x"), LastModified: fixedTime(2)})
	sharedGroup(t, b).AddEntry(eb)

	_, err := a.Merge(b)
	require.NoError(t, err)

	got := sharedGroup(t, a).Entries()[0]
	item, ok := got.CustomData.Get("k")
	require.True(t, ok)
	require.Equal(t, "new", item.Value.String())
	_, ok = got.CustomData.Get("extra")
	require.True(t, ok)
}

func TestMergeDeletedObjectsUnion(t *testing.T) {
	a, b := twinDatabases()
	id := NewEntry().UUID

	a.DeletedObjects = []DeletedObject{{UUID: id, DeletionTime: fixedTime(1)}}
	b.DeletedObjects = []DeletedObject{{UUID: id, DeletionTime: fixedTime(9)}}

	_, err := a.Merge(b)
	require.NoError(t, err)

	when, ok := a.deletedAt(id)
	require.True(t, ok)
	require.Equal(t, fixedTime(9), when, "later deletion time must win")
}

func TestMergeStableOrderByCreation(t *testing.T) {
	a, b := twinDatabases()

	early := NewEntry()
	early.Times = fixedTimes(1)
	early.Set(FieldTitle, PlainValue("early"))
	sharedGroup(t, a).AddEntry(early)

	late := NewEntry()
	late.Times = fixedTimes(9)
	late.Set(FieldTitle, PlainValue("late"))
	sharedGroup(t, b).AddEntry(late)

	_, err := a.Merge(b)
	require.NoError(t, err)

	entries := sharedGroup(t, a).Entries()
	require.Len(t, entries, 2)
	require.True(t, entries[0].Times.Creation.Before(entries[1].Times.Creation) ||
		entries[0].Times.Creation.Equal(entries[1].Times.Creation.Add(-8*time.Second)),
		"existing (earlier-created) entry stays first")
}
