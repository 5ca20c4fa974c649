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
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// MergeEventType classifies a change made during a merge.
type MergeEventType int

// Merge event types.
const (
	MergeEntryCreated MergeEventType = iota
	MergeEntryUpdated
	MergeEntryRelocated
	MergeEntryDeleted
	MergeGroupCreated
	MergeGroupUpdated
	MergeGroupRelocated
	MergeGroupDeleted
)

// A MergeEvent records one change made during a merge.
type MergeEvent struct {
	Type MergeEventType
	UUID uuid.UUID
}

// A MergeLog collects the changes and anomalies of one merge.
type MergeLog struct {
	Events   []MergeEvent
	Warnings []string
}

func (l *MergeLog) event(t MergeEventType, id uuid.UUID) {
	l.Events = append(l.Events, MergeEvent{Type: t, UUID: id})
}

func (l *MergeLog) warnf(format string, args ...interface{}) {
	l.Warnings = append(l.Warnings, fmt.Sprintf(format, args...))
}

// nodeIndex locates every node in a tree by UUID.
type nodeIndex struct {
	parents map[uuid.UUID]*Group
	nodes   map[uuid.UUID]Node
}

func indexTree(root *Group) *nodeIndex {
	idx := &nodeIndex{
		parents: make(map[uuid.UUID]*Group),
		nodes:   make(map[uuid.UUID]Node),
	}
	var walk func(g *Group)
	walk = func(g *Group) {
		idx.nodes[g.UUID] = g
		for _, child := range g.Children {
			idx.parents[nodeUUID(child)] = g
			idx.nodes[nodeUUID(child)] = child
			if sub, ok := child.(*Group); ok {
				walk(sub)
			}
		}
	}
	walk(root)
	return idx
}

// Merge folds the changes in other into db, matching groups and
// entries by UUID and resolving conflicts by modification timestamps.
// other is not modified.
func (db *Database) Merge(other *Database) (*MergeLog, error) {
	log := &MergeLog{}
	if db.Root == nil || other.Root == nil {
		return nil, fmt.Errorf("keepass: merge requires both databases to have a root group")
	}

	refMap := db.mergeBinaryPools(other)
	idx := indexTree(db.Root)
	otherIdx := indexTree(other.Root)

	db.mergeGroupInto(other.Root, db.Root, idx, refMap, log)
	db.applyRelocations(other, idx, otherIdx, log)
	db.applyTombstones(other, log)
	db.mergeDeletedObjects(other)
	return log, nil
}

// mergeBinaryPools unions the header attachment pools, deduplicating
// by content hash, and returns the index remapping for other's refs.
func (db *Database) mergeBinaryPools(other *Database) map[int]int {
	index := make(map[[32]byte]int, len(db.HeaderAttachments))
	for i, att := range db.HeaderAttachments {
		index[sha256.Sum256(att.Data)] = i
	}
	refMap := make(map[int]int, len(other.HeaderAttachments))
	for i, att := range other.HeaderAttachments {
		sum := sha256.Sum256(att.Data)
		if j, ok := index[sum]; ok {
			refMap[i] = j
			continue
		}
		db.HeaderAttachments = append(db.HeaderAttachments, att)
		j := len(db.HeaderAttachments) - 1
		index[sum] = j
		refMap[i] = j
	}
	return refMap
}

// mergeGroupInto walks other's group, creating or updating matching
// nodes in db.  dstParent is where otherGroup's children land when
// they do not exist yet.
func (db *Database) mergeGroupInto(otherGroup, dstParent *Group, idx *nodeIndex, refMap map[int]int, log *MergeLog) {
	for _, child := range otherGroup.Children {
		switch n := child.(type) {
		case *Entry:
			db.mergeEntry(n, dstParent, idx, refMap, log)
		case *Group:
			dst := db.mergeGroup(n, dstParent, idx, log)
			db.mergeGroupInto(n, dst, idx, refMap, log)
		}
	}
}

func (db *Database) mergeEntry(otherEntry *Entry, dstParent *Group, idx *nodeIndex, refMap map[int]int, log *MergeLog) {
	existing, ok := idx.nodes[otherEntry.UUID].(*Entry)
	if !ok {
		if deletedAt, dead := db.deletedAt(otherEntry.UUID); dead {
			if !otherEntry.Times.LastModification.After(deletedAt) {
				return
			}
			// Modified after deletion: the edit wins over the tombstone.
			db.dropTombstone(otherEntry.UUID)
		}
		clone := otherEntry.Clone()
		remapRefs(clone, refMap)
		dstParent.Children = append(dstParent.Children, clone)
		idx.nodes[clone.UUID] = clone
		idx.parents[clone.UUID] = dstParent
		log.event(MergeEntryCreated, clone.UUID)
		return
	}

	merged := false
	if otherEntry.Times.LastModification.After(existing.Times.LastModification) {
		// Last writer wins for the entry's own content; history and
		// custom data union below.
		history := existing.History
		replacement := otherEntry.Clone()
		remapRefs(replacement, refMap)
		replacement.History = history
		*existing = *replacement
		merged = true
	}
	if mergeHistories(existing, otherEntry, db.Meta.HistoryMaxItems, log) {
		merged = true
	}
	if mergeCustomData(&existing.CustomData, &otherEntry.CustomData) {
		merged = true
	}
	if merged {
		log.event(MergeEntryUpdated, existing.UUID)
	}
}

func (db *Database) mergeGroup(otherGroup *Group, dstParent *Group, idx *nodeIndex, log *MergeLog) *Group {
	existing, ok := idx.nodes[otherGroup.UUID].(*Group)
	if !ok {
		if deletedAt, dead := db.deletedAt(otherGroup.UUID); dead {
			if !otherGroup.Times.LastModification.After(deletedAt) {
				// Children of a dropped group still merge into its
				// would-be parent if they escaped deletion.
				return dstParent
			}
			db.dropTombstone(otherGroup.UUID)
		}
		clone := &Group{}
		*clone = *otherGroup
		clone.Children = nil
		clone.CustomData = otherGroup.CustomData.clone()
		dstParent.Children = append(dstParent.Children, clone)
		idx.nodes[clone.UUID] = clone
		idx.parents[clone.UUID] = dstParent
		log.event(MergeGroupCreated, clone.UUID)
		return clone
	}

	merged := false
	if otherGroup.Times.LastModification.After(existing.Times.LastModification) {
		children := existing.Children
		clone := *otherGroup
		clone.Children = children
		clone.CustomData = otherGroup.CustomData.clone()
		*existing = clone
		merged = true
	}
	if mergeCustomData(&existing.CustomData, &otherGroup.CustomData) {
		merged = true
	}
	if merged {
		log.event(MergeGroupUpdated, existing.UUID)
	}
	return existing
}

// mergeHistories unions the two entries' histories by modification
// timestamp, keeps them ordered oldest first, and caps the result.
func mergeHistories(dst, src *Entry, maxItems int, log *MergeLog) bool {
	seen := make(map[int64]bool, len(dst.History))
	for _, snap := range dst.History {
		seen[snap.Times.LastModification.Unix()] = true
	}
	changed := false
	for _, snap := range src.History {
		if snap.UUID != src.UUID {
			log.warnf("history snapshot of %v has UUID %v", src.UUID, snap.UUID)
		}
		key := snap.Times.LastModification.Unix()
		if seen[key] {
			continue
		}
		seen[key] = true
		dst.History = append(dst.History, snap.Clone())
		changed = true
	}
	if !changed {
		return false
	}
	sort.SliceStable(dst.History, func(i, j int) bool {
		return dst.History[i].Times.LastModification.Before(dst.History[j].Times.LastModification)
	})
	if maxItems > 0 && len(dst.History) > maxItems {
		dst.History = dst.History[len(dst.History)-maxItems:]
	}
	return true
}

// mergeCustomData unions per-key items, the newer timestamp winning on
// conflicts.
func mergeCustomData(dst, src *CustomData) bool {
	changed := false
	for _, item := range src.Items {
		existing, ok := dst.Get(item.Key)
		if !ok {
			dst.Set(item)
			changed = true
			continue
		}
		if item.LastModified.After(existing.LastModified) {
			dst.Set(item)
			changed = true
		}
	}
	return changed
}

// applyRelocations moves nodes whose location changed later on the
// other side.
func (db *Database) applyRelocations(other *Database, idx, otherIdx *nodeIndex, log *MergeLog) {
	for id, otherNode := range otherIdx.nodes {
		node, ok := idx.nodes[id]
		if !ok || node == nil {
			continue
		}
		otherParent := otherIdx.parents[id]
		parent := idx.parents[id]
		if otherParent == nil || parent == nil {
			continue
		}
		if otherParent.UUID == parent.UUID {
			continue
		}
		var times, otherTimes Times
		switch n := node.(type) {
		case *Entry:
			times = n.Times
			otherTimes = otherNode.(*Entry).Times
		case *Group:
			times = n.Times
			otherTimes = otherNode.(*Group).Times
		}
		if !otherTimes.LocationChanged.After(times.LocationChanged) {
			continue
		}
		dst, ok := idx.nodes[otherParent.UUID].(*Group)
		if !ok {
			log.warnf("cannot relocate %v: destination group %v not present", id, otherParent.UUID)
			continue
		}
		if moved := parent.RemoveChild(id); moved != nil {
			dst.Children = append(dst.Children, moved)
			idx.parents[id] = dst
			switch n := moved.(type) {
			case *Entry:
				n.Times.LocationChanged = otherTimes.LocationChanged
				log.event(MergeEntryRelocated, id)
			case *Group:
				n.Times.LocationChanged = otherTimes.LocationChanged
				log.event(MergeGroupRelocated, id)
			}
		}
	}
}

// applyTombstones removes nodes deleted on the other side, if the
// deletion postdates the local modification.
func (db *Database) applyTombstones(other *Database, log *MergeLog) {
	idx := indexTree(db.Root)
	for _, tomb := range other.DeletedObjects {
		var lastMod Times
		var isGroup bool
		switch n := idx.nodes[tomb.UUID].(type) {
		case *Entry:
			lastMod = n.Times
		case *Group:
			lastMod = n.Times
			isGroup = true
		default:
			continue
		}
		if lastMod.LastModification.After(tomb.DeletionTime) {
			continue
		}
		if db.Remove(tomb.UUID) {
			// Remove stamps its own tombstone time; keep the other
			// side's, which is the authoritative deletion moment.
			db.DeletedObjects[len(db.DeletedObjects)-1].DeletionTime = tomb.DeletionTime
			if isGroup {
				log.event(MergeGroupDeleted, tomb.UUID)
			} else {
				log.event(MergeEntryDeleted, tomb.UUID)
			}
		}
	}
}

// mergeDeletedObjects unions the tombstone sets, keeping the later
// deletion time per UUID.
func (db *Database) mergeDeletedObjects(other *Database) {
	for _, tomb := range other.DeletedObjects {
		if t, ok := db.deletedAt(tomb.UUID); ok {
			if tomb.DeletionTime.After(t) {
				for i := range db.DeletedObjects {
					if db.DeletedObjects[i].UUID == tomb.UUID {
						db.DeletedObjects[i].DeletionTime = tomb.DeletionTime
					}
				}
			}
			continue
		}
		db.DeletedObjects = append(db.DeletedObjects, tomb)
	}
}

func (db *Database) dropTombstone(id uuid.UUID) {
	for i, d := range db.DeletedObjects {
		if d.UUID == id {
			db.DeletedObjects = append(db.DeletedObjects[:i], db.DeletedObjects[i+1:]...)
			return
		}
	}
}

func remapRefs(e *Entry, refMap map[int]int) {
	for i := range e.Binaries {
		if j, ok := refMap[e.Binaries[i].Ref]; ok {
			e.Binaries[i].Ref = j
		}
	}
	for _, snap := range e.History {
		remapRefs(snap, refMap)
	}
}
