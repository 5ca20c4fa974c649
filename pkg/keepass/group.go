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

// A Node is a child of a group: either a *Group or an *Entry.  Child
// order is preserved and observable.
type Node interface {
	isNode()
}

// A Group is a hierarchical collection of entries and subgroups.
type Group struct {
	UUID                    uuid.UUID
	Name                    string
	Notes                   string
	IconID                  int
	CustomIconUUID          uuid.UUID
	Times                   Times
	IsExpanded              bool
	DefaultAutoTypeSequence string
	EnableAutoType          *bool
	EnableSearching         *bool
	LastTopVisibleEntry     uuid.UUID
	Tags                    []string
	CustomData              CustomData
	Children                []Node
}

// NewGroup creates an empty group with a fresh UUID and current
// timestamps.
func NewGroup(name string) *Group {
	return &Group{
		UUID:  uuid.New(),
		Name:  name,
		Times: NewTimes(),
	}
}

func (g *Group) isNode() {}

// AddEntry appends an entry to the group's children.
func (g *Group) AddEntry(e *Entry) {
	g.Children = append(g.Children, e)
}

// AddGroup appends a subgroup to the group's children.
func (g *Group) AddGroup(sub *Group) {
	g.Children = append(g.Children, sub)
}

// Entries returns the group's immediate child entries, in order.
func (g *Group) Entries() []*Entry {
	var out []*Entry
	for _, c := range g.Children {
		if e, ok := c.(*Entry); ok {
			out = append(out, e)
		}
	}
	return out
}

// Groups returns the group's immediate child groups, in order.
func (g *Group) Groups() []*Group {
	var out []*Group
	for _, c := range g.Children {
		if sub, ok := c.(*Group); ok {
			out = append(out, sub)
		}
	}
	return out
}

// Get navigates a path of group names, returning the node at the end
// of it.  The final path element may name an entry (by title) or a
// group; intermediate elements must name groups.
func (g *Group) Get(path ...string) Node {
	if len(path) == 0 {
		return g
	}
	head, rest := path[0], path[1:]
	for _, c := range g.Children {
		switch n := c.(type) {
		case *Group:
			if n.Name == head {
				if len(rest) == 0 {
					return n
				}
				return n.Get(rest...)
			}
		case *Entry:
			if len(rest) == 0 && n.Title() == head {
				return n
			}
		}
	}
	return nil
}

// RemoveChild removes the node with the given UUID from the group's
// immediate children, returning it, or nil if not present.
func (g *Group) RemoveChild(id uuid.UUID) Node {
	for i, c := range g.Children {
		if nodeUUID(c) == id {
			copy(g.Children[i:], g.Children[i+1:])
			g.Children[len(g.Children)-1] = nil
			g.Children = g.Children[:len(g.Children)-1]
			return c
		}
	}
	return nil
}

// Clone returns a deep copy of the group and its subtree.
func (g *Group) Clone() *Group {
	c := *g
	c.Tags = append([]string(nil), g.Tags...)
	if g.EnableAutoType != nil {
		v := *g.EnableAutoType
		c.EnableAutoType = &v
	}
	if g.EnableSearching != nil {
		v := *g.EnableSearching
		c.EnableSearching = &v
	}
	c.CustomData = g.CustomData.clone()
	c.Children = make([]Node, len(g.Children))
	for i, child := range g.Children {
		switch n := child.(type) {
		case *Group:
			c.Children[i] = n.Clone()
		case *Entry:
			c.Children[i] = n.Clone()
		}
	}
	return &c
}

func nodeUUID(n Node) uuid.UUID {
	switch v := n.(type) {
	case *Group:
		return v.UUID
	case *Entry:
		return v.UUID
	default:
		return uuid.UUID{}
	}
}

// An EntryIter lazily walks all entries beneath a group, depth first,
// yielding a group's entries before descending into its subgroups.
type EntryIter struct {
	queue []Node
}

// Next returns the next entry, or nil when the walk is done.
func (it *EntryIter) Next() *Entry {
	for len(it.queue) > 0 {
		n := it.queue[0]
		it.queue = it.queue[1:]
		switch v := n.(type) {
		case *Entry:
			return v
		case *Group:
			entries := make([]Node, 0, len(v.Children))
			groups := make([]Node, 0, len(v.Children))
			for _, c := range v.Children {
				if _, ok := c.(*Entry); ok {
					entries = append(entries, c)
				} else {
					groups = append(groups, c)
				}
			}
			it.queue = append(append(entries, groups...), it.queue...)
		}
	}
	return nil
}

// Iter returns an iterator over all entries beneath the group.
func (g *Group) Iter() *EntryIter {
	return &EntryIter{queue: []Node{g}}
}
