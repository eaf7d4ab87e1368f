// Package seektree implements the static, balanced search tree that maps
// an archive offset onto the stream item containing it, built once per
// archive from its jump sidecar entries.
package seektree

import (
	"sort"

	"github.com/xzipfs/xzip/internal/zipfmt"
)

// Leaf is the payload carried by a seek tree's leaves: one jump entry.
type Leaf struct {
	ZOff uint64
	SOff uint64
}

// Tree is a static, balanced binary search tree over jump entries keyed
// by archive offset (z_off), built bottom-up by pairwise consumption of
// the sorted entry sequence: at height 0, jump entries become leaves;
// each subsequent level pairs adjacent nodes into an internal node keyed
// by the smallest key in its right subtree, carrying a lone trailing node
// up unchanged, until one node remains.
type Tree struct {
	root *node
}

type node struct {
	key         uint64
	left, right *node
	leaf        *Leaf
}

// Build constructs a Tree from entries, which need not already be
// sorted by ZOff — Build sorts a copy before pairing, since Central
// Directory iteration order is not guaranteed to ascend by offset.
func Build(entries []zipfmt.JumpEntry) *Tree {
	if len(entries) == 0 {
		return &Tree{}
	}
	sorted := make([]zipfmt.JumpEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ZOff < sorted[j].ZOff })

	level := make([]*node, len(sorted))
	for i, e := range sorted {
		level[i] = &node{
			key:  e.ZOff,
			leaf: &Leaf{ZOff: e.ZOff, SOff: e.SOff},
		}
	}

	for len(level) > 1 {
		next := make([]*node, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			l, r := level[i], level[i+1]
			// The separating key is the smallest key under r, i.e. the key
			// of r's leftmost leaf.
			sep := r
			for sep.leaf == nil {
				sep = sep.left
			}
			next = append(next, &node{key: sep.key, left: l, right: r})
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		level = next
	}
	return &Tree{root: level[0]}
}

// Find descends the tree for offset and returns the leaf whose extent
// contains it: at an internal node, it goes left if offset < the node's
// key, otherwise right; at a leaf, it returns that leaf's payload. The
// caller is responsible for ensuring offset falls within
// [first_entry.ZOff, directory_offset) — Find does not itself validate
// the upper bound of the returned leaf's extent.
func (t *Tree) Find(offset uint64) (Leaf, bool) {
	if t == nil || t.root == nil {
		return Leaf{}, false
	}
	n := t.root
	for n.leaf == nil {
		if offset < n.key {
			n = n.left
		} else {
			n = n.right
		}
	}
	return *n.leaf, true
}
