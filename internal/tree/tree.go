// Package tree reconstructs an in-memory folder tree from a flat list
// of object keys. It exists for snapshot restore: the snapshot records
// keys, not structure, and restore needs the directory hierarchy back
// in breadth-first order to recreate parents before children.
//
// Nodes live in an arena indexed by integer id; children reference
// siblings by index, not by nested ownership. A Tree is built fresh per
// call and shares no state.
package tree

import (
	"sort"

	"github.com/file-vault/fv/internal/pathkey"
)

// Node is one directory in the reconstructed tree.
type Node struct {
	// FullPath is the directory key, trailing slash included.
	FullPath string

	// Name is the last path segment.
	Name string

	// Children maps child name to node index within the owning Tree.
	Children map[string]int
}

// Tree is an arena of Nodes. Index 0 is always the root.
type Tree struct {
	nodes []Node
}

// Build splits each key into segments relative to rootPath and inserts
// directory nodes along the way, reusing nodes for shared prefixes.
// File keys (no trailing slash) contribute their ancestor directories
// but no node of their own. Keys outside rootPath are ignored.
func Build(rootPath string, keys []string) *Tree {
	root := pathkey.Normalize(rootPath)
	if root == "" {
		root = "/"
	}
	t := &Tree{nodes: []Node{{
		FullPath: root,
		Name:     pathkey.LeafName(root),
		Children: make(map[string]int),
	}}}

	for _, key := range keys {
		k := pathkey.Normalize(key)
		if k == "" || k == root {
			continue
		}
		rel, ok := trimPrefix(k, root)
		if !ok {
			continue
		}
		segs := pathkey.Segments(rel)
		if !pathkey.IsDirectoryKey(k) {
			// Last segment is a file name; only its ancestors are
			// directories.
			segs = segs[:len(segs)-1]
		}
		cur := 0
		for _, seg := range segs {
			cur = t.child(cur, seg)
		}
	}
	return t
}

func trimPrefix(key, root string) (string, bool) {
	if root == "/" {
		return key, true
	}
	if len(key) <= len(root) || key[:len(root)] != root {
		return "", false
	}
	return key[len(root):], true
}

// child returns the index of parent's child with the given name,
// inserting it if absent.
func (t *Tree) child(parent int, name string) int {
	if idx, ok := t.nodes[parent].Children[name]; ok {
		return idx
	}
	full := pathkey.BuildKey(t.nodes[parent].FullPath, name)
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{
		FullPath: full,
		Name:     name,
		Children: make(map[string]int),
	})
	t.nodes[parent].Children[name] = idx
	return idx
}

// Root returns the root node.
func (t *Tree) Root() *Node { return &t.nodes[0] }

// Node returns the node at index i.
func (t *Tree) Node(i int) *Node { return &t.nodes[i] }

// Len returns the number of nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// BFS returns node indices in breadth-first order starting at the root.
// Children of a node are visited in lexical name order so traversal is
// deterministic.
func (t *Tree) BFS() []int {
	order := make([]int, 0, len(t.nodes))
	queue := []int{0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		names := make([]string, 0, len(t.nodes[cur].Children))
		for name := range t.nodes[cur].Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			queue = append(queue, t.nodes[cur].Children[name])
		}
	}
	return order
}

// Paths returns every directory path in the tree in BFS order,
// root first.
func (t *Tree) Paths() []string {
	order := t.BFS()
	paths := make([]string, len(order))
	for i, idx := range order {
		paths[i] = t.nodes[idx].FullPath
	}
	return paths
}
