package tree

import (
	"sort"

	"patchd/internal/errors"
	"patchd/internal/inventory"
)

// Build creates the checksum tree for an inventory. The result does not
// depend on the order of entries. Every non-top-level entry's parent must be
// present as a directory entry, and no path may repeat.
func Build(entries []inventory.FileEntry) (*Tree, error) {
	byPath := make(map[string]inventory.FileEntry, len(entries))
	for _, e := range entries {
		if err := inventory.ValidatePath(e.Path); err != nil {
			return nil, errors.InconsistentTree("invalid entry: %v", err)
		}
		if _, ok := byPath[e.Path]; ok {
			return nil, errors.DuplicatePath(e.Path)
		}
		byPath[e.Path] = e
	}

	// Group by parent directory
	children := make(map[string][]inventory.FileEntry)
	for _, e := range entries {
		parent := e.Parent()
		if parent != "" {
			p, ok := byPath[parent]
			if !ok {
				return nil, errors.InconsistentTree("parent directory %q of %q is missing", parent, e.Path)
			}
			if !p.Dir {
				return nil, errors.InconsistentTree("parent %q of %q is not a directory", parent, e.Path)
			}
		}
		children[parent] = append(children[parent], e)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool {
			return list[i].Name() < list[j].Name()
		})
	}

	b := &builder{
		children: children,
		tree: &Tree{
			entries: make([]inventory.FileEntry, 0, len(entries)),
			byPath:  make(map[string]int, len(entries)),
			nodeOf:  make(map[string]int),
		},
	}
	b.build("")
	return b.tree, nil
}

type builder struct {
	children map[string][]inventory.FileEntry
	tree     *Tree
}

// build appends the node for dir and everything below it in pre-order and
// returns its arena index. Child checksums are known before the parent's
// aggregate is computed.
func (b *builder) build(dir string) int {
	t := b.tree
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{Path: dir})
	t.nodeOf[dir] = idx

	kids := b.children[dir]
	list := make([]Child, 0, len(kids))
	for _, e := range kids {
		pos := len(t.entries)
		t.entries = append(t.entries, e)
		t.byPath[e.Path] = pos

		child := Child{Name: e.Name(), Node: NoNode}
		if e.Dir {
			child.Node = b.build(e.Path)
			e.Size = 0
			e.Checksum = t.nodes[child.Node].Checksum
			t.entries[pos] = e
		}
		child.Entry = e
		list = append(list, child)
	}

	// t.nodes may have grown during recursion; index again rather than
	// holding a pointer.
	t.nodes[idx].Children = list
	t.nodes[idx].Checksum = aggregate(list)
	return idx
}
