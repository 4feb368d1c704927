package provision

import (
	"errors"
	"fmt"
	"sort"

	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
)

var (
	ErrOrphanNode       = errors.New("provision references a missing parent")
	ErrCycleDetected    = errors.New("provision tree contains a cycle")
	ErrDuplicateOrdinal = errors.New("duplicate ordinal among siblings")
)

// Node is one provision in the in-memory snapshot. Children are ordered by
// ordinal.
type Node struct {
	ID        int64
	Kind      string
	ParentID  *int64
	Ordinal   int
	Numbering string
	Body      string
	Children  []*Node
}

// Tree is an immutable snapshot of the Constitution. Analysis jobs share one
// snapshot; ingestion builds a fresh one and swaps it in.
type Tree struct {
	roots []*Node
	byID  map[int64]*Node
}

// BuildTree assembles and validates a tree from flat provision rows. Orphans,
// cycles and duplicate sibling ordinals are rejected; on error no tree is
// returned.
func BuildTree(provisions []*provisionrepo.Provision) (*Tree, error) {
	byID := make(map[int64]*Node, len(provisions))
	for _, p := range provisions {
		byID[p.ID] = &Node{
			ID:        p.ID,
			Kind:      p.Kind,
			ParentID:  p.ParentID,
			Ordinal:   p.Ordinal,
			Numbering: p.Numbering,
			Body:      p.Body,
		}
	}

	t := &Tree{byID: byID}
	for _, n := range byID {
		if n.ParentID == nil {
			t.roots = append(t.roots, n)
			continue
		}
		parent, ok := byID[*n.ParentID]
		if !ok {
			return nil, fmt.Errorf("provision %d: %w", n.ID, ErrOrphanNode)
		}
		parent.Children = append(parent.Children, n)
	}

	// A node is reachable from a root iff it is not part of a cycle.
	reachable := 0
	var walk func(n *Node) error
	seenOrdinals := func(children []*Node, parentID int64) error {
		seen := make(map[int]bool, len(children))
		for _, c := range children {
			if seen[c.Ordinal] {
				return fmt.Errorf("provision %d under %d: %w", c.ID, parentID, ErrDuplicateOrdinal)
			}
			seen[c.Ordinal] = true
		}
		return nil
	}
	walk = func(n *Node) error {
		reachable++
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Ordinal < n.Children[j].Ordinal })
		if err := seenOrdinals(n.Children, n.ID); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}

	sort.Slice(t.roots, func(i, j int) bool { return t.roots[i].Ordinal < t.roots[j].Ordinal })
	rootOrdinals := make(map[int]bool, len(t.roots))
	for _, r := range t.roots {
		if rootOrdinals[r.Ordinal] {
			return nil, fmt.Errorf("root provision %d: %w", r.ID, ErrDuplicateOrdinal)
		}
		rootOrdinals[r.Ordinal] = true
		if err := walk(r); err != nil {
			return nil, err
		}
	}

	if reachable != len(byID) {
		return nil, ErrCycleDetected
	}
	return t, nil
}

// Get resolves a provision by id in O(1).
func (t *Tree) Get(id int64) (*Node, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Roots returns the root chapters in order.
func (t *Tree) Roots() []*Node {
	return t.roots
}

// Len reports the number of nodes.
func (t *Tree) Len() int {
	return len(t.byID)
}

// Ancestors returns the chain from a node's parent up to its root chapter.
func (t *Tree) Ancestors(id int64) []*Node {
	var chain []*Node
	n, ok := t.byID[id]
	if !ok {
		return nil
	}
	for n.ParentID != nil {
		parent, ok := t.byID[*n.ParentID]
		if !ok {
			return chain
		}
		chain = append(chain, parent)
		n = parent
	}
	return chain
}

// Descendants returns the subtree below a node in depth-first order.
func (t *Tree) Descendants(id int64) []*Node {
	n, ok := t.byID[id]
	if !ok {
		return nil
	}
	var out []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		for _, c := range n.Children {
			out = append(out, c)
			walk(c)
		}
	}
	walk(n)
	return out
}

// Walk visits every node depth-first, roots in order.
func (t *Tree) Walk(fn func(n *Node)) {
	var walk func(n *Node)
	walk = func(n *Node) {
		fn(n)
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range t.roots {
		walk(r)
	}
}
