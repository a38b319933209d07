// Package tree holds the pure invariant algorithms of the content tree:
// descendant enumeration, cycle checks, depth and containment derivation, and
// sibling-order planning. Everything here is side-effect free and runs over a
// Reader, so the same code validates server transactions and the client
// mirror.
package tree

import (
	"context"
	"errors"
	"fmt"

	"pagetree/api/internal/store"
)

// MaxDepth bounds every ancestor walk. Exceeding it means the stored tree
// already contains a cycle and is surfaced, never silently capped.
const MaxDepth = 50

var (
	ErrDepthLimitExceeded = errors.New("ancestor walk exceeded depth limit")
	ErrSiblingNotFound    = errors.New("reference sibling not in group")
	ErrSiblingSetMismatch = errors.New("ordered ids do not match sibling group")
)

// Reader is the minimal view of the tree the algorithms need. Server code
// backs it with a transaction-scoped store; the client mirror backs it with
// its in-memory map.
type Reader interface {
	Node(ctx context.Context, id string) (store.Node, bool, error)
	Children(ctx context.Context, parentID string) ([]store.Node, error)
}

// Descendants enumerates the subtree below nodeID breadth-first, excluding
// nodeID itself. The visited set guarantees termination even if the data
// already contains a cycle the schema could not prevent.
func Descendants(ctx context.Context, r Reader, nodeID string) ([]string, error) {
	visited := map[string]bool{nodeID: true}
	result := make([]string, 0)
	queue := []string{nodeID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		children, err := r.Children(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("children of %s: %w", current, err)
		}
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			result = append(result, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return result, nil
}

// CanReparent reports whether nodeID may be moved under newParentID without
// creating a cycle: the new parent must not be the node itself or any of its
// descendants. Run this against post-lock state inside the same transaction
// as the reparent.
func CanReparent(ctx context.Context, r Reader, nodeID, newParentID string) (bool, error) {
	if newParentID == nodeID {
		return false, nil
	}
	descendants, err := Descendants(ctx, r, nodeID)
	if err != nil {
		return false, err
	}
	for _, id := range descendants {
		if id == newParentID {
			return false, nil
		}
	}
	return true, nil
}

// Depth counts ancestor hops from nodeID to its root section.
func Depth(ctx context.Context, r Reader, nodeID string) (int, error) {
	node, ok, err := r.Node(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("node %s not found", nodeID)
	}

	hops := 0
	for node.ParentID != nil {
		if hops >= MaxDepth {
			return 0, fmt.Errorf("node %s: %w", nodeID, ErrDepthLimitExceeded)
		}
		parent, ok, err := r.Node(ctx, *node.ParentID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("node %s: missing parent %s", node.ID, *node.ParentID)
		}
		node = parent
		hops++
	}
	return hops, nil
}

// Containment is the denormalized section/subsection pair a page inherits
// from its nearest containing ancestor.
type Containment struct {
	SectionID    string
	SubsectionID *string
}

// ResolveContainment walks up from parentID until a section or subsection is
// found. A page nested under other pages inherits the pair transitively.
func ResolveContainment(ctx context.Context, r Reader, parentID string) (Containment, error) {
	currentID := parentID
	for hops := 0; hops <= MaxDepth; hops++ {
		node, ok, err := r.Node(ctx, currentID)
		if err != nil {
			return Containment{}, err
		}
		if !ok {
			return Containment{}, fmt.Errorf("node %s not found", currentID)
		}
		switch node.Kind {
		case store.KindSection:
			return Containment{SectionID: node.ID}, nil
		case store.KindSubsection:
			if node.ParentID == nil {
				return Containment{}, fmt.Errorf("subsection %s has no section", node.ID)
			}
			subsectionID := node.ID
			return Containment{SectionID: *node.ParentID, SubsectionID: &subsectionID}, nil
		}
		if node.ParentID == nil {
			return Containment{}, fmt.Errorf("node %s has no containing section", parentID)
		}
		currentID = *node.ParentID
	}
	return Containment{}, fmt.Errorf("node %s: %w", parentID, ErrDepthLimitExceeded)
}

// Ancestors returns the chain from the root section down to nodeID's parent,
// with the same ceiling and cycle guard as Depth.
func Ancestors(ctx context.Context, r Reader, nodeID string) ([]store.Node, error) {
	node, ok, err := r.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}

	chain := make([]store.Node, 0)
	for hops := 0; node.ParentID != nil; hops++ {
		if hops >= MaxDepth {
			return nil, fmt.Errorf("node %s: %w", nodeID, ErrDepthLimitExceeded)
		}
		parent, ok, err := r.Node(ctx, *node.ParentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("node %s: missing parent %s", node.ID, *node.ParentID)
		}
		chain = append(chain, parent)
		node = parent
	}

	// walked child→root; callers want root→parent
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Breadcrumbs is Ancestors plus the node itself, each segment annotated with
// kind so the rendering layer can distinguish section, subsection, and page.
func Breadcrumbs(ctx context.Context, r Reader, nodeID string) ([]store.Breadcrumb, error) {
	node, ok, err := r.Node(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s not found", nodeID)
	}
	ancestors, err := Ancestors(ctx, r, nodeID)
	if err != nil {
		return nil, err
	}

	crumbs := make([]store.Breadcrumb, 0, len(ancestors)+1)
	for _, ancestor := range ancestors {
		crumbs = append(crumbs, store.Breadcrumb{ID: ancestor.ID, Kind: ancestor.Kind, Title: ancestor.Title})
	}
	crumbs = append(crumbs, store.Breadcrumb{ID: node.ID, Kind: node.Kind, Title: node.Title})
	return crumbs, nil
}
