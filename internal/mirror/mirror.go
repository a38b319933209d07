// Package mirror keeps a client-side in-memory copy of the content tree and
// applies the structural operations as pure transitions, so the UI can update
// optimistically and reject doomed requests before they reach the server. The
// same invariant engine the server runs validates every transition here.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pagetree/api/internal/store"
	"pagetree/api/internal/tree"
)

var (
	ErrNotFound          = errors.New("node not found")
	ErrCircularReference = errors.New("move would create a cycle")
	ErrValidation        = errors.New("invalid operation")
	ErrUnknownOp         = errors.New("unknown in-flight operation")
)

// Mirror is one session's view of the tree. It is not safe for concurrent
// use; a session owns exactly one mirror.
type Mirror struct {
	nodes     map[string]store.Node
	snapshots map[int]map[string]store.Node
	nextOp    int
}

func New() *Mirror {
	return &Mirror{
		nodes:     make(map[string]store.Node),
		snapshots: make(map[int]map[string]store.Node),
	}
}

// Load replaces the whole mirror with server truth.
func (m *Mirror) Load(nodes []store.Node) {
	m.nodes = make(map[string]store.Node, len(nodes))
	for _, node := range nodes {
		m.nodes[node.ID] = cloneNode(node)
	}
	m.snapshots = make(map[int]map[string]store.Node)
}

// Begin captures a last-known-good snapshot and returns the operation token
// the caller later commits or rolls back.
func (m *Mirror) Begin() int {
	m.nextOp++
	m.snapshots[m.nextOp] = cloneNodes(m.nodes)
	return m.nextOp
}

// Commit drops the snapshot for a confirmed operation.
func (m *Mirror) Commit(op int) error {
	if _, ok := m.snapshots[op]; !ok {
		return ErrUnknownOp
	}
	delete(m.snapshots, op)
	return nil
}

// Rollback restores the snapshot taken when the operation began.
func (m *Mirror) Rollback(op int) error {
	snapshot, ok := m.snapshots[op]
	if !ok {
		return ErrUnknownOp
	}
	m.nodes = snapshot
	delete(m.snapshots, op)
	return nil
}

// reader adapts the mirror's map to the invariant engine.
type reader struct {
	nodes map[string]store.Node
}

func (r reader) Node(_ context.Context, id string) (store.Node, bool, error) {
	node, ok := r.nodes[id]
	return node, ok, nil
}

func (r reader) Children(_ context.Context, parentID string) ([]store.Node, error) {
	children := make([]store.Node, 0)
	for _, node := range r.nodes {
		if node.ParentID != nil && *node.ParentID == parentID {
			children = append(children, node)
		}
	}
	return children, nil
}

func (m *Mirror) reader() reader {
	return reader{nodes: m.nodes}
}

// Node returns one node by id.
func (m *Mirror) Node(id string) (store.Node, bool) {
	node, ok := m.nodes[id]
	return node, ok
}

// Children returns the sibling group under parentID (empty for roots),
// narrowed to kind when given, ordered.
func (m *Mirror) Children(parentID, kind string) []store.Node {
	group := make([]store.Node, 0)
	for _, node := range m.nodes {
		if kind != "" && node.Kind != kind {
			continue
		}
		if parentID == "" {
			if node.ParentID == nil {
				group = append(group, node)
			}
			continue
		}
		if node.ParentID != nil && *node.ParentID == parentID {
			group = append(group, node)
		}
	}
	sort.Slice(group, func(i, j int) bool {
		if group[i].Kind != group[j].Kind {
			return group[i].Kind < group[j].Kind
		}
		return group[i].SortOrder < group[j].SortOrder
	})
	return group
}

// Len reports how many nodes the mirror holds.
func (m *Mirror) Len() int {
	return len(m.nodes)
}

// ApplyCreate inserts a node the way the server would: containment resolved
// from the parent, sibling tail shifted on insert-after.
func (m *Mirror) ApplyCreate(node store.Node, afterID string) error {
	if _, exists := m.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already exists: %w", node.ID, ErrValidation)
	}

	if node.Kind == store.KindSection {
		if node.ParentID != nil {
			return fmt.Errorf("sections are root nodes: %w", ErrValidation)
		}
	} else {
		if node.ParentID == nil {
			return fmt.Errorf("%s needs a parent: %w", node.Kind, ErrValidation)
		}
		parent, ok := m.nodes[*node.ParentID]
		if !ok {
			return fmt.Errorf("parent %s: %w", *node.ParentID, ErrNotFound)
		}
		if node.Kind == store.KindSubsection && parent.Kind != store.KindSection {
			return fmt.Errorf("subsection under %s: %w", parent.Kind, ErrValidation)
		}

		containment, err := m.resolveContainment(node.Kind, parent)
		if err != nil {
			return err
		}
		node.SectionID = containment.sectionID
		node.SubsectionID = containment.subsectionID
	}

	siblings := m.siblingElems(node.ParentID, node.Kind, "")
	plan, err := tree.PlanInsert(siblings, afterID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	m.applyShifts(plan.Shifts)
	node.SortOrder = plan.Order
	m.nodes[node.ID] = cloneNode(node)
	return nil
}

// ApplyMove reparents a node locally with the server's checks: self-parent
// and descendant targets are rejected before any request is sent.
func (m *Mirror) ApplyMove(id, newParentID, afterID string) error {
	ctx := context.Background()
	node, ok := m.nodes[id]
	if !ok {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if node.Kind == store.KindSection {
		return fmt.Errorf("sections cannot be moved: %w", ErrValidation)
	}
	if newParentID == "" {
		return fmt.Errorf("target parent required: %w", ErrValidation)
	}
	if newParentID == id {
		return fmt.Errorf("node as its own parent: %w", ErrValidation)
	}
	parent, ok := m.nodes[newParentID]
	if !ok {
		return fmt.Errorf("parent %s: %w", newParentID, ErrNotFound)
	}
	if node.Kind == store.KindSubsection && parent.Kind != store.KindSection {
		return fmt.Errorf("subsection under %s: %w", parent.Kind, ErrValidation)
	}

	allowed, err := tree.CanReparent(ctx, m.reader(), id, newParentID)
	if err != nil {
		return err
	}
	if !allowed {
		return ErrCircularReference
	}

	sameParent := node.ParentID != nil && *node.ParentID == newParentID

	if !sameParent && node.ParentID != nil {
		old := m.siblingElems(node.ParentID, node.Kind, id)
		m.applyShifts(tree.PlanRemove(old, node.SortOrder))
	}

	parentRef := newParentID
	working := m.siblingElems(&parentRef, node.Kind, id)
	if sameParent {
		for i := range working {
			if working[i].Order > node.SortOrder {
				working[i].Order--
			}
		}
	}
	plan, err := tree.PlanInsert(working, afterID)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	for _, elem := range working {
		sibling := m.nodes[elem.ID]
		sibling.SortOrder = elem.Order
		m.nodes[elem.ID] = sibling
	}
	m.applyShifts(plan.Shifts)

	containment, err := m.resolveContainment(node.Kind, parent)
	if err != nil {
		return err
	}
	node.ParentID = &parentRef
	node.SortOrder = plan.Order
	node.SectionID = containment.sectionID
	node.SubsectionID = containment.subsectionID
	m.nodes[id] = node

	// containment cascades through the moved subtree
	descendants, err := tree.Descendants(ctx, m.reader(), id)
	if err != nil {
		return err
	}
	for _, descID := range descendants {
		desc := m.nodes[descID]
		if desc.Kind != store.KindPage || desc.ParentID == nil {
			continue
		}
		resolved, err := tree.ResolveContainment(ctx, m.reader(), *desc.ParentID)
		if err != nil {
			return err
		}
		section := resolved.SectionID
		desc.SectionID = &section
		desc.SubsectionID = resolved.SubsectionID
		m.nodes[descID] = desc
	}
	return nil
}

// ApplyDelete removes a node, with cascade the whole subtree, and returns the
// removed ids.
func (m *Mirror) ApplyDelete(id string, cascade bool) ([]string, error) {
	ctx := context.Background()
	node, ok := m.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}

	descendants, err := tree.Descendants(ctx, m.reader(), id)
	if err != nil {
		return nil, err
	}
	if !cascade && len(descendants) > 0 {
		return nil, fmt.Errorf("node has descendants: %w", ErrValidation)
	}

	removed := append([]string{id}, descendants...)
	for _, removedID := range removed {
		delete(m.nodes, removedID)
	}

	remaining := m.siblingElems(node.ParentID, node.Kind, "")
	m.applyShifts(tree.PlanRemove(remaining, node.SortOrder))
	return removed, nil
}

// ApplyReorder rewrites one sibling group to the given permutation.
func (m *Mirror) ApplyReorder(parentID, kind string, orderedIDs []string) error {
	var parentRef *string
	if parentID != "" {
		if _, ok := m.nodes[parentID]; !ok {
			return fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
		}
		parentRef = &parentID
	}

	siblings := m.siblingElems(parentRef, kind, "")
	shifts, err := tree.PlanReorder(siblings, orderedIDs)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrValidation)
	}
	m.applyShifts(shifts)
	return nil
}

// ReplaceSubtree reconciles one subtree with server truth: everything below
// rootID is dropped and the server's nodes take its place.
func (m *Mirror) ReplaceSubtree(rootID string, nodes []store.Node) error {
	ctx := context.Background()
	if _, ok := m.nodes[rootID]; !ok {
		return fmt.Errorf("node %s: %w", rootID, ErrNotFound)
	}

	descendants, err := tree.Descendants(ctx, m.reader(), rootID)
	if err != nil {
		return err
	}
	for _, id := range descendants {
		delete(m.nodes, id)
	}
	delete(m.nodes, rootID)
	for _, node := range nodes {
		m.nodes[node.ID] = cloneNode(node)
	}
	return nil
}

type containment struct {
	sectionID    *string
	subsectionID *string
}

func (m *Mirror) resolveContainment(kind string, parent store.Node) (containment, error) {
	switch kind {
	case store.KindSubsection:
		section := parent.ID
		return containment{sectionID: &section}, nil
	case store.KindPage:
		resolved, err := tree.ResolveContainment(context.Background(), m.reader(), parent.ID)
		if err != nil {
			return containment{}, fmt.Errorf("%v: %w", err, ErrValidation)
		}
		section := resolved.SectionID
		return containment{sectionID: &section, subsectionID: resolved.SubsectionID}, nil
	}
	return containment{}, nil
}

// siblingElems returns the ordering view of one sibling group, excluding
// excludeID when set.
func (m *Mirror) siblingElems(parentID *string, kind, excludeID string) []tree.Elem {
	elems := make([]tree.Elem, 0)
	for _, node := range m.nodes {
		if node.Kind != kind || node.ID == excludeID {
			continue
		}
		if parentID == nil {
			if node.ParentID == nil {
				elems = append(elems, tree.Elem{ID: node.ID, Order: node.SortOrder})
			}
			continue
		}
		if node.ParentID != nil && *node.ParentID == *parentID {
			elems = append(elems, tree.Elem{ID: node.ID, Order: node.SortOrder})
		}
	}
	sort.Slice(elems, func(i, j int) bool { return elems[i].Order < elems[j].Order })
	return elems
}

func (m *Mirror) applyShifts(shifts []tree.Shift) {
	for _, shift := range shifts {
		node := m.nodes[shift.ID]
		node.SortOrder = shift.Order
		m.nodes[shift.ID] = node
	}
}

func cloneNodes(nodes map[string]store.Node) map[string]store.Node {
	out := make(map[string]store.Node, len(nodes))
	for id, node := range nodes {
		out[id] = cloneNode(node)
	}
	return out
}

func cloneNode(node store.Node) store.Node {
	out := node
	if node.ParentID != nil {
		v := *node.ParentID
		out.ParentID = &v
	}
	if node.SectionID != nil {
		v := *node.SectionID
		out.SectionID = &v
	}
	if node.SubsectionID != nil {
		v := *node.SubsectionID
		out.SubsectionID = &v
	}
	if node.Assignees != nil {
		out.Assignees = append([]string(nil), node.Assignees...)
	}
	return out
}
