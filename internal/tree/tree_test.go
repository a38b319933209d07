package tree

import (
	"context"
	"errors"
	"sort"
	"testing"

	"pagetree/api/internal/store"
)

type memReader struct {
	nodes map[string]store.Node
}

func newMemReader(nodes ...store.Node) *memReader {
	r := &memReader{nodes: make(map[string]store.Node)}
	for _, node := range nodes {
		r.nodes[node.ID] = node
	}
	return r
}

func (m *memReader) Node(_ context.Context, id string) (store.Node, bool, error) {
	node, ok := m.nodes[id]
	return node, ok, nil
}

func (m *memReader) Children(_ context.Context, parentID string) ([]store.Node, error) {
	items := make([]store.Node, 0)
	for _, node := range m.nodes {
		if node.ParentID != nil && *node.ParentID == parentID {
			items = append(items, node)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func testNode(id, kind, parent string, order int) store.Node {
	node := store.Node{ID: id, Kind: kind, SortOrder: order}
	if parent != "" {
		node.ParentID = &parent
	}
	return node
}

// S1 ── Sub1 ── P1 ── P1a
//          └── P2
func sampleTree() *memReader {
	return newMemReader(
		testNode("s1", store.KindSection, "", 0),
		testNode("sub1", store.KindSubsection, "s1", 0),
		testNode("p1", store.KindPage, "sub1", 0),
		testNode("p2", store.KindPage, "sub1", 1),
		testNode("p1a", store.KindPage, "p1", 0),
	)
}

func TestDescendants(t *testing.T) {
	r := sampleTree()
	ctx := context.Background()

	ids, err := Descendants(ctx, r, "s1")
	if err != nil {
		t.Fatalf("Descendants failed: %v", err)
	}
	want := map[string]bool{"sub1": true, "p1": true, "p2": true, "p1a": true}
	if len(ids) != len(want) {
		t.Fatalf("expected %d descendants, got %d: %v", len(want), len(ids), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected descendant %s", id)
		}
	}
}

func TestDescendantsOfLeaf(t *testing.T) {
	r := sampleTree()

	ids, err := Descendants(context.Background(), r, "p1a")
	if err != nil {
		t.Fatalf("Descendants failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no descendants for leaf, got %v", ids)
	}
}

func TestDescendantsTerminatesOnCorruptCycle(t *testing.T) {
	// a ↔ b: a cycle the schema cannot prevent. The traversal must still
	// terminate instead of looping.
	r := newMemReader(
		testNode("a", store.KindPage, "b", 0),
		testNode("b", store.KindPage, "a", 0),
	)

	ids, err := Descendants(context.Background(), r, "a")
	if err != nil {
		t.Fatalf("Descendants failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("expected [b], got %v", ids)
	}
}

func TestCanReparent(t *testing.T) {
	r := sampleTree()
	ctx := context.Background()

	cases := []struct {
		name      string
		nodeID    string
		newParent string
		want      bool
	}{
		{"self parent", "p1", "p1", false},
		{"into own child", "p1", "p1a", false},
		{"into descendant of section", "s1", "p2", false},
		{"sideways move", "p1", "p2", true},
		{"up to section", "p1a", "s1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanReparent(ctx, r, tc.nodeID, tc.newParent)
			if err != nil {
				t.Fatalf("CanReparent failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("CanReparent(%s, %s) = %v, want %v", tc.nodeID, tc.newParent, got, tc.want)
			}
		})
	}
}

func TestDepth(t *testing.T) {
	r := sampleTree()
	ctx := context.Background()

	cases := map[string]int{"s1": 0, "sub1": 1, "p1": 2, "p1a": 3}
	for id, want := range cases {
		got, err := Depth(ctx, r, id)
		if err != nil {
			t.Fatalf("Depth(%s) failed: %v", id, err)
		}
		if got != want {
			t.Errorf("Depth(%s) = %d, want %d", id, got, want)
		}
	}
}

func TestDepthDetectsCycle(t *testing.T) {
	r := newMemReader(
		testNode("a", store.KindPage, "b", 0),
		testNode("b", store.KindPage, "a", 0),
	)

	_, err := Depth(context.Background(), r, "a")
	if !errors.Is(err, ErrDepthLimitExceeded) {
		t.Fatalf("expected ErrDepthLimitExceeded, got %v", err)
	}
}

func TestResolveContainment(t *testing.T) {
	r := sampleTree()
	ctx := context.Background()

	// parent is a section
	got, err := ResolveContainment(ctx, r, "s1")
	if err != nil {
		t.Fatalf("ResolveContainment(s1) failed: %v", err)
	}
	if got.SectionID != "s1" || got.SubsectionID != nil {
		t.Errorf("expected {s1, nil}, got %+v", got)
	}

	// parent is a subsection
	got, err = ResolveContainment(ctx, r, "sub1")
	if err != nil {
		t.Fatalf("ResolveContainment(sub1) failed: %v", err)
	}
	if got.SectionID != "s1" || got.SubsectionID == nil || *got.SubsectionID != "sub1" {
		t.Errorf("expected {s1, sub1}, got %+v", got)
	}

	// parent is a nested page: inherited transitively
	got, err = ResolveContainment(ctx, r, "p1a")
	if err != nil {
		t.Fatalf("ResolveContainment(p1a) failed: %v", err)
	}
	if got.SectionID != "s1" || got.SubsectionID == nil || *got.SubsectionID != "sub1" {
		t.Errorf("expected {s1, sub1}, got %+v", got)
	}
}

func TestResolveContainmentMissingNode(t *testing.T) {
	r := sampleTree()

	_, err := ResolveContainment(context.Background(), r, "nope")
	if err == nil {
		t.Fatal("expected error for unknown parent, got nil")
	}
}

func TestAncestorsOrderedRootFirst(t *testing.T) {
	r := sampleTree()

	chain, err := Ancestors(context.Background(), r, "p1a")
	if err != nil {
		t.Fatalf("Ancestors failed: %v", err)
	}
	want := []string{"s1", "sub1", "p1"}
	if len(chain) != len(want) {
		t.Fatalf("expected %d ancestors, got %d", len(want), len(chain))
	}
	for i, node := range chain {
		if node.ID != want[i] {
			t.Errorf("ancestor[%d] = %s, want %s", i, node.ID, want[i])
		}
	}
}

func TestBreadcrumbsIncludeSelfWithKinds(t *testing.T) {
	r := sampleTree()

	crumbs, err := Breadcrumbs(context.Background(), r, "p1")
	if err != nil {
		t.Fatalf("Breadcrumbs failed: %v", err)
	}
	wantIDs := []string{"s1", "sub1", "p1"}
	wantKinds := []string{store.KindSection, store.KindSubsection, store.KindPage}
	if len(crumbs) != len(wantIDs) {
		t.Fatalf("expected %d crumbs, got %d", len(wantIDs), len(crumbs))
	}
	for i, crumb := range crumbs {
		if crumb.ID != wantIDs[i] || crumb.Kind != wantKinds[i] {
			t.Errorf("crumb[%d] = {%s %s}, want {%s %s}", i, crumb.ID, crumb.Kind, wantIDs[i], wantKinds[i])
		}
	}
}
