package mirror

import (
	"errors"
	"testing"

	"pagetree/api/internal/store"
)

func node(id, kind, parent string, order int) store.Node {
	n := store.Node{ID: id, Kind: kind, SortOrder: order}
	if parent != "" {
		n.ParentID = &parent
	}
	return n
}

func loadedMirror() *Mirror {
	m := New()
	m.Load([]store.Node{
		node("s1", store.KindSection, "", 0),
		node("sub1", store.KindSubsection, "s1", 0),
		node("p1", store.KindPage, "sub1", 0),
		node("p2", store.KindPage, "sub1", 1),
		node("p3", store.KindPage, "sub1", 2),
		node("p1a", store.KindPage, "p1", 0),
		node("s2", store.KindSection, "", 1),
	})
	return m
}

func orderOf(t *testing.T, m *Mirror, id string) int {
	t.Helper()
	n, ok := m.Node(id)
	if !ok {
		t.Fatalf("node %s missing from mirror", id)
	}
	return n.SortOrder
}

func TestApplyCreateInsertAfterShiftsTail(t *testing.T) {
	m := loadedMirror()

	err := m.ApplyCreate(node("p4", store.KindPage, "sub1", 0), "p1")
	if err != nil {
		t.Fatalf("ApplyCreate failed: %v", err)
	}

	if got := orderOf(t, m, "p4"); got != 1 {
		t.Errorf("new page order = %d, want 1", got)
	}
	if got := orderOf(t, m, "p2"); got != 2 {
		t.Errorf("p2 order = %d, want 2", got)
	}
	if got := orderOf(t, m, "p3"); got != 3 {
		t.Errorf("p3 order = %d, want 3", got)
	}
}

func TestApplyCreateInheritsContainment(t *testing.T) {
	m := loadedMirror()

	// nested under p1, which sits under sub1 under s1
	if err := m.ApplyCreate(node("p1b", store.KindPage, "p1", 0), ""); err != nil {
		t.Fatalf("ApplyCreate failed: %v", err)
	}

	created, _ := m.Node("p1b")
	if created.SectionID == nil || *created.SectionID != "s1" {
		t.Errorf("expected section s1, got %v", created.SectionID)
	}
	if created.SubsectionID == nil || *created.SubsectionID != "sub1" {
		t.Errorf("expected subsection sub1, got %v", created.SubsectionID)
	}
}

func TestApplyMoveRejectsSelfAndDescendant(t *testing.T) {
	m := loadedMirror()

	if err := m.ApplyMove("p1", "p1", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("move into self: expected ErrValidation, got %v", err)
	}
	if err := m.ApplyMove("p1", "p1a", ""); !errors.Is(err, ErrCircularReference) {
		t.Errorf("move into descendant: expected ErrCircularReference, got %v", err)
	}

	// tree unchanged
	n, _ := m.Node("p1")
	if n.ParentID == nil || *n.ParentID != "sub1" {
		t.Errorf("p1 parent changed after rejected move: %v", n.ParentID)
	}
}

func TestApplyMoveAcrossSectionsCascadesContainment(t *testing.T) {
	m := loadedMirror()

	if err := m.ApplyMove("p1", "s2", ""); err != nil {
		t.Fatalf("ApplyMove failed: %v", err)
	}

	moved, _ := m.Node("p1")
	if moved.SectionID == nil || *moved.SectionID != "s2" {
		t.Errorf("p1 section = %v, want s2", moved.SectionID)
	}
	if moved.SubsectionID != nil {
		t.Errorf("p1 subsection = %v, want nil", moved.SubsectionID)
	}

	child, _ := m.Node("p1a")
	if child.SectionID == nil || *child.SectionID != "s2" {
		t.Errorf("descendant p1a section = %v, want s2", child.SectionID)
	}
	if child.SubsectionID != nil {
		t.Errorf("descendant p1a subsection = %v, want nil", child.SubsectionID)
	}

	// group left behind closes its gap: p2, p3 become 0, 1
	if got := orderOf(t, m, "p2"); got != 0 {
		t.Errorf("p2 order = %d, want 0", got)
	}
	if got := orderOf(t, m, "p3"); got != 1 {
		t.Errorf("p3 order = %d, want 1", got)
	}
}

func TestApplyMoveWithinSameParent(t *testing.T) {
	m := loadedMirror()

	if err := m.ApplyMove("p1", "sub1", "p3"); err != nil {
		t.Fatalf("ApplyMove failed: %v", err)
	}

	want := map[string]int{"p2": 0, "p3": 1, "p1": 2}
	for id, order := range want {
		if got := orderOf(t, m, id); got != order {
			t.Errorf("%s order = %d, want %d", id, got, order)
		}
	}
}

func TestApplyDeleteLeafOnlyWithoutCascade(t *testing.T) {
	m := loadedMirror()

	if _, err := m.ApplyDelete("p1", false); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-leaf delete, got %v", err)
	}

	removed, err := m.ApplyDelete("p1", true)
	if err != nil {
		t.Fatalf("cascade delete failed: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed ids, got %v", removed)
	}
	if _, ok := m.Node("p1a"); ok {
		t.Error("descendant p1a survived cascade delete")
	}
	if got := orderOf(t, m, "p2"); got != 0 {
		t.Errorf("p2 order = %d, want 0 after gap close", got)
	}
}

func TestApplyReorder(t *testing.T) {
	m := loadedMirror()

	if err := m.ApplyReorder("sub1", store.KindPage, []string{"p3", "p1", "p2"}); err != nil {
		t.Fatalf("ApplyReorder failed: %v", err)
	}
	want := map[string]int{"p3": 0, "p1": 1, "p2": 2}
	for id, order := range want {
		if got := orderOf(t, m, id); got != order {
			t.Errorf("%s order = %d, want %d", id, got, order)
		}
	}

	if err := m.ApplyReorder("sub1", store.KindPage, []string{"p3", "p1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("partial permutation: expected ErrValidation, got %v", err)
	}
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	m := loadedMirror()

	op := m.Begin()
	if err := m.ApplyMove("p1", "s2", ""); err != nil {
		t.Fatalf("ApplyMove failed: %v", err)
	}
	if err := m.Rollback(op); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	n, _ := m.Node("p1")
	if n.ParentID == nil || *n.ParentID != "sub1" {
		t.Errorf("rollback did not restore p1 parent: %v", n.ParentID)
	}
	if got := orderOf(t, m, "p2"); got != 1 {
		t.Errorf("rollback did not restore p2 order: %d", got)
	}
}

func TestCommitDropsSnapshot(t *testing.T) {
	m := loadedMirror()

	op := m.Begin()
	if err := m.Commit(op); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := m.Rollback(op); !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp after commit, got %v", err)
	}
}

func TestReplaceSubtreeReconcilesWithServerTruth(t *testing.T) {
	m := loadedMirror()

	// server truth: p1 moved under s2 and renamed, child gone
	parent := "s2"
	section := "s2"
	if err := m.ReplaceSubtree("p1", []store.Node{
		{ID: "p1", Kind: store.KindPage, ParentID: &parent, SectionID: &section, SortOrder: 0, Title: "Renamed"},
	}); err != nil {
		t.Fatalf("ReplaceSubtree failed: %v", err)
	}

	n, ok := m.Node("p1")
	if !ok || n.Title != "Renamed" {
		t.Fatalf("expected reconciled p1, got %+v ok=%v", n, ok)
	}
	if _, ok := m.Node("p1a"); ok {
		t.Error("stale descendant p1a survived ReplaceSubtree")
	}
}
