package tree

import (
	"errors"
	"testing"
)

func elems(ids ...string) []Elem {
	items := make([]Elem, len(ids))
	for i, id := range ids {
		items[i] = Elem{ID: id, Order: i}
	}
	return items
}

func TestPlanInsertAppend(t *testing.T) {
	plan, err := PlanInsert(elems("a", "b", "c"), "")
	if err != nil {
		t.Fatalf("PlanInsert failed: %v", err)
	}
	if plan.Order != 3 {
		t.Errorf("expected append order 3, got %d", plan.Order)
	}
	if len(plan.Shifts) != 0 {
		t.Errorf("append must not shift siblings, got %v", plan.Shifts)
	}
}

func TestPlanInsertAppendEmptyGroup(t *testing.T) {
	plan, err := PlanInsert(nil, "")
	if err != nil {
		t.Fatalf("PlanInsert failed: %v", err)
	}
	if plan.Order != 0 {
		t.Errorf("expected order 0 in empty group, got %d", plan.Order)
	}
}

func TestPlanInsertAfterShiftsTail(t *testing.T) {
	// insert after a: b and c shift +1
	plan, err := PlanInsert(elems("a", "b", "c"), "a")
	if err != nil {
		t.Fatalf("PlanInsert failed: %v", err)
	}
	if plan.Order != 1 {
		t.Errorf("expected order 1, got %d", plan.Order)
	}
	want := map[string]int{"b": 2, "c": 3}
	if len(plan.Shifts) != len(want) {
		t.Fatalf("expected %d shifts, got %v", len(want), plan.Shifts)
	}
	for _, shift := range plan.Shifts {
		if want[shift.ID] != shift.Order {
			t.Errorf("shift %s → %d, want %d", shift.ID, shift.Order, want[shift.ID])
		}
	}
}

func TestPlanInsertAfterLast(t *testing.T) {
	plan, err := PlanInsert(elems("a", "b"), "b")
	if err != nil {
		t.Fatalf("PlanInsert failed: %v", err)
	}
	if plan.Order != 2 || len(plan.Shifts) != 0 {
		t.Errorf("insert after last should append, got %+v", plan)
	}
}

func TestPlanInsertUnknownAfter(t *testing.T) {
	_, err := PlanInsert(elems("a", "b"), "zz")
	if !errors.Is(err, ErrSiblingNotFound) {
		t.Fatalf("expected ErrSiblingNotFound, got %v", err)
	}
}

func TestPlanRemoveClosesGap(t *testing.T) {
	// remove order 1 from [a:0, c:2, d:3]
	siblings := []Elem{{ID: "a", Order: 0}, {ID: "c", Order: 2}, {ID: "d", Order: 3}}
	shifts := PlanRemove(siblings, 1)
	want := map[string]int{"c": 1, "d": 2}
	if len(shifts) != len(want) {
		t.Fatalf("expected %d shifts, got %v", len(want), shifts)
	}
	for _, shift := range shifts {
		if want[shift.ID] != shift.Order {
			t.Errorf("shift %s → %d, want %d", shift.ID, shift.Order, want[shift.ID])
		}
	}
}

func TestPlanRemoveLast(t *testing.T) {
	shifts := PlanRemove([]Elem{{ID: "a", Order: 0}}, 1)
	if len(shifts) != 0 {
		t.Errorf("removing the last element shifts nothing, got %v", shifts)
	}
}

func TestPlanReorder(t *testing.T) {
	shifts, err := PlanReorder(elems("a", "b", "c"), []string{"c", "a", "b"})
	if err != nil {
		t.Fatalf("PlanReorder failed: %v", err)
	}
	want := map[string]int{"c": 0, "a": 1, "b": 2}
	for _, shift := range shifts {
		if want[shift.ID] != shift.Order {
			t.Errorf("shift %s → %d, want %d", shift.ID, shift.Order, want[shift.ID])
		}
	}
}

func TestPlanReorderIdempotent(t *testing.T) {
	ordered := []string{"b", "a"}
	first, err := PlanReorder(elems("a", "b"), ordered)
	if err != nil {
		t.Fatalf("first PlanReorder failed: %v", err)
	}
	// apply the plan, then reorder again with the same list
	applied := make([]Elem, len(first))
	for i, shift := range first {
		applied[i] = Elem{ID: shift.ID, Order: shift.Order}
	}
	second, err := PlanReorder(applied, ordered)
	if err != nil {
		t.Fatalf("second PlanReorder failed: %v", err)
	}
	for i := range second {
		if second[i] != first[i] {
			t.Errorf("reorder not idempotent: %v vs %v", first, second)
		}
	}
}

func TestPlanReorderRejectsMismatch(t *testing.T) {
	cases := []struct {
		name    string
		ordered []string
	}{
		{"omission", []string{"a", "b"}},
		{"addition", []string{"a", "b", "c", "d"}},
		{"duplicate", []string{"a", "b", "b"}},
		{"foreign id", []string{"a", "b", "z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PlanReorder(elems("a", "b", "c"), tc.ordered)
			if !errors.Is(err, ErrSiblingSetMismatch) {
				t.Fatalf("expected ErrSiblingSetMismatch, got %v", err)
			}
		})
	}
}
