package tree

import "fmt"

// Elem is one member of a sibling group as the ordering planner sees it.
// Nodes and blocks both map onto it, so the same renumbering rules cover the
// page tree and the in-page block lists.
type Elem struct {
	ID    string
	Order int
}

// Shift is a single order rewrite the caller applies inside its transaction.
type Shift struct {
	ID    string
	Order int
}

// InsertPlan places a new element in a sibling group and lists the shifts
// keeping the group a gapless 0..n-1 permutation.
type InsertPlan struct {
	Order  int
	Shifts []Shift
}

// PlanInsert computes the insertion order for a new element. With afterID set
// the new order is order(afterID)+1 and every sibling at or beyond that point
// shifts +1; without it the element appends at max(order)+1.
func PlanInsert(siblings []Elem, afterID string) (InsertPlan, error) {
	if afterID == "" {
		return InsertPlan{Order: len(siblings)}, nil
	}

	afterOrder := -1
	for _, sibling := range siblings {
		if sibling.ID == afterID {
			afterOrder = sibling.Order
			break
		}
	}
	if afterOrder < 0 {
		return InsertPlan{}, fmt.Errorf("after %s: %w", afterID, ErrSiblingNotFound)
	}

	plan := InsertPlan{Order: afterOrder + 1}
	for _, sibling := range siblings {
		if sibling.Order >= plan.Order {
			plan.Shifts = append(plan.Shifts, Shift{ID: sibling.ID, Order: sibling.Order + 1})
		}
	}
	return plan, nil
}

// PlanRemove closes the gap left by removing the element that held
// removedOrder: every sibling above it shifts -1. The removed element must
// not be in siblings.
func PlanRemove(siblings []Elem, removedOrder int) []Shift {
	shifts := make([]Shift, 0)
	for _, sibling := range siblings {
		if sibling.Order > removedOrder {
			shifts = append(shifts, Shift{ID: sibling.ID, Order: sibling.Order - 1})
		}
	}
	return shifts
}

// PlanReorder validates that orderedIDs is exactly the current sibling set
// and returns order=index writes. Additions, omissions, and duplicates all
// fail with ErrSiblingSetMismatch.
func PlanReorder(siblings []Elem, orderedIDs []string) ([]Shift, error) {
	if len(orderedIDs) != len(siblings) {
		return nil, ErrSiblingSetMismatch
	}
	current := make(map[string]bool, len(siblings))
	for _, sibling := range siblings {
		current[sibling.ID] = true
	}
	seen := make(map[string]bool, len(orderedIDs))
	shifts := make([]Shift, 0, len(orderedIDs))
	for index, id := range orderedIDs {
		if !current[id] || seen[id] {
			return nil, ErrSiblingSetMismatch
		}
		seen[id] = true
		shifts = append(shifts, Shift{ID: id, Order: index})
	}
	return shifts, nil
}
