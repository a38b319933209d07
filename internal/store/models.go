package store

import "time"

const (
	KindSection    = "section"
	KindSubsection = "subsection"
	KindPage       = "page"
)

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Node is the unifying row for sections, subsections, and pages. Children are
// always derived by parent_id query, never stored on the row.
type Node struct {
	ID          string
	WorkspaceID string
	Kind        string
	ParentID    *string
	// SectionID/SubsectionID are denormalized containment for pages,
	// inherited from the nearest section/subsection ancestor.
	SectionID    *string
	SubsectionID *string
	SortOrder    int
	Title        string
	Icon         string
	Status       string
	Assignees    []string
	Properties   string
	UpdatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Block is a content leaf owned by exactly one page. Blocks nest via
// parent_block_id (e.g. a toggle containing blocks); the sibling-order
// invariant applies per (page_id, parent_block_id).
type Block struct {
	ID            string
	PageID        string
	ParentBlockID *string
	SortOrder     int
	BlockType     string
	Content       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Comment struct {
	ID        string
	PageID    string
	BlockID   *string
	Author    string
	Body      string
	CreatedAt time.Time
}

type Attachment struct {
	ID          string
	PageID      string
	FileName    string
	ObjectKey   string
	ContentType string
	SizeBytes   int64
	UploadedBy  string
	CreatedAt   time.Time
}

type Breadcrumb struct {
	ID    string
	Kind  string
	Title string
}
