package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Tx is the transactional unit of work handed to RunTransaction callbacks.
// Every write and every ForUpdate read goes through it, so invariant checks
// always observe post-lock state.
type Tx interface {
	GetNode(ctx context.Context, id string) (Node, error)
	GetNodeForUpdate(ctx context.Context, id string) (Node, error)
	GetChildren(ctx context.Context, parentID *string, kind string) ([]Node, error)
	ChildrenForUpdate(ctx context.Context, parentID *string, kind string) ([]Node, error)
	AllChildren(ctx context.Context, parentID string) ([]Node, error)
	InsertNode(ctx context.Context, node Node) error
	UpdateNodeMeta(ctx context.Context, node Node) error
	UpdateNodePlacement(ctx context.Context, id string, parentID, sectionID, subsectionID *string, order int, updatedBy string) error
	UpdateNodeContainment(ctx context.Context, id string, sectionID, subsectionID *string) error
	SetNodeOrder(ctx context.Context, id string, order int) error
	DeleteNode(ctx context.Context, id string) error

	ListBlocks(ctx context.Context, pageID string) ([]Block, error)
	BlockSiblingsForUpdate(ctx context.Context, pageID string, parentBlockID *string) ([]Block, error)
	GetBlockForUpdate(ctx context.Context, id string) (Block, error)
	InsertBlock(ctx context.Context, block Block) error
	SetBlockOrder(ctx context.Context, id string, order int) error
	DeleteBlock(ctx context.Context, id string) error

	InsertComment(ctx context.Context, comment Comment) error
	InsertAttachment(ctx context.Context, attachment Attachment) error
	// DeleteDependents removes blocks, comments, and attachments owned by the
	// given pages and returns the blob object keys of removed attachments.
	DeleteDependents(ctx context.Context, pageIDs []string) ([]string, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db          *sql.DB
	q           querier
	lockTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, q: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// RunTransaction runs fn inside one database transaction. A bounded
// lock_timeout turns lock waits into errors that classify as conflicts via
// IsConflict, so callers can retry instead of deadlocking.
func (s *PostgresStore) RunTransaction(ctx context.Context, fn func(tx Tx) error) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if s.lockTimeout > 0 {
		timeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := dbtx.ExecContext(ctx, timeout); err != nil {
			_ = dbtx.Rollback()
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}
	scoped := &PostgresStore{db: s.db, q: dbtx, lockTimeout: s.lockTimeout}
	if err := fn(scoped); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsConflict reports whether err is a transactional race lost to another
// writer: serialization failure, deadlock, or lock timeout.
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

const nodeColumns = `
	id, workspace_id, kind, parent_id, section_id, subsection_id, sort_order,
	title, icon, status, assignees, properties, updated_by_name, created_at, updated_at
`

func scanNode(row interface{ Scan(...any) error }) (Node, error) {
	var node Node
	var assigneesRaw []byte
	err := row.Scan(
		&node.ID,
		&node.WorkspaceID,
		&node.Kind,
		&node.ParentID,
		&node.SectionID,
		&node.SubsectionID,
		&node.SortOrder,
		&node.Title,
		&node.Icon,
		&node.Status,
		&assigneesRaw,
		&node.Properties,
		&node.UpdatedBy,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return Node{}, err
	}
	_ = json.Unmarshal(assigneesRaw, &node.Assignees)
	return node, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, id string) (Node, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, id)
	return scanNode(row)
}

func (s *PostgresStore) GetNodeForUpdate(ctx context.Context, id string) (Node, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1 FOR UPDATE`, id)
	return scanNode(row)
}

func (s *PostgresStore) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// GetChildren returns the sibling group under parentID, ordered. kind narrows
// to one node kind; empty means all kinds. parentID nil selects root sections.
func (s *PostgresStore) GetChildren(ctx context.Context, parentID *string, kind string) ([]Node, error) {
	return s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_id IS NOT DISTINCT FROM $1
		  AND ($2 = '' OR kind = $2)
		ORDER BY sort_order ASC
	`, parentID, kind)
}

func (s *PostgresStore) ChildrenForUpdate(ctx context.Context, parentID *string, kind string) ([]Node, error) {
	return s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_id IS NOT DISTINCT FROM $1
		  AND ($2 = '' OR kind = $2)
		ORDER BY sort_order ASC
		FOR UPDATE
	`, parentID, kind)
}

// AllChildren returns every node whose parent is parentID regardless of kind,
// the reverse-edge lookup the descendant traversal is built on.
func (s *PostgresStore) AllChildren(ctx context.Context, parentID string) ([]Node, error) {
	return s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE parent_id = $1
		ORDER BY kind ASC, sort_order ASC
	`, parentID)
}

func (s *PostgresStore) ListNodes(ctx context.Context) ([]Node, error) {
	return s.queryNodes(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		ORDER BY kind ASC, sort_order ASC
	`)
}

func (s *PostgresStore) CountNodes(ctx context.Context) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertNode(ctx context.Context, node Node) error {
	assignees := node.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	encodedAssignees, err := json.Marshal(assignees)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	properties := node.Properties
	if properties == "" {
		properties = "{}"
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO nodes (id, workspace_id, kind, parent_id, section_id, subsection_id, sort_order, title, icon, status, assignees, properties, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13)
	`, node.ID, node.WorkspaceID, node.Kind, node.ParentID, node.SectionID, node.SubsectionID, node.SortOrder,
		node.Title, node.Icon, node.Status, string(encodedAssignees), properties, node.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNodeMeta(ctx context.Context, node Node) error {
	assignees := node.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	encodedAssignees, err := json.Marshal(assignees)
	if err != nil {
		return fmt.Errorf("marshal assignees: %w", err)
	}
	properties := node.Properties
	if properties == "" {
		properties = "{}"
	}
	_, err = s.q.ExecContext(ctx, `
		UPDATE nodes
		SET title=$2, icon=$3, status=$4, assignees=$5::jsonb, properties=$6::jsonb, updated_by_name=$7, updated_at=NOW()
		WHERE id=$1
	`, node.ID, node.Title, node.Icon, node.Status, string(encodedAssignees), properties, node.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update node meta: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNodePlacement(ctx context.Context, id string, parentID, sectionID, subsectionID *string, order int, updatedBy string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE nodes
		SET parent_id=$2, section_id=$3, subsection_id=$4, sort_order=$5, updated_by_name=$6, updated_at=NOW()
		WHERE id=$1
	`, id, parentID, sectionID, subsectionID, order, updatedBy)
	if err != nil {
		return fmt.Errorf("update node placement: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNodeContainment(ctx context.Context, id string, sectionID, subsectionID *string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE nodes SET section_id=$2, subsection_id=$3, updated_at=NOW()
		WHERE id=$1
	`, id, sectionID, subsectionID)
	if err != nil {
		return fmt.Errorf("update node containment: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetNodeOrder(ctx context.Context, id string, order int) error {
	_, err := s.q.ExecContext(ctx, `UPDATE nodes SET sort_order=$2, updated_at=NOW() WHERE id=$1`, id, order)
	if err != nil {
		return fmt.Errorf("set node order: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNode(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return nil
}

const blockColumns = `id, page_id, parent_block_id, sort_order, block_type, content, created_at, updated_at`

func scanBlock(row interface{ Scan(...any) error }) (Block, error) {
	var block Block
	err := row.Scan(
		&block.ID,
		&block.PageID,
		&block.ParentBlockID,
		&block.SortOrder,
		&block.BlockType,
		&block.Content,
		&block.CreatedAt,
		&block.UpdatedAt,
	)
	if err != nil {
		return Block{}, err
	}
	return block, nil
}

func (s *PostgresStore) queryBlocks(ctx context.Context, query string, args ...any) ([]Block, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer rows.Close()

	items := make([]Block, 0)
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		items = append(items, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListBlocks(ctx context.Context, pageID string) ([]Block, error) {
	return s.queryBlocks(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE page_id=$1
		ORDER BY parent_block_id NULLS FIRST, sort_order ASC
	`, pageID)
}

func (s *PostgresStore) BlockSiblingsForUpdate(ctx context.Context, pageID string, parentBlockID *string) ([]Block, error) {
	return s.queryBlocks(ctx, `
		SELECT `+blockColumns+`
		FROM blocks
		WHERE page_id=$1 AND parent_block_id IS NOT DISTINCT FROM $2
		ORDER BY sort_order ASC
		FOR UPDATE
	`, pageID, parentBlockID)
}

func (s *PostgresStore) GetBlockForUpdate(ctx context.Context, id string) (Block, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE id=$1 FOR UPDATE`, id)
	return scanBlock(row)
}

func (s *PostgresStore) InsertBlock(ctx context.Context, block Block) error {
	content := block.Content
	if content == "" {
		content = "{}"
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO blocks (id, page_id, parent_block_id, sort_order, block_type, content)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	`, block.ID, block.PageID, block.ParentBlockID, block.SortOrder, block.BlockType, content)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetBlockOrder(ctx context.Context, id string, order int) error {
	_, err := s.q.ExecContext(ctx, `UPDATE blocks SET sort_order=$2, updated_at=NOW() WHERE id=$1`, id, order)
	if err != nil {
		return fmt.Errorf("set block order: %w", err)
	}
	return nil
}

// DeleteBlock removes one block; nested child blocks go with it via the
// self-referencing ON DELETE CASCADE.
func (s *PostgresStore) DeleteBlock(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM blocks WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete block: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, pageID string) ([]Comment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, page_id, block_id, author_name, body, created_at
		FROM comments
		WHERE page_id=$1
		ORDER BY created_at ASC
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.PageID, &item.BlockID, &item.Author, &item.Body, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO comments (id, page_id, block_id, author_name, body)
		VALUES ($1, $2, $3, $4, $5)
	`, comment.ID, comment.PageID, comment.BlockID, comment.Author, comment.Body)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, pageID string) ([]Attachment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, page_id, file_name, object_key, content_type, size_bytes, uploaded_by_name, created_at
		FROM attachments
		WHERE page_id=$1
		ORDER BY created_at ASC
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.PageID, &item.FileName, &item.ObjectKey, &item.ContentType, &item.SizeBytes, &item.UploadedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO attachments (id, page_id, file_name, object_key, content_type, size_bytes, uploaded_by_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attachment.ID, attachment.PageID, attachment.FileName, attachment.ObjectKey, attachment.ContentType, attachment.SizeBytes, attachment.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDependents(ctx context.Context, pageIDs []string) ([]string, error) {
	objectKeys := make([]string, 0)
	for _, pageID := range pageIDs {
		rows, err := s.q.QueryContext(ctx, `SELECT object_key FROM attachments WHERE page_id=$1`, pageID)
		if err != nil {
			return nil, fmt.Errorf("list attachment keys: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan attachment key: %w", err)
			}
			objectKeys = append(objectKeys, key)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate attachment keys: %w", err)
		}
		rows.Close()

		if _, err := s.q.ExecContext(ctx, `DELETE FROM attachments WHERE page_id=$1`, pageID); err != nil {
			return nil, fmt.Errorf("delete attachments: %w", err)
		}
		if _, err := s.q.ExecContext(ctx, `DELETE FROM comments WHERE page_id=$1`, pageID); err != nil {
			return nil, fmt.Errorf("delete comments: %w", err)
		}
		if _, err := s.q.ExecContext(ctx, `DELETE FROM blocks WHERE page_id=$1`, pageID); err != nil {
			return nil, fmt.Errorf("delete blocks: %w", err)
		}
	}
	return objectKeys, nil
}

func (s *PostgresStore) GetDefaultWorkspace(ctx context.Context) (Workspace, error) {
	var item Workspace
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, slug, created_at, updated_at
		FROM workspaces
		LIMIT 1
	`).Scan(&item.ID, &item.Name, &item.Slug, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertWorkspace(ctx context.Context, workspace Workspace) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, workspace.ID, workspace.Name, workspace.Slug)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
