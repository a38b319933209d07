package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries node titles using plainto_tsquery and ts_rank, with
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "n.fts @@ " + tsQuery
	if q.FilterKind != "" {
		where += fmt.Sprintf(" AND n.kind = $%d", argN)
		args = append(args, q.FilterKind)
		argN++
	}
	if q.FilterSectionID != "" {
		where += fmt.Sprintf(" AND (n.section_id = $%d OR n.id = $%d)", argN, argN)
		args = append(args, q.FilterSectionID)
		argN++
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM nodes n WHERE %s", where)
	dataSQL := fmt.Sprintf(`
		SELECT n.id, n.kind, n.title,
			ts_headline('english', coalesce(n.title, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(n.section_id, '') AS section_id
		FROM nodes n
		WHERE %s
		ORDER BY ts_rank(n.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Kind, &r.Title, &r.Snippet, &r.SectionID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable node records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, title, coalesce(section_id, ''), status
		FROM nodes
	`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	defer rows.Close()

	records := make([]NodeRecord, 0)
	for rows.Next() {
		var r NodeRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Title, &r.SectionID, &r.Status); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return records, nil
}
