package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"aquachain/api/internal/revision"
)

// PgFTS implements Searcher over the generated tsvector of latest pointer
// names. It is the fallback when Meilisearch is unavailable.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; the engine cannot run without Postgres.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	where := "l.fts @@ " + tsQuery
	args := []any{q.Text}
	if q.Scope != "" {
		args = append(args, q.Scope)
		where += fmt.Sprintf(" AND l.scope = $%d", len(args))
	}
	if !q.IncludeWorkflows {
		where += " AND NOT l.is_workflow"
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM latest l WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.scope, l.tip_hash, l.name, l.is_workflow,
			ts_headline('simple', l.name, %s, 'MaxFragments=1,MaxWords=30') AS snippet
		FROM latest l
		WHERE %s
		ORDER BY ts_rank(l.fts, %s) DESC, l.updated_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, normalizeLimit(q.Limit), offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Scope, &r.TipHash, &r.Name, &r.IsWorkflow, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = revision.NewScopedKey(r.Scope, r.TipHash).String()
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every latest pointer for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scope, tip_hash, name, is_workflow
		FROM latest
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		if err := rows.Scan(&d.Scope, &d.TipHash, &d.Name, &d.IsWorkflow); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.ID = revision.NewScopedKey(d.Scope, d.TipHash).String()
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
