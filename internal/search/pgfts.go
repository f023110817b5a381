package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector columns of pages
// and comments.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy is always true: without Postgres the API is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search unions a page and a comment sub-query ranked by ts_rank, with
// ts_headline snippets. Trashed pages and their comments never match.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
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

	tsQuery := "websearch_to_tsquery('english', $1)"
	args := []any{q.Text}
	spaceFilter := ""
	if q.FilterSpaceID != "" {
		args = append(args, q.FilterSpaceID)
		spaceFilter = " AND p.space_id = $2"
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'page'::text AS type, p.id, p.title,
				ts_headline('english', p.text_content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS page_id, p.slug_id, p.space_id,
				ts_rank(p.tsv, %[1]s) AS rank
			FROM pages p
			WHERE p.deleted_at IS NULL AND p.tsv @@ %[1]s%[2]s`, tsQuery, spaceFilter))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, p.title,
				ts_headline('english', c.text_content, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS page_id, p.slug_id, p.space_id,
				ts_rank(c.tsv, %[1]s) AS rank
			FROM comments c
			JOIN pages p ON p.id = c.page_id
			WHERE p.deleted_at IS NULL AND c.tsv @@ %[1]s%[2]s`, tsQuery, spaceFilter))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT type, id, title, snippet, page_id, slug_id, space_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PageID, &r.SlugID, &r.SpaceID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
