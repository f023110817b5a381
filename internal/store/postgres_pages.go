package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pageColumns = `id, slug_id, title, icon, COALESCE(content::text, ''), text_content, parent_page_id, space_id, position, COALESCE(creator_id, ''), COALESCE(last_updated_by_id, ''), created_at, updated_at, deleted_at, COALESCE(deleted_by_id, '')`

func scanPage(row interface{ Scan(...any) error }) (Page, error) {
	var (
		page      Page
		content   string
		parentID  sql.NullString
		deletedAt sql.NullTime
	)
	err := row.Scan(
		&page.ID,
		&page.SlugID,
		&page.Title,
		&page.Icon,
		&content,
		&page.TextContent,
		&parentID,
		&page.SpaceID,
		&page.Position,
		&page.CreatorID,
		&page.LastUpdatedByID,
		&page.CreatedAt,
		&page.UpdatedAt,
		&deletedAt,
		&page.DeletedByID,
	)
	if err != nil {
		return Page{}, err
	}
	if content != "" {
		page.Content = json.RawMessage(content)
	}
	if parentID.Valid {
		page.ParentPageID = &parentID.String
	}
	if deletedAt.Valid {
		page.DeletedAt = &deletedAt.Time
	}
	return page, nil
}

const nodeColumns = `p.id, p.slug_id, p.title, p.icon, p.position, p.parent_page_id, p.space_id, p.updated_at,
	EXISTS(SELECT 1 FROM pages c WHERE c.parent_page_id = p.id AND c.deleted_at IS NULL)`

func scanNode(row interface{ Scan(...any) error }) (PageNode, error) {
	var (
		node     PageNode
		parentID sql.NullString
	)
	err := row.Scan(&node.ID, &node.SlugID, &node.Title, &node.Icon, &node.Position, &parentID, &node.SpaceID, &node.UpdatedAt, &node.HasChildren)
	if err != nil {
		return PageNode{}, err
	}
	if parentID.Valid {
		node.ParentPageID = &parentID.String
	}
	return node, nil
}

func collectNodes(rows *sql.Rows, op string) ([]PageNode, error) {
	defer rows.Close()
	items := make([]PageNode, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return items, nil
}

func collectIDs(rows *sql.Rows, op string) ([]string, error) {
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return ids, nil
}

func contentArg(content json.RawMessage) string {
	return string(content)
}

func (s *PostgresStore) InsertPage(ctx context.Context, page Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, slug_id, title, icon, content, text_content, parent_page_id, space_id, position, creator_id, last_updated_by_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::jsonb, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($10, ''))
	`, page.ID, page.SlugID, page.Title, page.Icon, contentArg(page.Content), page.TextContent, page.ParentPageID, page.SpaceID, page.Position, page.CreatorID)
	if err != nil {
		return wrapErr("insert page", err)
	}
	return nil
}

// GetPage returns the page whether or not it is in the trash.
func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	page, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID))
	if err != nil {
		return Page{}, wrapErr("get page", err)
	}
	return page, nil
}

func (s *PostgresStore) GetPageBySlug(ctx context.Context, slugID string) (Page, error) {
	page, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE slug_id=$1`, slugID))
	if err != nil {
		return Page{}, wrapErr("get page by slug", err)
	}
	return page, nil
}

func (s *PostgresStore) UpdatePageContent(ctx context.Context, update PageUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, icon=$3, content=NULLIF($4, '')::jsonb, text_content=$5, last_updated_by_id=NULLIF($6, ''), updated_at=NOW()
		WHERE id=$1 AND deleted_at IS NULL
	`, update.ID, update.Title, update.Icon, contentArg(update.Content), update.TextContent, update.UpdatedByID)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return requireAffected("update page", result)
}

// LastChildPosition returns the greatest position among the live children
// of parentID (root pages when nil), or "" when there are none.
func (s *PostgresStore) LastChildPosition(ctx context.Context, spaceID string, parentID *string) (string, error) {
	var position string
	err := s.db.QueryRowContext(ctx, `
		SELECT position FROM pages
		WHERE space_id=$1 AND parent_page_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
		ORDER BY position DESC, id DESC
		LIMIT 1
	`, spaceID, parentID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last child position: %w", err)
	}
	return position, nil
}

func (s *PostgresStore) SiblingPositionTaken(ctx context.Context, spaceID string, parentID *string, position, excludeID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pages
			WHERE space_id=$1 AND parent_page_id IS NOT DISTINCT FROM $2 AND position=$3 AND id<>$4 AND deleted_at IS NULL
		)
	`, spaceID, parentID, position, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check sibling position: %w", err)
	}
	return taken, nil
}

// MovePage rewrites one row. Descendants follow implicitly.
func (s *PostgresStore) MovePage(ctx context.Context, move PageMove) error {
	var (
		result sql.Result
		err    error
	)
	if move.Reparent {
		result, err = s.db.ExecContext(ctx, `
			UPDATE pages SET parent_page_id=$2, position=$3, last_updated_by_id=NULLIF($4, ''), updated_at=NOW()
			WHERE id=$1 AND deleted_at IS NULL
		`, move.ID, move.ParentPageID, move.Position, move.UpdatedByID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE pages SET position=$2, last_updated_by_id=NULLIF($3, ''), updated_at=NOW()
			WHERE id=$1 AND deleted_at IS NULL
		`, move.ID, move.Position, move.UpdatedByID)
	}
	if err != nil {
		return fmt.Errorf("move page: %w", err)
	}
	return requireAffected("move page", result)
}

// ListChildPages lists live children of parentID ordered by (position, id),
// starting after the cursor. limit <= 0 means no limit.
func (s *PostgresStore) ListChildPages(ctx context.Context, spaceID string, parentID *string, after PageCursor, limit int) ([]PageNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM pages p
		WHERE p.space_id=$1
			AND p.parent_page_id IS NOT DISTINCT FROM $2
			AND p.deleted_at IS NULL
			AND ($3 = '' OR (p.position, p.id) > ($3 COLLATE "C", $4))
		ORDER BY p.position, p.id
		LIMIT NULLIF($5, 0)
	`, spaceID, parentID, after.Position, after.ID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list child pages: %w", err)
	}
	return collectNodes(rows, "child pages")
}

// ListSpacePages returns every live page of a space, grouped by parent and
// ordered by (position, id) within a group.
func (s *PostgresStore) ListSpacePages(ctx context.Context, spaceID string) ([]PageNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM pages p
		WHERE p.space_id=$1 AND p.deleted_at IS NULL
		ORDER BY p.parent_page_id NULLS FIRST, p.position, p.id
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list space pages: %w", err)
	}
	return collectNodes(rows, "space pages")
}

// PageAncestors returns the chain from the root down to and including pageID.
func (s *PostgresStore) PageAncestors(ctx context.Context, pageID string) ([]PageNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_page_id, 0 AS depth FROM pages WHERE id=$1
			UNION ALL
			SELECT parent.id, parent.parent_page_id, chain.depth + 1
			FROM pages parent
			JOIN chain ON parent.id = chain.parent_page_id
			WHERE chain.depth < 1000
		)
		SELECT `+nodeColumns+`
		FROM chain
		JOIN pages p ON p.id = chain.id
		ORDER BY chain.depth DESC
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("page ancestors: %w", err)
	}
	return collectNodes(rows, "ancestors")
}

func (s *PostgresStore) RecentPages(ctx context.Context, spaceID string, limit int) ([]PageNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM pages p
		WHERE p.space_id=$1 AND p.deleted_at IS NULL
		ORDER BY p.updated_at DESC, p.id
		LIMIT NULLIF($2, 0)
	`, spaceID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("recent pages: %w", err)
	}
	return collectNodes(rows, "recent pages")
}

// ListAllPages returns every live page with content, oldest first.
func (s *PostgresStore) ListAllPages(ctx context.Context) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE deleted_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list all pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

// SoftDeletePageTree stamps the page and its live descendants with the same
// deleted_at so they can be restored as one batch.
func (s *PostgresStore) SoftDeletePageTree(ctx context.Context, pageID, deletedByID string, at time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id FROM pages WHERE id=$1 AND deleted_at IS NULL
			UNION ALL
			SELECT child.id FROM pages child
			JOIN subtree ON child.parent_page_id = subtree.id
			WHERE child.deleted_at IS NULL
		)
		UPDATE pages SET deleted_at=$2, deleted_by_id=NULLIF($3, '')
		WHERE id IN (SELECT id FROM subtree)
		RETURNING id
	`, pageID, at, deletedByID)
	if err != nil {
		return nil, fmt.Errorf("soft delete pages: %w", err)
	}
	ids, err := collectIDs(rows, "deleted pages")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("soft delete pages: %w", ErrNotFound)
	}
	return ids, nil
}

// RestorePageTree brings back the page and every descendant deleted in the
// same batch, then places the page under parentID at position.
func (s *PostgresStore) RestorePageTree(ctx context.Context, pageID string, parentID *string, position string) ([]string, error) {
	var ids []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH RECURSIVE batch AS (
				SELECT id, deleted_at FROM pages WHERE id=$1 AND deleted_at IS NOT NULL
				UNION ALL
				SELECT child.id, child.deleted_at FROM pages child
				JOIN batch ON child.parent_page_id = batch.id
				WHERE child.deleted_at = batch.deleted_at
			)
			UPDATE pages SET deleted_at=NULL, deleted_by_id=NULL
			WHERE id IN (SELECT id FROM batch)
			RETURNING id
		`, pageID)
		if err != nil {
			return fmt.Errorf("restore pages: %w", err)
		}
		ids, err = collectIDs(rows, "restored pages")
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return fmt.Errorf("restore pages: %w", ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pages SET parent_page_id=$2, position=$3, updated_at=NOW() WHERE id=$1
		`, pageID, parentID, position); err != nil {
			return fmt.Errorf("place restored page: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListTrash lists the top page of every deletion batch in a space, newest
// first.
func (s *PostgresStore) ListTrash(ctx context.Context, spaceID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages p
		WHERE p.space_id=$1
			AND p.deleted_at IS NOT NULL
			AND NOT EXISTS (
				SELECT 1 FROM pages parent
				WHERE parent.id = p.parent_page_id AND parent.deleted_at = p.deleted_at
			)
		ORDER BY p.deleted_at DESC, p.id
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trash: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trash: %w", err)
	}
	return items, nil
}

// PurgePageTree hard-deletes the page and all of its descendants, live or
// trashed. Comments and attachments go with them.
func (s *PostgresStore) PurgePageTree(ctx context.Context, pageID string) (PurgeResult, error) {
	const subtree = `
		WITH RECURSIVE subtree AS (
			SELECT id FROM pages WHERE id=$1
			UNION ALL
			SELECT child.id FROM pages child JOIN subtree ON child.parent_page_id = subtree.id
		)`
	var result PurgeResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, subtree+`
			SELECT a.object_key FROM attachments a JOIN subtree ON a.page_id = subtree.id ORDER BY a.id
		`, pageID)
		if err != nil {
			return fmt.Errorf("list purged attachments: %w", err)
		}
		if result.ObjectKeys, err = collectIDs(rows, "purged attachments"); err != nil {
			return err
		}

		rows, err = tx.QueryContext(ctx, subtree+`
			DELETE FROM pages WHERE id IN (SELECT id FROM subtree) RETURNING id
		`, pageID)
		if err != nil {
			return fmt.Errorf("purge pages: %w", err)
		}
		if result.PageIDs, err = collectIDs(rows, "purged pages"); err != nil {
			return err
		}
		if len(result.PageIDs) == 0 {
			return fmt.Errorf("purge pages: %w", ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return PurgeResult{}, err
	}
	return result, nil
}
