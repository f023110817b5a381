package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const commentColumns = `c.id, c.page_id, c.space_id, c.parent_comment_id, c.content::text, c.text_content, c.selection, c.type,
	COALESCE(c.creator_id, ''), COALESCE(u.name, ''), c.resolved_at, COALESCE(c.resolved_by_id, ''), c.edited_at, c.created_at`

func scanComment(row interface{ Scan(...any) error }) (Comment, error) {
	var (
		comment    Comment
		content    string
		parentID   sql.NullString
		resolvedAt sql.NullTime
		editedAt   sql.NullTime
	)
	err := row.Scan(
		&comment.ID,
		&comment.PageID,
		&comment.SpaceID,
		&parentID,
		&content,
		&comment.TextContent,
		&comment.Selection,
		&comment.Type,
		&comment.CreatorID,
		&comment.CreatorName,
		&resolvedAt,
		&comment.ResolvedByID,
		&editedAt,
		&comment.CreatedAt,
	)
	if err != nil {
		return Comment{}, err
	}
	comment.Content = json.RawMessage(content)
	if parentID.Valid {
		comment.ParentCommentID = &parentID.String
	}
	if resolvedAt.Valid {
		comment.ResolvedAt = &resolvedAt.Time
	}
	if editedAt.Valid {
		comment.EditedAt = &editedAt.Time
	}
	return comment, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, page_id, space_id, parent_comment_id, content, text_content, selection, type, creator_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, NULLIF($9, ''))
	`, comment.ID, comment.PageID, comment.SpaceID, comment.ParentCommentID, contentArg(comment.Content), comment.TextContent, comment.Selection, comment.Type, comment.CreatorID)
	if err != nil {
		return wrapErr("insert comment", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		LEFT JOIN users u ON u.id = c.creator_id
		WHERE c.id=$1
	`, commentID))
	if err != nil {
		return Comment{}, wrapErr("get comment", err)
	}
	return comment, nil
}

// ListComments pages through a page's comments in creation order. afterID
// is the last id of the previous page; limit <= 0 means no limit.
func (s *PostgresStore) ListComments(ctx context.Context, pageID, afterID string, limit int) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		LEFT JOIN users u ON u.id = c.creator_id
		WHERE c.page_id=$1 AND ($2 = '' OR c.id > $2)
		ORDER BY c.id
		LIMIT NULLIF($3, 0)
	`, pageID, afterID, max(limit, 0))
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return collectComments(rows)
}

func (s *PostgresStore) ListAllComments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		JOIN pages p ON p.id = c.page_id AND p.deleted_at IS NULL
		LEFT JOIN users u ON u.id = c.creator_id
		ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("list all comments: %w", err)
	}
	return collectComments(rows)
}

func collectComments(rows *sql.Rows) ([]Comment, error) {
	defer rows.Close()
	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID string, content json.RawMessage, textContent string, editedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET content=$2::jsonb, text_content=$3, edited_at=$4 WHERE id=$1
	`, commentID, contentArg(content), textContent, editedAt)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return requireAffected("update comment", result)
}

// SetCommentResolved resolves the comment, or reopens it when resolvedAt is nil.
func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID, resolvedByID string, resolvedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments SET resolved_at=$2, resolved_by_id=NULLIF($3, '') WHERE id=$1
	`, commentID, resolvedAt, resolvedByID)
	if err != nil {
		return fmt.Errorf("resolve comment: %w", err)
	}
	return requireAffected("resolve comment", result)
}

// DeleteComment removes the comment and its replies.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireAffected("delete comment", result)
}

const attachmentColumns = `id, page_id, space_id, file_name, mime_type, size, object_key, COALESCE(creator_id, ''), created_at`

func scanAttachment(row interface{ Scan(...any) error }) (Attachment, error) {
	var item Attachment
	err := row.Scan(&item.ID, &item.PageID, &item.SpaceID, &item.FileName, &item.MimeType, &item.Size, &item.ObjectKey, &item.CreatorID, &item.CreatedAt)
	return item, err
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, page_id, space_id, file_name, mime_type, size, object_key, creator_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
	`, item.ID, item.PageID, item.SpaceID, item.FileName, item.MimeType, item.Size, item.ObjectKey, item.CreatorID)
	if err != nil {
		return wrapErr("insert attachment", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	item, err := scanAttachment(s.db.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=$1`, attachmentID))
	if err != nil {
		return Attachment{}, wrapErr("get attachment", err)
	}
	return item, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, pageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE page_id=$1 ORDER BY created_at, id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		item, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}
