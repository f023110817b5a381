package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var errStopScan = errors.New("stop scan")

func pageIndexPrefix(pageID string) []byte {
	return append([]byte(pageID), keySep)
}

func withCreatorName(tx *bolt.Tx, comment *Comment) {
	var user User
	if err := getJSON(tx.Bucket(bucketUsers), comment.CreatorID, &user); err == nil {
		comment.CreatorName = user.Name
	}
}

func (s *BoltStore) InsertComment(ctx context.Context, comment Comment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		comments := tx.Bucket(bucketComments)
		if comments.Get([]byte(comment.ID)) != nil {
			return fmt.Errorf("insert comment: %w", ErrConflict)
		}
		if tx.Bucket(bucketPages).Get([]byte(comment.PageID)) == nil {
			return fmt.Errorf("insert comment: %w", ErrNotFound)
		}
		comment.CreatedAt = s.now()
		comment.CreatorName = ""
		if err := putJSON(comments, comment.ID, comment); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
		return tx.Bucket(bucketPageComments).Put(append(pageIndexPrefix(comment.PageID), comment.ID...), nil)
	})
}

func (s *BoltStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := getJSON(tx.Bucket(bucketComments), commentID, &comment); err != nil {
			return err
		}
		withCreatorName(tx, &comment)
		return nil
	})
	if err != nil {
		return Comment{}, fmt.Errorf("get comment: %w", err)
	}
	return comment, nil
}

func (s *BoltStore) ListComments(ctx context.Context, pageID, afterID string, limit int) ([]Comment, error) {
	items := make([]Comment, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		comments := tx.Bucket(bucketComments)
		err := scanPrefix(tx.Bucket(bucketPageComments), pageIndexPrefix(pageID), func(id string) error {
			if afterID != "" && id <= afterID {
				return nil
			}
			if limit > 0 && len(items) >= limit {
				return errStopScan
			}
			var comment Comment
			if err := getJSON(comments, id, &comment); err != nil {
				return err
			}
			withCreatorName(tx, &comment)
			items = append(items, comment)
			return nil
		})
		if errors.Is(err, errStopScan) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return items, nil
}

func (s *BoltStore) ListAllComments(ctx context.Context) ([]Comment, error) {
	items := make([]Comment, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketComments).ForEach(func(_, v []byte) error {
			var comment Comment
			if err := json.Unmarshal(v, &comment); err != nil {
				return err
			}
			page, err := loadPage(tx, comment.PageID)
			if err != nil || page.Deleted() {
				return nil
			}
			withCreatorName(tx, &comment)
			items = append(items, comment)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list all comments: %w", err)
	}
	return items, nil
}

func (s *BoltStore) updateComment(op, commentID string, fn func(*Comment)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketComments)
		var comment Comment
		if err := getJSON(bucket, commentID, &comment); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		fn(&comment)
		return putJSON(bucket, commentID, comment)
	})
}

func (s *BoltStore) UpdateComment(ctx context.Context, commentID string, content json.RawMessage, textContent string, editedAt time.Time) error {
	return s.updateComment("update comment", commentID, func(c *Comment) {
		c.Content, c.TextContent, c.EditedAt = content, textContent, &editedAt
	})
}

func (s *BoltStore) SetCommentResolved(ctx context.Context, commentID, resolvedByID string, resolvedAt *time.Time) error {
	return s.updateComment("resolve comment", commentID, func(c *Comment) {
		c.ResolvedAt = resolvedAt
		c.ResolvedByID = ""
		if resolvedAt != nil {
			c.ResolvedByID = resolvedByID
		}
	})
}

func (s *BoltStore) DeleteComment(ctx context.Context, commentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		comments := tx.Bucket(bucketComments)
		var comment Comment
		if err := getJSON(comments, commentID, &comment); err != nil {
			return fmt.Errorf("delete comment: %w", err)
		}
		doomed := []string{comment.ID}
		err := scanPrefix(tx.Bucket(bucketPageComments), pageIndexPrefix(comment.PageID), func(id string) error {
			var reply Comment
			if err := getJSON(comments, id, &reply); err != nil {
				return err
			}
			if reply.ParentCommentID != nil && *reply.ParentCommentID == comment.ID {
				doomed = append(doomed, reply.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		index := tx.Bucket(bucketPageComments)
		for _, id := range doomed {
			if err := comments.Delete([]byte(id)); err != nil {
				return err
			}
			if err := index.Delete(append(pageIndexPrefix(comment.PageID), id...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func dropPageComments(tx *bolt.Tx, pageID string) error {
	index := tx.Bucket(bucketPageComments)
	prefix := pageIndexPrefix(pageID)
	var ids []string
	if err := scanPrefix(index, prefix, func(id string) error {
		ids = append(ids, id)
		return nil
	}); err != nil {
		return err
	}
	for _, id := range ids {
		if err := tx.Bucket(bucketComments).Delete([]byte(id)); err != nil {
			return err
		}
		if err := index.Delete(append(pageIndexPrefix(pageID), id...)); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) InsertAttachment(ctx context.Context, item Attachment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		attachments := tx.Bucket(bucketAttachments)
		if attachments.Get([]byte(item.ID)) != nil {
			return fmt.Errorf("insert attachment: %w", ErrConflict)
		}
		if tx.Bucket(bucketPages).Get([]byte(item.PageID)) == nil {
			return fmt.Errorf("insert attachment: %w", ErrNotFound)
		}
		item.CreatedAt = s.now()
		if err := putJSON(attachments, item.ID, item); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		return tx.Bucket(bucketPageAttachments).Put(append(pageIndexPrefix(item.PageID), item.ID...), nil)
	})
}

func (s *BoltStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketAttachments), attachmentID, &item)
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("get attachment: %w", err)
	}
	return item, nil
}

func (s *BoltStore) ListAttachments(ctx context.Context, pageID string) ([]Attachment, error) {
	items := make([]Attachment, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		attachments := tx.Bucket(bucketAttachments)
		return scanPrefix(tx.Bucket(bucketPageAttachments), pageIndexPrefix(pageID), func(id string) error {
			var item Attachment
			if err := getJSON(attachments, id, &item); err != nil {
				return err
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return items, nil
}

func dropPageAttachments(tx *bolt.Tx, pageID string) ([]string, error) {
	index := tx.Bucket(bucketPageAttachments)
	attachments := tx.Bucket(bucketAttachments)
	var ids, keys []string
	err := scanPrefix(index, pageIndexPrefix(pageID), func(id string) error {
		var item Attachment
		if err := getJSON(attachments, id, &item); err != nil {
			return err
		}
		ids = append(ids, id)
		keys = append(keys, item.ObjectKey)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := attachments.Delete([]byte(id)); err != nil {
			return nil, err
		}
		if err := index.Delete(append(pageIndexPrefix(pageID), id...)); err != nil {
			return nil, err
		}
	}
	return keys, nil
}
