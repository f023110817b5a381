package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"canopy/api/internal/email"
	"canopy/api/internal/rbac"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

const (
	commentTypePage   = "page"
	commentTypeInline = "inline"

	defaultCommentLimit = 100
	maxCommentLimit     = 500
	excerptRunes        = 200
)

type CreateCommentInput struct {
	ParentCommentID *string         `json:"parentCommentId"`
	Content         json.RawMessage `json:"content" validate:"required"`
	Selection       string          `json:"selection" validate:"max=2000"`
	Type            string          `json:"type" validate:"omitempty,oneof=page inline"`
}

type UpdateCommentInput struct {
	Content json.RawMessage `json:"content" validate:"required"`
}

type CommentPage struct {
	Items      []store.Comment `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

func commentNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound("COMMENT_NOT_FOUND", "Comment not found")
	}
	return err
}

func (s *Service) CreateComment(ctx context.Context, actor Session, pageID string, in CreateCommentInput) (store.Comment, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return store.Comment{}, err
	}

	var parent *store.Comment
	if id := normalizeParent(in.ParentCommentID); id != nil {
		found, err := s.store.GetComment(ctx, *id)
		if err != nil {
			return store.Comment{}, commentNotFound(err)
		}
		if found.PageID != page.ID {
			return store.Comment{}, notFound("COMMENT_NOT_FOUND", "Comment not found")
		}
		if found.ParentCommentID != nil {
			return store.Comment{}, validationError("NESTED_REPLY", "Replies can only be added to top-level comments", nil)
		}
		parent = &found
	}

	text, err := plainText(in.Content)
	if err != nil {
		return store.Comment{}, err
	}
	if strings.TrimSpace(text) == "" {
		return store.Comment{}, validationError("VALIDATION_FAILED", "Comment is empty", map[string]string{"content": "required"})
	}

	kind := in.Type
	if kind == "" {
		kind = commentTypePage
		if strings.TrimSpace(in.Selection) != "" {
			kind = commentTypeInline
		}
	}
	comment := store.Comment{
		ID:          util.NewSortableID(),
		PageID:      page.ID,
		SpaceID:     page.SpaceID,
		Content:     in.Content,
		TextContent: text,
		Selection:   in.Selection,
		Type:        kind,
		CreatorID:   actor.UserID,
		CreatedAt:   s.now().UTC(),
	}
	if parent != nil {
		comment.ParentCommentID = &parent.ID
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, err
	}
	if comment, err = s.store.GetComment(ctx, comment.ID); err != nil {
		return store.Comment{}, err
	}

	if s.search != nil {
		s.search.IndexComment(search.CommentRecordFrom(comment, page))
	}
	if parent != nil {
		s.notifyReply(ctx, actor, page, *parent, comment)
	}
	return comment, nil
}

// notifyReply mails the thread author in the background. Replying to your
// own thread sends nothing.
func (s *Service) notifyReply(ctx context.Context, actor Session, page store.Page, parent, reply store.Comment) {
	if s.mailer == nil || !s.mailer.IsConfigured() || parent.CreatorID == "" || parent.CreatorID == actor.UserID {
		return
	}
	author, err := s.store.GetUserByID(ctx, parent.CreatorID)
	if err != nil || author.Email == "" {
		return
	}
	data := email.ReplyData{
		Recipient:   author.Name,
		ReplierName: actor.UserName,
		PageTitle:   page.Title,
		Excerpt:     truncateRunes(reply.TextContent, excerptRunes),
		PageURL:     strings.TrimRight(s.cfg.AppURL, "/") + "/p/" + page.SlugID,
	}
	log := s.logger(ctx).WithField("comment_id", reply.ID)
	go func() {
		if err := s.mailer.SendCommentReply(author.Email, data); err != nil {
			log.WithError(err).Warn("send reply notification")
		}
	}()
}

func truncateRunes(value string, n int) string {
	if utf8.RuneCountInString(value) <= n {
		return value
	}
	runes := []rune(value)
	return string(runes[:n]) + "…"
}

func (s *Service) ListComments(ctx context.Context, pageID, cursor string, limit int) (CommentPage, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return CommentPage{}, err
	}
	if limit <= 0 {
		limit = defaultCommentLimit
	}
	limit = min(limit, maxCommentLimit)

	items, err := s.store.ListComments(ctx, page.ID, cursor, limit+1)
	if err != nil {
		return CommentPage{}, err
	}
	result := CommentPage{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		result.NextCursor = result.Items[limit-1].ID
	}
	return result, nil
}

// liveComment loads a comment whose page is not in the trash.
func (s *Service) liveComment(ctx context.Context, commentID string) (store.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, commentNotFound(err)
	}
	if _, err := s.livePage(ctx, comment.PageID); err != nil {
		return store.Comment{}, err
	}
	return comment, nil
}

func (s *Service) UpdateComment(ctx context.Context, actor Session, commentID string, in UpdateCommentInput) (store.Comment, error) {
	comment, err := s.liveComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.CreatorID != actor.UserID {
		return store.Comment{}, forbidden("Only the author can edit a comment")
	}
	text, err := plainText(in.Content)
	if err != nil {
		return store.Comment{}, err
	}
	if strings.TrimSpace(text) == "" {
		return store.Comment{}, validationError("VALIDATION_FAILED", "Comment is empty", map[string]string{"content": "required"})
	}
	if err := s.store.UpdateComment(ctx, comment.ID, in.Content, text, s.now().UTC()); err != nil {
		return store.Comment{}, commentNotFound(err)
	}
	updated, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return store.Comment{}, err
	}
	s.reindexComment(ctx, updated)
	return updated, nil
}

func (s *Service) reindexComment(ctx context.Context, comment store.Comment) {
	if s.search == nil {
		return
	}
	page, err := s.store.GetPage(ctx, comment.PageID)
	if err != nil || page.Deleted() {
		return
	}
	s.search.IndexComment(search.CommentRecordFrom(comment, page))
}

// ResolveComment resolves or reopens a thread. Replies have no state of
// their own.
func (s *Service) ResolveComment(ctx context.Context, actor Session, commentID string, resolved bool) (store.Comment, error) {
	comment, err := s.liveComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if comment.ParentCommentID != nil {
		return store.Comment{}, validationError("REPLY_NOT_RESOLVABLE", "Only top-level comments can be resolved", nil)
	}

	var (
		at   = s.now().UTC()
		when = &at
		by   = actor.UserID
	)
	if !resolved {
		when, by = nil, ""
	}
	if err := s.store.SetCommentResolved(ctx, comment.ID, by, when); err != nil {
		return store.Comment{}, commentNotFound(err)
	}
	return s.store.GetComment(ctx, comment.ID)
}

// DeleteComment removes a comment with its replies. Authors and admins may
// delete.
func (s *Service) DeleteComment(ctx context.Context, actor Session, commentID string) error {
	comment, err := s.liveComment(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.CreatorID != actor.UserID && !s.Can(actor.Role, rbac.ActionAdmin) {
		return forbidden("Only the author or an admin can delete a comment")
	}

	var replyIDs []string
	if comment.ParentCommentID == nil {
		all, err := s.store.ListComments(ctx, comment.PageID, "", 0)
		if err != nil {
			return err
		}
		for _, c := range all {
			if c.ParentCommentID != nil && *c.ParentCommentID == comment.ID {
				replyIDs = append(replyIDs, c.ID)
			}
		}
	}
	if err := s.store.DeleteComment(ctx, comment.ID); err != nil {
		return commentNotFound(err)
	}
	switch {
	case s.search == nil:
	case len(replyIDs) == 0:
		s.search.RemoveComment(comment.ID)
	default:
		s.search.RemovePages(nil, append(replyIDs, comment.ID))
	}
	return nil
}
