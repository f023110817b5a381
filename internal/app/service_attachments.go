package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"canopy/api/internal/blob"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

type AttachmentUpload struct {
	FileName string
	MimeType string
	Size     int64
	Body     io.Reader
}

func attachmentsUnavailable() *DomainError {
	return unavailable("ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured")
}

func cleanFileName(name string) string {
	name = strings.TrimSpace(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}

func (s *Service) UploadAttachment(ctx context.Context, actor Session, pageID string, up AttachmentUpload) (store.Attachment, error) {
	if s.blobs == nil {
		return store.Attachment{}, attachmentsUnavailable()
	}
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return store.Attachment{}, err
	}
	if up.Size <= 0 {
		return store.Attachment{}, validationError("VALIDATION_FAILED", "File is empty", map[string]string{"file": "required"})
	}
	if s.cfg.MaxUploadBytes > 0 && up.Size > s.cfg.MaxUploadBytes {
		return store.Attachment{}, domainError(http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE",
			fmt.Sprintf("Attachments are limited to %d bytes", s.cfg.MaxUploadBytes), nil)
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	item := store.Attachment{
		ID:        util.NewSortableID(),
		PageID:    page.ID,
		SpaceID:   page.SpaceID,
		FileName:  cleanFileName(up.FileName),
		MimeType:  mimeType,
		Size:      up.Size,
		CreatorID: actor.UserID,
	}
	item.ObjectKey = blob.ObjectKey(page.SpaceID, page.ID, item.ID)

	if err := s.blobs.Put(ctx, item.ObjectKey, up.Body, up.Size, mimeType); err != nil {
		return store.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	if err := s.store.InsertAttachment(ctx, item); err != nil {
		if rmErr := s.blobs.Remove(ctx, item.ObjectKey); rmErr != nil {
			s.logger(ctx).WithError(rmErr).WithField("object_key", item.ObjectKey).Warn("remove orphaned blob")
		}
		return store.Attachment{}, err
	}
	s.logger(ctx).WithFields(logrus.Fields{"attachment_id": item.ID, "page_id": page.ID, "size": item.Size}).Info("attachment uploaded")
	return s.store.GetAttachment(ctx, item.ID)
}

func (s *Service) ListAttachments(ctx context.Context, pageID string) ([]store.Attachment, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, page.ID)
}

// OpenAttachment returns the metadata and a reader over the stored bytes.
// The caller closes the reader.
func (s *Service) OpenAttachment(ctx context.Context, attachmentID string) (store.Attachment, io.ReadCloser, error) {
	if s.blobs == nil {
		return store.Attachment{}, nil, attachmentsUnavailable()
	}
	item, err := s.store.GetAttachment(ctx, attachmentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Attachment{}, nil, notFound("ATTACHMENT_NOT_FOUND", "Attachment not found")
	}
	if err != nil {
		return store.Attachment{}, nil, err
	}
	body, err := s.blobs.Get(ctx, item.ObjectKey)
	if errors.Is(err, blob.ErrNotFound) {
		return store.Attachment{}, nil, notFound("ATTACHMENT_NOT_FOUND", "Attachment content is missing")
	}
	if err != nil {
		return store.Attachment{}, nil, err
	}
	return item, body, nil
}
