package app

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"canopy/api/internal/logging"
	"canopy/api/internal/search"
)

const multipartMemory = 8 << 20

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.ListComments(r.Context(), mux.Vars(r)["pageId"], r.URL.Query().Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateCommentInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	comment, err := s.service.CreateComment(r.Context(), session, mux.Vars(r)["pageId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleUpdateComment(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdateCommentInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	comment, err := s.service.UpdateComment(r.Context(), session, mux.Vars(r)["commentId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleResolveComment(w http.ResponseWriter, r *http.Request, session Session) {
	body := struct {
		Resolved *bool `json:"resolved"`
	}{}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	resolved := body.Resolved == nil || *body.Resolved
	comment, err := s.service.ResolveComment(r.Context(), session, mux.Vars(r)["commentId"], resolved)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteComment(r.Context(), session, mux.Vars(r)["commentId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListAttachments(r.Context(), mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request, session Session) {
	if s.service.blobs == nil {
		s.fail(w, r, attachmentsUnavailable())
		return
	}
	if limit := s.service.cfg.MaxUploadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Expected a multipart form with a file field", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Request validation failed", map[string]string{"file": "required"})
		return
	}
	defer file.Close()

	item, err := s.service.UploadAttachment(r.Context(), session, mux.Vars(r)["pageId"], AttachmentUpload{
		FileName: header.Filename,
		MimeType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleGetAttachment(w http.ResponseWriter, r *http.Request, session Session) {
	item, body, err := s.service.OpenAttachment(r.Context(), mux.Vars(r)["attachmentId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()

	disposition := "inline"
	if r.URL.Query().Get("download") != "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", item.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(item.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": item.FileName}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		logging.FromContext(r.Context()).WithError(err).WithField("attachment_id", item.ID).Warn("stream attachment")
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	result, err := s.service.Search(r.Context(), search.Query{
		Text:          query.Get("q"),
		FilterType:    search.ResultType(query.Get("type")),
		FilterSpaceID: query.Get("spaceId"),
		Limit:         queryInt(r, "limit", 20),
		Offset:        queryInt(r, "offset", 0),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReindex(w http.ResponseWriter, r *http.Request, session Session) {
	pages, comments, err := s.service.Reindex(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "comments": comments})
}
