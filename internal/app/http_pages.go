package app

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
)

func (s *HTTPServer) handleListSpaces(w http.ResponseWriter, r *http.Request, session Session) {
	spaces, err := s.service.ListSpaces(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": spaces})
}

func (s *HTTPServer) handleCreateSpace(w http.ResponseWriter, r *http.Request, session Session) {
	var body SpaceInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	space, err := s.service.CreateSpace(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, space)
}

func (s *HTTPServer) handleGetSpace(w http.ResponseWriter, r *http.Request, session Session) {
	space, err := s.service.GetSpace(r.Context(), mux.Vars(r)["spaceId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, space)
}

func (s *HTTPServer) handleUpdateSpace(w http.ResponseWriter, r *http.Request, session Session) {
	var body SpaceInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	space, err := s.service.UpdateSpace(r.Context(), mux.Vars(r)["spaceId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, space)
}

func (s *HTTPServer) handleDeleteSpace(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteSpace(r.Context(), mux.Vars(r)["spaceId"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSidebar(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	var parentID *string
	if value := strings.TrimSpace(query.Get("parentId")); value != "" {
		parentID = &value
	}
	result, err := s.service.ListSidebarPages(r.Context(), mux.Vars(r)["spaceId"], parentID, query.Get("cursor"), queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTree(w http.ResponseWriter, r *http.Request, session Session) {
	tree, err := s.service.PageTree(r.Context(), mux.Vars(r)["spaceId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tree})
}

func (s *HTTPServer) handleTrash(w http.ResponseWriter, r *http.Request, session Session) {
	pages, err := s.service.ListTrash(r.Context(), mux.Vars(r)["spaceId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pages})
}

func (s *HTTPServer) handleRecent(w http.ResponseWriter, r *http.Request, session Session) {
	pages, err := s.service.RecentPages(r.Context(), mux.Vars(r)["spaceId"], queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pages})
}

func (s *HTTPServer) handlePositions(w http.ResponseWriter, r *http.Request, session Session) {
	dupes, err := s.service.CheckPositions(r.Context(), mux.Vars(r)["spaceId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": len(dupes) == 0, "duplicates": dupes})
}

func (s *HTTPServer) handleCreatePage(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreatePageInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	page, err := s.service.CreatePage(r.Context(), session, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, page)
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request, session Session) {
	page, err := s.service.GetPage(r.Context(), mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleUpdatePage(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdatePageInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	page, err := s.service.UpdatePage(r.Context(), session, mux.Vars(r)["pageId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleMovePage(w http.ResponseWriter, r *http.Request, session Session) {
	var body MovePageInput
	if !s.decodeValid(w, r, &body) {
		return
	}
	page, err := s.service.MovePage(r.Context(), session, mux.Vars(r)["pageId"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *HTTPServer) handleDeletePage(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.DeletePage(r.Context(), session, mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleRestorePage(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.RestorePage(r.Context(), session, mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePurgePage(w http.ResponseWriter, r *http.Request, session Session) {
	result, err := s.service.PurgePage(r.Context(), session, mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pageIds": result.PageIDs})
}

func (s *HTTPServer) handleBreadcrumbs(w http.ResponseWriter, r *http.Request, session Session) {
	crumbs, err := s.service.Breadcrumbs(r.Context(), mux.Vars(r)["pageId"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": crumbs})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, session Session) {
	versions, err := s.service.PageHistory(r.Context(), mux.Vars(r)["pageId"], queryInt(r, "limit", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": versions})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	version, err := s.service.PageVersion(r.Context(), vars["pageId"], vars["hash"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	includeComments, _ := strconv.ParseBool(query.Get("comments"))
	result, err := s.service.ExportPage(r.Context(), mux.Vars(r)["pageId"], query.Get("format"), query.Get("version"), includeComments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
