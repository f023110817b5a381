package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"canopy/api/internal/export"
	"canopy/api/internal/gitrepo"
	"canopy/api/internal/position"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

const (
	defaultSidebarLimit = 50
	maxSidebarLimit     = 200
	defaultRecentLimit  = 20
	defaultHistoryLimit = 50
)

type CreatePageInput struct {
	SpaceID      string          `json:"spaceId" validate:"required"`
	ParentPageID *string         `json:"parentPageId"`
	Title        string          `json:"title" validate:"max=255"`
	Icon         string          `json:"icon" validate:"max=64"`
	Content      json.RawMessage `json:"content"`
}

// UpdatePageInput changes only the fields that are set.
type UpdatePageInput struct {
	Title   *string         `json:"title" validate:"omitempty,max=255"`
	Icon    *string         `json:"icon" validate:"omitempty,max=64"`
	Content json.RawMessage `json:"content"`
}

// MovePageInput names the destination group with ParentPageID (nil for the
// root group). The new key is Position when given, otherwise it is taken
// from the gap next to AfterPageID and/or BeforePageID, otherwise the page
// goes to the end of the group.
type MovePageInput struct {
	ParentPageID *string `json:"parentPageId"`
	Position     string  `json:"position" validate:"max=255"`
	AfterPageID  string  `json:"afterPageId"`
	BeforePageID string  `json:"beforePageId"`
}

type SidebarPage struct {
	Items      []store.PageNode `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type TreeNode struct {
	store.PageNode
	Children []*TreeNode `json:"children"`
}

type DeleteResult struct {
	PageIDs []string `json:"pageIds"`
}

type RestoreResult struct {
	Page    store.Page `json:"page"`
	PageIDs []string   `json:"pageIds"`
}

type PageVersion struct {
	Version gitrepo.Version `json:"version"`
	Title   string          `json:"title"`
	Icon    string          `json:"icon,omitempty"`
	Content json.RawMessage `json:"content"`
}

// DuplicatePositions is a sibling group in which several live pages share
// one key.
type DuplicatePositions struct {
	ParentPageID *string  `json:"parentPageId"`
	Position     string   `json:"position"`
	PageIDs      []string `json:"pageIds"`
}

func pageNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound("PAGE_NOT_FOUND", "Page not found")
	}
	return err
}

// loadPage resolves a page by id or slug, trashed or not.
func (s *Service) loadPage(ctx context.Context, idOrSlug string) (store.Page, error) {
	idOrSlug = strings.TrimSpace(idOrSlug)
	if idOrSlug == "" {
		return store.Page{}, notFound("PAGE_NOT_FOUND", "Page not found")
	}
	var (
		page store.Page
		err  error
	)
	if util.IsUUID(idOrSlug) {
		page, err = s.store.GetPage(ctx, idOrSlug)
	} else {
		page, err = s.store.GetPageBySlug(ctx, idOrSlug)
	}
	if err != nil {
		return store.Page{}, pageNotFound(err)
	}
	return page, nil
}

func (s *Service) livePage(ctx context.Context, idOrSlug string) (store.Page, error) {
	page, err := s.loadPage(ctx, idOrSlug)
	if err != nil {
		return store.Page{}, err
	}
	if page.Deleted() {
		return store.Page{}, notFound("PAGE_NOT_FOUND", "Page not found")
	}
	return page, nil
}

// liveParent loads a prospective parent. Anything that is not a live page
// of spaceID is reported as PARENT_NOT_FOUND.
func (s *Service) liveParent(ctx context.Context, spaceID, parentID string) (store.Page, error) {
	missing := notFound("PARENT_NOT_FOUND", "Parent page not found")
	if !util.IsUUID(parentID) {
		return store.Page{}, missing
	}
	parent, err := s.store.GetPage(ctx, parentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Page{}, missing
	}
	if err != nil {
		return store.Page{}, err
	}
	if parent.Deleted() || parent.SpaceID != spaceID {
		return store.Page{}, missing
	}
	return parent, nil
}

func (s *Service) requireSpace(ctx context.Context, spaceID string) (store.Space, error) {
	if !util.IsUUID(spaceID) {
		return store.Space{}, notFound("SPACE_NOT_FOUND", "Space not found")
	}
	space, err := s.store.GetSpace(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, notFound("SPACE_NOT_FOUND", "Space not found")
	}
	return space, err
}

func normalizeParent(parentID *string) *string {
	if parentID == nil || strings.TrimSpace(*parentID) == "" {
		return nil
	}
	trimmed := strings.TrimSpace(*parentID)
	return &trimmed
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func plainText(content json.RawMessage) (string, error) {
	text, err := export.PlainText(content)
	if err != nil {
		return "", validationError("INVALID_CONTENT", "Content is not a valid document", map[string]string{"content": "invalid"})
	}
	return text, nil
}

func (s *Service) CreatePage(ctx context.Context, actor Session, in CreatePageInput) (store.Page, error) {
	if _, err := s.requireSpace(ctx, in.SpaceID); err != nil {
		return store.Page{}, err
	}
	parentID := normalizeParent(in.ParentPageID)
	if parentID != nil {
		if _, err := s.liveParent(ctx, in.SpaceID, *parentID); err != nil {
			return store.Page{}, err
		}
	}
	text, err := plainText(in.Content)
	if err != nil {
		return store.Page{}, err
	}

	last, err := s.store.LastChildPosition(ctx, in.SpaceID, parentID)
	if err != nil {
		return store.Page{}, err
	}
	key, err := s.positions.After(last)
	if err != nil {
		return store.Page{}, fmt.Errorf("allocate position: %w", err)
	}

	page := store.Page{
		ID:              util.NewID(),
		SlugID:          util.NewSlugID(),
		Title:           strings.TrimSpace(in.Title),
		Icon:            in.Icon,
		Content:         in.Content,
		TextContent:     text,
		ParentPageID:    parentID,
		SpaceID:         in.SpaceID,
		Position:        key,
		CreatorID:       actor.UserID,
		LastUpdatedByID: actor.UserID,
	}
	if err := s.store.InsertPage(ctx, page); err != nil {
		return store.Page{}, err
	}
	if page, err = s.store.GetPage(ctx, page.ID); err != nil {
		return store.Page{}, err
	}

	s.metrics.pageOp("create")
	s.metrics.positionGenerated(key)
	s.recordVersion(ctx, actor, page, "Create page")
	s.indexPage(page)
	s.logger(ctx).WithFields(logrus.Fields{"page_id": page.ID, "space_id": page.SpaceID, "position": key}).Info("page created")
	return page, nil
}

func (s *Service) GetPage(ctx context.Context, idOrSlug string) (store.Page, error) {
	return s.livePage(ctx, idOrSlug)
}

func (s *Service) UpdatePage(ctx context.Context, actor Session, pageID string, in UpdatePageInput) (store.Page, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}

	update := store.PageUpdate{
		ID:          page.ID,
		Title:       page.Title,
		Icon:        page.Icon,
		Content:     page.Content,
		TextContent: page.TextContent,
		UpdatedByID: actor.UserID,
	}
	if in.Title != nil {
		update.Title = strings.TrimSpace(*in.Title)
	}
	if in.Icon != nil {
		update.Icon = *in.Icon
	}
	if len(in.Content) > 0 {
		text, err := plainText(in.Content)
		if err != nil {
			return store.Page{}, err
		}
		update.Content = in.Content
		update.TextContent = text
	}
	if err := s.store.UpdatePageContent(ctx, update); err != nil {
		return store.Page{}, pageNotFound(err)
	}
	updated, err := s.store.GetPage(ctx, page.ID)
	if err != nil {
		return store.Page{}, err
	}

	if update.Title != page.Title || len(in.Content) > 0 || update.Icon != page.Icon {
		s.recordVersion(ctx, actor, updated, "Update page")
	}
	s.indexPage(updated)
	return updated, nil
}

// MovePage checks every precondition before it writes, then updates the one
// row. Descendants follow their parent implicitly.
func (s *Service) MovePage(ctx context.Context, actor Session, pageID string, in MovePageInput) (store.Page, error) {
	explicit := strings.TrimSpace(in.Position)
	if explicit != "" {
		if err := position.Validate(explicit); err != nil {
			return store.Page{}, validationError("INVALID_POSITION", err.Error(), map[string]string{"position": "invalid"})
		}
	}

	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return store.Page{}, err
	}

	target := normalizeParent(in.ParentPageID)
	reparent := !sameParent(page.ParentPageID, target)
	if target != nil && *target == page.ID {
		return store.Page{}, validationError("INVALID_MOVE", "A page cannot be moved under itself", nil)
	}
	if reparent && target != nil {
		if _, err := s.liveParent(ctx, page.SpaceID, *target); err != nil {
			return store.Page{}, err
		}
		chain, err := s.store.PageAncestors(ctx, *target)
		if err != nil {
			return store.Page{}, err
		}
		for _, ancestor := range chain {
			if ancestor.ID == page.ID {
				return store.Page{}, validationError("INVALID_MOVE", "A page cannot be moved under one of its descendants", nil)
			}
		}
	}

	key := explicit
	if key == "" {
		key, err = s.gapPosition(ctx, page, target, strings.TrimSpace(in.AfterPageID), strings.TrimSpace(in.BeforePageID))
		if err != nil {
			return store.Page{}, err
		}
		s.metrics.positionGenerated(key)
	}

	move := store.PageMove{
		ID:          page.ID,
		Position:    key,
		UpdatedByID: actor.UserID,
	}
	if reparent {
		move.Reparent = true
		move.ParentPageID = target
	}
	if err := s.store.MovePage(ctx, move); err != nil {
		return store.Page{}, pageNotFound(err)
	}

	op := "move"
	if reparent {
		op = "reparent"
	}
	s.metrics.pageOp(op)
	s.logger(ctx).WithFields(logrus.Fields{
		"page_id":  page.ID,
		"reparent": reparent,
		"position": key,
	}).Info("page moved")

	moved, err := s.store.GetPage(ctx, page.ID)
	if err != nil {
		return store.Page{}, err
	}
	return moved, nil
}

// gapPosition picks a key for page in the destination group from the named
// neighbours. Neighbours must be live pages of that group.
func (s *Service) gapPosition(ctx context.Context, page store.Page, parentID *string, afterID, beforeID string) (string, error) {
	if afterID == "" && beforeID == "" {
		last, err := s.store.LastChildPosition(ctx, page.SpaceID, parentID)
		if err != nil {
			return "", err
		}
		if sameParent(page.ParentPageID, parentID) && last == page.Position {
			return page.Position, nil
		}
		return s.positions.After(last)
	}

	siblings, err := s.store.ListChildPages(ctx, page.SpaceID, parentID, store.PageCursor{}, 0)
	if err != nil {
		return "", err
	}
	group := make([]store.PageNode, 0, len(siblings))
	for _, node := range siblings {
		if node.ID != page.ID {
			group = append(group, node)
		}
	}
	indexOf := func(id string) (int, error) {
		if id == page.ID {
			return -1, validationError("INVALID_NEIGHBOR", "A page cannot be its own neighbour", nil)
		}
		for i, node := range group {
			if node.ID == id {
				return i, nil
			}
		}
		return -1, validationError("INVALID_NEIGHBOR", "Neighbour is not a live sibling in the destination", map[string]string{"pageId": id})
	}

	var lo, hi string
	switch {
	case afterID != "" && beforeID != "":
		ai, err := indexOf(afterID)
		if err != nil {
			return "", err
		}
		bi, err := indexOf(beforeID)
		if err != nil {
			return "", err
		}
		lo, hi = group[ai].Position, group[bi].Position
		if lo >= hi {
			return "", validationError("INVALID_NEIGHBOR", "afterPageId must sort before beforePageId", nil)
		}
	case afterID != "":
		ai, err := indexOf(afterID)
		if err != nil {
			return "", err
		}
		lo = group[ai].Position
		// Step over siblings tied with the neighbour.
		for _, node := range group[ai+1:] {
			if node.Position > lo {
				hi = node.Position
				break
			}
		}
	default:
		bi, err := indexOf(beforeID)
		if err != nil {
			return "", err
		}
		hi = group[bi].Position
		for i := bi - 1; i >= 0; i-- {
			if group[i].Position < hi {
				lo = group[i].Position
				break
			}
		}
	}
	return s.positions.Between(lo, hi)
}

func encodeCursor(c store.PageCursor) string {
	raw, _ := json.Marshal([2]string{c.Position, c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(value string) (store.PageCursor, error) {
	if value == "" {
		return store.PageCursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return store.PageCursor{}, validationError("INVALID_CURSOR", "Malformed cursor", nil)
	}
	var parts [2]string
	if err := json.Unmarshal(raw, &parts); err != nil || parts[0] == "" {
		return store.PageCursor{}, validationError("INVALID_CURSOR", "Malformed cursor", nil)
	}
	return store.PageCursor{Position: parts[0], ID: parts[1]}, nil
}

// ListSidebarPages returns one sibling group in display order.
func (s *Service) ListSidebarPages(ctx context.Context, spaceID string, parentID *string, cursor string, limit int) (SidebarPage, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return SidebarPage{}, err
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return SidebarPage{}, err
	}
	if limit <= 0 {
		limit = defaultSidebarLimit
	}
	limit = min(limit, maxSidebarLimit)

	items, err := s.store.ListChildPages(ctx, spaceID, normalizeParent(parentID), after, limit+1)
	if err != nil {
		return SidebarPage{}, err
	}
	result := SidebarPage{Items: items}
	if len(items) > limit {
		result.Items = items[:limit]
		last := result.Items[limit-1]
		result.NextCursor = encodeCursor(store.PageCursor{Position: last.Position, ID: last.ID})
	}
	return result, nil
}

func (s *Service) PageTree(ctx context.Context, spaceID string) ([]*TreeNode, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListSpacePages(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return buildTree(nodes), nil
}

// buildTree nests nodes under their parents. Sibling order is (position, id)
// whatever order the nodes arrive in.
func buildTree(nodes []store.PageNode) []*TreeNode {
	sorted := append([]store.PageNode(nil), nodes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Position != sorted[j].Position {
			return sorted[i].Position < sorted[j].Position
		}
		return sorted[i].ID < sorted[j].ID
	})

	byID := make(map[string]*TreeNode, len(sorted))
	for _, node := range sorted {
		byID[node.ID] = &TreeNode{PageNode: node, Children: []*TreeNode{}}
	}
	roots := make([]*TreeNode, 0)
	for _, node := range sorted {
		tn := byID[node.ID]
		if node.ParentPageID != nil {
			if parent, ok := byID[*node.ParentPageID]; ok {
				parent.Children = append(parent.Children, tn)
				continue
			}
		}
		roots = append(roots, tn)
	}
	return roots
}

func (s *Service) Breadcrumbs(ctx context.Context, pageID string) ([]store.PageNode, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return s.store.PageAncestors(ctx, page.ID)
}

func (s *Service) RecentPages(ctx context.Context, spaceID string, limit int) ([]store.PageNode, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxSidebarLimit {
		limit = defaultRecentLimit
	}
	return s.store.RecentPages(ctx, spaceID, limit)
}

// DeletePage moves the page and its live descendants to the trash as one
// batch.
func (s *Service) DeletePage(ctx context.Context, actor Session, pageID string) (DeleteResult, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return DeleteResult{}, err
	}
	ids, err := s.store.SoftDeletePageTree(ctx, page.ID, actor.UserID, s.now().UTC())
	if err != nil {
		return DeleteResult{}, pageNotFound(err)
	}

	s.metrics.pageOp("delete")
	s.logger(ctx).WithFields(logrus.Fields{"page_id": page.ID, "pages": len(ids)}).Info("page trashed")
	if s.search != nil {
		s.search.RemovePages(ids, s.commentIDs(ctx, ids))
	}
	return DeleteResult{PageIDs: ids}, nil
}

func (s *Service) commentIDs(ctx context.Context, pageIDs []string) []string {
	ids := make([]string, 0)
	for _, pageID := range pageIDs {
		comments, err := s.store.ListComments(ctx, pageID, "", 0)
		if err != nil {
			s.logger(ctx).WithError(err).WithField("page_id", pageID).Warn("list comments for index cleanup")
			continue
		}
		for _, c := range comments {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// RestorePage brings back a trashed page with the rest of its deletion
// batch. The page returns to its parent when that parent is alive, keeping
// its key unless a live sibling took it; otherwise it is appended to the
// root group.
func (s *Service) RestorePage(ctx context.Context, actor Session, pageID string) (RestoreResult, error) {
	page, err := s.loadPage(ctx, pageID)
	if err != nil {
		return RestoreResult{}, err
	}
	if !page.Deleted() {
		return RestoreResult{}, conflict("PAGE_NOT_IN_TRASH", "Page is not in the trash")
	}

	var parentID *string
	if page.ParentPageID != nil {
		parent, err := s.store.GetPage(ctx, *page.ParentPageID)
		switch {
		case err == nil && !parent.Deleted():
			parentID = page.ParentPageID
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return RestoreResult{}, err
		}
	}

	key := page.Position
	keepPlace := parentID != nil || page.ParentPageID == nil
	if keepPlace {
		taken, err := s.store.SiblingPositionTaken(ctx, page.SpaceID, parentID, key, page.ID)
		if err != nil {
			return RestoreResult{}, err
		}
		keepPlace = !taken
	}
	if !keepPlace {
		last, err := s.store.LastChildPosition(ctx, page.SpaceID, parentID)
		if err != nil {
			return RestoreResult{}, err
		}
		if key, err = s.positions.After(last); err != nil {
			return RestoreResult{}, fmt.Errorf("allocate position: %w", err)
		}
		s.metrics.positionGenerated(key)
	}

	ids, err := s.store.RestorePageTree(ctx, page.ID, parentID, key)
	if err != nil {
		return RestoreResult{}, pageNotFound(err)
	}
	restored, err := s.store.GetPage(ctx, page.ID)
	if err != nil {
		return RestoreResult{}, err
	}

	s.metrics.pageOp("restore")
	s.logger(ctx).WithFields(logrus.Fields{
		"page_id":    page.ID,
		"pages":      len(ids),
		"to_root":    parentID == nil,
		"kept_place": keepPlace,
		"restorer":   actor.UserID,
	}).Info("page restored")
	s.reindexPages(ctx, ids)
	return RestoreResult{Page: restored, PageIDs: ids}, nil
}

func (s *Service) reindexPages(ctx context.Context, pageIDs []string) {
	if s.search == nil {
		return
	}
	for _, id := range pageIDs {
		page, err := s.store.GetPage(ctx, id)
		if err != nil {
			s.logger(ctx).WithError(err).WithField("page_id", id).Warn("reload page for indexing")
			continue
		}
		s.search.IndexPage(search.PageRecordFrom(page))
		comments, err := s.store.ListComments(ctx, id, "", 0)
		if err != nil {
			continue
		}
		for _, c := range comments {
			s.search.IndexComment(search.CommentRecordFrom(c, page))
		}
	}
}

func (s *Service) ListTrash(ctx context.Context, spaceID string) ([]store.Page, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	pages, err := s.store.ListTrash(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		pages[i].Content = nil
	}
	return pages, nil
}

// PurgePage hard-deletes a trashed subtree. Blobs, history repositories and
// index entries are cleaned up afterwards on a best-effort basis.
func (s *Service) PurgePage(ctx context.Context, actor Session, pageID string) (store.PurgeResult, error) {
	page, err := s.loadPage(ctx, pageID)
	if err != nil {
		return store.PurgeResult{}, err
	}
	if !page.Deleted() {
		return store.PurgeResult{}, conflict("PAGE_NOT_IN_TRASH", "Only trashed pages can be purged")
	}
	result, err := s.store.PurgePageTree(ctx, page.ID)
	if err != nil {
		return store.PurgeResult{}, pageNotFound(err)
	}

	log := s.logger(ctx).WithField("page_id", page.ID)
	if s.blobs != nil {
		for _, key := range result.ObjectKeys {
			if err := s.blobs.Remove(ctx, key); err != nil {
				log.WithError(err).WithField("object_key", key).Warn("remove attachment blob")
			}
		}
	}
	if s.history != nil {
		for _, id := range result.PageIDs {
			if err := s.history.Remove(id); err != nil {
				log.WithError(err).WithField("purged_page_id", id).Warn("remove page history")
			}
		}
	}
	if s.search != nil {
		s.search.RemovePages(result.PageIDs, nil)
	}

	s.metrics.pageOp("purge")
	log.WithFields(logrus.Fields{"pages": len(result.PageIDs), "purged_by": actor.UserID}).Info("page purged")
	return result, nil
}

func (s *Service) recordVersion(ctx context.Context, actor Session, page store.Page, message string) {
	if s.history == nil {
		return
	}
	author := actor.UserName
	if author == "" {
		author = actor.Email
	}
	content := gitrepo.Content{Title: page.Title, Icon: page.Icon, Doc: page.Content}
	if _, _, err := s.history.RecordVersion(page.ID, content, author, message); err != nil {
		s.logger(ctx).WithError(err).WithField("page_id", page.ID).Warn("record page version")
	}
}

func (s *Service) indexPage(page store.Page) {
	if s.search != nil {
		s.search.IndexPage(search.PageRecordFrom(page))
	}
}

func (s *Service) PageHistory(ctx context.Context, pageID string, limit int) ([]gitrepo.Version, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, unavailable("HISTORY_UNAVAILABLE", "Page history is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	versions, err := s.history.History(page.ID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.Version{}, nil
	}
	return versions, err
}

func (s *Service) PageVersion(ctx context.Context, pageID, hash string) (PageVersion, error) {
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return PageVersion{}, err
	}
	if s.history == nil {
		return PageVersion{}, unavailable("HISTORY_UNAVAILABLE", "Page history is not configured")
	}
	content, version, err := s.history.ContentAt(page.ID, hash)
	if errors.Is(err, gitrepo.ErrUnknownVersion) || errors.Is(err, gitrepo.ErrNoHistory) {
		return PageVersion{}, notFound("VERSION_NOT_FOUND", "Version not found")
	}
	if err != nil {
		return PageVersion{}, err
	}
	return PageVersion{Version: version, Title: content.Title, Icon: content.Icon, Content: content.Doc}, nil
}

func (s *Service) ExportPage(ctx context.Context, pageID, format, version string, includeComments bool) (*export.Result, error) {
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, validationError("UNSUPPORTED_FORMAT", err.Error(), map[string]string{"format": "oneof"})
	}
	page, err := s.livePage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	result, err := s.exporter.Export(ctx, export.Request{
		PageID:          page.ID,
		Version:         version,
		Format:          parsed,
		IncludeComments: includeComments,
	})
	switch {
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return nil, unavailable("PDF_UNAVAILABLE", "PDF export is not available on this server")
	case errors.Is(err, gitrepo.ErrUnknownVersion), errors.Is(err, gitrepo.ErrNoHistory):
		return nil, notFound("VERSION_NOT_FOUND", "Version not found")
	case errors.Is(err, export.ErrContentUnavailable):
		return nil, validationError("CONTENT_UNAVAILABLE", err.Error(), nil)
	case err != nil:
		return nil, err
	}
	return result, nil
}

// CheckPositions reports sibling groups whose live pages share a key. It
// never repairs anything.
func (s *Service) CheckPositions(ctx context.Context, spaceID string) ([]DuplicatePositions, error) {
	if _, err := s.requireSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListSpacePages(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return duplicatePositions(nodes), nil
}

func duplicatePositions(nodes []store.PageNode) []DuplicatePositions {
	type groupKey struct{ parent, position string }
	groups := make(map[groupKey]*DuplicatePositions)
	order := make([]groupKey, 0)
	for _, node := range nodes {
		key := groupKey{position: node.Position}
		if node.ParentPageID != nil {
			key.parent = *node.ParentPageID
		}
		group, ok := groups[key]
		if !ok {
			group = &DuplicatePositions{ParentPageID: node.ParentPageID, Position: node.Position}
			groups[key] = group
			order = append(order, key)
		}
		group.PageIDs = append(group.PageIDs, node.ID)
	}

	dupes := make([]DuplicatePositions, 0)
	for _, key := range order {
		if group := groups[key]; len(group.PageIDs) > 1 {
			sort.Strings(group.PageIDs)
			dupes = append(dupes, *group)
		}
	}
	return dupes
}
