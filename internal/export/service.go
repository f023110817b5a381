package export

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"

	"canopy/api/internal/gitrepo"
	"canopy/api/internal/store"
)

type PageSource interface {
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetSpace(ctx context.Context, spaceID string) (store.Space, error)
	PageAncestors(ctx context.Context, pageID string) ([]store.PageNode, error)
	ListComments(ctx context.Context, pageID, afterID string, limit int) ([]store.Comment, error)
}

type VersionSource interface {
	ContentAt(pageID, hash string) (gitrepo.Content, gitrepo.Version, error)
}

type pdfRenderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

type Service struct {
	pages    PageSource
	versions VersionSource
	pdf      pdfRenderer
}

// NewService creates an export service. versions may be nil, in which case
// only the current content can be exported.
func NewService(pages PageSource, versions VersionSource, pdf *PDFRenderer) *Service {
	s := &Service{pages: pages, versions: versions}
	if pdf != nil {
		s.pdf = pdf
	}
	return s
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	page, err := s.pages.GetPage(ctx, req.PageID)
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	title, icon, content := page.Title, page.Icon, page.Content
	if req.Version != "" {
		if s.versions == nil {
			return nil, fmt.Errorf("%w: history disabled", ErrContentUnavailable)
		}
		snapshot, _, err := s.versions.ContentAt(page.ID, req.Version)
		if err != nil {
			return nil, fmt.Errorf("load version %s: %w", req.Version, err)
		}
		title, icon, content = snapshot.Title, snapshot.Icon, snapshot.Doc
	}

	base := sanitizeFilename(title)
	switch req.Format {
	case FormatMarkdown:
		body, err := ProseMirrorToMarkdown(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		return &Result{
			Data:     []byte("# " + title + "\n\n" + body),
			Filename: base + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatHTML, FormatPDF:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	html, err := s.renderHTML(ctx, page, title, icon, content, req)
	if err != nil {
		return nil, err
	}
	if req.Format == FormatHTML {
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	}
	if s.pdf == nil {
		return nil, fmt.Errorf("%w: pdf renderer disabled", ErrPDFDependencyMissing)
	}
	pdf, err := s.pdf.Render(ctx, html)
	if err != nil {
		return nil, err
	}
	return &Result{Data: pdf, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
}

func (s *Service) renderHTML(ctx context.Context, page store.Page, title, icon string, content json.RawMessage, req Request) (string, error) {
	space, err := s.pages.GetSpace(ctx, page.SpaceID)
	if err != nil {
		return "", fmt.Errorf("get space: %w", err)
	}
	ancestors, err := s.pages.PageAncestors(ctx, page.ID)
	if err != nil {
		return "", fmt.Errorf("page ancestors: %w", err)
	}
	body, err := ProseMirrorToHTML(content)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:       title,
		Icon:        icon,
		SpaceName:   space.Name,
		Version:     req.Version,
		UpdatedAt:   page.UpdatedAt,
		ContentHTML: template.HTML(body),
	}
	// The last ancestor is the page itself.
	for i := 0; i < len(ancestors)-1; i++ {
		data.Breadcrumbs = append(data.Breadcrumbs, ancestors[i].Title)
	}

	if req.IncludeComments {
		comments, err := s.pages.ListComments(ctx, page.ID, "", 0)
		if err != nil {
			return "", fmt.Errorf("list comments: %w", err)
		}
		data.Threads = groupThreads(comments)
	}

	html, err := RenderPageHTML(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return html, nil
}

// groupThreads nests replies under their top-level comment, keeping
// chronological order at both levels.
func groupThreads(comments []store.Comment) []TemplateThread {
	threads := make([]TemplateThread, 0)
	index := make(map[string]int)
	for _, c := range comments {
		if c.ParentCommentID != nil {
			continue
		}
		index[c.ID] = len(threads)
		threads = append(threads, TemplateThread{
			Author:    c.CreatorName,
			Text:      c.TextContent,
			Selection: c.Selection,
			Resolved:  c.ResolvedAt != nil,
		})
	}
	for _, c := range comments {
		if c.ParentCommentID == nil {
			continue
		}
		if i, ok := index[*c.ParentCommentID]; ok {
			threads[i].Replies = append(threads[i].Replies, TemplateReply{Author: c.CreatorName, Text: c.TextContent})
		}
	}
	return threads
}
