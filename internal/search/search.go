package search

import (
	"context"
	"fmt"

	"canopy/api/internal/store"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPage    ResultType = "page"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	PageID  string     `json:"pageId"`
	SlugID  string     `json:"slugId,omitempty"`
	SpaceID string     `json:"spaceId"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterSpaceID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for a page.
type PageRecord struct {
	ID      string `json:"id"`
	SlugID  string `json:"slugId"`
	Title   string `json:"title"`
	Text    string `json:"text"`
	SpaceID string `json:"spaceId"`
}

// CommentRecord is the data we index for a comment.
type CommentRecord struct {
	ID        string `json:"id"`
	PageID    string `json:"pageId"`
	PageTitle string `json:"pageTitle"`
	SlugID    string `json:"slugId"`
	SpaceID   string `json:"spaceId"`
	Text      string `json:"text"`
}

// RecordSource lists every live page and comment.
type RecordSource interface {
	ListAllPages(ctx context.Context) ([]store.Page, error)
	ListAllComments(ctx context.Context) ([]store.Comment, error)
}

func PageRecordFrom(page store.Page) PageRecord {
	return PageRecord{
		ID:      page.ID,
		SlugID:  page.SlugID,
		Title:   page.Title,
		Text:    page.TextContent,
		SpaceID: page.SpaceID,
	}
}

func CommentRecordFrom(comment store.Comment, page store.Page) CommentRecord {
	return CommentRecord{
		ID:        comment.ID,
		PageID:    comment.PageID,
		PageTitle: page.Title,
		SlugID:    page.SlugID,
		SpaceID:   comment.SpaceID,
		Text:      comment.TextContent,
	}
}

// LoadRecords reads everything searchable from src.
func LoadRecords(ctx context.Context, src RecordSource) ([]PageRecord, []CommentRecord, error) {
	pages, err := src.ListAllPages(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load pages: %w", err)
	}
	comments, err := src.ListAllComments(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}

	byID := make(map[string]store.Page, len(pages))
	pageRecords := make([]PageRecord, 0, len(pages))
	for _, page := range pages {
		byID[page.ID] = page
		pageRecords = append(pageRecords, PageRecordFrom(page))
	}
	commentRecords := make([]CommentRecord, 0, len(comments))
	for _, comment := range comments {
		page, ok := byID[comment.PageID]
		if !ok {
			continue
		}
		commentRecords = append(commentRecords, CommentRecordFrom(comment, page))
	}
	return pageRecords, commentRecords, nil
}
