package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Space struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description"`
	CreatorID   string    `json:"creatorId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Page is a node of a space's page forest. A nil ParentPageID marks a root
// page. Position orders the page among pages with the same parent.
type Page struct {
	ID              string          `json:"id"`
	SlugID          string          `json:"slugId"`
	Title           string          `json:"title"`
	Icon            string          `json:"icon"`
	Content         json.RawMessage `json:"content,omitempty"`
	TextContent     string          `json:"textContent"`
	ParentPageID    *string         `json:"parentPageId"`
	SpaceID         string          `json:"spaceId"`
	Position        string          `json:"position"`
	CreatorID       string          `json:"creatorId"`
	LastUpdatedByID string          `json:"lastUpdatedById"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	DeletedAt       *time.Time      `json:"deletedAt,omitempty"`
	DeletedByID     string          `json:"deletedById,omitempty"`
}

func (p Page) Deleted() bool {
	return p.DeletedAt != nil
}

// PageNode is the content-free projection used by the sidebar, tree and
// breadcrumb views.
type PageNode struct {
	ID           string    `json:"id"`
	SlugID       string    `json:"slugId"`
	Title        string    `json:"title"`
	Icon         string    `json:"icon"`
	Position     string    `json:"position"`
	ParentPageID *string   `json:"parentPageId"`
	SpaceID      string    `json:"spaceId"`
	HasChildren  bool      `json:"hasChildren"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PageCursor resumes a sibling listing after the given (position, id) pair.
type PageCursor struct {
	Position string
	ID       string
}

type PageUpdate struct {
	ID          string
	Title       string
	Icon        string
	Content     json.RawMessage
	TextContent string
	UpdatedByID string
}

type Comment struct {
	ID              string          `json:"id"`
	PageID          string          `json:"pageId"`
	SpaceID         string          `json:"spaceId"`
	ParentCommentID *string         `json:"parentCommentId"`
	Content         json.RawMessage `json:"content"`
	TextContent     string          `json:"textContent"`
	Selection       string          `json:"selection,omitempty"`
	Type            string          `json:"type"`
	CreatorID       string          `json:"creatorId"`
	CreatorName     string          `json:"creatorName"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
	ResolvedByID    string          `json:"resolvedById,omitempty"`
	EditedAt        *time.Time      `json:"editedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type Attachment struct {
	ID        string    `json:"id"`
	PageID    string    `json:"pageId"`
	SpaceID   string    `json:"spaceId"`
	FileName  string    `json:"fileName"`
	MimeType  string    `json:"mimeType"`
	Size      int64     `json:"size"`
	ObjectKey string    `json:"objectKey"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

func nodeFromPage(p Page) PageNode {
	return PageNode{
		ID:           p.ID,
		SlugID:       p.SlugID,
		Title:        p.Title,
		Icon:         p.Icon,
		Position:     p.Position,
		ParentPageID: p.ParentPageID,
		SpaceID:      p.SpaceID,
		UpdatedAt:    p.UpdatedAt,
	}
}

// PageMove relocates one page. ParentPageID is only applied when Reparent
// is set; a nil ParentPageID with Reparent makes the page a root page.
type PageMove struct {
	ID           string
	ParentPageID *string
	Reparent     bool
	Position     string
	UpdatedByID  string
}

// PurgeResult lists what a hard delete removed. ObjectKeys are the blob
// keys of the attachments that went with the pages.
type PurgeResult struct {
	PageIDs    []string
	ObjectKeys []string
}
