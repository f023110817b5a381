package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

func childPrefix(spaceID string, parentID *string) []byte {
	parent := ""
	if parentID != nil {
		parent = *parentID
	}
	return append(joinKey(spaceID, parent), keySep)
}

func childKey(page Page) []byte {
	return append(childPrefix(page.SpaceID, page.ParentPageID), page.ID...)
}

func loadPage(tx *bolt.Tx, pageID string) (Page, error) {
	var page Page
	if err := getJSON(tx.Bucket(bucketPages), pageID, &page); err != nil {
		return Page{}, err
	}
	return page, nil
}

func savePage(tx *bolt.Tx, page Page) error {
	return putJSON(tx.Bucket(bucketPages), page.ID, page)
}

// childPages returns every child of parentID, trashed ones included.
func childPages(tx *bolt.Tx, spaceID string, parentID *string) ([]Page, error) {
	var pages []Page
	err := scanPrefix(tx.Bucket(bucketPageChildren), childPrefix(spaceID, parentID), func(id string) error {
		page, err := loadPage(tx, id)
		if err != nil {
			return fmt.Errorf("load child %s: %w", id, err)
		}
		pages = append(pages, page)
		return nil
	})
	return pages, err
}

func liveChildren(tx *bolt.Tx, spaceID string, parentID *string) ([]Page, error) {
	all, err := childPages(tx, spaceID, parentID)
	if err != nil {
		return nil, err
	}
	live := all[:0]
	for _, page := range all {
		if !page.Deleted() {
			live = append(live, page)
		}
	}
	sortSiblings(live)
	return live, nil
}

func sortSiblings(pages []Page) {
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].Position != pages[j].Position {
			return pages[i].Position < pages[j].Position
		}
		return pages[i].ID < pages[j].ID
	})
}

func hasLiveChild(tx *bolt.Tx, page Page) (bool, error) {
	id := page.ID
	children, err := childPages(tx, page.SpaceID, &id)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if !child.Deleted() {
			return true, nil
		}
	}
	return false, nil
}

func toNode(tx *bolt.Tx, page Page) (PageNode, error) {
	node := nodeFromPage(page)
	hasChildren, err := hasLiveChild(tx, page)
	if err != nil {
		return PageNode{}, err
	}
	node.HasChildren = hasChildren
	return node, nil
}

func eachPage(tx *bolt.Tx, fn func(Page) error) error {
	return tx.Bucket(bucketPages).ForEach(func(_, v []byte) error {
		var page Page
		if err := json.Unmarshal(v, &page); err != nil {
			return err
		}
		return fn(page)
	})
}

func (s *BoltStore) InsertPage(ctx context.Context, page Page) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(bucketPages)
		bySlug := tx.Bucket(bucketPagesBySlug)
		if pages.Get([]byte(page.ID)) != nil || bySlug.Get([]byte(page.SlugID)) != nil {
			return fmt.Errorf("insert page: %w", ErrConflict)
		}
		now := s.now()
		page.CreatedAt, page.UpdatedAt = now, now
		page.LastUpdatedByID = page.CreatorID
		page.DeletedAt, page.DeletedByID = nil, ""
		if err := savePage(tx, page); err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		if err := bySlug.Put([]byte(page.SlugID), []byte(page.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketPageChildren).Put(childKey(page), nil)
	})
}

func (s *BoltStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	var page Page
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		page, err = loadPage(tx, pageID)
		return err
	})
	if err != nil {
		return Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func (s *BoltStore) GetPageBySlug(ctx context.Context, slugID string) (Page, error) {
	var page Page
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketPagesBySlug).Get([]byte(slugID))
		if id == nil {
			return ErrNotFound
		}
		var err error
		page, err = loadPage(tx, string(id))
		return err
	})
	if err != nil {
		return Page{}, fmt.Errorf("get page by slug: %w", err)
	}
	return page, nil
}

func (s *BoltStore) UpdatePageContent(ctx context.Context, update PageUpdate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		page, err := loadPage(tx, update.ID)
		if err != nil || page.Deleted() {
			return fmt.Errorf("update page: %w", ErrNotFound)
		}
		page.Title, page.Icon = update.Title, update.Icon
		page.Content, page.TextContent = update.Content, update.TextContent
		page.LastUpdatedByID, page.UpdatedAt = update.UpdatedByID, s.now()
		return savePage(tx, page)
	})
}

func (s *BoltStore) LastChildPosition(ctx context.Context, spaceID string, parentID *string) (string, error) {
	var position string
	err := s.db.View(func(tx *bolt.Tx) error {
		live, err := liveChildren(tx, spaceID, parentID)
		if err != nil {
			return err
		}
		if len(live) > 0 {
			position = live[len(live)-1].Position
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("last child position: %w", err)
	}
	return position, nil
}

func (s *BoltStore) SiblingPositionTaken(ctx context.Context, spaceID string, parentID *string, position, excludeID string) (bool, error) {
	var taken bool
	err := s.db.View(func(tx *bolt.Tx) error {
		live, err := liveChildren(tx, spaceID, parentID)
		if err != nil {
			return err
		}
		for _, page := range live {
			if page.Position == position && page.ID != excludeID {
				taken = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check sibling position: %w", err)
	}
	return taken, nil
}

func (s *BoltStore) MovePage(ctx context.Context, move PageMove) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		page, err := loadPage(tx, move.ID)
		if err != nil || page.Deleted() {
			return fmt.Errorf("move page: %w", ErrNotFound)
		}
		if move.Reparent {
			children := tx.Bucket(bucketPageChildren)
			if err := children.Delete(childKey(page)); err != nil {
				return err
			}
			page.ParentPageID = move.ParentPageID
			if err := children.Put(childKey(page), nil); err != nil {
				return err
			}
		}
		page.Position = move.Position
		page.LastUpdatedByID, page.UpdatedAt = move.UpdatedByID, s.now()
		return savePage(tx, page)
	})
}

func (s *BoltStore) ListChildPages(ctx context.Context, spaceID string, parentID *string, after PageCursor, limit int) ([]PageNode, error) {
	items := make([]PageNode, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		live, err := liveChildren(tx, spaceID, parentID)
		if err != nil {
			return err
		}
		for _, page := range live {
			if after.Position != "" {
				if page.Position < after.Position || (page.Position == after.Position && page.ID <= after.ID) {
					continue
				}
			}
			if limit > 0 && len(items) >= limit {
				break
			}
			node, err := toNode(tx, page)
			if err != nil {
				return err
			}
			items = append(items, node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list child pages: %w", err)
	}
	return items, nil
}

func (s *BoltStore) ListSpacePages(ctx context.Context, spaceID string) ([]PageNode, error) {
	var pages []Page
	parents := map[string]bool{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachPage(tx, func(page Page) error {
			if page.SpaceID != spaceID || page.Deleted() {
				return nil
			}
			pages = append(pages, page)
			if page.ParentPageID != nil {
				parents[*page.ParentPageID] = true
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list space pages: %w", err)
	}
	parentKey := func(p Page) string {
		if p.ParentPageID == nil {
			return ""
		}
		return *p.ParentPageID
	}
	sort.Slice(pages, func(i, j int) bool {
		if pi, pj := parentKey(pages[i]), parentKey(pages[j]); pi != pj {
			return pi < pj
		}
		if pages[i].Position != pages[j].Position {
			return pages[i].Position < pages[j].Position
		}
		return pages[i].ID < pages[j].ID
	})
	items := make([]PageNode, 0, len(pages))
	for _, page := range pages {
		node := nodeFromPage(page)
		node.HasChildren = parents[page.ID]
		items = append(items, node)
	}
	return items, nil
}

func (s *BoltStore) PageAncestors(ctx context.Context, pageID string) ([]PageNode, error) {
	var chain []PageNode
	err := s.db.View(func(tx *bolt.Tx) error {
		id := pageID
		for depth := 0; depth <= 1000; depth++ {
			page, err := loadPage(tx, id)
			if err != nil {
				return err
			}
			node, err := toNode(tx, page)
			if err != nil {
				return err
			}
			chain = append(chain, node)
			if page.ParentPageID == nil {
				return nil
			}
			id = *page.ParentPageID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("page ancestors: %w", err)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *BoltStore) RecentPages(ctx context.Context, spaceID string, limit int) ([]PageNode, error) {
	var pages []Page
	items := make([]PageNode, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		err := eachPage(tx, func(page Page) error {
			if page.SpaceID == spaceID && !page.Deleted() {
				pages = append(pages, page)
			}
			return nil
		})
		if err != nil {
			return err
		}
		sort.Slice(pages, func(i, j int) bool {
			if !pages[i].UpdatedAt.Equal(pages[j].UpdatedAt) {
				return pages[i].UpdatedAt.After(pages[j].UpdatedAt)
			}
			return pages[i].ID < pages[j].ID
		})
		if limit > 0 && len(pages) > limit {
			pages = pages[:limit]
		}
		for _, page := range pages {
			node, err := toNode(tx, page)
			if err != nil {
				return err
			}
			items = append(items, node)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent pages: %w", err)
	}
	return items, nil
}

func (s *BoltStore) ListAllPages(ctx context.Context) ([]Page, error) {
	items := make([]Page, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachPage(tx, func(page Page) error {
			if !page.Deleted() {
				items = append(items, page)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list all pages: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *BoltStore) SoftDeletePageTree(ctx context.Context, pageID, deletedByID string, at time.Time) ([]string, error) {
	var ids []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := loadPage(tx, pageID)
		if err != nil || root.Deleted() {
			return ErrNotFound
		}
		queue := []Page{root}
		for len(queue) > 0 {
			page := queue[0]
			queue = queue[1:]
			stamp := at
			page.DeletedAt, page.DeletedByID = &stamp, deletedByID
			if err := savePage(tx, page); err != nil {
				return err
			}
			ids = append(ids, page.ID)

			id := page.ID
			children, err := liveChildren(tx, page.SpaceID, &id)
			if err != nil {
				return err
			}
			queue = append(queue, children...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("soft delete pages: %w", err)
	}
	return ids, nil
}

func (s *BoltStore) RestorePageTree(ctx context.Context, pageID string, parentID *string, position string) ([]string, error) {
	var ids []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := loadPage(tx, pageID)
		if err != nil || !root.Deleted() {
			return ErrNotFound
		}
		batch := *root.DeletedAt
		queue := []Page{root}
		for len(queue) > 0 {
			page := queue[0]
			queue = queue[1:]
			id := page.ID
			children, err := childPages(tx, page.SpaceID, &id)
			if err != nil {
				return err
			}
			for _, child := range children {
				if child.DeletedAt != nil && child.DeletedAt.Equal(batch) {
					queue = append(queue, child)
				}
			}

			page.DeletedAt, page.DeletedByID = nil, ""
			if page.ID == root.ID {
				index := tx.Bucket(bucketPageChildren)
				if err := index.Delete(childKey(page)); err != nil {
					return err
				}
				page.ParentPageID, page.Position, page.UpdatedAt = parentID, position, s.now()
				if err := index.Put(childKey(page), nil); err != nil {
					return err
				}
			}
			if err := savePage(tx, page); err != nil {
				return err
			}
			ids = append(ids, page.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("restore pages: %w", err)
	}
	return ids, nil
}

func (s *BoltStore) ListTrash(ctx context.Context, spaceID string) ([]Page, error) {
	items := make([]Page, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return eachPage(tx, func(page Page) error {
			if page.SpaceID != spaceID || !page.Deleted() {
				return nil
			}
			if page.ParentPageID != nil {
				parent, err := loadPage(tx, *page.ParentPageID)
				if err == nil && parent.DeletedAt != nil && parent.DeletedAt.Equal(*page.DeletedAt) {
					return nil
				}
			}
			items = append(items, page)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list trash: %w", err)
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].DeletedAt.Equal(*items[j].DeletedAt) {
			return items[i].DeletedAt.After(*items[j].DeletedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *BoltStore) PurgePageTree(ctx context.Context, pageID string) (PurgeResult, error) {
	var result PurgeResult
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		result, err = purgeTree(tx, pageID)
		return err
	})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("purge pages: %w", err)
	}
	return result, nil
}

// purgeTree removes a page, its descendants and everything hanging off them.
func purgeTree(tx *bolt.Tx, pageID string) (PurgeResult, error) {
	root, err := loadPage(tx, pageID)
	if err != nil {
		return PurgeResult{}, err
	}
	var result PurgeResult
	queue := []Page{root}
	for len(queue) > 0 {
		page := queue[0]
		queue = queue[1:]
		id := page.ID
		children, err := childPages(tx, page.SpaceID, &id)
		if err != nil {
			return PurgeResult{}, err
		}
		queue = append(queue, children...)

		keys, err := dropPageAttachments(tx, page.ID)
		if err != nil {
			return PurgeResult{}, err
		}
		result.ObjectKeys = append(result.ObjectKeys, keys...)
		if err := dropPageComments(tx, page.ID); err != nil {
			return PurgeResult{}, err
		}
		if err := tx.Bucket(bucketPageChildren).Delete(childKey(page)); err != nil {
			return PurgeResult{}, err
		}
		if err := tx.Bucket(bucketPagesBySlug).Delete([]byte(page.SlugID)); err != nil {
			return PurgeResult{}, err
		}
		if err := tx.Bucket(bucketPages).Delete([]byte(page.ID)); err != nil {
			return PurgeResult{}, err
		}
		result.PageIDs = append(result.PageIDs, page.ID)
	}
	return result, nil
}
