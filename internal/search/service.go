package search

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

var ErrIndexUnavailable = errors.New("search index unavailable")

// Service tries Meilisearch first and falls back to the store-backed searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      *logrus.Entry
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *logrus.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: logger.WithField("component", "search")}
}

func (s *Service) meiliReady() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("meilisearch error, falling back")
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.WithError(err).Error("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage pushes a page to Meilisearch in the background.
func (s *Service) IndexPage(page PageRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexPages([]PageRecord{page}); err != nil {
			s.log.WithError(err).Warnf("index page %s", page.ID)
		}
	}()
}

func (s *Service) IndexComment(comment CommentRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{comment}); err != nil {
			s.log.WithError(err).Warnf("index comment %s", comment.ID)
		}
	}()
}

// RemovePages drops pages and their comments from the index in the background.
func (s *Service) RemovePages(pageIDs, commentIDs []string) {
	if !s.meiliReady() || len(pageIDs)+len(commentIDs) == 0 {
		return
	}
	go func() {
		for _, id := range pageIDs {
			if err := s.meili.DeletePage(id); err != nil {
				s.log.WithError(err).Warnf("delete page %s from index", id)
			}
		}
		for _, id := range commentIDs {
			if err := s.meili.DeleteComment(id); err != nil {
				s.log.WithError(err).Warnf("delete comment %s from index", id)
			}
		}
	}()
}

func (s *Service) RemoveComment(id string) {
	s.RemovePages(nil, []string{id})
}

// ReindexAll pushes every live page and comment from src into Meilisearch
// and reports how many of each were sent.
func (s *Service) ReindexAll(ctx context.Context, src RecordSource) (int, int, error) {
	if !s.meiliReady() {
		return 0, 0, ErrIndexUnavailable
	}
	pages, comments, err := LoadRecords(ctx, src)
	if err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexPages(pages); err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexComments(comments); err != nil {
		return len(pages), 0, err
	}
	return len(pages), len(comments), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
