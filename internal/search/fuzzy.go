package search

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const snippetRadius = 60

// Fuzzy ranks records in process. It backs search for the embedded store,
// where the whole corpus is local and small.
type Fuzzy struct {
	src RecordSource
}

func NewFuzzy(src RecordSource) *Fuzzy {
	return &Fuzzy{src: src}
}

func (f *Fuzzy) Healthy() bool {
	return true
}

type scored struct {
	result Result
	rank   int
}

// Search matches titles fuzzily and bodies by case-insensitive substring.
// Title matches rank first, closer matches before looser ones.
func (f *Fuzzy) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.TrimSpace(q.Text)
	if needle == "" {
		return nil, 0, nil
	}
	pages, comments, err := LoadRecords(ctx, f.src)
	if err != nil {
		return nil, 0, err
	}

	var hits []scored
	if q.FilterType == "" || q.FilterType == ResultPage {
		for _, page := range pages {
			if q.FilterSpaceID != "" && page.SpaceID != q.FilterSpaceID {
				continue
			}
			rank, ok := rankRecord(needle, page.Title, page.Text)
			if !ok {
				continue
			}
			hits = append(hits, scored{rank: rank, result: Result{
				Type:    ResultPage,
				ID:      page.ID,
				Title:   page.Title,
				Snippet: excerpt(page.Text, needle),
				PageID:  page.ID,
				SlugID:  page.SlugID,
				SpaceID: page.SpaceID,
			}})
		}
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		for _, comment := range comments {
			if q.FilterSpaceID != "" && comment.SpaceID != q.FilterSpaceID {
				continue
			}
			rank, ok := rankRecord(needle, "", comment.Text)
			if !ok {
				continue
			}
			hits = append(hits, scored{rank: rank, result: Result{
				Type:    ResultComment,
				ID:      comment.ID,
				Title:   comment.PageTitle,
				Snippet: excerpt(comment.Text, needle),
				PageID:  comment.PageID,
				SlugID:  comment.SlugID,
				SpaceID: comment.SpaceID,
			}})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank < hits[j].rank
		}
		return hits[i].result.ID < hits[j].result.ID
	})

	total := len(hits)
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	start := min(max(q.Offset, 0), total)
	end := min(start+limit, total)
	results := make([]Result, 0, end-start)
	for _, hit := range hits[start:end] {
		results = append(results, hit.result)
	}
	return results, total, nil
}

// bodyRankOffset pushes body-only matches behind every title match.
const bodyRankOffset = 1 << 20

func rankRecord(needle, title, body string) (int, bool) {
	if title != "" {
		if rank := fuzzy.RankMatchNormalizedFold(needle, title); rank >= 0 {
			return rank, true
		}
	}
	if idx := indexFold(body, needle); idx >= 0 {
		return bodyRankOffset + idx, true
	}
	return 0, false
}

func indexFold(haystack, needle string) int {
	return strings.Index(strings.ToLower(haystack), strings.ToLower(needle))
}

func excerpt(text, needle string) string {
	idx := indexFold(text, needle)
	if idx < 0 || idx > len(text) {
		idx = 0
	}
	start := max(idx-snippetRadius, 0)
	end := min(idx+len(needle)+snippetRadius, len(text))
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	out := strings.TrimSpace(text[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
