// Package gitrepo keeps one git repository per page and records a commit
// each time the page's title or content changes.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const contentFile = "page.json"

var (
	ErrNoHistory      = errors.New("page has no history")
	ErrUnknownVersion = errors.New("unknown version")
)

type Content struct {
	Title string          `json:"title"`
	Icon  string          `json:"icon,omitempty"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

type Version struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordVersion commits content to the page's repository, creating the
// repository on first use. It reports false and commits nothing when the
// content equals the current head.
func (s *Service) RecordVersion(pageID string, content Content, author, message string) (Version, bool, error) {
	path, err := s.repoPath(pageID)
	if err != nil {
		return Version{}, false, err
	}
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := openOrInit(path)
	if err != nil {
		return Version{}, false, err
	}

	if head, err := repo.Head(); err == nil {
		headCommit, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Version{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readContentFromCommit(headCommit)
		if err != nil {
			return Version{}, false, err
		}
		if !HasChanges(current, content) {
			return toVersion(headCommit), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Version{}, false, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Version{}, false, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return Version{}, false, fmt.Errorf("marshal content: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, contentFile), append(payload, '\n'), 0o644); err != nil {
		return Version{}, false, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Version{}, false, fmt.Errorf("git add content: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: sanitizeEmail(author) + "@canopy.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Version{}, false, fmt.Errorf("commit content: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Version{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toVersion(commitObj), true, nil
}

// History lists versions newest first. limit <= 0 lists all of them.
func (s *Service) History(pageID string, limit int) ([]Version, error) {
	repo, unlock, err := s.open(pageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	head, err := repo.Head()
	if err != nil {
		return nil, ErrNoHistory
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Version, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toVersion(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) ContentAt(pageID, hash string) (Content, Version, error) {
	repo, unlock, err := s.open(pageID)
	if err != nil {
		return Content{}, Version{}, err
	}
	defer unlock()

	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return Content{}, Version{}, fmt.Errorf("resolve %s: %w", hash, ErrUnknownVersion)
	}
	commitObj, err := repo.CommitObject(*resolved)
	if err != nil {
		return Content{}, Version{}, fmt.Errorf("read commit %s: %w", hash, ErrUnknownVersion)
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, Version{}, err
	}
	return content, toVersion(commitObj), nil
}

// Remove deletes the page's repository. Missing repositories are fine.
func (s *Service) Remove(pageID string) error {
	path, err := s.repoPath(pageID)
	if err != nil {
		return err
	}
	lock := s.pageLock(pageID)
	lock.Lock()
	defer lock.Unlock()
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove repo: %w", err)
	}
	return nil
}

func (s *Service) open(pageID string) (*git.Repository, func(), error) {
	path, err := s.repoPath(pageID)
	if err != nil {
		return nil, nil, err
	}
	lock := s.pageLock(pageID)
	lock.Lock()
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		lock.Unlock()
		return nil, nil, ErrNoHistory
	}
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, lock.Unlock, nil
}

func openOrInit(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(pageID string) (string, error) {
	if pageID == "" || strings.ContainsAny(pageID, `/\.`) {
		return "", fmt.Errorf("invalid page id %q", pageID)
	}
	return filepath.Join(s.baseDir, pageID), nil
}

func (s *Service) pageLock(pageID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[pageID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[pageID] = lock
	return lock
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Content{}, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Content{}, fmt.Errorf("read content bytes: %w", err)
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

// DiffFields names the fields that differ between two versions.
func DiffFields(from, to Content) []string {
	fields := make([]string, 0, 3)
	if from.Title != to.Title {
		fields = append(fields, "title")
	}
	if from.Icon != to.Icon {
		fields = append(fields, "icon")
	}
	if !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc)) {
		fields = append(fields, "content")
	}
	sort.Strings(fields)
	return fields
}

func HasChanges(from, to Content) bool {
	return len(DiffFields(from, to)) > 0
}

func toVersion(commitObj *object.Commit) Version {
	return Version{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}
