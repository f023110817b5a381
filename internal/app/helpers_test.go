package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"canopy/api/internal/config"
	"canopy/api/internal/email"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

type fixture struct {
	svc   *Service
	store *store.BoltStore
	admin Session
	space store.Space
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:      "test-secret",
		AccessTTL:      time.Hour,
		RefreshTTL:     24 * time.Hour,
		AppURL:         "https://wiki.example.com/",
		MaxUploadBytes: 1 << 20,
		JitterBits:     10,
	}
}

// newFixture opens a bolt store in a temp dir, signs up the first (admin)
// user and creates one space.
func newFixture(t *testing.T, tweak ...func(*Deps)) *fixture {
	t.Helper()
	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "canopy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	deps := Deps{Store: db, PasswordCost: bcrypt.MinCost}
	for _, fn := range tweak {
		fn(&deps)
	}
	svc := New(testConfig(), deps)

	ctx := context.Background()
	admin, err := svc.SignUp(ctx, "admin@example.com", "correct-horse", "Avery")
	require.NoError(t, err)
	space, err := svc.CreateSpace(ctx, admin, SpaceInput{Name: "Engineering"})
	require.NoError(t, err)

	return &fixture{svc: svc, store: db, admin: admin, space: space}
}

// userWithRole stores a user directly and returns a session for it.
func (f *fixture) userWithRole(t *testing.T, name, role string) Session {
	t.Helper()
	user := store.User{
		ID:    util.NewID(),
		Name:  name,
		Email: name + "@example.com",
		Role:  role,
	}
	require.NoError(t, f.store.CreateUser(context.Background(), user))
	session, err := f.svc.issueSession(context.Background(), user)
	require.NoError(t, err)
	return session
}

func (f *fixture) page(t *testing.T, title string, parent *store.Page) store.Page {
	t.Helper()
	in := CreatePageInput{SpaceID: f.space.ID, Title: title}
	if parent != nil {
		in.ParentPageID = &parent.ID
	}
	page, err := f.svc.CreatePage(context.Background(), f.admin, in)
	require.NoError(t, err)
	return page
}

func (f *fixture) childTitles(t *testing.T, parent *store.Page) []string {
	t.Helper()
	var parentID *string
	if parent != nil {
		parentID = &parent.ID
	}
	nodes, err := f.store.ListChildPages(context.Background(), f.space.ID, parentID, store.PageCursor{}, 0)
	require.NoError(t, err)
	titles := make([]string, 0, len(nodes))
	for _, node := range nodes {
		titles = append(titles, node.Title)
	}
	return titles
}

func requireDomainCode(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	require.Equal(t, status, domainErr.Status, "status for %s", domainErr.Code)
	require.Equal(t, code, domainErr.Code)
}

func doc(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "doc",
		"content": []any{map[string]any{
			"type":    "paragraph",
			"content": []any{map[string]any{"type": "text", "text": text}},
		}},
	})
	return raw
}

func serve(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload), "body=%s", rr.Body.String())
	return payload
}

type recordingIndex struct {
	mu             sync.Mutex
	pages          map[string]search.PageRecord
	comments       map[string]search.CommentRecord
	removedPages   []string
	removedComment []string
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{
		pages:    make(map[string]search.PageRecord),
		comments: make(map[string]search.CommentRecord),
	}
}

func (r *recordingIndex) Search(context.Context, search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}

func (r *recordingIndex) IndexPage(page search.PageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pages[page.ID] = page
}

func (r *recordingIndex) IndexComment(comment search.CommentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comments[comment.ID] = comment
}

func (r *recordingIndex) RemovePages(pageIDs, commentIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range pageIDs {
		delete(r.pages, id)
	}
	for _, id := range commentIDs {
		delete(r.comments, id)
	}
	r.removedPages = append(r.removedPages, pageIDs...)
	r.removedComment = append(r.removedComment, commentIDs...)
}

func (r *recordingIndex) RemoveComment(id string) {
	r.RemovePages(nil, []string{id})
}

func (r *recordingIndex) ReindexAll(context.Context, search.RecordSource) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pages), len(r.comments), nil
}

func (r *recordingIndex) hasPage(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pages[id]
	return ok
}

func (r *recordingIndex) hasComment(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.comments[id]
	return ok
}

type sentReply struct {
	to   string
	data email.ReplyData
}

type recordingMailer struct {
	sent chan sentReply
}

func newRecordingMailer() *recordingMailer {
	return &recordingMailer{sent: make(chan sentReply, 4)}
}

func (m *recordingMailer) IsConfigured() bool { return true }

func (m *recordingMailer) SendCommentReply(to string, data email.ReplyData) error {
	m.sent <- sentReply{to: to, data: data}
	return nil
}
