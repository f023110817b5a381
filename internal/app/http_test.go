package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"canopy/api/internal/rbac"
)

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr := serve(t, h, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeJSON(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = serve(t, h, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decodeJSON(t, rr)["status"])
}

func TestSignUpAndSignInContract(t *testing.T) {
	db := newFixture(t)
	h := NewHTTPServer(db.svc, "*").Handler()

	rr := serve(t, h, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "riley@example.com", "password": "long-enough", "name": "Riley",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	payload := decodeJSON(t, rr)
	assert.NotEmpty(t, payload["token"])
	assert.NotEmpty(t, payload["refreshToken"])
	user := payload["user"].(map[string]any)
	assert.Equal(t, "editor", user["role"], "only the first user becomes admin")
	assert.NotContains(t, rr.Body.String(), "passwordHash")

	rr = serve(t, h, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "riley@example.com", "password": "long-enough", "name": "Riley",
	})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "EMAIL_TAKEN", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"email": "not-an-email", "password": "x", "name": "",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	details := decodeJSON(t, rr)["details"].(map[string]any)
	assert.Equal(t, "email", details["email"])
	assert.Equal(t, "required", details["name"])

	rr = serve(t, h, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "RILEY@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "INVALID_CREDENTIALS", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodPost, "/api/auth/signin", "", map[string]any{
		"email": "RILEY@example.com", "password": "long-enough",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	signedIn := decodeJSON(t, rr)

	rr = serve(t, h, http.MethodGet, "/api/session", signedIn["token"].(string), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	session := decodeJSON(t, rr)
	assert.Equal(t, true, session["authenticated"])
	assert.Equal(t, "Riley", session["userName"])
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	body := map[string]any{"refreshToken": f.admin.RefreshToken}

	rr := serve(t, h, http.MethodPost, "/api/session/refresh", "", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.NotEqual(t, f.admin.RefreshToken, decodeJSON(t, rr)["refreshToken"])

	rr = serve(t, h, http.MethodPost, "/api/session/refresh", "", body)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr := serve(t, h, http.MethodPost, "/api/session/logout", "", map[string]any{"refreshToken": f.admin.RefreshToken})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, h, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": f.admin.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRoutesRequireSessionAndRole(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	viewer := f.userWithRole(t, "vic", string(rbac.RoleViewer))
	editor := f.userWithRole(t, "eli", string(rbac.RoleEditor))
	page := f.page(t, "Guarded", nil)

	rr := serve(t, h, http.MethodGet, "/api/spaces", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	rr = serve(t, h, http.MethodGet, "/api/spaces", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, h, http.MethodGet, "/api/pages/"+page.ID, viewer.Token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(t, h, http.MethodPost, "/api/pages", viewer.Token, map[string]any{"spaceId": f.space.ID})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "FORBIDDEN", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodPost, "/api/pages/"+page.ID+"/comments", viewer.Token, map[string]any{"content": doc("hi")})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, h, http.MethodDelete, "/api/pages/"+page.ID, editor.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = serve(t, h, http.MethodDelete, "/api/pages/"+page.ID+"/purge", editor.Token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = serve(t, h, http.MethodDelete, "/api/pages/"+page.ID+"/purge", f.admin.Token, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPageLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	token := f.admin.Token

	create := func(title string, parent string) map[string]any {
		t.Helper()
		body := map[string]any{"spaceId": f.space.ID, "title": title}
		if parent != "" {
			body["parentPageId"] = parent
		}
		rr := serve(t, h, http.MethodPost, "/api/pages", token, body)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		return decodeJSON(t, rr)
	}
	a := create("A", "")
	b := create("B", "")
	child := create("Child", a["id"].(string))

	rr := serve(t, h, http.MethodPost, "/api/pages/"+b["id"].(string)+"/move", token, map[string]any{
		"beforePageId": a["id"],
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = serve(t, h, http.MethodGet, "/api/spaces/"+f.space.ID+"/pages", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	items := decodeJSON(t, rr)["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "B", items[0].(map[string]any)["title"])
	assert.Equal(t, true, items[1].(map[string]any)["hasChildren"])

	rr = serve(t, h, http.MethodGet, "/api/spaces/"+f.space.ID+"/pages?parentId="+a["id"].(string), token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["items"].([]any), 1)

	rr = serve(t, h, http.MethodGet, "/api/spaces/"+f.space.ID+"/tree", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	tree := decodeJSON(t, rr)["items"].([]any)
	require.Len(t, tree, 2)
	children := tree[1].(map[string]any)["children"].([]any)
	require.Len(t, children, 1)
	assert.Equal(t, child["id"], children[0].(map[string]any)["id"])

	rr = serve(t, h, http.MethodGet, "/api/pages/"+child["id"].(string)+"/breadcrumbs", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["items"].([]any), 2)

	rr = serve(t, h, http.MethodPost, "/api/pages/"+a["id"].(string)+"/move", token, map[string]any{
		"parentPageId": child["id"],
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "INVALID_MOVE", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodPost, "/api/pages/"+a["id"].(string)+"/move", token, map[string]any{"position": "!!"})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "INVALID_POSITION", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodDelete, "/api/pages/"+a["id"].(string), token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["pageIds"].([]any), 2)

	rr = serve(t, h, http.MethodGet, "/api/spaces/"+f.space.ID+"/trash", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["items"].([]any), 1)

	rr = serve(t, h, http.MethodPost, "/api/pages/"+a["id"].(string)+"/restore", token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	restored := decodeJSON(t, rr)["page"].(map[string]any)
	assert.Equal(t, a["position"], restored["position"])

	rr = serve(t, h, http.MethodGet, "/api/spaces/"+f.space.ID+"/positions", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeJSON(t, rr)["ok"])
}

func TestInvalidBodyAndUnknownRoute(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr := serve(t, h, http.MethodPost, "/api/pages", f.admin.Token, `{"spaceId":`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decodeJSON(t, rr)["code"])

	rr = serve(t, h, http.MethodPost, "/api/pages", f.admin.Token, `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "required", decodeJSON(t, rr)["details"].(map[string]any)["spaceId"])

	rr = serve(t, h, http.MethodGet, "/api/nope", f.admin.Token, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decodeJSON(t, rr)["code"])
}

func TestExportSetsDownloadHeaders(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	page, err := f.svc.CreatePage(context.Background(), f.admin, CreatePageInput{SpaceID: f.space.ID, Title: "Release Notes", Content: doc("shipped")})
	require.NoError(t, err)

	rr := serve(t, h, http.MethodGet, "/api/pages/"+page.ID+"/export?format=md", f.admin.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/markdown"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")
	assert.Contains(t, rr.Body.String(), "shipped")

	rr = serve(t, h, http.MethodGet, "/api/pages/"+page.ID+"/export?format=pdf", f.admin.Token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "PDF_UNAVAILABLE", decodeJSON(t, rr)["code"])
}

func TestSearchValidatesQuery(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()

	rr := serve(t, h, http.MethodGet, "/api/search?q=", f.admin.Token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = serve(t, h, http.MethodGet, "/api/search?q=plan&type=space", f.admin.Token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = serve(t, h, http.MethodGet, "/api/search?q=plan", f.admin.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeJSON(t, rr)["results"])

	rr = serve(t, h, http.MethodPost, "/api/search/reindex", f.admin.Token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "SEARCH_UNAVAILABLE", decodeJSON(t, rr)["code"])
}

func TestAuthRateLimit(t *testing.T) {
	f := newFixture(t)
	rate, err := limiter.NewRateFromFormatted("2-M")
	require.NoError(t, err)
	lim := limiter.New(memory.NewStore(), rate)
	h := NewHTTPServer(f.svc, "*", WithAuthRateLimit(lim)).Handler()

	body := map[string]any{"email": "admin@example.com", "password": "wrong-password"}
	for i := 0; i < 2; i++ {
		rr := serve(t, h, http.MethodPost, "/api/auth/signin", "", body)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	}
	rr := serve(t, h, http.MethodPost, "/api/auth/signin", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", decodeJSON(t, rr)["code"])

	// Non-auth routes are not throttled.
	rr = serve(t, h, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Metrics = NewMetrics() })
	h := NewHTTPServer(f.svc, "*", WithMetricsPath("/metrics")).Handler()
	f.page(t, "Counted", nil)

	serve(t, h, http.MethodGet, "/api/spaces", f.admin.Token, nil)
	rr := serve(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `canopy_pages_operations_total{op="create"} 1`)
	assert.Contains(t, body, `route="/api/spaces"`)
	assert.Contains(t, body, "canopy_pages_position_length")
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("missing object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBlobs) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func uploadRequest(t *testing.T, path, token, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAttachmentUploadAndDownload(t *testing.T) {
	blobs := &memoryBlobs{objects: make(map[string][]byte)}
	f := newFixture(t, func(d *Deps) { d.Blobs = blobs })
	h := NewHTTPServer(f.svc, "*").Handler()
	page := f.page(t, "With files", nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "/api/pages/"+page.ID+"/attachments", f.admin.Token, "../diagram.txt", []byte("boxes and arrows")))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	item := decodeJSON(t, rr)
	assert.Equal(t, "diagram.txt", item["fileName"])

	rr = serve(t, h, http.MethodGet, "/api/pages/"+page.ID+"/attachments", f.admin.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeJSON(t, rr)["items"].([]any), 1)

	rr = serve(t, h, http.MethodGet, "/api/attachments/"+item["id"].(string)+"?download=1", f.admin.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "boxes and arrows", rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Disposition"), `attachment; filename=diagram.txt`)

	_, err := f.svc.DeletePage(context.Background(), f.admin, page.ID)
	require.NoError(t, err)
	_, err = f.svc.PurgePage(context.Background(), f.admin, page.ID)
	require.NoError(t, err)
	assert.Empty(t, blobs.objects, "purge removes attachment blobs")
}

func TestAttachmentTooLarge(t *testing.T) {
	blobs := &memoryBlobs{objects: make(map[string][]byte)}
	f := newFixture(t, func(d *Deps) { d.Blobs = blobs })
	f.svc.cfg.MaxUploadBytes = 8
	h := NewHTTPServer(f.svc, "*").Handler()
	page := f.page(t, "Tiny", nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "/api/pages/"+page.ID+"/attachments", f.admin.Token, "big.bin", bytes.Repeat([]byte("x"), 64)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, blobs.objects)
}

func TestAttachmentsUnavailableWithoutBlobStore(t *testing.T) {
	f := newFixture(t)
	h := NewHTTPServer(f.svc, "*").Handler()
	page := f.page(t, "No storage", nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadRequest(t, "/api/pages/"+page.ID+"/attachments", f.admin.Token, "a.txt", []byte("a")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "ATTACHMENTS_UNAVAILABLE", decodeJSON(t, rr)["code"])
}
