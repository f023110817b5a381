package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"

	"canopy/api/internal/auth"
	"canopy/api/internal/logging"
	"canopy/api/internal/rbac"
	"canopy/api/internal/store"
)

type HTTPServer struct {
	service     *Service
	corsOrigin  string
	log         *logrus.Logger
	metricsPath string
	authLimiter *limiter.Limiter
	validate    *bodyValidator
}

type ServerOption func(*HTTPServer)

func WithLogger(logger *logrus.Logger) ServerOption {
	return func(s *HTTPServer) { s.log = logger }
}

// WithMetricsPath exposes the service's collectors at path. An empty path
// disables the endpoint.
func WithMetricsPath(path string) ServerOption {
	return func(s *HTTPServer) { s.metricsPath = path }
}

// WithAuthRateLimit throttles sign-up and sign-in per client IP.
func WithAuthRateLimit(lim *limiter.Limiter) ServerOption {
	return func(s *HTTPServer) { s.authLimiter = lim }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        service.log,
		validate:   newBodyValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	router.Use(s.instrument)
	s.routes(router)

	origins := []string{"*"}
	if s.corsOrigin != "" && s.corsOrigin != "*" {
		origins = strings.Split(s.corsOrigin, ",")
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
	})
	return s.withMiddleware(c.Handler(router))
}

func (s *HTTPServer) routes(r *mux.Router) {
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	if s.metricsPath != "" && s.service.metrics != nil {
		r.Handle(s.metricsPath, s.service.metrics.Handler()).Methods(http.MethodGet)
	}

	r.Handle("/api/auth/signup", s.rateLimited(http.HandlerFunc(s.handleSignUp))).Methods(http.MethodPost)
	r.Handle("/api/auth/signin", s.rateLimited(http.HandlerFunc(s.handleSignIn))).Methods(http.MethodPost)
	r.HandleFunc("/api/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/api/session/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/session/logout", s.handleLogout).Methods(http.MethodPost)

	r.HandleFunc("/api/spaces", s.authed(rbac.ActionRead, s.handleListSpaces)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces", s.authed(rbac.ActionWrite, s.handleCreateSpace)).Methods(http.MethodPost)
	r.HandleFunc("/api/spaces/{spaceId}", s.authed(rbac.ActionRead, s.handleGetSpace)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{spaceId}", s.authed(rbac.ActionWrite, s.handleUpdateSpace)).Methods(http.MethodPut)
	r.HandleFunc("/api/spaces/{spaceId}", s.authed(rbac.ActionAdmin, s.handleDeleteSpace)).Methods(http.MethodDelete)
	r.HandleFunc("/api/spaces/{spaceId}/pages", s.authed(rbac.ActionRead, s.handleSidebar)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{spaceId}/tree", s.authed(rbac.ActionRead, s.handleTree)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{spaceId}/trash", s.authed(rbac.ActionRead, s.handleTrash)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{spaceId}/recent", s.authed(rbac.ActionRead, s.handleRecent)).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{spaceId}/positions", s.authed(rbac.ActionRead, s.handlePositions)).Methods(http.MethodGet)

	r.HandleFunc("/api/pages", s.authed(rbac.ActionWrite, s.handleCreatePage)).Methods(http.MethodPost)
	r.HandleFunc("/api/pages/{pageId}", s.authed(rbac.ActionRead, s.handleGetPage)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}", s.authed(rbac.ActionWrite, s.handleUpdatePage)).Methods(http.MethodPut)
	r.HandleFunc("/api/pages/{pageId}", s.authed(rbac.ActionWrite, s.handleDeletePage)).Methods(http.MethodDelete)
	r.HandleFunc("/api/pages/{pageId}/move", s.authed(rbac.ActionWrite, s.handleMovePage)).Methods(http.MethodPost)
	r.HandleFunc("/api/pages/{pageId}/restore", s.authed(rbac.ActionWrite, s.handleRestorePage)).Methods(http.MethodPost)
	r.HandleFunc("/api/pages/{pageId}/purge", s.authed(rbac.ActionAdmin, s.handlePurgePage)).Methods(http.MethodDelete)
	r.HandleFunc("/api/pages/{pageId}/breadcrumbs", s.authed(rbac.ActionRead, s.handleBreadcrumbs)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}/history", s.authed(rbac.ActionRead, s.handleHistory)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}/history/{hash}", s.authed(rbac.ActionRead, s.handleVersion)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}/export", s.authed(rbac.ActionRead, s.handleExport)).Methods(http.MethodGet)

	r.HandleFunc("/api/pages/{pageId}/comments", s.authed(rbac.ActionRead, s.handleListComments)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}/comments", s.authed(rbac.ActionComment, s.handleCreateComment)).Methods(http.MethodPost)
	r.HandleFunc("/api/comments/{commentId}", s.authed(rbac.ActionComment, s.handleUpdateComment)).Methods(http.MethodPut)
	r.HandleFunc("/api/comments/{commentId}", s.authed(rbac.ActionComment, s.handleDeleteComment)).Methods(http.MethodDelete)
	r.HandleFunc("/api/comments/{commentId}/resolve", s.authed(rbac.ActionComment, s.handleResolveComment)).Methods(http.MethodPost)

	r.HandleFunc("/api/pages/{pageId}/attachments", s.authed(rbac.ActionRead, s.handleListAttachments)).Methods(http.MethodGet)
	r.HandleFunc("/api/pages/{pageId}/attachments", s.authed(rbac.ActionWrite, s.handleUploadAttachment)).Methods(http.MethodPost)
	r.HandleFunc("/api/attachments/{attachmentId}", s.authed(rbac.ActionRead, s.handleGetAttachment)).Methods(http.MethodGet)

	r.HandleFunc("/api/search", s.authed(rbac.ActionRead, s.handleSearch)).Methods(http.MethodGet)
	r.HandleFunc("/api/search/reindex", s.authed(rbac.ActionAdmin, s.handleReindex)).Methods(http.MethodPost)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, session Session)

// authed resolves the bearer session and checks the workspace role before
// calling next.
func (s *HTTPServer) authed(action rbac.Action, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		if !s.service.Can(session.Role, action) {
			s.forbid(w, r, session, string(action))
			return
		}
		next(w, r, session)
	}
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, session Session, action string) {
	logging.FromContext(r.Context()).WithFields(logrus.Fields{
		"user_id": session.UserID,
		"role":    session.Role,
		"action":  action,
	}).Info("permission denied")
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		logging.FromContext(r.Context()).WithError(err).Error("session lookup failed")
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) rateLimited(next http.Handler) http.Handler {
	if s.authLimiter == nil {
		return next
	}
	return stdlib.NewMiddleware(s.authLimiter,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			logging.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
		}),
	).Handler(next)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		entry := s.log.WithField("request_id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = logging.WithEntry(ctx, entry)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		entry.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

// instrument records request metrics labelled with the matched route
// template rather than the raw path.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		s.service.metrics.observeRequest(route, r.Method, writer.status, time.Since(started))
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// fail maps err onto the error envelope. Unexpected errors are logged with
// the request entry.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logging.FromContext(r.Context()).WithError(err).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// decodeValid decodes the JSON body into target and runs its validate tags.
// It writes the error response itself and reports whether to continue.
func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if fields := s.validate.check(target); fields != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILED", "Request validation failed", fields)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Request body too large", nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
