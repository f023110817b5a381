package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"canopy/api/internal/auth"
	"canopy/api/internal/authpw"
	"canopy/api/internal/config"
	"canopy/api/internal/email"
	"canopy/api/internal/export"
	"canopy/api/internal/gitrepo"
	"canopy/api/internal/logging"
	"canopy/api/internal/position"
	"canopy/api/internal/rbac"
	"canopy/api/internal/search"
	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// Store is the persistence surface shared by the Postgres and bolt backends.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user store.User) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CountUsers(ctx context.Context) (int, error)
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)

	InsertSpace(ctx context.Context, space store.Space) error
	GetSpace(ctx context.Context, spaceID string) (store.Space, error)
	ListSpaces(ctx context.Context) ([]store.Space, error)
	UpdateSpace(ctx context.Context, spaceID, name, description string) error
	DeleteSpace(ctx context.Context, spaceID string) error
	SpacePageCount(ctx context.Context, spaceID string) (int, error)

	InsertPage(ctx context.Context, page store.Page) error
	GetPage(ctx context.Context, pageID string) (store.Page, error)
	GetPageBySlug(ctx context.Context, slugID string) (store.Page, error)
	UpdatePageContent(ctx context.Context, update store.PageUpdate) error
	LastChildPosition(ctx context.Context, spaceID string, parentID *string) (string, error)
	SiblingPositionTaken(ctx context.Context, spaceID string, parentID *string, position, excludeID string) (bool, error)
	MovePage(ctx context.Context, move store.PageMove) error
	ListChildPages(ctx context.Context, spaceID string, parentID *string, after store.PageCursor, limit int) ([]store.PageNode, error)
	ListSpacePages(ctx context.Context, spaceID string) ([]store.PageNode, error)
	PageAncestors(ctx context.Context, pageID string) ([]store.PageNode, error)
	RecentPages(ctx context.Context, spaceID string, limit int) ([]store.PageNode, error)
	ListAllPages(ctx context.Context) ([]store.Page, error)
	SoftDeletePageTree(ctx context.Context, pageID, deletedByID string, at time.Time) ([]string, error)
	RestorePageTree(ctx context.Context, pageID string, parentID *string, position string) ([]string, error)
	ListTrash(ctx context.Context, spaceID string) ([]store.Page, error)
	PurgePageTree(ctx context.Context, pageID string) (store.PurgeResult, error)

	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, pageID, afterID string, limit int) ([]store.Comment, error)
	ListAllComments(ctx context.Context) ([]store.Comment, error)
	UpdateComment(ctx context.Context, commentID string, content json.RawMessage, textContent string, editedAt time.Time) error
	SetCommentResolved(ctx context.Context, commentID, resolvedByID string, resolvedAt *time.Time) error
	DeleteComment(ctx context.Context, commentID string) error

	InsertAttachment(ctx context.Context, item store.Attachment) error
	GetAttachment(ctx context.Context, attachmentID string) (store.Attachment, error)
	ListAttachments(ctx context.Context, pageID string) ([]store.Attachment, error)
}

// sessionStore holds refresh tokens. Redis when configured, otherwise the
// primary store.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
}

type historyService interface {
	RecordVersion(pageID string, content gitrepo.Content, author, message string) (gitrepo.Version, bool, error)
	History(pageID string, limit int) ([]gitrepo.Version, error)
	ContentAt(pageID, hash string) (gitrepo.Content, gitrepo.Version, error)
	Remove(pageID string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexPage(page search.PageRecord)
	IndexComment(comment search.CommentRecord)
	RemovePages(pageIDs, commentIDs []string)
	RemoveComment(id string)
	ReindexAll(ctx context.Context, src search.RecordSource) (int, int, error)
}

type blobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

type mailer interface {
	IsConfigured() bool
	SendCommentReply(to string, data email.ReplyData) error
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

// Deps wires the service. Only Store is required; every other dependency
// degrades the matching feature when left nil.
type Deps struct {
	Store     Store
	Sessions  sessionStore
	History   historyService
	Search    searchIndex
	Blobs     blobStore
	Mailer    mailer
	Exporter  exporter
	Positions *position.Generator
	Metrics   *Metrics
	Logger    *logrus.Logger
	Now       func() time.Time
	// PasswordCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
	PasswordCost int
}

type Service struct {
	cfg       config.Config
	store     Store
	sessions  sessionStore
	history   historyService
	search    searchIndex
	blobs     blobStore
	mailer    mailer
	exporter  exporter
	passwords *authpw.Service
	positions *position.Generator
	metrics   *Metrics
	log       *logrus.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		history:   deps.History,
		search:    deps.Search,
		blobs:     deps.Blobs,
		mailer:    deps.Mailer,
		exporter:  deps.Exporter,
		positions: deps.Positions,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		now:       deps.Now,
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if s.positions == nil {
		s.positions = position.NewGenerator(cfg.JitterBits, nil)
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.exporter == nil {
		var versions export.VersionSource
		if deps.History != nil {
			versions = deps.History
		}
		s.exporter = export.NewService(deps.Store, versions, nil)
	}
	s.passwords = authpw.NewService(deps.Store)
	if deps.PasswordCost > 0 {
		s.passwords.WithCost(deps.PasswordCost)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// logger prefers the request-scoped entry carried by ctx.
func (s *Service) logger(ctx context.Context) *logrus.Entry {
	if entry := logging.FromContext(ctx); entry.Logger != logrus.StandardLogger() {
		return entry
	}
	return logrus.NewEntry(s.log)
}

func (s *Service) SignUp(ctx context.Context, emailAddr, password, name string) (Session, error) {
	user, err := s.passwords.SignUp(ctx, authpw.SignUpRequest{Email: emailAddr, Password: password, Name: name})
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		return Session{}, conflict("EMAIL_TAKEN", "Email already registered")
	case errors.Is(err, authpw.ErrWeakPassword):
		return Session{}, validationError("WEAK_PASSWORD", err.Error(), map[string]string{"password": "min"})
	case err != nil:
		return Session{}, err
	}
	s.logger(ctx).WithFields(logrus.Fields{"user_id": user.ID, "role": user.Role}).Info("user signed up")
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, strings.ToLower(strings.TrimSpace(emailAddr)), password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented one is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, unauthorized("Missing refresh token")
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, unauthorized("Refresh token expired or revoked")
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewSortableID()

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the refresh token. Access tokens stay valid until they
// expire.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, validationError("INVALID_QUERY", "Search query is required", map[string]string{"q": "required"})
	}
	if q.FilterType != "" && q.FilterType != search.ResultPage && q.FilterType != search.ResultComment {
		return search.Response{}, validationError("INVALID_QUERY", "type must be page or comment", map[string]string{"type": "oneof"})
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

// Reindex pushes every live page and comment to the search index.
func (s *Service) Reindex(ctx context.Context) (pages, comments int, err error) {
	if s.search == nil {
		return 0, 0, unavailable("SEARCH_UNAVAILABLE", "Search index is not configured")
	}
	pages, comments, err = s.search.ReindexAll(ctx, s.store)
	if errors.Is(err, search.ErrIndexUnavailable) {
		return 0, 0, unavailable("SEARCH_UNAVAILABLE", "Meilisearch is not reachable")
	}
	return pages, comments, err
}
