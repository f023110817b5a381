package app

import (
	"context"
	"database/sql"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"canopy/api/internal/store"
	"canopy/api/internal/util"
)

var pageRowColumns = []string{
	"id", "slug_id", "title", "icon", "content", "text_content", "parent_page_id", "space_id",
	"position", "creator_id", "last_updated_by_id", "created_at", "updated_at", "deleted_at", "deleted_by_id",
}

func newPostgresService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(testConfig(), Deps{Store: store.NewPostgresStore(db)}), mock
}

func pageRow(id, spaceID, position string, parentID *string, deletedAt *time.Time) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var parent, deleted any
	if parentID != nil {
		parent = *parentID
	}
	if deletedAt != nil {
		deleted = *deletedAt
	}
	return sqlmock.NewRows(pageRowColumns).
		AddRow(id, "slug", "Title", "", "", "", parent, spaceID, position, "", "", now, now, deleted, "")
}

func TestMovePageInvalidPositionIssuesNoQueries(t *testing.T) {
	svc, mock := newPostgresService(t)

	_, err := svc.MovePage(context.Background(), Session{UserID: "u1"}, util.NewID(), MovePageInput{Position: "a0!"})
	requireDomainCode(t, err, http.StatusUnprocessableEntity, "INVALID_POSITION")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMovePageMissingParentDoesNotWrite(t *testing.T) {
	svc, mock := newPostgresService(t)
	pageID, spaceID, parentID := util.NewID(), util.NewID(), util.NewID()

	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(pageID).
		WillReturnRows(pageRow(pageID, spaceID, "a0", nil, nil))
	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(parentID).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.MovePage(context.Background(), Session{UserID: "u1"}, pageID, MovePageInput{ParentPageID: &parentID})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMovePageTrashedParentDoesNotWrite(t *testing.T) {
	svc, mock := newPostgresService(t)
	pageID, spaceID, parentID := util.NewID(), util.NewID(), util.NewID()
	trashedAt := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(pageID).
		WillReturnRows(pageRow(pageID, spaceID, "a0", nil, nil))
	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(parentID).
		WillReturnRows(pageRow(parentID, spaceID, "a1", nil, &trashedAt))

	_, err := svc.MovePage(context.Background(), Session{UserID: "u1"}, pageID, MovePageInput{ParentPageID: &parentID})
	requireDomainCode(t, err, http.StatusNotFound, "PARENT_NOT_FOUND")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMovePageExplicitPositionSingleUpdate(t *testing.T) {
	svc, mock := newPostgresService(t)
	pageID, spaceID := util.NewID(), util.NewID()

	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(pageID).
		WillReturnRows(pageRow(pageID, spaceID, "a0", nil, nil))
	mock.ExpectExec(`UPDATE pages SET position=\$2`).WithArgs(pageID, "a0V", "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM pages WHERE id=\$1`).WithArgs(pageID).
		WillReturnRows(pageRow(pageID, spaceID, "a0V", nil, nil))

	moved, err := svc.MovePage(context.Background(), Session{UserID: "u1"}, pageID, MovePageInput{Position: "a0V"})
	require.NoError(t, err)
	require.Equal(t, "a0V", moved.Position)
	require.NoError(t, mock.ExpectationsWereMet())
}
