package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/document/service"
	"naskahsync/middleware"
)

func newHandler(t *testing.T) (*DocumentHandler, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	svc := service.NewDocumentService(repository.NewDocumentRepository(db), nil)
	return NewDocumentHandler(svc), mock
}

func asUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.WithUserID(r.Context(), userID))
}

func TestCreateDocumentHandler(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0), "alice", "Trip").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO collaborators").
		WithArgs(sqlmock.AnyArg(), "bob", "writer").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"title":"Trip","collaborators":{"bob":"writer"}}`
	req := asUser(httptest.NewRequest(http.MethodPost, "/api/documents/create", strings.NewReader(body)), "alice")
	rr := httptest.NewRecorder()
	h.CreateDocument(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp model.CreateDocResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.DocID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDocumentHandlerRejects(t *testing.T) {
	h, _ := newHandler(t)

	rr := httptest.NewRecorder()
	h.CreateDocument(rr, asUser(httptest.NewRequest(http.MethodGet, "/api/documents/create", nil), "alice"))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = httptest.NewRecorder()
	h.CreateDocument(rr, httptest.NewRequest(http.MethodPost, "/api/documents/create", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	body := `{"title":"Trip","collaborators":{"bob":"owner"}}`
	rr = httptest.NewRecorder()
	h.CreateDocument(rr, asUser(httptest.NewRequest(http.MethodPost, "/api/documents/create", strings.NewReader(body)), "alice"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAddCollaboratorHandler(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		body   string
		mock   func(sqlmock.Sqlmock)
		status int
	}{
		{
			name:   "owner invites by id",
			user:   "alice",
			body:   `{"document_id":"d1","user_id":"bob","role":"reader"}`,
			status: http.StatusOK,
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT owner_id FROM documents").WithArgs("d1").
					WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("alice"))
				m.ExpectExec("INSERT INTO collaborators").WithArgs("d1", "bob", "reader").
					WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name:   "non owner",
			user:   "bob",
			body:   `{"document_id":"d1","user_id":"carol","role":"writer"}`,
			status: http.StatusForbidden,
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT owner_id FROM documents").WithArgs("d1").
					WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("alice"))
			},
		},
		{
			name:   "unknown document",
			user:   "alice",
			body:   `{"document_id":"nope","user_id":"bob","role":"writer"}`,
			status: http.StatusNotFound,
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectQuery("SELECT owner_id FROM documents").WithArgs("nope").
					WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
			},
		},
		{
			name:   "invalid role",
			user:   "alice",
			body:   `{"document_id":"d1","user_id":"bob","role":"admin"}`,
			status: http.StatusBadRequest,
			mock:   func(sqlmock.Sqlmock) {},
		},
		{
			name:   "no target",
			user:   "alice",
			body:   `{"document_id":"d1","role":"writer"}`,
			status: http.StatusBadRequest,
			mock:   func(sqlmock.Sqlmock) {},
		},
		{
			name:   "bad body",
			user:   "alice",
			body:   `{`,
			status: http.StatusBadRequest,
			mock:   func(sqlmock.Sqlmock) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, mock := newHandler(t)
			tt.mock(mock)

			req := asUser(httptest.NewRequest(http.MethodPost, "/api/documents/invite", strings.NewReader(tt.body)), tt.user)
			rr := httptest.NewRecorder()
			h.AddCollaborator(rr, req)

			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGetDocumentMembersHandler(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("d1", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT u.id, u.email").WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role"}).
			AddRow("alice", "alice@example.com", "owner").
			AddRow("bob", "bob@example.com", "reader"))

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/documents/members?docId=d1", nil), "bob")
	rr := httptest.NewRecorder()
	h.GetDocumentMembers(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var members []model.CollaboratorInfo
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &members))
	require.Len(t, members, 2)
	assert.Equal(t, model.RoleOwner, members[0].Role)
	assert.Equal(t, "bob@example.com", members[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocumentMembersForbidden(t *testing.T) {
	h, mock := newHandler(t)
	mock.ExpectQuery("SELECT EXISTS").WithArgs("d1", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	req := asUser(httptest.NewRequest(http.MethodGet, "/api/documents/members?docId=d1", nil), "mallory")
	rr := httptest.NewRecorder()
	h.GetDocumentMembers(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = httptest.NewRecorder()
	h.GetDocumentMembers(rr, asUser(httptest.NewRequest(http.MethodGet, "/api/documents/members", nil), "mallory"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
