package service

import (
	"database/sql/driver"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
)

func newService(t *testing.T) (*DocumentService, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDocumentService(repository.NewDocumentRepository(db), nil), mock
}

// contentArg checks the stored document JSON.
type contentArg struct {
	check func(model.Document) bool
}

func (c contentArg) Match(v driver.Value) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	return c.check(doc)
}

func TestCreateDocumentSeedsOwner(t *testing.T) {
	svc, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(sqlmock.AnyArg(), contentArg{func(d model.Document) bool {
			return d.OwnerID == "alice" && d.Collaborators["alice"] == model.RoleOwner &&
				d.Collaborators["bob"] == model.RoleWriter && d.Title == "Untitled Document"
		}}, int64(0), "alice", "Untitled Document").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO collaborators").
		WithArgs(sqlmock.AnyArg(), "bob", "writer").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := svc.CreateDocument("alice", model.CreateDocRequest{
		Collaborators: map[string]model.Role{"bob": model.RoleWriter, "alice": model.RoleReader},
	})
	require.NoError(t, err)
	assert.Len(t, id, 36)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDocumentRejectsSecondOwner(t *testing.T) {
	svc, mock := newService(t)
	_, err := svc.CreateDocument("alice", model.CreateDocRequest{
		Collaborators: map[string]model.Role{"bob": model.RoleOwner},
	})
	assert.ErrorIs(t, err, ErrInvalidRole)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInviteOnlyByOwner(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT owner_id FROM documents").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("alice"))

	err := svc.InviteCollaborator("bob", model.InviteRequest{DocID: "d1", UserID: "carol", Role: model.RoleWriter})
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInviteByEmail(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT owner_id FROM documents").
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("alice"))
	mock.ExpectQuery("SELECT id FROM auth.users WHERE email = \\$1").
		WithArgs("carol@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("carol"))
	mock.ExpectExec("INSERT INTO collaborators").
		WithArgs("d1", "carol", "reviewer").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := svc.InviteCollaborator("alice", model.InviteRequest{DocID: "d1", Email: "carol@example.com", Role: model.RoleReviewer})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInviteRejectsOwnerRole(t *testing.T) {
	svc, _ := newService(t)
	err := svc.InviteCollaborator("alice", model.InviteRequest{DocID: "d1", UserID: "bob", Role: model.RoleOwner})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestMembersRequiresAccess(t *testing.T) {
	svc, mock := newService(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("d1", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := svc.Members("d1", "mallory")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NoError(t, mock.ExpectationsWereMet())
}
