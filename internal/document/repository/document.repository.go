package repository

import (
	"database/sql"
	"errors"

	"naskahsync/internal/document/model"
	"naskahsync/pkg/logger"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

type DocumentRepository struct {
	DB *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{DB: db}
}

// Create stores a new document and its initial collaborators in one
// transaction. The owner is kept in owner_id, not in collaborators.
func (r *DocumentRepository) Create(doc model.Document, content []byte) error {
	tx, err := r.DB.Begin()
	if err != nil {
		logger.Sugar.Errorf("Failed to begin create for doc %s: %v", doc.ID, err)
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO documents (id, content, revision, updated_at, owner_id, title) VALUES ($1, $2, $3, NOW(), $4, $5)`,
		doc.ID, content, doc.Revision, doc.OwnerID, doc.Title); err != nil {
		logger.Sugar.Errorf("Failed to create document: %v", err)
		return err
	}
	for userID, role := range doc.Collaborators {
		if userID == doc.OwnerID {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO collaborators (document_id, user_id, role) VALUES ($1, $2, $3)`,
			doc.ID, userID, string(role)); err != nil {
			logger.Sugar.Errorf("Failed to add collaborator %s to new doc %s: %v", userID, doc.ID, err)
			return err
		}
	}
	return tx.Commit()
}

// Load returns the stored content and owner of a document.
func (r *DocumentRepository) Load(docID string) (content []byte, ownerID string, err error) {
	err = r.DB.QueryRow("SELECT content, owner_id FROM documents WHERE id = $1", docID).Scan(&content, &ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to load doc %s: %v", docID, err)
	}
	return content, ownerID, err
}

func (r *DocumentRepository) GetOwnerID(docID string) (string, error) {
	var ownerID string
	err := r.DB.QueryRow("SELECT owner_id FROM documents WHERE id = $1", docID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to get owner ID for doc %s: %v", docID, err)
	}
	return ownerID, err
}

// Collaborators returns every non-owner role on a document.
func (r *DocumentRepository) Collaborators(docID string) (map[string]model.Role, error) {
	rows, err := r.DB.Query("SELECT user_id, role FROM collaborators WHERE document_id = $1", docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get collaborators for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.Role)
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, err
		}
		if model.Role(role).Valid() {
			out[userID] = model.Role(role)
		}
	}
	return out, rows.Err()
}

func (r *DocumentRepository) GetCollaboratorRole(docID, userID string) (model.Role, error) {
	var role string
	err := r.DB.QueryRow("SELECT role FROM collaborators WHERE document_id = $1 AND user_id = $2", docID, userID).Scan(&role)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to get collaborator role: %v", err)
	}
	return model.Role(role), err
}

// UpdateContent persists a document snapshot taken from the feed.
func (r *DocumentRepository) UpdateContent(docID, title string, content []byte, revision int64) error {
	_, err := r.DB.Exec(`UPDATE documents SET content = $1, title = $2, revision = $3, updated_at = NOW() WHERE id = $4`,
		content, title, revision, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to update content for doc %s: %v", docID, err)
	}
	return err
}

func (r *DocumentRepository) GetUserByEmail(email string) (string, error) {
	var userID string
	err := r.DB.QueryRow("SELECT id FROM auth.users WHERE email = $1", email).Scan(&userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get user by email %s: %v", email, err)
	}
	return userID, err
}

func (r *DocumentRepository) AddCollaborator(docID, userID string, role model.Role) error {
	_, err := r.DB.Exec(`INSERT INTO collaborators (document_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role = $3`, docID, userID, string(role))
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to doc %s: %v", userID, docID, err)
	}
	return err
}

func (r *DocumentRepository) GetDocumentMembers(docID string) ([]model.CollaboratorInfo, error) {
	query := `
		SELECT u.id, u.email, 'owner' as role FROM documents d JOIN auth.users u ON d.owner_id = u.id WHERE d.id = $1
		UNION ALL
		SELECT u.id, u.email, c.role FROM collaborators c JOIN auth.users u ON c.user_id = u.id WHERE c.document_id = $1
	`
	rows, err := r.DB.Query(query, docID)
	if err != nil {
		logger.Sugar.Errorf("Failed to get document members for doc %s: %v", docID, err)
		return nil, err
	}
	defer rows.Close()

	members := []model.CollaboratorInfo{}
	for rows.Next() {
		var c model.CollaboratorInfo
		if err := rows.Scan(&c.ID, &c.Name, &c.Role); err != nil {
			logger.Sugar.Errorf("Failed to scan member of doc %s: %v", docID, err)
			return nil, err
		}
		members = append(members, c)
	}
	if err := rows.Err(); err != nil {
		logger.Sugar.Errorf("Failed to read members of doc %s: %v", docID, err)
		return nil, err
	}
	return members, nil
}

func (r *DocumentRepository) CheckAccess(docID, userID string) (bool, error) {
	var hasAccess bool
	err := r.DB.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM documents WHERE id = $1 AND owner_id = $2
			UNION
			SELECT 1 FROM collaborators WHERE document_id = $1 AND user_id = $2
		)`, docID, userID).Scan(&hasAccess)
	if err != nil {
		logger.Sugar.Errorf("Failed to check access for user %s on doc %s: %v", userID, docID, err)
	}
	return hasAccess, err
}
