package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
	"naskahsync/socket"
)

var (
	ErrForbidden    = errors.New("unauthorized")
	ErrInvalidRole  = errors.New("invalid role")
	ErrUserNotFound = errors.New("user not found with that email")
)

type DocumentService struct {
	Repo *repository.DocumentRepository
	Hub  *socket.Hub
}

func NewDocumentService(repo *repository.DocumentRepository, hub *socket.Hub) *DocumentService {
	return &DocumentService{Repo: repo, Hub: hub}
}

// CreateDocument creates a document at share time. The caller becomes the
// owner; requested collaborators are added with their roles.
func (s *DocumentService) CreateDocument(userID string, req model.CreateDocRequest) (string, error) {
	doc := model.NewDocument(uuid.NewString(), userID)
	doc.Title = req.Title
	if doc.Title == "" {
		doc.Title = "Untitled Document"
	}
	for collaborator, role := range req.Collaborators {
		if collaborator == userID {
			continue
		}
		if !role.Valid() || role == model.RoleOwner {
			return "", fmt.Errorf("%w %q for %s", ErrInvalidRole, role, collaborator)
		}
		doc.Collaborators[collaborator] = role
	}
	doc.Normalize()

	content, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	if err := s.Repo.Create(doc, content); err != nil {
		return "", err
	}
	return doc.ID, nil
}

// InviteCollaborator grants a role on a document. Only the owner may
// invite. The target is given by user id or looked up by email.
func (s *DocumentService) InviteCollaborator(userID string, req model.InviteRequest) error {
	if !req.Role.Valid() || req.Role == model.RoleOwner {
		return fmt.Errorf("%w %q", ErrInvalidRole, req.Role)
	}
	ownerID, err := s.Repo.GetOwnerID(req.DocID)
	if err != nil {
		return err
	}
	if ownerID != userID {
		return fmt.Errorf("%w: only owner can invite", ErrForbidden)
	}

	targetUserID := req.UserID
	if targetUserID == "" {
		targetUserID, err = s.Repo.GetUserByEmail(req.Email)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUserNotFound, req.Email)
		}
	}
	if targetUserID == ownerID {
		return fmt.Errorf("%w: owner role cannot change", ErrInvalidRole)
	}

	if err := s.Repo.AddCollaborator(req.DocID, targetUserID, req.Role); err != nil {
		return err
	}
	if s.Hub != nil {
		s.Hub.GrantRole(req.DocID, targetUserID, req.Role)
	}
	return nil
}

// Members lists the owner and collaborators for anyone with access.
func (s *DocumentService) Members(docID, userID string) ([]model.CollaboratorInfo, error) {
	hasAccess, err := s.Repo.CheckAccess(docID, userID)
	if err != nil {
		return nil, err
	}
	if !hasAccess {
		return nil, fmt.Errorf("%w: no access to %s", ErrForbidden, docID)
	}
	return s.Repo.GetDocumentMembers(docID)
}
