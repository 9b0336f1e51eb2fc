package model

type CreateDocResponse struct {
	DocID string `json:"document_id"`
}

type CollaboratorInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type CreateDocRequest struct {
	Title         string          `json:"title"`
	Collaborators map[string]Role `json:"collaborators,omitempty"`
}

type InviteRequest struct {
	DocID  string `json:"document_id"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}
