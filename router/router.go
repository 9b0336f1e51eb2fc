package router

import (
	"net/http"

	docHandler "naskahsync/internal/document"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/document/service"
	"naskahsync/middleware"
	"naskahsync/socket"
)

// Setup wires the feed websocket and the document REST API. A nil repo
// serves the feed only.
func Setup(repo *repository.DocumentRepository, hub *socket.Hub, secret string) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(secret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserID(r.Context())
		socket.ServeWs(hub, w, r, userID)
	})
	mux.Handle("/ws", auth(wsHandler))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	if repo == nil {
		return middleware.CORSMiddleware(mux)
	}

	// REST API
	docService := service.NewDocumentService(repo, hub)
	docHandler := docHandler.NewDocumentHandler(docService)

	mux.Handle("/api/documents/create", auth(http.HandlerFunc(docHandler.CreateDocument)))
	mux.Handle("/api/documents/invite", auth(http.HandlerFunc(docHandler.AddCollaborator)))
	mux.Handle("/api/documents/members", auth(http.HandlerFunc(docHandler.GetDocumentMembers)))

	return middleware.CORSMiddleware(mux)
}
