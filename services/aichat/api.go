package aichat

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// RegisterRoutes mounts the AI doctor endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/chat", s.handleSend).Methods("POST")
	router.HandleFunc("/chat/conversations", s.handleConversations).Methods("GET")
	router.HandleFunc("/chat/conversations/{id}", s.handleThread).Methods("GET")
	router.HandleFunc("/chat/conversations/{id}", s.handleDelete).Methods("DELETE")
}

func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	reply, err := s.Send(r.Context(), userID, req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reply)
}

func (s *Service) handleConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	items, err := s.Conversations(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"conversations": items})
}

func (s *Service) handleThread(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	thread, err := s.Messages(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, thread)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	if err := s.DeleteConversation(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
