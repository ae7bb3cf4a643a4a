package protocols

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// RegisterRoutes mounts the protocol endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/protocols", s.handleList).Methods("GET")
	router.HandleFunc("/protocols", s.handleCreate).Methods("POST")
	router.HandleFunc("/protocols/{id}", s.handleUpdate).Methods("PATCH")
	router.HandleFunc("/protocols/{id}", s.handleDelete).Methods("DELETE")
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	items, err := s.List(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"protocols": items})
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req CreateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	v, err := s.Create(r.Context(), userID, req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, v)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	v, err := s.Update(r.Context(), userID, mux.Vars(r)["id"], req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	if err := s.Delete(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
