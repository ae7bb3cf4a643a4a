package healthprofile

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// RegisterRoutes mounts the questionnaire endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health-profile", s.handleGet).Methods("GET")
	router.HandleFunc("/health-profile", s.handleSave).Methods("PUT")
	router.HandleFunc("/health-profile/status", s.handleStatus).Methods("GET")
}

type saveRequest struct {
	ProfileData json.RawMessage `json:"profile_data" validate:"required"`
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	hp, err := s.Get(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, hp)
}

func (s *Service) handleSave(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	hp, err := s.Save(r.Context(), userID, req.ProfileData)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, hp)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	st, err := s.Status(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}
