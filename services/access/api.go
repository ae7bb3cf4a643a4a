package access

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the access and subscription endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", s.handlePlans).Methods("GET")
	router.HandleFunc("/access/{feature}", s.handleCheckAccess).Methods("GET")
	router.HandleFunc("/access/{feature}/trial", s.handleStartTrial).Methods("POST")
	router.HandleFunc("/subscription", s.handleCurrentSubscription).Methods("GET")
	router.HandleFunc("/subscription/cancel", s.handleCancel).Methods("POST")
	router.HandleFunc("/subscription/resume", s.handleResume).Methods("POST")
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (s *Service) handlePlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.plans)
}

func (s *Service) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	d, err := s.CheckAccess(r.Context(), userID, mux.Vars(r)["feature"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (s *Service) handleStartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	trial, err := s.StartTrial(r.Context(), userID, mux.Vars(r)["feature"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, trial)
}

func (s *Service) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	current, err := s.CurrentSubscription(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, current)
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	sub, err := s.Cancel(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	sub, err := s.Resume(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}
