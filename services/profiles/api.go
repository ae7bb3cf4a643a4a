package profiles

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/middleware"
)

// PublicPaths are served without a bearer token.
var PublicPaths = []string{"/auth/register", "/auth/login", "/auth/refresh"}

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the auth and profile endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/register", s.handleRegister).Methods("POST")
	router.HandleFunc("/auth/login", s.handleLogin).Methods("POST")
	router.HandleFunc("/auth/refresh", s.handleRefresh).Methods("POST")
	router.HandleFunc("/auth/logout", s.handleLogout).Methods("POST")
	router.HandleFunc("/profile", s.handleGetProfile).Methods("GET")
	router.HandleFunc("/profile", s.handleUpdateProfile).Methods("PATCH")
}

// =============================================================================
// HTTP Handlers
// =============================================================================

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	sess, err := s.Register(r.Context(), req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	sess, err := s.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	sess, err := s.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sess)
}

func (s *Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	if err := s.Logout(r.Context(), middleware.GetAccessToken(r.Context())); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	p, err := s.GetProfile(r.Context(), userID, logging.GetEmail(r.Context()))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (s *Service) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req UpdateRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	p, err := s.UpdateProfile(r.Context(), userID, req)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}
