package admin

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the admin endpoints under /admin.
func (s *Service) RegisterRoutes(router *mux.Router) {
	r := router.PathPrefix("/admin").Subrouter()
	if s.gate != nil {
		r.Use(s.gate)
	}
	r.HandleFunc("/users", s.handleListUsers).Methods("GET")
	r.HandleFunc("/users/{id}/subscription", s.handleGrant).Methods("POST")
	r.HandleFunc("/users/{id}/subscription", s.handleRevoke).Methods("DELETE")
	r.HandleFunc("/usage", s.handleUsage).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/payments", s.handlePayments).Methods("GET")
}

// =============================================================================
// HTTP Handlers
// =============================================================================

type grantRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
	Months int    `json:"months" validate:"min=0,max=36"`
}

func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))

	out, err := s.ListUsers(r.Context(), page, perPage, q.Get("search"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) handleGrant(w http.ResponseWriter, r *http.Request) {
	adminID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	sub, err := s.GrantSubscription(r.Context(), adminID, mux.Vars(r)["id"], req.PlanID, req.Months)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

func (s *Service) handleRevoke(w http.ResponseWriter, r *http.Request) {
	adminID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	sub, err := s.RevokeSubscription(r.Context(), adminID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

func (s *Service) handleUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	out, err := s.UsageReport(r.Context(), r.URL.Query().Get("month"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	out, err := s.SystemStats(r.Context())
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (s *Service) handlePayments(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	items, err := s.ListPayments(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"payments": items})
}
