package analytics

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/httputil"
)

// RegisterRoutes mounts the analytics endpoint on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/analytics", s.handleGet).Methods("GET")
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	report, err := s.Get(r.Context(), userID, force)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}
