package payments

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
)

const maxCallbackBytes = 64 << 10

// CallbackPath is mounted without authentication; the request is authenticated by its signature.
const CallbackPath = "/payments/paykeeper/callback"

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the payment endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments/invoice", s.handleCreateInvoice).Methods("POST")
	router.HandleFunc("/payments", s.handleListPayments).Methods("GET")
	router.HandleFunc(CallbackPath, s.handleCallback).Methods("POST")
}

// =============================================================================
// HTTP Handlers
// =============================================================================

type createInvoiceRequest struct {
	PlanID string `json:"plan_id" validate:"required"`
}

func (s *Service) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	var req createInvoiceRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	invoice, err := s.CreateInvoice(r.Context(), userID, logging.GetEmail(r.Context()), req.PlanID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, invoice)
}

func (s *Service) handleListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	payments, err := s.ListPayments(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, payments)
}

// handleCallback answers PayKeeper's POST notification with a plain-text acknowledgement.
func (s *Service) handleCallback(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCallbackBytes)
	if err := r.ParseForm(); err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("invalid form body"))
		return
	}

	ack, err := s.HandleCallback(r.Context(), Callback{
		ID:       r.PostForm.Get("id"),
		Sum:      r.PostForm.Get("sum"),
		ClientID: r.PostForm.Get("clientid"),
		OrderID:  r.PostForm.Get("orderid"),
		Key:      r.PostForm.Get("key"),
	})
	if err != nil {
		s.logger.WithContext(r.Context()).WithError(err).Warn("paykeeper callback rejected")
		httputil.WriteServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(ack)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ack))
}
