package biomarkers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/httputil"
)

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the analysis and biomarker endpoints on router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/analyses", s.handleUpload).Methods("POST")
	router.HandleFunc("/analyses", s.handleListAnalyses).Methods("GET")
	router.HandleFunc("/analyses/{id}", s.handleGetAnalysis).Methods("GET")
	router.HandleFunc("/analyses/{id}", s.handleDeleteAnalysis).Methods("DELETE")
	router.HandleFunc("/analyses/{id}/file", s.handleFileURL).Methods("GET")
	router.HandleFunc("/biomarkers/latest", s.handleLatest).Methods("GET")
	router.HandleFunc("/biomarkers/catalog", s.handleCatalog).Methods("GET")
	router.HandleFunc("/biomarkers/{name}/history", s.handleHistory).Methods("GET")
}

// =============================================================================
// HTTP Handlers
// =============================================================================

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteServiceError(w, r, svcerrors.BadRequest("file is too large").WithDetails("max_bytes", MaxUploadBytes))
			return
		}
		httputil.BadRequest(w, "expected multipart form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	data, err := httputil.ReadAllStrict(file, MaxUploadBytes)
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.BadRequest("file is too large").WithDetails("max_bytes", MaxUploadBytes))
		return
	}

	detail, err := s.Upload(r.Context(), userID, Upload{
		FileName:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Data:         data,
		AnalysisType: r.FormValue("analysis_type"),
	})
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, detail)
}

func (s *Service) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	analyses, err := s.ListAnalyses(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, analyses)
}

func (s *Service) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	detail, err := s.GetAnalysis(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (s *Service) handleDeleteAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	if err := s.DeleteAnalysis(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleFileURL(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	url, err := s.FileURL(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	items, err := s.Latest(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (s *Service) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, s.catalog.All())
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	history, err := s.History(r.Context(), userID, mux.Vars(r)["name"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}
