// Package biomarkers stores uploaded lab reports, extracts their
// measurements and serves biomarker history.
package biomarkers

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
)

// MaxUploadBytes bounds an uploaded document.
const MaxUploadBytes = 10 << 20

// DefaultBucket is the storage bucket of uploaded analyses.
const DefaultBucket = "medical-analyses"

const categoryOther = "other"

var allowedTypes = map[string]string{
	"application/pdf": ".pdf",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"text/plain":      ".txt",
	"text/csv":        ".csv",
}

// Accessor gates the blood_analysis feature.
type Accessor interface {
	CheckAccess(ctx context.Context, userID, feature string) (*access.Decision, error)
	Consume(ctx context.Context, userID, feature string) (*access.Decision, error)
}

// Invalidator drops derived analytics after biomarkers change.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// FileStore keeps the original documents.
type FileStore interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Remove(ctx context.Context, path string) error
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// signedURLTTL is the lifetime of document download links.
const signedURLTTL = 15 * time.Minute

// Upload is a document submitted by a user.
type Upload struct {
	FileName     string
	ContentType  string
	Data         []byte
	AnalysisType string
}

// AnalysisDetail is an analysis with its measurements.
type AnalysisDetail struct {
	database.MedicalAnalysis
	Biomarkers []database.Biomarker `json:"biomarkers"`
}

// HistoryPoint is one measurement of a biomarker over time.
type HistoryPoint struct {
	AnalysisID     string    `json:"analysis_id"`
	Value          *float64  `json:"value"`
	RawValue       string    `json:"raw_value"`
	Unit           string    `json:"unit"`
	ReferenceRange string    `json:"reference_range"`
	Status         string    `json:"status"`
	MeasuredAt     time.Time `json:"measured_at"`
}

// History is the chronological series of one biomarker.
type History struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Category    string         `json:"category"`
	Points      []HistoryPoint `json:"points"`
}

// Config wires the service.
type Config struct {
	Store       database.AnalysisStore
	Files       FileStore
	Access      Accessor
	Extractor   Extractor
	Invalidator Invalidator
	Catalog     *Catalog
	Logger      *logging.Logger
}

// Service implements uploads and biomarker queries.
type Service struct {
	store       database.AnalysisStore
	files       FileStore
	access      Accessor
	extractor   Extractor
	invalidator Invalidator
	catalog     *Catalog
	logger      *logging.Logger
	now         func() time.Time
}

// New creates the biomarkers service. Invalidator is optional.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Files == nil || cfg.Access == nil || cfg.Extractor == nil {
		return nil, fmt.Errorf("biomarkers: store, files, access and extractor are required")
	}
	catalog := cfg.Catalog
	if catalog == nil {
		var err error
		if catalog, err = LoadCatalog(); err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		store:       cfg.Store,
		files:       cfg.Files,
		access:      cfg.Access,
		extractor:   cfg.Extractor,
		invalidator: cfg.Invalidator,
		catalog:     catalog,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Catalog returns the reference catalog.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// =============================================================================
// Upload pipeline
// =============================================================================

// Upload stores a lab document, extracts its biomarkers and records one use of
// blood_analysis. A failed extraction leaves the analysis in status failed.
func (s *Service) Upload(ctx context.Context, userID string, up Upload) (*AnalysisDetail, error) {
	contentType, ext, err := classify(up)
	if err != nil {
		return nil, err
	}
	if up.AnalysisType == "" {
		up.AnalysisType = "blood"
	}

	decision, err := s.access.CheckAccess(ctx, userID, access.FeatureBloodAnalysis)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, decision.Err()
	}

	path := userID + "/" + uuid.NewString() + ext
	if err := s.files.Put(ctx, path, up.Data, contentType); err != nil {
		return nil, svcerrors.Upstream("storage", err)
	}

	analysis, err := s.store.CreateAnalysis(ctx, &database.MedicalAnalysis{
		UserID:       userID,
		AnalysisType: up.AnalysisType,
		FilePath:     path,
		FileName:     up.FileName,
		ContentType:  contentType,
		Status:       database.AnalysisPending,
	})
	if err != nil {
		s.removeFile(ctx, path)
		return nil, fmt.Errorf("create analysis: %w", err)
	}
	log := s.logger.WithContext(ctx).WithField("analysis_id", analysis.ID)

	processing := database.AnalysisProcessing
	if _, err := s.store.UpdateAnalysis(ctx, analysis.ID, database.AnalysisUpdate{Status: &processing}); err != nil {
		return nil, fmt.Errorf("mark analysis processing: %w", err)
	}

	extraction, err := s.extractor.Extract(ctx, Document{
		FileName:     up.FileName,
		ContentType:  contentType,
		Data:         up.Data,
		AnalysisType: up.AnalysisType,
	})
	if err != nil {
		log.WithError(err).Warn("biomarker extraction failed")
		s.fail(ctx, analysis.ID, err)
		if errors.Is(err, ErrNoBiomarkers) {
			return nil, svcerrors.ValidationFailed("no biomarkers found in document", err).WithDetails("analysis_id", analysis.ID)
		}
		return nil, svcerrors.Upstream("llm", err).WithDetails("analysis_id", analysis.ID)
	}

	measuredAt := s.now().UTC()
	if extraction.TakenAt != nil {
		measuredAt = extraction.TakenAt.UTC()
	}
	// The use is recorded before any result is stored; concurrent uploads past
	// the last allowed use are turned away here.
	if d, err := s.access.Consume(ctx, userID, access.FeatureBloodAnalysis); err != nil {
		s.fail(ctx, analysis.ID, err)
		if se := svcerrors.GetServiceError(err); se != nil && d != nil && !d.Allowed {
			return nil, se.WithDetails("analysis_id", analysis.ID)
		}
		return nil, fmt.Errorf("record blood_analysis use: %w", err)
	}

	rows := s.normalize(userID, analysis.ID, measuredAt, extraction.Values)
	inserted, err := s.store.InsertBiomarkers(ctx, rows)
	if err != nil {
		s.fail(ctx, analysis.ID, err)
		return nil, fmt.Errorf("insert biomarkers: %w", err)
	}

	summary := Summarize(inserted)
	completed := database.AnalysisCompleted
	provider := extraction.Provider
	updated, err := s.store.UpdateAnalysis(ctx, analysis.ID, database.AnalysisUpdate{
		Status:   &completed,
		Summary:  &summary,
		Provider: &provider,
	})
	if err != nil {
		return nil, fmt.Errorf("complete analysis: %w", err)
	}

	s.invalidate(ctx, userID)

	log.WithFields(map[string]interface{}{
		"biomarkers":   summary.Total,
		"out_of_range": summary.OutOfRange,
		"provider":     provider,
	}).Info("analysis processed")

	return &AnalysisDetail{MedicalAnalysis: *updated, Biomarkers: inserted}, nil
}

// classify resolves the content type and the stored file extension.
func classify(up Upload) (string, string, error) {
	if len(up.Data) == 0 {
		return "", "", svcerrors.BadRequest("file is empty")
	}
	if len(up.Data) > MaxUploadBytes {
		return "", "", svcerrors.BadRequest("file is too large").WithDetails("max_bytes", MaxUploadBytes)
	}

	contentType := up.ContentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	if _, ok := allowedTypes[contentType]; !ok {
		sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(up.Data))
		contentType = sniffed
	}
	defaultExt, ok := allowedTypes[contentType]
	if !ok {
		return "", "", svcerrors.BadRequest("unsupported file type").WithDetails("content_type", up.ContentType)
	}

	ext := strings.ToLower(filepath.Ext(up.FileName))
	if ext == "" || len(ext) > 6 {
		ext = defaultExt
	}
	return contentType, ext, nil
}

// normalize maps extracted values onto the catalog. Repeated biomarkers keep the first value.
func (s *Service) normalize(userID, analysisID string, measuredAt time.Time, values []ExtractedValue) []database.Biomarker {
	seen := make(map[string]bool, len(values))
	out := make([]database.Biomarker, 0, len(values))
	for _, v := range values {
		b := database.Biomarker{
			AnalysisID:     analysisID,
			UserID:         userID,
			Name:           slug(v.Name),
			DisplayName:    v.Name,
			RawValue:       v.Value,
			Unit:           v.Unit,
			ReferenceRange: v.ReferenceRange,
			Category:       categoryOther,
			MeasuredAt:     measuredAt,
		}
		if ref, ok := s.catalog.Lookup(v.Name); ok {
			b.Name = ref.Key
			b.DisplayName = ref.Name
			b.Category = ref.Category
			if b.Unit == "" {
				b.Unit = ref.Unit
			}
			if _, ok := ParseRange(b.ReferenceRange); !ok {
				b.ReferenceRange = ref.Range
			}
		}
		if b.Name == "" || seen[b.Name] {
			continue
		}
		seen[b.Name] = true
		b.Value, b.Status = Evaluate(b.RawValue, b.ReferenceRange)
		out = append(out, b)
	}
	return out
}

// Summarize counts statuses.
func Summarize(items []database.Biomarker) database.AnalysisSummary {
	sum := database.AnalysisSummary{Total: len(items)}
	for _, b := range items {
		switch b.Status {
		case StatusNormal:
			sum.Normal++
		case StatusLow, StatusHigh:
			sum.OutOfRange++
		default:
			sum.Unknown++
		}
	}
	return sum
}

// fail runs even when the request was cancelled so the analysis does not stay processing.
func (s *Service) fail(ctx context.Context, analysisID string, cause error) {
	failed := database.AnalysisFailed
	msg := cause.Error()
	if _, err := s.store.UpdateAnalysis(context.WithoutCancel(ctx), analysisID, database.AnalysisUpdate{Status: &failed, Error: &msg}); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("analysis_id", analysisID).Error("failed to mark analysis failed")
	}
}

func (s *Service) removeFile(ctx context.Context, path string) {
	if err := s.files.Remove(ctx, path); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("path", path).Warn("failed to remove stored file")
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, userID); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to invalidate analytics")
	}
}

// =============================================================================
// Queries
// =============================================================================

// ListAnalyses returns the analyses of userID, newest first.
func (s *Service) ListAnalyses(ctx context.Context, userID string) ([]database.MedicalAnalysis, error) {
	return s.store.ListAnalyses(ctx, userID)
}

// GetAnalysis returns one analysis with its biomarkers.
func (s *Service) GetAnalysis(ctx context.Context, userID, id string) (*AnalysisDetail, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("analysis")
	}
	if err != nil {
		return nil, err
	}
	items, err := s.store.ListBiomarkersByAnalysis(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &AnalysisDetail{MedicalAnalysis: *a, Biomarkers: items}, nil
}

// FileURL returns a short-lived download link of the stored document.
func (s *Service) FileURL(ctx context.Context, userID, id string) (string, error) {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if database.IsNotFound(err) {
		return "", svcerrors.NotFound("analysis")
	}
	if err != nil {
		return "", err
	}
	if a.FilePath == "" {
		return "", svcerrors.NotFound("file")
	}
	url, err := s.files.SignedURL(ctx, a.FilePath, signedURLTTL)
	if err != nil {
		return "", svcerrors.Upstream("storage", err)
	}
	return url, nil
}

// DeleteAnalysis removes the analysis, its biomarkers and the stored document.
func (s *Service) DeleteAnalysis(ctx context.Context, userID, id string) error {
	a, err := s.store.GetAnalysis(ctx, userID, id)
	if database.IsNotFound(err) {
		return svcerrors.NotFound("analysis")
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteAnalysis(ctx, userID, id); err != nil {
		if database.IsNotFound(err) {
			return svcerrors.NotFound("analysis")
		}
		return err
	}
	if a.FilePath != "" {
		s.removeFile(ctx, a.FilePath)
	}
	s.invalidate(ctx, userID)
	return nil
}

// History returns every measurement of a biomarker, oldest first. name may be
// a catalog key, a display name or an alias.
func (s *Service) History(ctx context.Context, userID, name string) (*History, error) {
	h := &History{Name: slug(name), DisplayName: name, Category: categoryOther}
	if ref, ok := s.catalog.Lookup(name); ok {
		h.Name, h.DisplayName, h.Category = ref.Key, ref.Name, ref.Category
	}
	if h.Name == "" {
		return nil, svcerrors.BadRequest("biomarker name is required")
	}

	items, err := s.store.ListBiomarkerHistory(ctx, userID, h.Name)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].MeasuredAt.Before(items[j].MeasuredAt) })

	h.Points = make([]HistoryPoint, 0, len(items))
	for _, b := range items {
		if b.DisplayName != "" && h.Category == categoryOther {
			h.DisplayName, h.Category = b.DisplayName, b.Category
		}
		h.Points = append(h.Points, HistoryPoint{
			AnalysisID:     b.AnalysisID,
			Value:          b.Value,
			RawValue:       b.RawValue,
			Unit:           b.Unit,
			ReferenceRange: b.ReferenceRange,
			Status:         b.Status,
			MeasuredAt:     b.MeasuredAt,
		})
	}
	return h, nil
}

// Latest returns the most recent measurement of every biomarker of userID,
// ordered by category and name.
func (s *Service) Latest(ctx context.Context, userID string) ([]database.Biomarker, error) {
	items, err := s.store.ListBiomarkers(ctx, userID)
	if err != nil {
		return nil, err
	}
	return LatestPerName(items), nil
}

// LatestPerName keeps the newest measurement per biomarker name.
func LatestPerName(items []database.Biomarker) []database.Biomarker {
	latest := make(map[string]database.Biomarker, len(items))
	for _, b := range items {
		cur, ok := latest[b.Name]
		if !ok || b.MeasuredAt.After(cur.MeasuredAt) ||
			(b.MeasuredAt.Equal(cur.MeasuredAt) && b.CreatedAt.After(cur.CreatedAt)) {
			latest[b.Name] = b
		}
	}
	out := make([]database.Biomarker, 0, len(latest))
	for _, b := range latest {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
