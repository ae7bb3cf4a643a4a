package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CreateAnalysis inserts a new analysis row. ID and status default when empty.
func (r *Repository) CreateAnalysis(ctx context.Context, a *MedicalAnalysis) (*MedicalAnalysis, error) {
	if a == nil || a.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = AnalysisPending
	}
	if err := ValidateStatus(a.Status, analysisStatuses); err != nil {
		return nil, err
	}
	return insertOne[MedicalAnalysis](ctx, "create analysis", r.client.From(TableAnalyses), a)
}

// UpdateAnalysis changes the processing state of an analysis.
func (r *Repository) UpdateAnalysis(ctx context.Context, id string, update AnalysisUpdate) (*MedicalAnalysis, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	patch := struct {
		AnalysisUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[MedicalAnalysis](ctx, "update analysis", r.client.From(TableAnalyses).Eq("id", id), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// GetAnalysis returns an analysis owned by userID.
func (r *Repository) GetAnalysis(ctx context.Context, userID, id string) (*MedicalAnalysis, error) {
	return selectOne[MedicalAnalysis](ctx, "get analysis",
		r.client.From(TableAnalyses).Select("*").Eq("id", id).Eq("user_id", userID))
}

// ListAnalyses returns the analyses of userID, newest first.
func (r *Repository) ListAnalyses(ctx context.Context, userID string) ([]MedicalAnalysis, error) {
	return selectRows[MedicalAnalysis](ctx, "list analyses",
		r.client.From(TableAnalyses).Select("*").Eq("user_id", userID).Order("created_at", false))
}

// DeleteAnalysis removes an analysis and its biomarkers.
func (r *Repository) DeleteAnalysis(ctx context.Context, userID, id string) error {
	if _, err := deleteRows(ctx, "delete biomarkers",
		r.client.From(TableBiomarkers).Eq("analysis_id", id).Eq("user_id", userID)); err != nil {
		return err
	}
	n, err := deleteRows(ctx, "delete analysis", r.client.From(TableAnalyses).Eq("id", id).Eq("user_id", userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertBiomarkers bulk-inserts measurements.
func (r *Repository) InsertBiomarkers(ctx context.Context, items []Biomarker) ([]Biomarker, error) {
	if len(items) == 0 {
		return nil, nil
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.NewString()
		}
		if items[i].UserID == "" || items[i].AnalysisID == "" || items[i].Name == "" {
			return nil, invalidInput("biomarker needs user_id, analysis_id and name")
		}
	}
	return insertRows[Biomarker](ctx, "insert biomarkers", r.client.From(TableBiomarkers), items)
}

// ListBiomarkersByAnalysis returns the measurements of one analysis.
func (r *Repository) ListBiomarkersByAnalysis(ctx context.Context, userID, analysisID string) ([]Biomarker, error) {
	return selectRows[Biomarker](ctx, "list analysis biomarkers",
		r.client.From(TableBiomarkers).Select("*").Eq("analysis_id", analysisID).Eq("user_id", userID).Order("name", true))
}

// ListBiomarkers returns every measurement of userID in chronological order.
func (r *Repository) ListBiomarkers(ctx context.Context, userID string) ([]Biomarker, error) {
	return selectRows[Biomarker](ctx, "list biomarkers",
		r.client.From(TableBiomarkers).Select("*").Eq("user_id", userID).Order("measured_at", true))
}

// ListBiomarkerHistory returns the measurements of one biomarker in chronological order.
func (r *Repository) ListBiomarkerHistory(ctx context.Context, userID, name string) ([]Biomarker, error) {
	return selectRows[Biomarker](ctx, "biomarker history",
		r.client.From(TableBiomarkers).Select("*").Eq("user_id", userID).Eq("name", name).Order("measured_at", true))
}

// GetCachedAnalytics returns the persisted analytics report of userID.
func (r *Repository) GetCachedAnalytics(ctx context.Context, userID string) (*CachedAnalytics, error) {
	return selectOne[CachedAnalytics](ctx, "get cached analytics",
		r.client.From(TableCachedAnalytics).Select("*").Eq("user_id", userID))
}

// UpsertCachedAnalytics persists a report, one row per user.
func (r *Repository) UpsertCachedAnalytics(ctx context.Context, c *CachedAnalytics) error {
	if c == nil || c.UserID == "" {
		return invalidInput("user id is required")
	}
	_, err := insertRows[CachedAnalytics](ctx, "upsert cached analytics",
		r.client.From(TableCachedAnalytics).Upsert("user_id"), c)
	return err
}

// MarkAnalyticsStale flags the persisted report of userID for recomputation.
// A missing row is not an error.
func (r *Repository) MarkAnalyticsStale(ctx context.Context, userID string) error {
	_, err := updateRows[CachedAnalytics](ctx, "mark analytics stale",
		r.client.From(TableCachedAnalytics).Eq("user_id", userID), map[string]any{"is_stale": true})
	if IsNotFound(err) {
		return nil
	}
	return err
}
