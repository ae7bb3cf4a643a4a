package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GetProfile returns the profile of userID.
func (r *Repository) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, invalidInput("user id is required")
	}
	return selectOne[Profile](ctx, "get profile", r.client.From(TableProfiles).Select("*").Eq("id", userID))
}

// UpsertProfile creates or replaces a profile row keyed by id.
func (r *Repository) UpsertProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if p == nil || p.ID == "" {
		return nil, invalidInput("profile id is required")
	}
	p.UpdatedAt = r.now().UTC()
	return insertOne[Profile](ctx, "upsert profile", r.client.From(TableProfiles).Upsert("id"), p)
}

// UpdateProfile applies a partial update.
func (r *Repository) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Profile, error) {
	if userID == "" {
		return nil, invalidInput("user id is required")
	}
	patch := struct {
		ProfileUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[Profile](ctx, "update profile", r.client.From(TableProfiles).Eq("id", userID), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// ListProfiles pages through profiles, optionally filtered by email or name.
// It returns the page and the total number of matching rows.
func (r *Repository) ListProfiles(ctx context.Context, search string, limit, offset int) ([]Profile, int, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.client.From(TableProfiles).Select("*").Order("created_at", false).Limit(limit).Offset(offset).Count("exact")
	if search = sanitizeSearch(search); search != "" {
		pattern := "*" + search + "*"
		q = q.Or(fmt.Sprintf("email.ilike.%s,first_name.ilike.%s,last_name.ilike.%s", pattern, pattern, pattern))
	}
	resp, err := q.Execute(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list profiles: %w", err)
	}
	if err := resp.Error(); err != nil {
		return nil, 0, translate("list profiles", err)
	}
	var rows []Profile
	if err := resp.JSON(&rows); err != nil {
		return nil, 0, fmt.Errorf("list profiles: decode: %w", err)
	}
	total, ok := resp.Count()
	if !ok {
		total = offset + len(rows)
	}
	return rows, total, nil
}

// sanitizeSearch strips characters that carry meaning inside a PostgREST or=() group.
func sanitizeSearch(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch r {
		case ',', '(', ')', '*', '.', ':':
			return -1
		}
		return r
	}, s))
}

// GetHealthProfile returns the questionnaire of userID.
func (r *Repository) GetHealthProfile(ctx context.Context, userID string) (*HealthProfile, error) {
	return selectOne[HealthProfile](ctx, "get health profile",
		r.client.From(TableHealthProfiles).Select("*").Eq("user_id", userID))
}

// UpsertHealthProfile stores the questionnaire, one row per user.
func (r *Repository) UpsertHealthProfile(ctx context.Context, hp *HealthProfile) (*HealthProfile, error) {
	if hp == nil || hp.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if len(hp.ProfileData) == 0 {
		return nil, invalidInput("profile_data is required")
	}
	hp.UpdatedAt = r.now().UTC()
	return insertOne[HealthProfile](ctx, "upsert health profile",
		r.client.From(TableHealthProfiles).Upsert("user_id"), hp)
}
