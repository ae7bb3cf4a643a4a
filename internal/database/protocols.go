package database

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateProtocol inserts a protocol.
func (r *Repository) CreateProtocol(ctx context.Context, p *Protocol) (*Protocol, error) {
	if p == nil || p.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, invalidInput("title is required")
	}
	if p.DurationDays <= 0 {
		return nil, invalidInput("duration_days must be positive")
	}
	if p.Status == "" {
		p.Status = ProtocolActive
	}
	if err := ValidateStatus(p.Status, protocolStatuses); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = r.now().UTC()
	}
	return insertOne[Protocol](ctx, "create protocol", r.client.From(TableProtocols), p)
}

// GetProtocol returns a protocol owned by userID.
func (r *Repository) GetProtocol(ctx context.Context, userID, id string) (*Protocol, error) {
	return selectOne[Protocol](ctx, "get protocol",
		r.client.From(TableProtocols).Select("*").Eq("id", id).Eq("user_id", userID))
}

// ListProtocols returns the protocols of userID, optionally filtered by status.
func (r *Repository) ListProtocols(ctx context.Context, userID, status string) ([]Protocol, error) {
	q := r.client.From(TableProtocols).Select("*").Eq("user_id", userID).Order("created_at", false)
	if status != "" {
		if err := ValidateStatus(status, protocolStatuses); err != nil {
			return nil, err
		}
		q = q.Eq("status", status)
	}
	return selectRows[Protocol](ctx, "list protocols", q)
}

// UpdateProtocol applies a partial update to a protocol owned by userID.
func (r *Repository) UpdateProtocol(ctx context.Context, userID, id string, update ProtocolUpdate) (*Protocol, error) {
	if err := update.validate(); err != nil {
		return nil, err
	}
	patch := struct {
		ProtocolUpdate
		UpdatedAt time.Time `json:"updated_at"`
	}{update, r.now().UTC()}
	rows, err := updateRows[Protocol](ctx, "update protocol",
		r.client.From(TableProtocols).Eq("id", id).Eq("user_id", userID), patch)
	if err != nil {
		return nil, err
	}
	return &rows[0], nil
}

// DeleteProtocol removes a protocol owned by userID.
func (r *Repository) DeleteProtocol(ctx context.Context, userID, id string) error {
	n, err := deleteRows(ctx, "delete protocol", r.client.From(TableProtocols).Eq("id", id).Eq("user_id", userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
