// Package protocols manages personal health protocols.
package protocols

import (
	"context"
	"strings"
	"time"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
)

const day = 24 * time.Hour

// Consumer records a use of a gated feature.
type Consumer interface {
	Consume(ctx context.Context, userID, feature string) (*access.Decision, error)
}

// CreateRequest is a new protocol.
type CreateRequest struct {
	Title        string     `json:"title" validate:"required,max=200"`
	Description  string     `json:"description" validate:"max=5000"`
	Category     string     `json:"category" validate:"max=50"`
	StartedAt    *time.Time `json:"started_at"`
	DurationDays int        `json:"duration_days" validate:"required,min=1,max=3650"`
}

// UpdateRequest is a partial protocol change.
type UpdateRequest struct {
	Title        *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Description  *string    `json:"description" validate:"omitempty,max=5000"`
	Category     *string    `json:"category" validate:"omitempty,max=50"`
	Status       *string    `json:"status" validate:"omitempty,oneof=active paused completed"`
	StartedAt    *time.Time `json:"started_at"`
	DurationDays *int       `json:"duration_days" validate:"omitempty,min=1,max=3650"`
}

// View is a protocol with its computed progress.
type View struct {
	database.Protocol
	Progress      int `json:"progress"`
	DaysElapsed   int `json:"days_elapsed"`
	DaysRemaining int `json:"days_remaining"`
}

// Service implements the protocol endpoints.
type Service struct {
	store  database.ProtocolStore
	access Consumer
	logger *logging.Logger
	now    func() time.Time
}

// New creates the service. access may be nil to leave creation ungated.
func New(store database.ProtocolStore, access Consumer, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{store: store, access: access, logger: logger, now: time.Now}
}

// Progress returns the completion percentage of p at now.
func Progress(p database.Protocol, now time.Time) int {
	if p.Status == database.ProtocolCompleted {
		return 100
	}
	if p.DurationDays <= 0 {
		return 0
	}
	pct := daysElapsed(p, now) * 100 / p.DurationDays
	return min(100, pct)
}

func daysElapsed(p database.Protocol, now time.Time) int {
	if now.Before(p.StartedAt) {
		return 0
	}
	return int(now.Sub(p.StartedAt) / day)
}

func (s *Service) view(p database.Protocol) View {
	now := s.now()
	elapsed := daysElapsed(p, now)
	return View{
		Protocol:      p,
		Progress:      Progress(p, now),
		DaysElapsed:   elapsed,
		DaysRemaining: max(0, p.DurationDays-elapsed),
	}
}

// List returns the protocols of userID, optionally filtered by status.
func (s *Service) List(ctx context.Context, userID, status string) ([]View, error) {
	if status != "" && status != database.ProtocolActive && status != database.ProtocolPaused && status != database.ProtocolCompleted {
		return nil, svcerrors.BadRequest("unknown status").WithDetails("status", status)
	}
	items, err := s.store.ListProtocols(ctx, userID, status)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(items))
	for _, p := range items {
		out = append(out, s.view(p))
	}
	return out, nil
}

// Create stores a new active protocol. It uses one personal_protocols credit.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*View, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}
	if s.access != nil {
		if _, err := s.access.Consume(ctx, userID, access.FeaturePersonalProtocols); err != nil {
			return nil, err
		}
	}

	started := s.now().UTC()
	if req.StartedAt != nil {
		started = req.StartedAt.UTC()
	}
	category := strings.ToLower(strings.TrimSpace(req.Category))
	if category == "" {
		category = "general"
	}
	p, err := s.store.CreateProtocol(ctx, &database.Protocol{
		UserID:       userID,
		Title:        req.Title,
		Description:  req.Description,
		Category:     category,
		Status:       database.ProtocolActive,
		StartedAt:    started,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).WithField("protocol_id", p.ID).Info("protocol created")
	v := s.view(*p)
	return &v, nil
}

// Update applies a partial change.
func (s *Service) Update(ctx context.Context, userID, id string, req UpdateRequest) (*View, error) {
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		req.Title = &t
	}
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}
	p, err := s.store.UpdateProtocol(ctx, userID, id, database.ProtocolUpdate{
		Title:        req.Title,
		Description:  req.Description,
		Category:     req.Category,
		Status:       req.Status,
		StartedAt:    req.StartedAt,
		DurationDays: req.DurationDays,
	})
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("protocol")
	}
	if err != nil {
		return nil, err
	}
	v := s.view(*p)
	return &v, nil
}

// Delete removes a protocol.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	err := s.store.DeleteProtocol(ctx, userID, id)
	if database.IsNotFound(err) {
		return svcerrors.NotFound("protocol")
	}
	return err
}
