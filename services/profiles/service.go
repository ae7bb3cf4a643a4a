// Package profiles registers and signs in users through Supabase Auth and
// manages their profile rows.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/supabase/client"
)

// Authenticator is the subset of Supabase Auth used here.
type Authenticator interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any) (*client.AuthResponse, error)
	SignIn(ctx context.Context, email, password string) (*client.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*client.AuthResponse, error)
	SignOut(ctx context.Context, accessToken string) error
}

// RegisterRequest is a new account.
type RegisterRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Password  string `json:"password" validate:"required,min=8,max=72"`
	FirstName string `json:"first_name" validate:"max=100"`
	LastName  string `json:"last_name" validate:"max=100"`
}

// UpdateRequest is a profile change; nil fields are left alone.
type UpdateRequest struct {
	FirstName   *string `json:"first_name" validate:"omitempty,max=100"`
	LastName    *string `json:"last_name" validate:"omitempty,max=100"`
	AvatarURL   *string `json:"avatar_url" validate:"omitempty,url,max=2048"`
	DateOfBirth *string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Gender      *string `json:"gender" validate:"omitempty,oneof=male female other"`
}

// Session is returned by register, login and refresh.
type Session struct {
	AccessToken  string            `json:"access_token,omitempty"`
	RefreshToken string            `json:"refresh_token,omitempty"`
	ExpiresAt    int64             `json:"expires_at,omitempty"`
	UserID       string            `json:"user_id"`
	Profile      *database.Profile `json:"profile,omitempty"`
	// ConfirmationRequired is set when sign-up needs an email confirmation before login.
	ConfirmationRequired bool `json:"confirmation_required,omitempty"`
}

// Service implements accounts and profiles.
type Service struct {
	auth   Authenticator
	store  database.ProfileStore
	logger *logging.Logger
	now    func() time.Time
}

// New creates the service.
func New(auth Authenticator, store database.ProfileStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{auth: auth, store: store, logger: logger, now: time.Now}
}

// Register creates the auth user and its profile row.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Session, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}

	resp, err := s.auth.SignUp(ctx, req.Email, req.Password, map[string]any{
		"first_name": req.FirstName,
		"last_name":  req.LastName,
	})
	if err != nil {
		return nil, authError(err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return nil, svcerrors.Upstream("supabase", errors.New("sign-up response has no user"))
	}

	profile, err := s.store.UpsertProfile(ctx, &database.Profile{
		ID:        resp.User.ID,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}

	s.logger.LogSecurityEvent(ctx, "user_registered", map[string]interface{}{"user_id": resp.User.ID})
	sess := session(resp)
	sess.Profile = profile
	sess.ConfirmationRequired = resp.AccessToken == ""
	return sess, nil
}

// Login signs in with email and password.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, svcerrors.BadRequest("email and password are required")
	}
	resp, err := s.auth.SignIn(ctx, email, password)
	if err != nil {
		s.logger.LogSecurityEvent(ctx, "login_failed", map[string]interface{}{"email": email})
		return nil, authError(err)
	}
	sess := session(resp)
	if sess.UserID != "" {
		if p, err := s.store.GetProfile(ctx, sess.UserID); err == nil {
			sess.Profile = p
		}
	}
	return sess, nil
}

// Refresh exchanges a refresh token for a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, svcerrors.BadRequest("refresh_token is required")
	}
	resp, err := s.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, authError(err)
	}
	return session(resp), nil
}

// Logout revokes the session of accessToken.
func (s *Service) Logout(ctx context.Context, accessToken string) error {
	if err := s.auth.SignOut(ctx, accessToken); err != nil {
		return authError(err)
	}
	return nil
}

// GetProfile returns the profile of userID. A missing row is created from the
// token claims, which covers users registered outside this API.
func (s *Service) GetProfile(ctx context.Context, userID, email string) (*database.Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if database.IsNotFound(err) {
		if email == "" {
			return nil, svcerrors.NotFound("profile")
		}
		return s.store.UpsertProfile(ctx, &database.Profile{ID: userID, Email: email})
	}
	return p, err
}

// UpdateProfile applies a validated change.
func (s *Service) UpdateProfile(ctx context.Context, userID string, req UpdateRequest) (*database.Profile, error) {
	for _, f := range []*string{req.FirstName, req.LastName} {
		if f != nil {
			*f = strings.TrimSpace(*f)
		}
	}
	if err := httputil.Validate(req); err != nil {
		return nil, err
	}
	if req.DateOfBirth != nil {
		dob, _ := time.Parse("2006-01-02", *req.DateOfBirth)
		if dob.After(s.now()) {
			return nil, svcerrors.ValidationFailed("date_of_birth is in the future", nil).WithDetails("field", "date_of_birth")
		}
	}

	p, err := s.store.UpdateProfile(ctx, userID, database.ProfileUpdate{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		AvatarURL:   req.AvatarURL,
		DateOfBirth: req.DateOfBirth,
		Gender:      req.Gender,
	})
	if database.IsNotFound(err) {
		return nil, svcerrors.NotFound("profile")
	}
	return p, err
}

func session(resp *client.AuthResponse) *Session {
	sess := &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
	}
	if resp.User != nil {
		sess.UserID = resp.User.ID
	}
	return sess
}

// authError maps GoTrue failures onto service errors.
func authError(err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return svcerrors.Upstream("supabase", err)
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Status == http.StatusConflict, strings.Contains(msg, "already registered"), strings.Contains(msg, "already exists"):
		return svcerrors.Conflict("email is already registered")
	case apiErr.Status == http.StatusTooManyRequests:
		return svcerrors.RateLimitExceeded(0, "auth")
	case apiErr.Status == http.StatusBadRequest, apiErr.Status == http.StatusUnauthorized:
		return svcerrors.Unauthorized("invalid credentials")
	case apiErr.Status == http.StatusUnprocessableEntity:
		return svcerrors.ValidationFailed(apiErr.Message, err)
	}
	return svcerrors.Upstream("supabase", err)
}
