package database

import (
	"encoding/json"
	"time"
)

// Table names.
const (
	TableProfiles        = "profiles"
	TableHealthProfiles  = "health_profiles"
	TableAnalyses        = "medical_analyses"
	TableBiomarkers      = "biomarkers"
	TableCachedAnalytics = "cached_analytics"
	TableSubscriptions   = "subscriptions"
	TableFeatureTrials   = "feature_trials"
	TableFeatureUsage    = "feature_usage"
	TablePayments        = "payments"
	TableConversations   = "ai_conversations"
	TableMessages        = "ai_messages"
	TableProtocols       = "user_protocols"
	TableUserRoles       = "user_roles"
)

// Analysis statuses.
const (
	AnalysisPending    = "pending"
	AnalysisProcessing = "processing"
	AnalysisCompleted  = "completed"
	AnalysisFailed     = "failed"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
	SubscriptionCanceled = "canceled"
	SubscriptionExpired  = "expired"
)

// Payment statuses.
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentExpired   = "expired"
)

// Protocol statuses.
const (
	ProtocolActive    = "active"
	ProtocolPaused    = "paused"
	ProtocolCompleted = "completed"
)

var (
	subscriptionStatuses = []string{SubscriptionActive, SubscriptionTrialing, SubscriptionCanceled, SubscriptionExpired}
	paymentStatuses      = []string{PaymentPending, PaymentSucceeded, PaymentFailed, PaymentExpired}
	protocolStatuses     = []string{ProtocolActive, ProtocolPaused, ProtocolCompleted}
	analysisStatuses     = []string{AnalysisPending, AnalysisProcessing, AnalysisCompleted, AnalysisFailed}
)

// Profile is a row of profiles, keyed by the auth user id.
type Profile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	AvatarURL   *string   `json:"avatar_url"`
	DateOfBirth *string   `json:"date_of_birth"`
	Gender      *string   `json:"gender"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

// ProfileUpdate is a partial profile change.
type ProfileUpdate struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
	Gender      *string `json:"gender,omitempty"`
}

// HealthProfile stores the questionnaire document of one user.
type HealthProfile struct {
	ID          string          `json:"id,omitempty"`
	UserID      string          `json:"user_id"`
	ProfileData json.RawMessage `json:"profile_data"`
	CreatedAt   time.Time       `json:"created_at,omitzero"`
	UpdatedAt   time.Time       `json:"updated_at,omitzero"`
}

// AnalysisSummary is stored on completed analyses.
type AnalysisSummary struct {
	Total      int `json:"total"`
	Normal     int `json:"normal"`
	OutOfRange int `json:"out_of_range"`
	Unknown    int `json:"unknown"`
}

// MedicalAnalysis is an uploaded lab document.
type MedicalAnalysis struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	AnalysisType string           `json:"analysis_type"`
	FilePath     string           `json:"file_path"`
	FileName     string           `json:"file_name"`
	ContentType  string           `json:"content_type"`
	Status       string           `json:"status"`
	Summary      *AnalysisSummary `json:"summary"`
	Error        *string          `json:"error"`
	Provider     string           `json:"provider,omitempty"`
	CreatedAt    time.Time        `json:"created_at,omitzero"`
	UpdatedAt    time.Time        `json:"updated_at,omitzero"`
}

// AnalysisUpdate changes the processing state of an analysis.
type AnalysisUpdate struct {
	Status   *string          `json:"status,omitempty"`
	Summary  *AnalysisSummary `json:"summary,omitempty"`
	Error    *string          `json:"error,omitempty"`
	Provider *string          `json:"provider,omitempty"`
}

func (u AnalysisUpdate) validate() error {
	if u.Status != nil {
		return ValidateStatus(*u.Status, analysisStatuses)
	}
	return nil
}

// Biomarker is one extracted measurement.
type Biomarker struct {
	ID             string    `json:"id,omitempty"`
	AnalysisID     string    `json:"analysis_id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	DisplayName    string    `json:"display_name"`
	Value          *float64  `json:"value"`
	RawValue       string    `json:"raw_value"`
	Unit           string    `json:"unit"`
	ReferenceRange string    `json:"reference_range"`
	Status         string    `json:"status"`
	Category       string    `json:"category"`
	MeasuredAt     time.Time `json:"measured_at"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
}

// CachedAnalytics is a persisted analytics report.
type CachedAnalytics struct {
	UserID         string          `json:"user_id"`
	Data           json.RawMessage `json:"analytics_data"`
	BiomarkerCount int             `json:"biomarker_count"`
	GeneratedAt    time.Time       `json:"generated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Stale          bool            `json:"is_stale"`
}

// Fresh reports whether the report can be served at now.
func (c *CachedAnalytics) Fresh(now time.Time) bool {
	return !c.Stale && c.ExpiresAt.After(now)
}

// Subscription is a paid (or granted) plan period.
type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	UserID             string    `json:"user_id"`
	PlanID             string    `json:"plan_id"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	PaymentID          *string   `json:"payment_id"`
	CreatedAt          time.Time `json:"created_at,omitzero"`
	UpdatedAt          time.Time `json:"updated_at,omitzero"`
}

// ActiveAt reports whether the subscription grants its plan at now.
func (s *Subscription) ActiveAt(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.Status != SubscriptionActive && s.Status != SubscriptionTrialing {
		return false
	}
	return s.CurrentPeriodEnd.After(now)
}

// SubscriptionUpdate is a partial subscription change.
type SubscriptionUpdate struct {
	PlanID            *string    `json:"plan_id,omitempty"`
	Status            *string    `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`
	PaymentID         *string    `json:"payment_id,omitempty"`
}

func (u SubscriptionUpdate) validate() error {
	if u.Status != nil {
		return ValidateStatus(*u.Status, subscriptionStatuses)
	}
	return nil
}

// FeatureTrial is a one-time trial of a feature outside the user's plan.
type FeatureTrial struct {
	ID        string     `json:"id,omitempty"`
	UserID    string     `json:"user_id"`
	Feature   string     `json:"feature"`
	StartedAt time.Time  `json:"started_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"is_used"`
	UsedAt    *time.Time `json:"used_at"`
}

// Usable reports whether the trial can still be consumed at now.
func (t *FeatureTrial) Usable(now time.Time) bool {
	return t != nil && !t.Used && t.ExpiresAt.After(now)
}

// FeatureUsage is a usage counter for one user, feature and period.
type FeatureUsage struct {
	UserID      string    `json:"user_id" db:"user_id"`
	Feature     string    `json:"feature" db:"feature"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	Count       int       `json:"usage_count" db:"usage_count"`
}

// Payment is an invoice for a plan.
type Payment struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	PlanID            string     `json:"plan_id"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	Provider          string     `json:"provider"`
	InvoiceID         *string    `json:"invoice_id"`
	ProviderPaymentID *string    `json:"provider_payment_id"`
	PaymentURL        *string    `json:"payment_url"`
	PaidAt            *time.Time `json:"paid_at"`
	CreatedAt         time.Time  `json:"created_at,omitzero"`
	UpdatedAt         time.Time  `json:"updated_at,omitzero"`
}

// PaymentUpdate is a partial payment change.
type PaymentUpdate struct {
	Status            *string    `json:"status,omitempty"`
	InvoiceID         *string    `json:"invoice_id,omitempty"`
	ProviderPaymentID *string    `json:"provider_payment_id,omitempty"`
	PaymentURL        *string    `json:"payment_url,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
}

func (u PaymentUpdate) validate() error {
	if u.Status != nil {
		return ValidateStatus(*u.Status, paymentStatuses)
	}
	return nil
}

// Conversation is an AI doctor chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// ChatMessage is one message of a conversation.
type ChatMessage struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Provider       string    `json:"provider,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitzero"`
}

// Protocol is a personal health protocol.
type Protocol struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	DurationDays int       `json:"duration_days"`
	CreatedAt    time.Time `json:"created_at,omitzero"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// ProtocolUpdate is a partial protocol change.
type ProtocolUpdate struct {
	Title        *string    `json:"title,omitempty"`
	Description  *string    `json:"description,omitempty"`
	Category     *string    `json:"category,omitempty"`
	Status       *string    `json:"status,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	DurationDays *int       `json:"duration_days,omitempty"`
}

func (u ProtocolUpdate) validate() error {
	if u.Status != nil {
		if err := ValidateStatus(*u.Status, protocolStatuses); err != nil {
			return err
		}
	}
	if u.DurationDays != nil && *u.DurationDays <= 0 {
		return invalidInput("duration_days must be positive")
	}
	return nil
}

// UserRole grants an application role.
type UserRole struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}
