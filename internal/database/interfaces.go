package database

import (
	"context"
	"time"
)

// ProfileStore covers profiles and health questionnaires.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpsertProfile(ctx context.Context, p *Profile) (*Profile, error)
	UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*Profile, error)
	ListProfiles(ctx context.Context, search string, limit, offset int) ([]Profile, int, error)
	GetHealthProfile(ctx context.Context, userID string) (*HealthProfile, error)
	UpsertHealthProfile(ctx context.Context, hp *HealthProfile) (*HealthProfile, error)
}

// AnalysisStore covers uploaded analyses, biomarkers and the analytics cache table.
type AnalysisStore interface {
	CreateAnalysis(ctx context.Context, a *MedicalAnalysis) (*MedicalAnalysis, error)
	UpdateAnalysis(ctx context.Context, id string, update AnalysisUpdate) (*MedicalAnalysis, error)
	GetAnalysis(ctx context.Context, userID, id string) (*MedicalAnalysis, error)
	ListAnalyses(ctx context.Context, userID string) ([]MedicalAnalysis, error)
	DeleteAnalysis(ctx context.Context, userID, id string) error
	InsertBiomarkers(ctx context.Context, items []Biomarker) ([]Biomarker, error)
	ListBiomarkersByAnalysis(ctx context.Context, userID, analysisID string) ([]Biomarker, error)
	ListBiomarkers(ctx context.Context, userID string) ([]Biomarker, error)
	ListBiomarkerHistory(ctx context.Context, userID, name string) ([]Biomarker, error)
	GetCachedAnalytics(ctx context.Context, userID string) (*CachedAnalytics, error)
	UpsertCachedAnalytics(ctx context.Context, c *CachedAnalytics) error
	MarkAnalyticsStale(ctx context.Context, userID string) error
}

// AccessStore covers subscriptions, trials, usage counters and roles.
type AccessStore interface {
	GetActiveSubscription(ctx context.Context, userID string, now time.Time) (*Subscription, error)
	GetLatestSubscription(ctx context.Context, userID string) (*Subscription, error)
	CreateSubscription(ctx context.Context, s *Subscription) (*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, update SubscriptionUpdate) (*Subscription, error)
	ListExpiredSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error)
	GetTrial(ctx context.Context, userID, feature string) (*FeatureTrial, error)
	CreateTrial(ctx context.Context, t *FeatureTrial) (*FeatureTrial, error)
	MarkTrialUsed(ctx context.Context, userID, feature string, at time.Time) (*FeatureTrial, error)
	IncrementUsage(ctx context.Context, userID, feature string, periodStart time.Time, limit int) (int, error)
	GetUsage(ctx context.Context, userID, feature string, periodStart time.Time) (int, error)
	HasRole(ctx context.Context, userID, role string) (bool, error)
	GrantRole(ctx context.Context, userID, role string) error
}

// PaymentStore covers invoices.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *Payment) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	UpdatePayment(ctx context.Context, id string, update PaymentUpdate) (*Payment, error)
	ClaimPayment(ctx context.Context, id, from string, update PaymentUpdate) (*Payment, error)
	ListPayments(ctx context.Context, userID string) ([]Payment, error)
	ListPaymentsByStatus(ctx context.Context, status string, limit int) ([]Payment, error)
	ExpirePendingPayments(ctx context.Context, olderThan time.Time) (int, error)
}

// ChatStore covers AI doctor conversations.
type ChatStore interface {
	CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, userID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	TouchConversation(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, userID, id string) error
	InsertMessages(ctx context.Context, msgs []ChatMessage) ([]ChatMessage, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// ProtocolStore covers personal protocols.
type ProtocolStore interface {
	CreateProtocol(ctx context.Context, p *Protocol) (*Protocol, error)
	GetProtocol(ctx context.Context, userID, id string) (*Protocol, error)
	ListProtocols(ctx context.Context, userID, status string) ([]Protocol, error)
	UpdateProtocol(ctx context.Context, userID, id string, update ProtocolUpdate) (*Protocol, error)
	DeleteProtocol(ctx context.Context, userID, id string) error
}

// RepositoryInterface is the full data access surface.
type RepositoryInterface interface {
	ProfileStore
	AnalysisStore
	AccessStore
	PaymentStore
	ChatStore
	ProtocolStore
}

var _ RepositoryInterface = (*Repository)(nil)
