package database

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockRepository is an in-memory implementation of RepositoryInterface for testing.
type MockRepository struct {
	mu sync.RWMutex

	profiles       map[string]*Profile
	healthProfiles map[string]*HealthProfile
	analyses       map[string]*MedicalAnalysis
	biomarkers     []*Biomarker
	analytics      map[string]*CachedAnalytics
	subscriptions  map[string]*Subscription
	trials         map[string]*FeatureTrial
	usage          map[string]int
	payments       map[string]*Payment
	conversations  map[string]*Conversation
	messages       []*ChatMessage
	protocols      map[string]*Protocol
	roles          map[string]bool

	// Now is the clock used for created_at/updated_at.
	Now func() time.Time

	// Error injection for testing error paths
	ErrorOnNextCall error
}

// NewMockRepository creates a new mock repository for testing.
func NewMockRepository() *MockRepository {
	m := &MockRepository{Now: time.Now}
	m.reset()
	return m
}

func (m *MockRepository) reset() {
	m.profiles = make(map[string]*Profile)
	m.healthProfiles = make(map[string]*HealthProfile)
	m.analyses = make(map[string]*MedicalAnalysis)
	m.biomarkers = nil
	m.analytics = make(map[string]*CachedAnalytics)
	m.subscriptions = make(map[string]*Subscription)
	m.trials = make(map[string]*FeatureTrial)
	m.usage = make(map[string]int)
	m.payments = make(map[string]*Payment)
	m.conversations = make(map[string]*Conversation)
	m.messages = nil
	m.protocols = make(map[string]*Protocol)
	m.roles = make(map[string]bool)
	m.ErrorOnNextCall = nil
}

// Reset clears all data in the mock repository.
func (m *MockRepository) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// checkError returns and clears any injected error. Callers hold mu.
func (m *MockRepository) checkError() error {
	if m.ErrorOnNextCall != nil {
		err := m.ErrorOnNextCall
		m.ErrorOnNextCall = nil
		return err
	}
	return nil
}

func (m *MockRepository) now() time.Time {
	return m.Now().UTC()
}

func usageKey(userID, feature string, periodStart time.Time) string {
	return userID + "|" + feature + "|" + periodStart.UTC().Format(time.RFC3339)
}

func trialKey(userID, feature string) string {
	return userID + "|" + feature
}

// =============================================================================
// Profiles
// =============================================================================

func (m *MockRepository) GetProfile(_ context.Context, userID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("get profile: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) UpsertProfile(_ context.Context, p *Profile) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if p == nil || p.ID == "" {
		return nil, invalidInput("profile id is required")
	}
	cp := *p
	if existing, ok := m.profiles[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = m.now()
	m.profiles[p.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) UpdateProfile(_ context.Context, userID string, u ProfileUpdate) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("update profile: %w", ErrNotFound)
	}
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.AvatarURL != nil {
		p.AvatarURL = u.AvatarURL
	}
	if u.DateOfBirth != nil {
		p.DateOfBirth = u.DateOfBirth
	}
	if u.Gender != nil {
		p.Gender = u.Gender
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *MockRepository) ListProfiles(_ context.Context, search string, limit, offset int) ([]Profile, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, 0, err
	}
	search = strings.ToLower(sanitizeSearch(search))
	var all []Profile
	for _, p := range m.profiles {
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Email), search) &&
			!strings.Contains(strings.ToLower(p.FirstName), search) &&
			!strings.Contains(strings.ToLower(p.LastName), search) {
			continue
		}
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if limit <= 0 {
		limit = 20
	}
	if offset >= len(all) {
		return []Profile{}, total, nil
	}
	end := min(offset+limit, len(all))
	return all[offset:end], total, nil
}

func (m *MockRepository) GetHealthProfile(_ context.Context, userID string) (*HealthProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	hp, ok := m.healthProfiles[userID]
	if !ok {
		return nil, fmt.Errorf("get health profile: %w", ErrNotFound)
	}
	cp := *hp
	return &cp, nil
}

func (m *MockRepository) UpsertHealthProfile(_ context.Context, hp *HealthProfile) (*HealthProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if hp == nil || hp.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if len(hp.ProfileData) == 0 {
		return nil, invalidInput("profile_data is required")
	}
	cp := *hp
	if existing, ok := m.healthProfiles[hp.UserID]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.ID = uuid.NewString()
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = m.now()
	m.healthProfiles[hp.UserID] = &cp
	out := cp
	return &out, nil
}

// =============================================================================
// Analyses, biomarkers, analytics
// =============================================================================

func (m *MockRepository) CreateAnalysis(_ context.Context, a *MedicalAnalysis) (*MedicalAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if a == nil || a.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	cp := *a
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = AnalysisPending
	}
	if err := ValidateStatus(cp.Status, analysisStatuses); err != nil {
		return nil, err
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.analyses[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) UpdateAnalysis(_ context.Context, id string, u AnalysisUpdate) (*MedicalAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	a, ok := m.analyses[id]
	if !ok {
		return nil, fmt.Errorf("update analysis: %w", ErrNotFound)
	}
	if u.Status != nil {
		a.Status = *u.Status
	}
	if u.Summary != nil {
		s := *u.Summary
		a.Summary = &s
	}
	if u.Error != nil {
		a.Error = u.Error
	}
	if u.Provider != nil {
		a.Provider = *u.Provider
	}
	a.UpdatedAt = m.now()
	cp := *a
	return &cp, nil
}

func (m *MockRepository) GetAnalysis(_ context.Context, userID, id string) (*MedicalAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	a, ok := m.analyses[id]
	if !ok || a.UserID != userID {
		return nil, fmt.Errorf("get analysis: %w", ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MockRepository) ListAnalyses(_ context.Context, userID string) ([]MedicalAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := []MedicalAnalysis{}
	for _, a := range m.analyses {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockRepository) DeleteAnalysis(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	a, ok := m.analyses[id]
	if !ok || a.UserID != userID {
		return ErrNotFound
	}
	delete(m.analyses, id)
	kept := m.biomarkers[:0]
	for _, b := range m.biomarkers {
		if b.AnalysisID != id {
			kept = append(kept, b)
		}
	}
	m.biomarkers = kept
	return nil
}

func (m *MockRepository) InsertBiomarkers(_ context.Context, items []Biomarker) ([]Biomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := make([]Biomarker, 0, len(items))
	for _, b := range items {
		if b.UserID == "" || b.AnalysisID == "" || b.Name == "" {
			return nil, invalidInput("biomarker needs user_id, analysis_id and name")
		}
		cp := b
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.CreatedAt = m.now()
		m.biomarkers = append(m.biomarkers, &cp)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MockRepository) filterBiomarkers(keep func(*Biomarker) bool) []Biomarker {
	out := []Biomarker{}
	for _, b := range m.biomarkers {
		if keep(b) {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MeasuredAt.Before(out[j].MeasuredAt) })
	return out
}

func (m *MockRepository) ListBiomarkersByAnalysis(_ context.Context, userID, analysisID string) ([]Biomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := m.filterBiomarkers(func(b *Biomarker) bool { return b.UserID == userID && b.AnalysisID == analysisID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MockRepository) ListBiomarkers(_ context.Context, userID string) ([]Biomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	return m.filterBiomarkers(func(b *Biomarker) bool { return b.UserID == userID }), nil
}

func (m *MockRepository) ListBiomarkerHistory(_ context.Context, userID, name string) ([]Biomarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	return m.filterBiomarkers(func(b *Biomarker) bool { return b.UserID == userID && b.Name == name }), nil
}

func (m *MockRepository) GetCachedAnalytics(_ context.Context, userID string) (*CachedAnalytics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	c, ok := m.analytics[userID]
	if !ok {
		return nil, fmt.Errorf("get cached analytics: %w", ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MockRepository) UpsertCachedAnalytics(_ context.Context, c *CachedAnalytics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if c == nil || c.UserID == "" {
		return invalidInput("user id is required")
	}
	cp := *c
	m.analytics[c.UserID] = &cp
	return nil
}

func (m *MockRepository) MarkAnalyticsStale(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if c, ok := m.analytics[userID]; ok {
		c.Stale = true
	}
	return nil
}

// =============================================================================
// Access
// =============================================================================

func (m *MockRepository) GetActiveSubscription(_ context.Context, userID string, now time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var best *Subscription
	for _, s := range m.subscriptions {
		if s.UserID != userID || !s.ActiveAt(now) {
			continue
		}
		if best == nil || s.CurrentPeriodEnd.After(best.CurrentPeriodEnd) {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("get active subscription: %w", ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (m *MockRepository) GetLatestSubscription(_ context.Context, userID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	var best *Subscription
	for _, s := range m.subscriptions {
		if s.UserID == userID && (best == nil || s.CreatedAt.After(best.CreatedAt)) {
			best = s
		}
	}
	if best == nil {
		return nil, fmt.Errorf("get latest subscription: %w", ErrNotFound)
	}
	cp := *best
	return &cp, nil
}

func (m *MockRepository) CreateSubscription(_ context.Context, s *Subscription) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if s == nil || s.UserID == "" || s.PlanID == "" {
		return nil, invalidInput("user id and plan id are required")
	}
	if err := ValidateStatus(s.Status, subscriptionStatuses); err != nil {
		return nil, err
	}
	if !s.CurrentPeriodEnd.After(s.CurrentPeriodStart) {
		return nil, invalidInput("period end must be after period start")
	}
	cp := *s
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.subscriptions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) UpdateSubscription(_ context.Context, id string, u SubscriptionUpdate) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("update subscription: %w", ErrNotFound)
	}
	if u.PlanID != nil {
		s.PlanID = *u.PlanID
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = *u.CurrentPeriodEnd
	}
	if u.CancelAtPeriodEnd != nil {
		s.CancelAtPeriodEnd = *u.CancelAtPeriodEnd
	}
	if u.PaymentID != nil {
		s.PaymentID = u.PaymentID
	}
	s.UpdatedAt = m.now()
	cp := *s
	return &cp, nil
}

func (m *MockRepository) ListExpiredSubscriptions(_ context.Context, now time.Time) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := []Subscription{}
	for _, s := range m.subscriptions {
		if (s.Status == SubscriptionActive || s.Status == SubscriptionTrialing) && !s.CurrentPeriodEnd.After(now) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockRepository) GetTrial(_ context.Context, userID, feature string) (*FeatureTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	t, ok := m.trials[trialKey(userID, feature)]
	if !ok {
		return nil, fmt.Errorf("get trial: %w", ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *MockRepository) CreateTrial(_ context.Context, t *FeatureTrial) (*FeatureTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if t == nil || t.UserID == "" || t.Feature == "" {
		return nil, invalidInput("user id and feature are required")
	}
	key := trialKey(t.UserID, t.Feature)
	if _, exists := m.trials[key]; exists {
		return nil, fmt.Errorf("create trial: %w", ErrConflict)
	}
	cp := *t
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	m.trials[key] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) MarkTrialUsed(_ context.Context, userID, feature string, at time.Time) (*FeatureTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	t, ok := m.trials[trialKey(userID, feature)]
	if !ok || t.Used {
		return nil, fmt.Errorf("mark trial used: %w", ErrNotFound)
	}
	t.Used = true
	usedAt := at.UTC()
	t.UsedAt = &usedAt
	cp := *t
	return &cp, nil
}

func (m *MockRepository) IncrementUsage(_ context.Context, userID, feature string, periodStart time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	key := usageKey(userID, feature, periodStart)
	if limit >= 0 && m.usage[key] >= limit {
		return 0, nil
	}
	m.usage[key]++
	return m.usage[key], nil
}

func (m *MockRepository) GetUsage(_ context.Context, userID, feature string, periodStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	return m.usage[usageKey(userID, feature, periodStart)], nil
}

func (m *MockRepository) HasRole(_ context.Context, userID, role string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return false, err
	}
	return m.roles[userID+"|"+role], nil
}

func (m *MockRepository) GrantRole(_ context.Context, userID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	if userID == "" || role == "" {
		return invalidInput("user id and role are required")
	}
	m.roles[userID+"|"+role] = true
	return nil
}

// =============================================================================
// Payments
// =============================================================================

func (m *MockRepository) CreatePayment(_ context.Context, p *Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if p == nil || p.UserID == "" || p.PlanID == "" {
		return nil, invalidInput("user id and plan id are required")
	}
	if p.Amount <= 0 {
		return nil, invalidInput("amount must be positive")
	}
	cp := *p
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = PaymentPending
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.payments[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) GetPayment(_ context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("get payment: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) UpdatePayment(_ context.Context, id string, u PaymentUpdate) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	p, ok := m.payments[id]
	if !ok {
		return nil, fmt.Errorf("update payment: %w", ErrNotFound)
	}
	return m.applyPayment(p, u), nil
}

func (m *MockRepository) ClaimPayment(_ context.Context, id, from string, u PaymentUpdate) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if err := ValidateStatus(from, paymentStatuses); err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return nil, fmt.Errorf("claim payment: %w", ErrNotFound)
	}
	return m.applyPayment(p, u), nil
}

func (m *MockRepository) applyPayment(p *Payment, u PaymentUpdate) *Payment {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.InvoiceID != nil {
		p.InvoiceID = u.InvoiceID
	}
	if u.ProviderPaymentID != nil {
		p.ProviderPaymentID = u.ProviderPaymentID
	}
	if u.PaymentURL != nil {
		p.PaymentURL = u.PaymentURL
	}
	if u.PaidAt != nil {
		p.PaidAt = u.PaidAt
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp
}

func (m *MockRepository) sortedPayments(keep func(*Payment) bool) []Payment {
	out := []Payment{}
	for _, p := range m.payments {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MockRepository) ListPayments(_ context.Context, userID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	return m.sortedPayments(func(p *Payment) bool { return p.UserID == userID }), nil
}

func (m *MockRepository) ListPaymentsByStatus(_ context.Context, status string, limit int) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if status != "" {
		if err := ValidateStatus(status, paymentStatuses); err != nil {
			return nil, err
		}
	}
	out := m.sortedPayments(func(p *Payment) bool { return status == "" || p.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) ExpirePendingPayments(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range m.payments {
		if p.Status == PaymentPending && p.CreatedAt.Before(olderThan) {
			p.Status = PaymentExpired
			p.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

// =============================================================================
// Chat
// =============================================================================

func (m *MockRepository) CreateConversation(_ context.Context, c *Conversation) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if c == nil || c.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.conversations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) GetConversation(_ context.Context, userID, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return nil, fmt.Errorf("get conversation: %w", ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MockRepository) ListConversations(_ context.Context, userID string) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := []Conversation{}
	for _, c := range m.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MockRepository) TouchConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	c, ok := m.conversations[id]
	if !ok {
		return fmt.Errorf("touch conversation: %w", ErrNotFound)
	}
	c.UpdatedAt = m.now()
	return nil
}

func (m *MockRepository) DeleteConversation(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	c, ok := m.conversations[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(m.conversations, id)
	kept := m.messages[:0]
	for _, msg := range m.messages {
		if msg.ConversationID != id {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return nil
}

func (m *MockRepository) InsertMessages(_ context.Context, msgs []ChatMessage) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ConversationID == "" || msg.UserID == "" {
			return nil, invalidInput("message needs conversation_id and user_id")
		}
		cp := msg
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = m.now()
		}
		m.messages = append(m.messages, &cp)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MockRepository) ListMessages(_ context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	out := []ChatMessage{}
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// =============================================================================
// Protocols
// =============================================================================

func (m *MockRepository) CreateProtocol(_ context.Context, p *Protocol) (*Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if p == nil || p.UserID == "" {
		return nil, invalidInput("user id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, invalidInput("title is required")
	}
	if p.DurationDays <= 0 {
		return nil, invalidInput("duration_days must be positive")
	}
	cp := *p
	if cp.Status == "" {
		cp.Status = ProtocolActive
	}
	if err := ValidateStatus(cp.Status, protocolStatuses); err != nil {
		return nil, err
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = m.now()
	}
	cp.CreatedAt = m.now()
	cp.UpdatedAt = cp.CreatedAt
	m.protocols[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MockRepository) GetProtocol(_ context.Context, userID, id string) (*Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	p, ok := m.protocols[id]
	if !ok || p.UserID != userID {
		return nil, fmt.Errorf("get protocol: %w", ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MockRepository) ListProtocols(_ context.Context, userID, status string) ([]Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if status != "" {
		if err := ValidateStatus(status, protocolStatuses); err != nil {
			return nil, err
		}
	}
	out := []Protocol{}
	for _, p := range m.protocols {
		if p.UserID == userID && (status == "" || p.Status == status) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockRepository) UpdateProtocol(_ context.Context, userID, id string, u ProtocolUpdate) (*Protocol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return nil, err
	}
	if err := u.validate(); err != nil {
		return nil, err
	}
	p, ok := m.protocols[id]
	if !ok || p.UserID != userID {
		return nil, fmt.Errorf("update protocol: %w", ErrNotFound)
	}
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Category != nil {
		p.Category = *u.Category
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.StartedAt != nil {
		p.StartedAt = *u.StartedAt
	}
	if u.DurationDays != nil {
		p.DurationDays = *u.DurationDays
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *MockRepository) DeleteProtocol(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkError(); err != nil {
		return err
	}
	p, ok := m.protocols[id]
	if !ok || p.UserID != userID {
		return ErrNotFound
	}
	delete(m.protocols, id)
	return nil
}

// Ensure MockRepository implements RepositoryInterface
var _ RepositoryInterface = (*MockRepository)(nil)
