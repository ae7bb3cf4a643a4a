// Package admin implements the back-office: user listing, manual
// subscription grants, usage reports and system statistics.
package admin

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/everliv/everliv-api/internal/database"
	svcerrors "github.com/everliv/everliv-api/internal/errors"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/platform/postgres"
	"github.com/everliv/everliv-api/services/access"
)

const (
	defaultPerPage  = 20
	maxPerPage      = 100
	paymentsLimit   = 200
	lookupParallel  = 8
	cpuSampleWindow = 200 * time.Millisecond
)

// Subscriptions manages plans on behalf of users.
type Subscriptions interface {
	CurrentSubscription(ctx context.Context, userID string) (*access.Current, error)
	Activate(ctx context.Context, userID, planID string, months int, paymentID string) (*database.Subscription, error)
	Revoke(ctx context.Context, userID string) (*database.Subscription, error)
}

// Reports are the SQL aggregates of the back-office.
type Reports interface {
	UsageReport(ctx context.Context, month time.Time, defaultPlan string) ([]postgres.UsageRow, error)
	ActiveSubscriptionsByPlan(ctx context.Context, now time.Time) ([]postgres.PlanCount, error)
	Totals(ctx context.Context) (postgres.Totals, error)
}

// Presence reports realtime channel state.
type Presence interface {
	Online(key string) []string
	Stats() map[string]int
}

// Users lists profiles.
type Users interface {
	ListProfiles(ctx context.Context, search string, limit, offset int) ([]database.Profile, int, error)
}

// Payments lists payments by status.
type Payments interface {
	ListPaymentsByStatus(ctx context.Context, status string, limit int) ([]database.Payment, error)
}

// Config wires the service. Reports and Presence are optional.
type Config struct {
	Users         Users
	Payments      Payments
	Subscriptions Subscriptions
	Reports       Reports
	Presence      Presence
	// PresenceKey is the realtime channel whose presence counts as online users.
	PresenceKey string
	DefaultPlan string
	// Gate guards every admin route, typically middleware.AdminGate.
	Gate   mux.MiddlewareFunc
	Logger *logging.Logger
}

// Service implements the admin endpoints.
type Service struct {
	users         Users
	payments      Payments
	subscriptions Subscriptions
	reports       Reports
	presence      Presence
	presenceKey   string
	defaultPlan   string
	gate          mux.MiddlewareFunc
	logger        *logging.Logger
	started       time.Time
	now           func() time.Time
	hostStats     func(ctx context.Context) (HostStats, error)
}

// New creates the service.
func New(cfg Config) (*Service, error) {
	if cfg.Users == nil || cfg.Payments == nil || cfg.Subscriptions == nil {
		return nil, fmt.Errorf("admin: users, payments and subscriptions are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		users:         cfg.Users,
		payments:      cfg.Payments,
		subscriptions: cfg.Subscriptions,
		reports:       cfg.Reports,
		presence:      cfg.Presence,
		presenceKey:   cfg.PresenceKey,
		defaultPlan:   cfg.DefaultPlan,
		gate:          cfg.Gate,
		logger:        logger,
		started:       time.Now(),
		now:           time.Now,
		hostStats:     collectHostStats,
	}, nil
}

// =============================================================================
// Users and subscriptions
// =============================================================================

// User is a profile with its effective plan.
type User struct {
	database.Profile
	Plan         string                 `json:"plan"`
	Subscription *database.Subscription `json:"subscription,omitempty"`
}

// UserPage is one page of users.
type UserPage struct {
	Users   []User `json:"users"`
	Total   int    `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

// ListUsers returns a page of users matching search with their plans.
func (s *Service) ListUsers(ctx context.Context, page, perPage int, search string) (*UserPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	perPage = min(perPage, maxPerPage)

	profiles, total, err := s.users.ListProfiles(ctx, strings.TrimSpace(search), perPage, (page-1)*perPage)
	if err != nil {
		return nil, err
	}

	users := make([]User, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupParallel)
	for i, p := range profiles {
		i, p := i, p
		users[i] = User{Profile: p}
		g.Go(func() error {
			cur, err := s.subscriptions.CurrentSubscription(gctx, p.ID)
			if err != nil {
				return fmt.Errorf("subscription of %s: %w", p.ID, err)
			}
			users[i].Plan = cur.Plan.ID
			users[i].Subscription = cur.Subscription
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &UserPage{Users: users, Total: total, Page: page, PerPage: perPage}, nil
}

// GrantSubscription activates planID for userID without a payment.
func (s *Service) GrantSubscription(ctx context.Context, adminID, userID, planID string, months int) (*database.Subscription, error) {
	if months < 0 || months > 36 {
		return nil, svcerrors.ValidationFailed("months must be between 0 and 36", nil).WithDetails("field", "months")
	}
	sub, err := s.subscriptions.Activate(ctx, userID, planID, months, "")
	if err != nil {
		return nil, err
	}
	s.logger.LogSecurityEvent(ctx, "subscription_granted", map[string]interface{}{
		"admin_id": adminID,
		"user_id":  userID,
		"plan_id":  planID,
		"months":   months,
	})
	return sub, nil
}

// RevokeSubscription ends the active subscription of userID now.
func (s *Service) RevokeSubscription(ctx context.Context, adminID, userID string) (*database.Subscription, error) {
	sub, err := s.subscriptions.Revoke(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.LogSecurityEvent(ctx, "subscription_revoked", map[string]interface{}{
		"admin_id": adminID,
		"user_id":  userID,
	})
	return sub, nil
}

// ListPayments returns recent payments, optionally filtered by status.
func (s *Service) ListPayments(ctx context.Context, status string) ([]database.Payment, error) {
	switch status {
	case "", database.PaymentPending, database.PaymentSucceeded, database.PaymentFailed, database.PaymentExpired:
	default:
		return nil, svcerrors.BadRequest("unknown payment status").WithDetails("status", status)
	}
	return s.payments.ListPaymentsByStatus(ctx, status, paymentsLimit)
}

// =============================================================================
// Reports
// =============================================================================

// Usage is the usage report of one month.
type Usage struct {
	Month string              `json:"month"`
	Rows  []postgres.UsageRow `json:"rows"`
}

// UsageReport aggregates feature usage of month ("2006-01"; empty means the current month).
func (s *Service) UsageReport(ctx context.Context, month string) (*Usage, error) {
	if s.reports == nil {
		return nil, svcerrors.Unavailable("reports require a database connection")
	}
	at := s.now().UTC()
	if month != "" {
		parsed, err := time.Parse("2006-01", month)
		if err != nil {
			return nil, svcerrors.BadRequest("month must be YYYY-MM").WithDetails("month", month)
		}
		at = parsed
	}
	rows, err := s.reports.UsageReport(ctx, at, s.defaultPlan)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []postgres.UsageRow{}
	}
	return &Usage{Month: at.Format("2006-01"), Rows: rows}, nil
}

// HostStats describe the machine running the gateway.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	ProcessRSS    uint64  `json:"process_rss"`
}

// SystemStats is the back-office dashboard.
type SystemStats struct {
	Host          HostStats            `json:"host"`
	Goroutines    int                  `json:"goroutines"`
	ServiceUptime int64                `json:"service_uptime_seconds"`
	OnlineUsers   int                  `json:"online_users"`
	Channels      map[string]int       `json:"channels"`
	Totals        *postgres.Totals     `json:"totals,omitempty"`
	Subscriptions []postgres.PlanCount `json:"subscriptions,omitempty"`
	GeneratedAt   time.Time            `json:"generated_at"`
}

// SystemStats collects host, realtime and database counters concurrently.
func (s *Service) SystemStats(ctx context.Context) (*SystemStats, error) {
	now := s.now().UTC()
	out := &SystemStats{
		Goroutines:    runtime.NumGoroutine(),
		ServiceUptime: int64(now.Sub(s.started).Seconds()),
		Channels:      map[string]int{},
		GeneratedAt:   now,
	}
	if s.presence != nil {
		out.OnlineUsers = len(s.presence.Online(s.presenceKey))
		out.Channels = s.presence.Stats()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := s.hostStats(gctx)
		if err != nil {
			// best effort
			s.logger.WithContext(ctx).WithError(err).Warn("host stats unavailable")
		}
		out.Host = h
		return nil
	})
	if s.reports != nil {
		g.Go(func() error {
			t, err := s.reports.Totals(gctx)
			if err != nil {
				return err
			}
			out.Totals = &t
			return nil
		})
		g.Go(func() error {
			subs, err := s.reports.ActiveSubscriptionsByPlan(gctx, now)
			if err != nil {
				return err
			}
			out.Subscriptions = subs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func collectHostStats(ctx context.Context) (HostStats, error) {
	var h HostStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pct, err := cpu.PercentWithContext(gctx, cpuSampleWindow, false)
		if err != nil {
			return fmt.Errorf("cpu: %w", err)
		}
		if len(pct) > 0 {
			h.CPUPercent = pct[0]
		}
		return nil
	})
	g.Go(func() error {
		vm, err := mem.VirtualMemoryWithContext(gctx)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		h.MemoryTotal, h.MemoryUsed, h.MemoryPercent = vm.Total, vm.Used, vm.UsedPercent
		return nil
	})
	g.Go(func() error {
		up, err := host.UptimeWithContext(gctx)
		if err != nil {
			return fmt.Errorf("uptime: %w", err)
		}
		h.UptimeSeconds = up
		return nil
	})
	g.Go(func() error {
		p, err := process.NewProcessWithContext(gctx, int32(os.Getpid()))
		if err != nil {
			return fmt.Errorf("process: %w", err)
		}
		mi, err := p.MemoryInfoWithContext(gctx)
		if err != nil {
			return fmt.Errorf("process memory: %w", err)
		}
		h.ProcessRSS = mi.RSS
		return nil
	})
	err := g.Wait()
	return h, err
}
