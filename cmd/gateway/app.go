package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/cache"
	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/internal/llm"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
	"github.com/everliv/everliv-api/internal/middleware"
	"github.com/everliv/everliv-api/internal/platform/postgres"
	"github.com/everliv/everliv-api/internal/realtime"
	"github.com/everliv/everliv-api/internal/scheduler"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/admin"
	"github.com/everliv/everliv-api/services/aichat"
	"github.com/everliv/everliv-api/services/analytics"
	"github.com/everliv/everliv-api/services/biomarkers"
	"github.com/everliv/everliv-api/services/common/service"
	"github.com/everliv/everliv-api/services/healthprofile"
	"github.com/everliv/everliv-api/services/payments"
	"github.com/everliv/everliv-api/services/profiles"
	"github.com/everliv/everliv-api/services/protocols"
	"github.com/everliv/everliv-api/supabase/client"
)

const (
	apiPrefix       = "/api/v1"
	presenceChannel = "online"
	rateLimiterIdle = 30 * time.Minute
	cachePruneEvery = 5 * time.Minute
)

// routeRegistrar is implemented by every HTTP-facing service.
type routeRegistrar interface {
	RegisterRoutes(router *mux.Router)
}

// app is the assembled gateway.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	metrics  *metrics.Metrics
	supabase *client.Client
	repo     *database.Repository
	pg       *postgres.Store
	cache    cache.Cache
	plans    *config.Plans
	llm      *llm.Router
	limiter  *middleware.RateLimiter

	access     *access.Service
	payments   *payments.Service
	analytics  *analytics.Service
	biomarkers *biomarkers.Service
	profiles   *profiles.Service
	health     *healthprofile.Service
	protocols  *protocols.Service
	chat       *aichat.Service
	admin      *admin.Service

	realtimeClient *client.RealtimeClient
	realtime       *realtime.Manager
	scheduler      *scheduler.Scheduler
	base           *service.BaseService
}

// newApp builds every dependency. Optional backends (Postgres, Redis,
// PayKeeper, LLM providers) are skipped when not configured.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	plans, err := config.LoadPlans(cfg.PlansConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}
	a.plans = plans

	retry := client.DefaultRetryConfig()
	breaker := client.DefaultCircuitBreakerConfig()
	a.supabase, err = client.New(client.Config{
		URL:            cfg.Supabase.URL,
		APIKey:         cfg.Supabase.ServiceRoleKey,
		Retry:          &retry,
		CircuitBreaker: &breaker,
	})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	a.repo = database.NewRepository(a.supabase)

	if cfg.DatabaseURL != "" {
		if a.pg, err = postgres.Open(ctx, cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
	} else {
		logger.Warn("DATABASE_URL not set; usage counters go through PostgREST and admin reports are disabled")
	}

	if cfg.RedisURL != "" {
		if a.cache, err = cache.NewRedis(ctx, cfg.RedisURL, "everliv:"); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	} else {
		a.cache = cache.NewMemory()
	}

	a.llm = llm.NewRouter(cfg.LLM.DefaultProvider, a.metrics, logger, a.llmClients()...)
	if len(a.llm.Providers()) == 0 {
		logger.Warn("no LLM provider configured; uploads and the AI doctor will answer 503")
	}

	if err := a.buildServices(); err != nil {
		return nil, err
	}

	a.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	a.buildBase()
	return a, nil
}

func (a *app) llmClients() []llm.Client {
	cfg := a.cfg.LLM
	var out []llm.Client
	if cfg.OpenAIKey != "" {
		c, err := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL, cfg.Timeout)
		if err != nil {
			a.logger.WithError(err).Warn("openai client disabled")
		} else {
			out = append(out, c)
		}
	}
	if cfg.AnthropicKey != "" {
		c, err := llm.NewAnthropicClient(cfg.AnthropicKey, cfg.AnthropicModel, cfg.AnthropicBaseURL, cfg.Timeout)
		if err != nil {
			a.logger.WithError(err).Warn("anthropic client disabled")
		} else {
			out = append(out, c)
		}
	}
	return out
}

func (a *app) buildServices() error {
	var err error
	accessCfg := access.Config{
		Store:         a.repo,
		Plans:         a.plans,
		TrialDuration: a.cfg.TrialDuration,
		Metrics:       a.metrics,
		Logger:        a.logger,
	}
	if a.pg != nil {
		accessCfg.Usage = a.pg
	}
	if a.access, err = access.New(accessCfg); err != nil {
		return err
	}

	var gateway payments.Gateway
	if a.cfg.PayKeeper.Enabled() {
		gateway = payments.NewPayKeeperClient(a.cfg.PayKeeper, nil)
	} else {
		a.logger.Warn("PayKeeper not configured; invoices are disabled")
	}
	if a.payments, err = payments.New(payments.Config{
		Store:     a.repo,
		Gateway:   gateway,
		Activator: a.access,
		Plans:     a.plans,
		Secret:    a.cfg.PayKeeper.Secret,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}); err != nil {
		return err
	}

	a.health = healthprofile.New(a.repo, a.logger)

	if a.analytics, err = analytics.New(analytics.Config{
		Store:   a.repo,
		Cache:   a.cache,
		Access:  a.access,
		Profile: a.health,
		TTL:     a.cfg.AnalyticsTTL,
		Metrics: a.metrics,
		Logger:  a.logger,
	}); err != nil {
		return err
	}

	if a.biomarkers, err = biomarkers.New(biomarkers.Config{
		Store:       a.repo,
		Files:       biomarkers.NewBucketStore(a.supabase.Storage().From(a.cfg.Supabase.AnalysesBucket)),
		Access:      a.access,
		Extractor:   biomarkers.NewLLMExtractor(a.llm, ""),
		Invalidator: a.analytics,
		Logger:      a.logger,
	}); err != nil {
		return err
	}

	a.profiles = profiles.New(a.supabase.Auth(), a.repo, a.logger)
	a.protocols = protocols.New(a.repo, a.access, a.logger)

	if a.chat, err = aichat.New(aichat.Config{
		Store:      a.repo,
		LLM:        a.llm,
		Access:     a.access,
		Profile:    a.health,
		Biomarkers: a.biomarkers,
		Logger:     a.logger,
	}); err != nil {
		return err
	}

	if a.cfg.RealtimeEnabled {
		a.realtimeClient = client.NewRealtimeClient(a.cfg.Supabase.URL, a.cfg.Supabase.ServiceRoleKey,
			client.WithErrorHandler(func(err error) {
				a.logger.WithError(err).Warn("realtime connection error")
			}))
		a.realtime = realtime.NewManager(realtime.NewSupabaseJoiner(a.realtimeClient), a.logger, a.metrics)
	}

	adminCfg := admin.Config{
		Users:         a.repo,
		Payments:      a.repo,
		Subscriptions: a.access,
		PresenceKey:   presenceChannel,
		DefaultPlan:   a.plans.DefaultPlan,
		Gate:          middleware.AdminGate(a.repo, a.cfg.AdminUserIDs, a.logger),
		Logger:        a.logger,
	}
	if a.pg != nil {
		adminCfg.Reports = a.pg
	}
	if a.realtime != nil {
		adminCfg.Presence = a.realtime
	}
	a.admin, err = admin.New(adminCfg)
	return err
}

func (a *app) buildBase() {
	a.base = service.NewBase(service.BaseConfig{
		Name:    "everliv-gateway",
		Version: version,
		Logger:  a.logger,
	})
	a.base.AddCheck(service.Check{Name: "supabase", Critical: true, Probe: a.repo.Ping})
	if a.pg != nil {
		a.base.AddCheck(service.Check{Name: "postgres", Critical: true, Probe: a.pg.Ping})
	}
	if r, ok := a.cache.(*cache.Redis); ok {
		a.base.AddCheck(service.Check{Name: "redis", Probe: func(ctx context.Context) error {
			_, _, err := r.Get(ctx, "health")
			return err
		}})
	}
	if a.realtimeClient != nil {
		a.base.AddCheck(service.Check{Name: "realtime", Probe: func(context.Context) error {
			if !a.realtimeClient.Connected() {
				return errors.New("disconnected")
			}
			return nil
		}})
	}
	if m, ok := a.cache.(*cache.Memory); ok {
		a.base.AddTickerWorker("prune_analytics_cache", cachePruneEvery, func(context.Context) error {
			m.Prune()
			return nil
		})
	}
	a.base.WithStats(func() map[string]any {
		stats := map[string]any{
			"llm_providers": a.llm.Providers(),
			"plans":         len(a.plans.Plans),
			"rate_limiters": a.limiter.Size(),
		}
		if a.realtime != nil {
			stats["realtime_channels"] = a.realtime.Stats()
		}
		if a.scheduler != nil {
			stats["jobs"] = a.scheduler.Jobs()
		}
		return stats
	})
}

// router assembles the HTTP surface.
func (a *app) router() http.Handler {
	root := mux.NewRouter()
	root.Use(middleware.NewTracingMiddleware(a.logger).Handler)
	root.Use(middleware.MetricsMiddleware(a.metrics))
	root.Use(middleware.NewCORSMiddleware(a.cfg.CORSOrigins).Handler)

	a.base.RegisterStandardRoutes(root)
	root.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	api := root.PathPrefix(apiPrefix).Subrouter()
	api.Use(middleware.NewAuthMiddleware([]byte(a.cfg.Supabase.JWTSecret), a.cfg.Supabase.JWTAudience, a.logger, publicPaths()).Handler)
	api.Use(a.limiter.Handler)

	for _, svc := range []routeRegistrar{
		a.profiles,
		a.health,
		a.access,
		a.payments,
		a.biomarkers,
		a.analytics,
		a.protocols,
		a.chat,
		a.admin,
	} {
		svc.RegisterRoutes(api)
	}
	return root
}

// publicPaths are the API routes served without a bearer token.
func publicPaths() []string {
	paths := make([]string, 0, len(profiles.PublicPaths)+1)
	for _, p := range profiles.PublicPaths {
		paths = append(paths, apiPrefix+p)
	}
	return append(paths, apiPrefix+payments.CallbackPath)
}

// start launches background work: realtime listeners, scheduled jobs and base workers.
func (a *app) start(ctx context.Context) error {
	if a.realtime != nil {
		if err := a.startRealtime(ctx); err != nil {
			// analytics falls back to TTL expiry and upload-time invalidation
			a.logger.WithError(err).Warn("realtime unavailable")
		}
	}

	if a.cfg.SchedulerEnabled {
		a.scheduler = scheduler.New(a.logger, a.metrics)
		for _, job := range []scheduler.Job{
			scheduler.ExpireSubscriptions(a.access, a.logger),
			scheduler.ExpirePayments(a.payments, a.cfg.PayKeeper.PendingTTL, a.logger),
			scheduler.PruneRateLimiter(a.limiter, rateLimiterIdle),
		} {
			if err := a.scheduler.Add(job); err != nil {
				return fmt.Errorf("schedule %s: %w", job.Name, err)
			}
		}
		a.scheduler.Start()
	}

	return a.base.Start(ctx)
}

// close stops background work and releases connections.
func (a *app) close(ctx context.Context) {
	a.base.Stop()
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			a.logger.WithError(err).Warn("scheduler stop")
		}
	}
	if a.realtime != nil {
		if err := a.realtime.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("realtime close")
		}
	}
	if a.realtimeClient != nil {
		_ = a.realtimeClient.Disconnect()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.pg != nil {
		_ = a.pg.Close()
	}
}
