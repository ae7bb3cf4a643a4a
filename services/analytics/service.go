// Package analytics derives health scores, trends and recommendations from
// stored biomarkers and caches the result per user.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/everliv/everliv-api/internal/cache"
	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/internal/metrics"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/healthprofile"
)

// DefaultTTL is the lifetime of a computed report.
const DefaultTTL = 24 * time.Hour

// computeTimeout bounds a shared recomputation once it no longer follows the
// request that started it.
const computeTimeout = 30 * time.Second

// Lookup layers.
const (
	layerCache    = "cache"
	layerDatabase = "database"
)

// AccessChecker gates the detailed trend section.
type AccessChecker interface {
	CheckAccess(ctx context.Context, userID, feature string) (*access.Decision, error)
}

// ProfileStatus reports questionnaire completion.
type ProfileStatus interface {
	Status(ctx context.Context, userID string) (*healthprofile.Status, error)
}

// Config wires the service.
type Config struct {
	Store   database.AnalysisStore
	Cache   cache.Cache
	Access  AccessChecker
	Profile ProfileStatus
	TTL     time.Duration
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Service serves cached analytics reports.
type Service struct {
	store   database.AnalysisStore
	cache   cache.Cache
	access  AccessChecker
	profile ProfileStatus
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *logging.Logger
	group   singleflight.Group
	now     func() time.Time

	// generations counts invalidations per user; a recompute that overlaps
	// one does not publish its report.
	genMu       sync.Mutex
	generations map[string]uint64
}

// New creates the analytics service. Cache defaults to an in-memory cache;
// Access and Profile are optional.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("analytics: store is required")
	}
	c := cfg.Cache
	if c == nil {
		c = cache.NewMemory()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Service{
		store:   cfg.Store,
		cache:   c,
		access:  cfg.Access,
		profile: cfg.Profile,
		ttl:     ttl,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     time.Now,

		generations: make(map[string]uint64),
	}, nil
}

func cacheKey(userID string) string {
	return "analytics:" + userID
}

// Get returns the report of userID. The cache and the persisted report are
// consulted first unless force is set. Trends are withheld without
// health_analytics access.
func (s *Service) Get(ctx context.Context, userID string, force bool) (*Report, error) {
	r, err := s.report(ctx, userID, force)
	if err != nil {
		return nil, err
	}
	out := *r
	if s.access != nil {
		d, err := s.access.CheckAccess(ctx, userID, access.FeatureHealthAnalytics)
		if err != nil {
			return nil, err
		}
		if !d.Allowed {
			out.Trends = []Trend{}
			out.TrendsLocked = true
		}
	}
	return &out, nil
}

func (s *Service) report(ctx context.Context, userID string, force bool) (*Report, error) {
	if !force {
		if r, ok := s.fromCache(ctx, userID); ok {
			return r, nil
		}
		if r, ok := s.fromDatabase(ctx, userID); ok {
			return r, nil
		}
	}

	ch := s.group.DoChan(userID, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		return s.recompute(cctx, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			s.logger.WithContext(ctx).Debug("analytics computation shared")
		}
		return res.Val.(*Report), nil
	}
}

func (s *Service) generation(userID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[userID]
}

func (s *Service) bumpGeneration(userID string) {
	s.genMu.Lock()
	s.generations[userID]++
	s.genMu.Unlock()
}

func (s *Service) fromCache(ctx context.Context, userID string) (*Report, bool) {
	data, ok, err := s.cache.Get(ctx, cacheKey(userID))
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("analytics cache read failed")
		ok = false
	}
	var r Report
	if ok && json.Unmarshal(data, &r) != nil {
		ok = false
	}
	s.lookup(layerCache, ok)
	if !ok {
		return nil, false
	}
	return &r, true
}

func (s *Service) fromDatabase(ctx context.Context, userID string) (*Report, bool) {
	row, err := s.store.GetCachedAnalytics(ctx, userID)
	if err != nil && !database.IsNotFound(err) {
		s.logger.WithContext(ctx).WithError(err).Warn("cached analytics read failed")
	}
	now := s.now()
	if err != nil || !row.Fresh(now) {
		s.lookup(layerDatabase, false)
		return nil, false
	}
	var r Report
	if err := json.Unmarshal(row.Data, &r); err != nil {
		s.lookup(layerDatabase, false)
		return nil, false
	}
	s.lookup(layerDatabase, true)
	if err := s.cache.Set(ctx, cacheKey(userID), row.Data, row.ExpiresAt.Sub(now)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("analytics cache write failed")
	}
	return &r, true
}

func (s *Service) recompute(ctx context.Context, userID string) (*Report, error) {
	gen := s.generation(userID)
	items, err := s.store.ListBiomarkers(ctx, userID)
	if err != nil {
		s.recordRun(err)
		return nil, fmt.Errorf("list biomarkers: %w", err)
	}

	var health *healthprofile.Status
	if s.profile != nil {
		if health, err = s.profile.Status(ctx, userID); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("health profile unavailable for analytics")
			health = nil
		}
	}

	now := s.now().UTC()
	r := Generate(items, health)
	r.GeneratedAt = now
	s.recordRun(nil)

	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode analytics: %w", err)
	}
	if s.generation(userID) != gen {
		s.logger.WithContext(ctx).Debug("analytics invalidated during computation; not stored")
		return r, nil
	}
	if err := s.store.UpsertCachedAnalytics(ctx, &database.CachedAnalytics{
		UserID:         userID,
		Data:           data,
		BiomarkerCount: len(items),
		GeneratedAt:    now,
		ExpiresAt:      now.Add(s.ttl),
	}); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("failed to persist analytics")
	}
	if err := s.cache.Set(ctx, cacheKey(userID), data, s.ttl); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("analytics cache write failed")
	}
	if s.generation(userID) != gen {
		// invalidated while writing
		if err := s.drop(ctx, userID); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("failed to drop superseded analytics")
		}
		return r, nil
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"biomarkers":   len(items),
		"health_score": r.HealthScore,
	}).Debug("analytics computed")
	return r, nil
}

// Invalidate drops the cached report of userID and marks the stored one stale.
// A recompute already running for userID will not store its result.
func (s *Service) Invalidate(ctx context.Context, userID string) error {
	s.bumpGeneration(userID)
	s.group.Forget(userID)
	return s.drop(ctx, userID)
}

func (s *Service) drop(ctx context.Context, userID string) error {
	if err := s.cache.Delete(ctx, cacheKey(userID)); err != nil {
		return fmt.Errorf("delete cached analytics: %w", err)
	}
	if err := s.store.MarkAnalyticsStale(ctx, userID); err != nil {
		return fmt.Errorf("mark analytics stale: %w", err)
	}
	return nil
}

func (s *Service) lookup(layer string, hit bool) {
	if s.metrics != nil {
		s.metrics.RecordAnalyticsLookup(layer, hit)
	}
}

func (s *Service) recordRun(err error) {
	if s.metrics != nil {
		s.metrics.RecordAnalyticsRun(err)
	}
}
