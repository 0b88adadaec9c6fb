package projectcache

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultFreshness     = 5 * time.Minute
	DefaultEviction      = 24 * time.Hour
	DefaultSweepInterval = 30 * time.Minute
)

var (
	errMissingStore = errors.New("projectcache: store is required")
	errMissingFetch = errors.New("projectcache: fetch function is required")
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "codereview_project_cache_lookups_total",
	Help: "Project cache lookups by result",
}, []string{"result"})

// FetchFunc loads a project payload from the research backend.
type FetchFunc func(ctx context.Context) (upstream.Project, error)

// Config bundles cache settings.
type Config struct {
	Store         Store
	Freshness     time.Duration
	Eviction      time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Cache serves project payloads younger than the freshness window and fetches otherwise.
// Concurrent misses for the same key share one fetch.
type Cache struct {
	store         Store
	freshness     time.Duration
	eviction      time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	flight        singleflight.Group
}

// New validates configuration and constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	freshness := cfg.Freshness
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	eviction := cfg.Eviction
	if eviction <= 0 {
		eviction = DefaultEviction
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:         cfg.Store,
		freshness:     freshness,
		eviction:      eviction,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Get returns the cached payload for key when it is fresh, otherwise it calls fetch and
// stores the result. Store failures degrade to fetching; fetch failures are returned.
func (c *Cache) Get(ctx context.Context, key Key, fetch FetchFunc) (upstream.Project, error) {
	if fetch == nil {
		return upstream.Project{}, errMissingFetch
	}
	entry, ok, err := c.store.Load(ctx, key)
	if err != nil {
		c.logger.Warn("project cache load failed", zap.String("key", key.String()), zap.Error(err))
	}
	if ok && c.clock().Sub(entry.FetchedAt) < c.freshness {
		cacheLookups.WithLabelValues("hit").Inc()
		return entry.Project, nil
	}
	cacheLookups.WithLabelValues("miss").Inc()

	result, err, _ := c.flight.Do(key.String(), func() (any, error) {
		project, fetchErr := fetch(ctx)
		if fetchErr != nil {
			return upstream.Project{}, fetchErr
		}
		c.Set(ctx, key, project)
		return project, nil
	})
	if err != nil {
		cacheLookups.WithLabelValues("error").Inc()
		return upstream.Project{}, err
	}
	return result.(upstream.Project), nil
}

// Set stores a payload fetched now.
func (c *Cache) Set(ctx context.Context, key Key, project upstream.Project) {
	if err := c.store.Save(ctx, key, Entry{Project: project, FetchedAt: c.clock()}); err != nil {
		c.logger.Warn("project cache save failed", zap.String("key", key.String()), zap.Error(err))
	}
}

// Invalidate drops the entry for key so the next Get fetches.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	return c.store.Delete(ctx, key)
}

// Sweep removes entries older than the eviction window.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	removed, err := c.store.DeleteOlderThan(ctx, c.clock().Add(-c.eviction))
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		c.logger.Debug("project cache swept", zap.Int("removed", removed))
	}
	return removed, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("project cache sweep failed", zap.Error(err))
			}
		}
	}
}
