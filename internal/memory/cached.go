package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/cache"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
)

const (
	SearchCacheName  = "similar_search"
	HistoryCacheName = "patient_history"
)

// historyWindow is a cached history read. A request for up to Limit
// entries can be served from it.
type historyWindow struct {
	Limit   int
	Entries []models.PatientHistoryEntry
}

// historyFetch marks one backend history read in flight. An invalidation
// of the same key while it runs makes it stale.
type historyFetch struct {
	stale bool
}

// Cached puts the search and history caches in front of a Memory.
// Storing a case drops that patient's cached history locally and on other
// replicas. Search results are only expired by TTL.
type Cached struct {
	inner       orchestration.Memory
	search      *cache.TTLCache[[]models.SimilarCase]
	history     *cache.TTLCache[historyWindow]
	invalidator cache.Invalidator
	log         *logger.Logger

	fetchMu  sync.Mutex
	fetching map[string]map[*historyFetch]struct{}
}

// NewCached wraps inner. A nil invalidator means a single replica.
func NewCached(log *logger.Logger, inner orchestration.Memory, cfg CacheConfig, invalidator cache.Invalidator) (*Cached, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if inner == nil {
		return nil, fmt.Errorf("memory required")
	}
	if invalidator == nil {
		invalidator = cache.LocalInvalidator{}
	}
	return &Cached{
		inner:       inner,
		search:      cache.New[[]models.SimilarCase](SearchCacheName, cfg.SearchMaxSize, cfg.SearchTTL, cfg.Options...),
		history:     cache.New[historyWindow](HistoryCacheName, cfg.HistoryMaxSize, cfg.HistoryTTL, cfg.Options...),
		invalidator: invalidator,
		log:         log.With("service", "CachedCaseMemory"),
		fetching:    make(map[string]map[*historyFetch]struct{}),
	}, nil
}

func (c *Cached) SearchSimilar(ctx context.Context, q models.SimilarityQuery) ([]models.SimilarCase, error) {
	key := cache.Key("search_similar", map[string]any{
		"query":           q.Text,
		"limit":           q.Limit,
		"score_threshold": q.ScoreThreshold,
		"patient_id":      q.PatientID,
	})
	hits, err := c.search.GetOrCompute(ctx, key, 0, func(ctx context.Context) ([]models.SimilarCase, error) {
		return c.inner.SearchSimilar(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(hits), nil
}

func (c *Cached) GetHistory(ctx context.Context, patientID string, limit int) ([]models.PatientHistoryEntry, error) {
	key := historyKey(patientID)
	if w, ok := c.history.Get(key); ok && limit > 0 && w.Limit >= limit {
		return cloneWindow(w.Entries, limit), nil
	}

	f := c.beginFetch(key)
	entries, err := c.inner.GetHistory(ctx, patientID, limit)
	if err != nil {
		c.endFetch(key, f, nil)
		return nil, err
	}
	var w *historyWindow
	if limit > 0 {
		w = &historyWindow{Limit: limit, Entries: slices.Clone(entries)}
	}
	c.endFetch(key, f, w)
	return entries, nil
}

// StoreCase writes through and invalidates the patient's history.
func (c *Cached) StoreCase(ctx context.Context, patientID string, payload models.CasePayload, sessionID string) (string, error) {
	id, err := c.inner.StoreCase(ctx, patientID, payload, sessionID)
	if err != nil {
		return "", err
	}

	key := historyKey(patientID)
	c.invalidateHistory(key)
	if err := c.invalidator.Publish(ctx, cache.Invalidation{Cache: HistoryCacheName, Key: key}); err != nil {
		c.log.Warn("failed to publish cache invalidation", "patient_id", patientID, "error", err)
	}
	return id, nil
}

func (c *Cached) GetStats(ctx context.Context) (models.MemoryStats, error) {
	return c.inner.GetStats(ctx)
}

// HandleInvalidation applies an invalidation received from another replica.
func (c *Cached) HandleInvalidation(inv cache.Invalidation) {
	switch inv.Cache {
	case HistoryCacheName:
		c.invalidateHistory(inv.Key)
	case SearchCacheName:
		c.search.Delete(inv.Key)
	default:
		c.log.Debug("ignoring invalidation for unknown cache", "cache", inv.Cache)
	}
}

// invalidateHistory drops key and marks reads of it still in flight as
// stale so they cannot repopulate the cache with pre-write entries.
func (c *Cached) invalidateHistory(key string) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	for f := range c.fetching[key] {
		f.stale = true
	}
	c.history.Delete(key)
}

func (c *Cached) beginFetch(key string) *historyFetch {
	f := &historyFetch{}
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	set, ok := c.fetching[key]
	if !ok {
		set = make(map[*historyFetch]struct{})
		c.fetching[key] = set
	}
	set[f] = struct{}{}
	return f
}

// endFetch unregisters f and caches w unless f went stale. Both happen
// under fetchMu so an invalidation cannot land in between.
func (c *Cached) endFetch(key string, f *historyFetch, w *historyWindow) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	set := c.fetching[key]
	delete(set, f)
	if len(set) == 0 {
		delete(c.fetching, key)
	}
	if w != nil && !f.stale {
		c.history.Set(key, *w, 0)
	}
}

// StartInvalidationForwarder subscribes to invalidations from other replicas
// until ctx is cancelled.
func (c *Cached) StartInvalidationForwarder(ctx context.Context) error {
	return c.invalidator.StartForwarder(ctx, c.HandleInvalidation)
}

// CleanupExpired sweeps both caches and returns the number of entries removed.
func (c *Cached) CleanupExpired() int {
	return c.search.CleanupExpired() + c.history.CleanupExpired()
}

func (c *Cached) CacheStats() []cache.Stats {
	return []cache.Stats{c.search.Stats(), c.history.Stats()}
}

// CacheConfig sizes the two caches. Zero values use the cache defaults.
type CacheConfig struct {
	SearchMaxSize  int
	SearchTTL      time.Duration
	HistoryMaxSize int
	HistoryTTL     time.Duration
	Options        []cache.Option
}

// CacheConfigFrom maps the service cache settings.
func CacheConfigFrom(cfg config.CacheConfig) CacheConfig {
	return CacheConfig{
		SearchMaxSize:  cfg.Search.MaxSize,
		SearchTTL:      cfg.Search.TTL,
		HistoryMaxSize: cfg.History.MaxSize,
		HistoryTTL:     cfg.History.TTL,
	}
}

func historyKey(patientID string) string {
	return cache.Key("get_history", map[string]any{"patient_id": strings.TrimSpace(patientID)})
}

func cloneWindow(entries []models.PatientHistoryEntry, limit int) []models.PatientHistoryEntry {
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return slices.Clone(entries)
}
