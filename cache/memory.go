package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

type MemoryState int32

const (
	MemoryStateStopped MemoryState = iota
	MemoryStateStarting
	MemoryStateRunning
	MemoryStateStopping
)

const (
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 5 * time.Minute

	DefaultMaxBytes = 50 * 1024 * 1024
)

type MemoryConfig struct {
	MaxBytes        int64  `json:"max_bytes"`
	CleanupInterval string `json:"cleanup_interval"`
}

// MemoryCache is a byte-budgeted LRU cache with per-entry TTL. The whole
// state sits behind one mutex held for the duration of each operation;
// access rates are low next to the remote calls the cache shields, so
// correctness wins over lock granularity here.
type MemoryCache struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *MemoryConfig
	logger          types.Logger
	health          types.HealthManager
	defaultTTL      time.Duration
	data            map[string]*types.CacheEntry
	currentBytes    int64
	hits            uint64
	misses          uint64
	evictions       uint64
	maxEntries      int
	mu              sync.Mutex
	state           atomic.Value
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	shutdownTimeout time.Duration
}

func NewMemoryCache(ctx context.Context, logger types.Logger, config *types.CacheConfig, health types.HealthManager) (types.CacheManager, error) {
	var memConfig = &MemoryConfig{
		MaxBytes:        DefaultMaxBytes,
		CleanupInterval: "60s",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, memConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal memory cache config")
		}
	}

	if memConfig.MaxBytes <= 0 {
		memConfig.MaxBytes = DefaultMaxBytes
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	cacheCtx, cancel := context.WithCancel(ctx)

	cache := &MemoryCache{
		ctx:             cacheCtx,
		cancel:          cancel,
		logger:          logger,
		health:          health,
		config:          memConfig,
		defaultTTL:      defaultTTL,
		data:            make(map[string]*types.CacheEntry),
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
	}

	cache.state.Store(MemoryStateStopped)

	return cache, nil
}

func (m *MemoryCache) Get(key string) (interface{}, bool) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.data[key]
	if !exists {
		m.misses++
		return nil, false
	}

	// An expired entry found in place counts as a miss and an eviction.
	if now.After(entry.ExpiresAt) {
		m.removeEntryUnsafe(key)
		m.misses++
		m.evictions++
		return nil, false
	}

	entry.LastAccess = now
	entry.HitCount++
	m.hits++

	return entry.Value, true
}

func (m *MemoryCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		m.logger.Error("Attempted to set cache entry with empty key")
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	size, err := utils.Sizeof(value)
	if err != nil {
		return types.WrapError(err, "failed to measure cache value")
	}

	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Replacing a key frees its old size before budget accounting.
	if _, exists := m.data[key]; exists {
		m.removeEntryUnsafe(key)
	}

	// Budget is enforced before insertion, never after.
	for m.currentBytes+size > m.config.MaxBytes && len(m.data) > 0 {
		m.evictOldestUnsafe()
	}

	m.data[key] = &types.CacheEntry{
		Key:        key,
		Value:      value,
		Size:       size,
		TTL:        ttl,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}
	m.currentBytes += size

	if len(m.data) > m.maxEntries {
		m.maxEntries = len(m.data)
	}

	return nil
}

func (m *MemoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeEntryUnsafe(key)
	return nil
}

func (m *MemoryCache) InvalidatePattern(pattern string) (int, error) {
	if pattern == "" {
		return 0, types.ErrCachePatternEmpty
	}

	needle := strings.ToLower(pattern)

	m.mu.Lock()
	defer m.mu.Unlock()

	// Collect first, then delete: no map mutation mid-iteration.
	matched := make([]string, 0, 8)
	for key := range m.data {
		if strings.Contains(strings.ToLower(key), needle) {
			matched = append(matched, key)
		}
	}

	for _, key := range matched {
		m.removeEntryUnsafe(key)
	}

	return len(matched), nil
}

func (m *MemoryCache) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[string]*types.CacheEntry)
	m.currentBytes = 0

	return nil
}

func (m *MemoryCache) Stats() types.CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return types.CacheStats{
		Hits:       m.hits,
		Misses:     m.misses,
		Evictions:  m.evictions,
		Entries:    len(m.data),
		Bytes:      m.currentBytes,
		MaxEntries: m.maxEntries,
	}
}

func (m *MemoryCache) Start() error {
	if !m.transitionState(MemoryStateStopped, MemoryStateStarting) {
		m.logger.Warn("Memory cache is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == MemoryStateStarting {
			m.setState(MemoryStateRunning)
		}
	}()

	if m.config.CleanupInterval != "" {
		go m.startCleanupRoutine()
	}

	m.logger.Info("Memory cache started",
		zap.Int64("max_bytes", m.config.MaxBytes),
		zap.Duration("default_ttl", m.defaultTTL))
	return nil
}

func (m *MemoryCache) Stop() error {
	if !m.transitionState(MemoryStateRunning, MemoryStateStopping) {
		m.logger.Warn("Memory cache is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(MemoryStateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case m.stopCleanup <- struct{}{}:
		case <-time.After(time.Second):
		}

		select {
		case <-m.cleanupDone:
			m.logger.Debug("Cleanup routine stopped")
		case <-time.After(5 * time.Second):
			m.logger.Warn("Cleanup routine stop timeout")
		}

		return nil
	})

	g.Go(func() error {
		m.mu.Lock()
		entriesCount := len(m.data)
		m.data = make(map[string]*types.CacheEntry)
		m.currentBytes = 0
		m.mu.Unlock()

		m.logger.Info("Memory cache cleared", zap.Int("cleared_entries", entriesCount))
		return nil
	})

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			m.logger.Warn("Memory cache stop timeout, some components may not have stopped gracefully")
		default:
			m.logger.Error("Error during memory cache shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Memory cache stopped gracefully")
	}

	return nil
}

func (m *MemoryCache) IsRunning() bool {
	return m.getState() == MemoryStateRunning
}

func (m *MemoryCache) getState() MemoryState {
	return m.state.Load().(MemoryState)
}

func (m *MemoryCache) setState(newState MemoryState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryCache) transitionState(from, to MemoryState) bool {
	return m.state.CompareAndSwap(from, to)
}

// cleanup sweeps the whole map for expired entries. Get and Set only
// evict expired entries they touch, so without the sweep a write-once
// key would stay resident until the budget forces it out.
func (m *MemoryCache) cleanup() {
	now := time.Now()

	m.mu.Lock()

	expired := make([]string, 0, 8)
	for key, entry := range m.data {
		if !entry.ExpiresAt.After(now) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		m.removeEntryUnsafe(key)
		m.evictions++
	}

	expiredCount := len(expired)
	m.mu.Unlock()

	if expiredCount > 0 {
		m.logger.Debug("Cleanup completed", zap.Int("expired_entries", expiredCount))
	}
}

func (m *MemoryCache) startCleanupRoutine() {
	defer close(m.cleanupDone)

	cleanupInterval, err := time.ParseDuration(m.config.CleanupInterval)
	if err != nil {
		m.logger.Error("Invalid cleanup interval, using default 60s",
			zap.String("interval", m.config.CleanupInterval),
			zap.Error(err))
		cleanupInterval = 60 * time.Second
	}

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Cleanup routine stopped by context")
			return
		case <-m.stopCleanup:
			m.logger.Debug("Cleanup routine stopped by signal")
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// evictOldestUnsafe removes the entry with the oldest last access,
// breaking ties by key order so eviction stays deterministic. The O(n)
// scan is deliberate: it only runs when the cache is over budget.
func (m *MemoryCache) evictOldestUnsafe() {
	if len(m.data) == 0 {
		return
	}

	var victimKey string
	var victimAccess time.Time

	for key, entry := range m.data {
		if victimKey == "" ||
			entry.LastAccess.Before(victimAccess) ||
			(entry.LastAccess.Equal(victimAccess) && key < victimKey) {
			victimKey = key
			victimAccess = entry.LastAccess
		}
	}

	m.removeEntryUnsafe(victimKey)
	m.evictions++
}

func (m *MemoryCache) removeEntryUnsafe(key string) {
	if entry, exists := m.data[key]; exists {
		m.currentBytes -= entry.Size
		delete(m.data, key)
	}
}
