package cache

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

type RedisConfig struct {
	Host               string        `json:"host"`
	Port               int           `json:"port"`
	Password           string        `json:"password"`
	DB                 int           `json:"db"`
	PoolSize           int           `json:"pool_size"`
	MinIdleConnections int           `json:"min_idle_connections"`
	DialTimeout        time.Duration `json:"dial_timeout"`
	ReadTimeout        time.Duration `json:"read_timeout"`
	WriteTimeout       time.Duration `json:"write_timeout"`
	KeyPrefix          string        `json:"key_prefix"`
	ScanCount          int64         `json:"scan_count"`
}

// RedisCache keeps the same contract as the memory backend but delegates
// TTL expiry and memory pressure to the redis server. Hit and miss
// counters are process-local.
type RedisCache struct {
	ctx        context.Context
	logger     types.Logger
	health     types.HealthManager
	config     *RedisConfig
	client     *redis.Client
	defaultTTL time.Duration
	hits       uint64
	misses     uint64
	evictions  uint64
	started    int32
}

func NewRedisCache(ctx context.Context, logger types.Logger, config *types.CacheConfig, health types.HealthManager) (types.CacheManager, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		Password:           "",
		DB:                 0,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        5 * time.Second,
		ReadTimeout:        3 * time.Second,
		WriteTimeout:       3 * time.Second,
		KeyPrefix:          "sai-mcp",
		ScanCount:          100,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	defaultTTL := config.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	cache := &RedisCache{
		ctx:        ctx,
		logger:     logger,
		health:     health,
		config:     redisConfig,
		defaultTTL: defaultTTL,
	}

	cache.client = redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  redisConfig.DialTimeout,
		ReadTimeout:  redisConfig.ReadTimeout,
		WriteTimeout: redisConfig.WriteTimeout,
	})

	return cache, nil
}

func (r *RedisCache) Get(key string) (interface{}, bool) {
	if key == "" {
		return nil, false
	}

	fullKey := r.buildFullKey(key)

	result, err := r.client.Get(r.ctx, fullKey).Result()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			atomic.AddUint64(&r.misses, 1)
			return nil, false
		}
		r.logger.Error("Failed to get cache entry", zap.String("key", key), zap.Error(err))
		atomic.AddUint64(&r.misses, 1)
		return nil, false
	}

	var entry types.CacheEntry
	if err := utils.Unmarshal([]byte(result), &entry); err != nil {
		r.logger.Error("Failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		r.client.Del(r.ctx, fullKey)
		atomic.AddUint64(&r.misses, 1)
		return nil, false
	}

	atomic.AddUint64(&r.hits, 1)
	return entry.Value, true
}

func (r *RedisCache) Set(key string, value interface{}, ttl time.Duration) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}

	size, err := utils.Sizeof(value)
	if err != nil {
		return types.WrapError(err, "failed to measure cache value")
	}

	now := time.Now()
	entry := &types.CacheEntry{
		Key:        key,
		Value:      value,
		Size:       size,
		TTL:        ttl,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastAccess: now,
	}

	data, err := utils.Marshal(entry)
	if err != nil {
		return types.WrapError(err, "failed to marshal cache entry")
	}

	if err := r.client.Set(r.ctx, r.buildFullKey(key), data, ttl).Err(); err != nil {
		r.logger.Error("Failed to set cache entry", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to set cache entry")
	}

	return nil
}

func (r *RedisCache) Delete(key string) error {
	if key == "" {
		return nil
	}

	err := r.client.Del(r.ctx, r.buildFullKey(key)).Err()
	if err != nil {
		r.logger.Error("Failed to delete cache key", zap.String("key", key), zap.Error(err))
		return types.WrapError(err, "failed to delete cache key")
	}

	return nil
}

func (r *RedisCache) InvalidatePattern(pattern string) (int, error) {
	if pattern == "" {
		return 0, types.ErrCachePatternEmpty
	}

	// MATCH cannot do case-insensitive substring matching, so scan the
	// prefix and filter client-side.
	needle := strings.ToLower(pattern)
	prefix := r.config.KeyPrefix + ":"

	matched := make([]string, 0, 8)
	iter := r.client.Scan(r.ctx, 0, prefix+"*", r.config.ScanCount).Iterator()
	for iter.Next(r.ctx) {
		fullKey := iter.Val()
		key := strings.TrimPrefix(fullKey, prefix)
		if strings.Contains(strings.ToLower(key), needle) {
			matched = append(matched, fullKey)
		}
	}
	if err := iter.Err(); err != nil {
		return 0, types.WrapError(err, "failed to scan cache keys")
	}

	if len(matched) == 0 {
		return 0, nil
	}

	if err := r.client.Del(r.ctx, matched...).Err(); err != nil {
		return 0, types.WrapError(err, "failed to delete matched cache keys")
	}

	atomic.AddUint64(&r.evictions, uint64(len(matched)))
	return len(matched), nil
}

func (r *RedisCache) Clear() error {
	prefix := r.config.KeyPrefix + ":"

	keys := make([]string, 0, 64)
	iter := r.client.Scan(r.ctx, 0, prefix+"*", r.config.ScanCount).Iterator()
	for iter.Next(r.ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return types.WrapError(err, "failed to scan cache keys")
	}

	if len(keys) == 0 {
		return nil
	}

	if err := r.client.Del(r.ctx, keys...).Err(); err != nil {
		return types.WrapError(err, "failed to clear cache")
	}

	return nil
}

func (r *RedisCache) Stats() types.CacheStats {
	entries := 0
	iter := r.client.Scan(r.ctx, 0, r.config.KeyPrefix+":*", r.config.ScanCount).Iterator()
	for iter.Next(r.ctx) {
		entries++
	}

	return types.CacheStats{
		Hits:      atomic.LoadUint64(&r.hits),
		Misses:    atomic.LoadUint64(&r.misses),
		Evictions: atomic.LoadUint64(&r.evictions),
		Entries:   entries,
	}
}

func (r *RedisCache) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	pingCtx, cancel := context.WithTimeout(r.ctx, r.config.DialTimeout)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		atomic.StoreInt32(&r.started, 0)
		return types.WrapError(err, "failed to connect to redis")
	}

	r.logger.Info("Redis cache started",
		zap.String("addr", fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)),
		zap.String("prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisCache) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache stopped gracefully")
	return nil
}

func (r *RedisCache) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisCache) buildFullKey(key string) string {
	return r.config.KeyPrefix + ":" + key
}
