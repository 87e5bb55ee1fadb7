package types

import (
	"time"
)

type CacheManager interface {
	LifecycleManager
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration) error
	Delete(key string) error
	InvalidatePattern(pattern string) (int, error)
	Clear() error
	Stats() CacheStats
}

type CacheManagerCreator func(config interface{}) (CacheManager, error)

type CacheEntry struct {
	Key        string        `json:"key"`
	Value      interface{}   `json:"value"`
	Size       int64         `json:"size"`
	TTL        time.Duration `json:"ttl"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	LastAccess time.Time     `json:"last_access"`
	HitCount   uint64        `json:"hit_count"`
}

type CacheStats struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Entries    int    `json:"entries"`
	Bytes      int64  `json:"bytes"`
	MaxEntries int    `json:"max_entries"`
}

func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
