package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saiset-co/sai-mcp/types"
)

// MemoryDB keeps collections as document slices behind a single RWMutex.
// It exists for tests and for archive-less deployments.
type MemoryDB struct {
	logger      types.Logger
	config      *types.DatabaseConfig
	collections map[string][]map[string]interface{}
	mu          sync.RWMutex
	state       atomic.Value
}

func NewMemoryDB(ctx context.Context, logger types.Logger, config *types.DatabaseConfig) (types.DatabaseManager, error) {
	mdb := &MemoryDB{
		logger:      logger,
		config:      config,
		collections: make(map[string][]map[string]interface{}),
	}

	mdb.state.Store(StateStopped)
	return mdb, nil
}

func (m *MemoryDB) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.logger.Info("Memory database started")
	return nil
}

func (m *MemoryDB) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.mu.Lock()
	m.collections = make(map[string][]map[string]interface{})
	m.mu.Unlock()

	m.logger.Info("Memory database stopped gracefully")
	return nil
}

func (m *MemoryDB) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *MemoryDB) CreateCollection(collectionName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[collectionName]; exists {
		return types.ErrDatabaseCollectionExists
	}

	m.collections[collectionName] = make([]map[string]interface{}, 0)
	return nil
}

func (m *MemoryDB) HasCollection(collectionName string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.collections[collectionName]
	return exists, nil
}

func (m *MemoryDB) CreateDocuments(ctx context.Context, collectionName string, documents []map[string]interface{}) ([]string, error) {
	if len(documents) == 0 {
		return []string{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[collectionName]; !exists {
		m.collections[collectionName] = make([]map[string]interface{}, 0, len(documents))
	}

	ids := make([]string, 0, len(documents))
	now := time.Now().UnixNano()

	for i, data := range documents {
		doc := make(map[string]interface{}, len(data)+2)
		for key, value := range data {
			doc[key] = value
		}

		internalID := uuid.New().String()
		doc["internal_id"] = internalID
		doc["cr_time"] = now + int64(i)

		m.collections[collectionName] = append(m.collections[collectionName], doc)
		ids = append(ids, internalID)
	}

	return ids, nil
}

func (m *MemoryDB) ReadDocuments(ctx context.Context, collectionName string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs, exists := m.collections[collectionName]
	if !exists {
		return []map[string]interface{}{}, nil
	}

	results := make([]map[string]interface{}, 0)
	for _, doc := range docs {
		if !matchesFilter(doc, filter) {
			continue
		}

		copied := make(map[string]interface{}, len(doc))
		for key, value := range doc {
			copied[key] = value
		}
		results = append(results, copied)

		if limit > 0 && len(results) >= limit {
			break
		}
	}

	return results, nil
}

func (m *MemoryDB) DeleteDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, exists := m.collections[collectionName]
	if !exists {
		return 0, nil
	}

	kept := make([]map[string]interface{}, 0, len(docs))
	deleted := 0

	for _, doc := range docs {
		if matchesFilter(doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}

	m.collections[collectionName] = kept
	return deleted, nil
}

func (m *MemoryDB) CountDocuments(ctx context.Context, collectionName string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.collections[collectionName]), nil
}

func (m *MemoryDB) getState() State {
	return m.state.Load().(State)
}

func (m *MemoryDB) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *MemoryDB) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func matchesFilter(doc map[string]interface{}, filter map[string]interface{}) bool {
	for key, expected := range filter {
		actual, exists := doc[key]
		if !exists {
			return false
		}

		if ops, ok := expected.(map[string]interface{}); ok {
			for op, opValue := range ops {
				switch op {
				case "$eq":
					if actual != opValue {
						return false
					}
				case "$ne":
					if actual == opValue {
						return false
					}
				case "$lt":
					if !compareLess(actual, opValue) {
						return false
					}
				case "$gt":
					if !compareLess(opValue, actual) {
						return false
					}
				default:
					return false
				}
			}
			continue
		}

		if actual != expected {
			return false
		}
	}
	return true
}

func compareLess(a, b interface{}) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af < bf
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && as < bs
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}
