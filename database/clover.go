package database

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
)

// CloverDB persists documents on disk; an empty path opens an in-memory
// store. It backs the batch job archive.
type CloverDB struct {
	db     *clover.DB
	logger types.Logger
	config *types.DatabaseConfig
	state  atomic.Value
}

func NewCloverDB(ctx context.Context, logger types.Logger, config *types.DatabaseConfig) (types.DatabaseManager, error) {
	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover database")
	}

	cdb := &CloverDB{
		db:     db,
		logger: logger,
		config: config,
	}

	cdb.state.Store(StateStopped)
	return cdb, nil
}

func (c *CloverDB) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	c.logger.Info("Clover database started", zap.String("path", c.config.Path))
	return nil
}

func (c *CloverDB) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover database")
	}

	c.logger.Info("Clover database stopped gracefully")
	return nil
}

func (c *CloverDB) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverDB) CreateCollection(collectionName string) error {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if exists {
		return types.ErrDatabaseCollectionExists
	}

	if err := c.db.CreateCollection(collectionName); err != nil {
		return types.WrapError(err, "failed to create collection")
	}

	return nil
}

func (c *CloverDB) HasCollection(collectionName string) (bool, error) {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return false, types.WrapError(err, "failed to check collection existence")
	}
	return exists, nil
}

func (c *CloverDB) CreateDocuments(ctx context.Context, collectionName string, documents []map[string]interface{}) ([]string, error) {
	if len(documents) == 0 {
		return []string{}, nil
	}

	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		if err := c.db.CreateCollection(collectionName); err != nil {
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	docs := make([]*clover.Document, 0, len(documents))
	ids := make([]string, 0, len(documents))
	now := time.Now().UnixNano()

	for i, data := range documents {
		internalID := uuid.New().String()

		doc := clover.NewDocument()
		for key, value := range data {
			doc.Set(key, value)
		}
		doc.Set("internal_id", internalID)
		doc.Set("cr_time", now+int64(i))

		docs = append(docs, doc)
		ids = append(ids, internalID)
	}

	if err := c.db.Insert(collectionName, docs...); err != nil {
		return nil, types.WrapError(err, "failed to insert documents")
	}

	return ids, nil
}

func (c *CloverDB) ReadDocuments(ctx context.Context, collectionName string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return nil, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return []map[string]interface{}{}, nil
	}

	query := c.db.Query(collectionName)
	query = applyFilters(query, filter)

	if limit > 0 {
		query = query.Limit(limit)
	}

	cloverDocs, err := query.FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to find documents")
	}

	results := make([]map[string]interface{}, 0, len(cloverDocs))
	for _, doc := range cloverDocs {
		docMap := make(map[string]interface{})
		if err := doc.Unmarshal(&docMap); err != nil {
			continue
		}
		delete(docMap, "_id")
		results = append(results, docMap)
	}

	return results, nil
}

func (c *CloverDB) DeleteDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) (int, error) {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return 0, nil
	}

	query := c.db.Query(collectionName)
	query = applyFilters(query, filter)

	count, err := query.Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count matching documents")
	}
	if count == 0 {
		return 0, nil
	}

	if err := query.Delete(); err != nil {
		return 0, types.WrapError(err, "failed to delete documents")
	}

	return count, nil
}

func (c *CloverDB) CountDocuments(ctx context.Context, collectionName string) (int, error) {
	exists, err := c.db.HasCollection(collectionName)
	if err != nil {
		return 0, types.WrapError(err, "failed to check collection existence")
	}
	if !exists {
		return 0, nil
	}

	count, err := c.db.Query(collectionName).Count()
	if err != nil {
		return 0, types.WrapError(err, "failed to count documents")
	}

	return count, nil
}

func applyFilters(query *clover.Query, filter map[string]interface{}) *clover.Query {
	for key, value := range filter {
		switch val := value.(type) {
		case map[string]interface{}:
			for op, opValue := range val {
				switch op {
				case "$eq":
					query = query.Where(clover.Field(key).Eq(opValue))
				case "$ne":
					query = query.Where(clover.Field(key).Neq(opValue))
				case "$gt":
					query = query.Where(clover.Field(key).Gt(opValue))
				case "$gte":
					query = query.Where(clover.Field(key).GtEq(opValue))
				case "$lt":
					query = query.Where(clover.Field(key).Lt(opValue))
				case "$lte":
					query = query.Where(clover.Field(key).LtEq(opValue))
				case "$in":
					if arr, ok := opValue.([]interface{}); ok {
						query = query.Where(clover.Field(key).In(arr...))
					}
				}
			}
		default:
			query = query.Where(clover.Field(key).Eq(value))
		}
	}
	return query
}

func (c *CloverDB) getState() State {
	return c.state.Load().(State)
}

func (c *CloverDB) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverDB) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
