package database

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customDatabaseCreators = make(map[string]types.DatabaseManagerCreator)

func RegisterDatabaseManager(databaseType string, creator types.DatabaseManagerCreator) {
	customDatabaseCreators[databaseType] = creator
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.DatabaseManager, error) {
	dbConfig := config.GetConfig().Database

	if dbConfig == nil || !dbConfig.Enabled {
		return nil, types.ErrDatabaseIsDisabled
	}

	var impl types.DatabaseManager
	var err error

	switch dbConfig.Type {
	case "clover":
		impl, err = NewCloverDB(ctx, logger, dbConfig)
	case "memory":
		impl, err = NewMemoryDB(ctx, logger, dbConfig)
	default:
		if creator, exists := customDatabaseCreators[dbConfig.Type]; exists {
			impl, err = creator(dbConfig)
		} else {
			return nil, types.Errorf(types.ErrDatabaseTypeUnknown, "type: %s", dbConfig.Type)
		}
	}

	if err != nil {
		return nil, err
	}

	return newInstrumentedDatabaseManager(logger, metrics, impl), nil
}

type instrumentedDatabaseManager struct {
	impl    types.DatabaseManager
	logger  types.Logger
	metrics types.MetricsManager
	state   atomic.Value
}

func newInstrumentedDatabaseManager(logger types.Logger, metrics types.MetricsManager, impl types.DatabaseManager) types.DatabaseManager {
	instrumented := &instrumentedDatabaseManager{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}

	instrumented.state.Store(StateStopped)
	return instrumented
}

func (dm *instrumentedDatabaseManager) Start() error {
	if !dm.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if dm.getState() == StateStarting {
			dm.setState(StateRunning)
		}
	}()

	if err := dm.impl.Start(); err != nil {
		dm.setState(StateStopped)
		return err
	}

	dm.logger.Info("Database manager started")
	return nil
}

func (dm *instrumentedDatabaseManager) Stop() error {
	if !dm.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		dm.setState(StateStopped)
	}()

	if err := dm.impl.Stop(); err != nil {
		dm.logger.Error("Failed to stop database implementation", zap.Error(err))
		return err
	}

	dm.logger.Info("Database manager stopped gracefully")
	return nil
}

func (dm *instrumentedDatabaseManager) IsRunning() bool {
	return dm.getState() == StateRunning
}

func (dm *instrumentedDatabaseManager) CreateCollection(collectionName string) error {
	return dm.impl.CreateCollection(collectionName)
}

func (dm *instrumentedDatabaseManager) HasCollection(collectionName string) (bool, error) {
	return dm.impl.HasCollection(collectionName)
}

func (dm *instrumentedDatabaseManager) CreateDocuments(ctx context.Context, collectionName string, documents []map[string]interface{}) ([]string, error) {
	start := time.Now()
	ids, err := dm.impl.CreateDocuments(ctx, collectionName, documents)
	dm.recordMetric("create", collectionName, err, time.Since(start))
	return ids, err
}

func (dm *instrumentedDatabaseManager) ReadDocuments(ctx context.Context, collectionName string, filter map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	start := time.Now()
	documents, err := dm.impl.ReadDocuments(ctx, collectionName, filter, limit)
	dm.recordMetric("read", collectionName, err, time.Since(start))
	return documents, err
}

func (dm *instrumentedDatabaseManager) DeleteDocuments(ctx context.Context, collectionName string, filter map[string]interface{}) (int, error) {
	start := time.Now()
	deleted, err := dm.impl.DeleteDocuments(ctx, collectionName, filter)
	dm.recordMetric("delete", collectionName, err, time.Since(start))
	return deleted, err
}

func (dm *instrumentedDatabaseManager) CountDocuments(ctx context.Context, collectionName string) (int, error) {
	return dm.impl.CountDocuments(ctx, collectionName)
}

func (dm *instrumentedDatabaseManager) recordMetric(operation, collection string, err error, duration time.Duration) {
	if dm.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	dm.metrics.Counter("database_operations_total", map[string]string{
		"operation":  operation,
		"collection": collection,
		"result":     result,
	}).Inc()

	dm.metrics.Histogram("database_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 10.0},
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

func (dm *instrumentedDatabaseManager) getState() State {
	return dm.state.Load().(State)
}

func (dm *instrumentedDatabaseManager) setState(newState State) bool {
	currentState := dm.getState()
	return dm.state.CompareAndSwap(currentState, newState)
}

func (dm *instrumentedDatabaseManager) transitionState(from, to State) bool {
	return dm.state.CompareAndSwap(from, to)
}
