package sai

import (
	"sync/atomic"

	"github.com/saiset-co/sai-mcp/action"
	"github.com/saiset-co/sai-mcp/cache"
	"github.com/saiset-co/sai-mcp/database"
	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/metrics"
	"github.com/saiset-co/sai-mcp/types"
)

type Container struct {
	Config   atomic.Pointer[types.ConfigManager]
	Logger   atomic.Pointer[types.LoggerManager]
	Cache    atomic.Pointer[types.CacheManager]
	Batch    atomic.Pointer[types.BatchManager]
	Database atomic.Pointer[types.DatabaseManager]
	Cron     atomic.Pointer[types.CronManager]
	Metrics  atomic.Pointer[types.MetricsManager]
	Actions  atomic.Pointer[types.ActionBroker]
	Health   atomic.Pointer[types.HealthManager]
}

var globalContainer *Container

func InitContainer() *Container {
	return &Container{}
}

func SetContainer(container *Container) {
	globalContainer = container
}

func Config() types.ConfigManager {
	if ptr := globalContainer.Config.Load(); ptr != nil {
		return *ptr
	}
	panic("ConfigManager not initialized")
}

func Logger() types.LoggerManager {
	if ptr := globalContainer.Logger.Load(); ptr != nil {
		return *ptr
	}
	panic("Logger not initialized")
}

func Cache() types.CacheManager {
	if ptr := globalContainer.Cache.Load(); ptr != nil {
		return *ptr
	}
	panic("CacheManager not initialized")
}

func Batch() types.BatchManager {
	if ptr := globalContainer.Batch.Load(); ptr != nil {
		return *ptr
	}
	panic("BatchManager not initialized")
}

func Database() types.DatabaseManager {
	if ptr := globalContainer.Database.Load(); ptr != nil {
		return *ptr
	}
	panic("DatabaseManager not initialized")
}

func Cron() types.CronManager {
	if ptr := globalContainer.Cron.Load(); ptr != nil {
		return *ptr
	}
	panic("CronManager not initialized")
}

func Metrics() types.MetricsManager {
	if ptr := globalContainer.Metrics.Load(); ptr != nil {
		return *ptr
	}
	panic("MetricsManager not initialized")
}

func Actions() types.ActionBroker {
	if ptr := globalContainer.Actions.Load(); ptr != nil {
		return *ptr
	}
	panic("ActionBroker not initialized")
}

func Health() types.HealthManager {
	if ptr := globalContainer.Health.Load(); ptr != nil {
		return *ptr
	}
	panic("HealthManager not initialized")
}

func RegisterActionBroker(actionBrokerName string, creator types.ActionBrokerCreator) {
	action.RegisterActionBroker(actionBrokerName, creator)
}

func RegisterCacheManager(cacheManagerName string, creator types.CacheManagerCreator) {
	cache.RegisterCacheManager(cacheManagerName, creator)
}

func RegisterDatabaseManager(databaseManagerName string, creator types.DatabaseManagerCreator) {
	database.RegisterDatabaseManager(databaseManagerName, creator)
}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	metrics.RegisterMetricsManager(metricsManagerName, creator)
}

func RegisterLogger(loggerName string, creator types.LoggerCreator) {
	logger.RegisterLogger(loggerName, creator)
}

func (fc *Container) SetConfig(config types.ConfigManager) {
	fc.Config.Store(&config)
}

func (fc *Container) SetLogger(logger types.LoggerManager) {
	fc.Logger.Store(&logger)
}

func (fc *Container) SetCache(cache types.CacheManager) {
	fc.Cache.Store(&cache)
}

func (fc *Container) SetBatch(batch types.BatchManager) {
	fc.Batch.Store(&batch)
}

func (fc *Container) SetDatabase(db types.DatabaseManager) {
	fc.Database.Store(&db)
}

func (fc *Container) SetCron(cron types.CronManager) {
	fc.Cron.Store(&cron)
}

func (fc *Container) SetMetrics(metrics types.MetricsManager) {
	fc.Metrics.Store(&metrics)
}

func (fc *Container) SetActions(actions types.ActionBroker) {
	fc.Actions.Store(&actions)
}

func (fc *Container) SetHealth(health types.HealthManager) {
	fc.Health.Store(&health)
}
