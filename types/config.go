package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name     string          `yaml:"name" json:"name" validate:"required"`
	Version  string          `yaml:"version" json:"version" validate:"required"`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Cache    *CacheConfig    `yaml:"cache" json:"cache"`
	Batch    *BatchConfig    `yaml:"batch" json:"batch"`
	Database *DatabaseConfig `yaml:"database" json:"database"`
	Actions  *ActionsConfig  `yaml:"actions" json:"actions"`
	Cron     *CronConfig     `yaml:"cron" json:"cron"`
	Metrics  *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health   *HealthConfig   `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Type       string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config     interface{}   `yaml:"config" json:"config"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
}

type BatchConfig struct {
	Enabled                 bool          `yaml:"enabled" json:"enabled"`
	MaxConcurrentOperations int           `yaml:"max_concurrent_operations" json:"max_concurrent_operations" validate:"min=0"`
	ItemsPerSecond          float64       `yaml:"items_per_second" json:"items_per_second" validate:"min=0"`
	QueueInterval           time.Duration `yaml:"queue_interval" json:"queue_interval" validate:"min=0"`
	ArchiveCollection       string        `yaml:"archive_collection" json:"archive_collection"`
	ArchiveAfter            time.Duration `yaml:"archive_after" json:"archive_after" validate:"min=0"`
	ArchiveSchedule         string        `yaml:"archive_schedule" json:"archive_schedule"`
}

type DatabaseConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Path    string      `yaml:"path" json:"path"`
	Config  interface{} `yaml:"config" json:"config"`
}

type ActionsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Webhook bool        `yaml:"webhook" json:"webhook"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type BrokerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Config interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}
