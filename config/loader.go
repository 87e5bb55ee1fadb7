package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-mcp/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() (*Loader, error) {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, *map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse YAML config")
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &rawData); err != nil {
		return nil, nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, nil, types.WrapError(err, "config validation failed")
	}

	return config, &rawData, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Cache: &types.CacheConfig{
			Enabled:    false,
			Type:       "memory",
			DefaultTTL: 5 * time.Minute,
		},
		Batch: &types.BatchConfig{
			Enabled:                 false,
			MaxConcurrentOperations: 3,
			ItemsPerSecond:          10,
			QueueInterval:           250 * time.Millisecond,
			ArchiveCollection:       "batch_jobs",
			ArchiveAfter:            24 * time.Hour,
			ArchiveSchedule:         "0 0 * * * *",
		},
		Database: &types.DatabaseConfig{
			Enabled: false,
			Type:    "memory",
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Actions: &types.ActionsConfig{
			Enabled: false,
			Type:    "",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: false,
		},
	}
}
