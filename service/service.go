package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-mcp/action"
	"github.com/saiset-co/sai-mcp/batch"
	"github.com/saiset-co/sai-mcp/cache"
	"github.com/saiset-co/sai-mcp/config"
	"github.com/saiset-co/sai-mcp/cron"
	"github.com/saiset-co/sai-mcp/database"
	"github.com/saiset-co/sai-mcp/health"
	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/metrics"
	"github.com/saiset-co/sai-mcp/sai"
	"github.com/saiset-co/sai-mcp/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	container       *sai.Container
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	_, err := os.Stat(configPath)
	if err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	container := sai.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := registerProviders(container, serviceCtx, configPath); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	sai.SetContainer(container)
	return service, nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		sai.Logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				sai.Logger().Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	sai.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	sai.Logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		sai.Logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	sai.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		sai.Logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	sai.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	_config := sai.Config().GetConfig()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Config.Load(); ptr != nil {
			manager := (*ptr).(types.LifecycleManager)
			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start config manager")
			}
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Logger.Load(); ptr != nil {
			manager := (*ptr).(types.LifecycleManager)
			if err := manager.Start(); err != nil {
				return types.WrapError(err, "failed to start logger")
			}
		}
	}

	if _config.Health != nil && _config.Health.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Health.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					sai.Logger().Error("Failed to start health manager", zap.Error(err))
				}
			}
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if _config.Metrics != nil && _config.Metrics.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Metrics.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start metrics manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if _config.Cache != nil && _config.Cache.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Cache.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start cache manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if _config.Database != nil && _config.Database.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Database.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						sai.Logger().Error("Failed to start database manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if _config.Actions != nil && _config.Actions.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Actions.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					sai.Logger().Error("Failed to start action dispatcher", zap.Error(err))
				}
			}
		}
	}

	if _config.Batch != nil && _config.Batch.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Batch.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					return types.WrapError(err, "failed to start batch manager")
				}
			}
		}
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if ptr := s.container.Cron.Load(); ptr != nil {
				if err := (*ptr).Start(); err != nil {
					sai.Logger().Error("Failed to start cron manager", zap.Error(err))
				}
			}
		}
	}

	sai.Logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errors []error

	sai.Logger().Info("Stopping service components...")

	if ptr := s.container.Cron.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop cron manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	// Batch drains before the dispatcher stops so terminal events still
	// reach subscribers.
	if ptr := s.container.Batch.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop batch manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if ptr := s.container.Actions.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			sai.Logger().Error("Failed to stop action dispatcher", zap.Error(err))
			errors = append(errors, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ptr := s.container.Database.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop database manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Cache.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop cache manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Metrics.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop metrics manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Health.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					sai.Logger().Error("Failed to stop health manager", zap.Error(err))
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			sai.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errors = append(errors, err)
		}
	}

	if ptr := s.container.Config.Load(); ptr != nil {
		if err := (*ptr).(types.LifecycleManager).Stop(); err != nil {
			sai.Logger().Error("Failed to stop config manager", zap.Error(err))
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errors)
	}

	sai.Logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			sai.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			sai.Logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		sai.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		sai.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		sai.Logger().Info("Service shutdown: context done")
	}
}

func registerProviders(container *sai.Container, ctx context.Context, configPath string) error {
	var metricsManager types.MetricsManager
	var healthManager types.HealthManager
	var cacheManager types.CacheManager
	var databaseManager types.DatabaseManager
	var actionBroker types.ActionBroker
	var cronManager types.CronManager
	var batchManager types.BatchManager

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}
	container.SetConfig(configManager)

	_config := configManager.GetConfig()

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	container.SetLogger(loggerManager)

	if _config.Health != nil && _config.Health.Enabled {
		healthManager, err = health.NewManager(ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}
		container.SetHealth(healthManager)
	}

	if _config.Metrics != nil && _config.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		container.SetMetrics(metricsManager)
	}

	if _config.Cache != nil && _config.Cache.Enabled {
		cacheManager, err = cache.NewCacheManager(ctx, configManager, loggerManager, metricsManager, healthManager)
		if err != nil {
			return types.WrapError(err, "failed to register cache manager")
		}
		container.SetCache(cacheManager)
	}

	if _config.Database != nil && _config.Database.Enabled {
		databaseManager, err = database.NewManager(ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register database manager")
		}
		container.SetDatabase(databaseManager)
	}

	if _config.Actions != nil && _config.Actions.Enabled {
		actionBroker, err = action.NewActionBroker(ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register action broker")
		}
		container.SetActions(actionBroker)
	}

	if _config.Batch != nil && _config.Batch.Enabled {
		batchManager, err = batch.NewBatchManager(ctx, configManager, loggerManager, metricsManager, actionBroker)
		if err != nil {
			return types.WrapError(err, "failed to register batch manager")
		}
		container.SetBatch(batchManager)
	}

	if _config.Cron != nil && _config.Cron.Enabled {
		cronManager, err = cron.NewManager(ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}
		container.SetCron(cronManager)
	}

	if healthManager != nil {
		registerHealthCheckers(healthManager, cacheManager, batchManager, databaseManager, actionBroker)
	}

	if batchManager != nil && cronManager != nil && _config.Batch.ArchiveSchedule != "" {
		archiver := batch.NewArchiver(batchManager, databaseManager, loggerManager, _config.Batch)
		err = cronManager.Add("batch-archive", _config.Batch.ArchiveSchedule, func() {
			if err := archiver.Run(ctx); err != nil {
				loggerManager.Error("Batch archive run failed", zap.Error(err))
			}
		})
		if err != nil {
			return types.WrapError(err, "failed to register batch archive job")
		}
	}

	return nil
}

func registerHealthCheckers(healthManager types.HealthManager, cacheManager types.CacheManager, batchManager types.BatchManager, databaseManager types.DatabaseManager, actionBroker types.ActionBroker) {
	running := func(manager types.LifecycleManager) types.HealthCheck {
		if manager.IsRunning() {
			return types.HealthCheck{Status: types.StatusHealthy}
		}
		return types.HealthCheck{
			Status:  types.StatusUnhealthy,
			Message: "component is not running",
		}
	}

	if cacheManager != nil {
		healthManager.RegisterChecker("cache", func(ctx context.Context) types.HealthCheck {
			check := running(cacheManager)
			if check.Status == types.StatusHealthy {
				stats := cacheManager.Stats()
				check.Details = map[string]interface{}{
					"entries":   stats.Entries,
					"bytes":     stats.Bytes,
					"hit_rate":  stats.HitRate(),
					"evictions": stats.Evictions,
				}
			}
			return check
		})
	}

	if batchManager != nil {
		healthManager.RegisterChecker("batch", func(ctx context.Context) types.HealthCheck {
			check := running(batchManager)
			if check.Status == types.StatusHealthy {
				stats := batchManager.Stats()
				check.Details = map[string]interface{}{
					"jobs":            stats.Total,
					"running":         stats.ByStatus[types.BatchStatusRunning],
					"pending":         stats.ByStatus[types.BatchStatusPending],
					"items_processed": stats.ItemsProcessed,
				}
			}
			return check
		})
	}

	if databaseManager != nil {
		healthManager.RegisterChecker("database", func(ctx context.Context) types.HealthCheck {
			return running(databaseManager)
		})
	}

	if actionBroker != nil {
		healthManager.RegisterChecker("actions", func(ctx context.Context) types.HealthCheck {
			return running(actionBroker)
		})
	}
}
