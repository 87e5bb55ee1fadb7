package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-mcp/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultMaxConcurrent  = 3
	DefaultItemsPerSecond = 10.0
	DefaultQueueInterval  = 250 * time.Millisecond
)

// Manager owns the job table and the admission scheduler. Jobs enter a
// pending queue on Submit and are admitted in submission order whenever a
// concurrency slot frees up. Each admitted job runs on its own goroutine;
// items inside a job are strictly sequential.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	config          *types.BatchConfig
	logger          types.Logger
	metrics         types.MetricsManager
	broker          types.ActionBroker
	pacing          time.Duration
	queueInterval   time.Duration
	maxConcurrent   int
	mu              sync.Mutex
	jobs            map[string]*job
	pending         []string
	running         int
	itemsProcessed  int64
	itemsSucceeded  int64
	itemsFailed     int64
	poke            chan struct{}
	schedulerDone   chan struct{}
	jobsWg          sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewBatchManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, broker types.ActionBroker) (types.BatchManager, error) {
	batchConfig := config.GetConfig().Batch

	if batchConfig == nil || !batchConfig.Enabled {
		return nil, types.ErrBatchIsDisabled
	}

	maxConcurrent := batchConfig.MaxConcurrentOperations
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	itemsPerSecond := batchConfig.ItemsPerSecond
	if itemsPerSecond <= 0 {
		itemsPerSecond = DefaultItemsPerSecond
	}

	queueInterval := batchConfig.QueueInterval
	if queueInterval <= 0 {
		queueInterval = DefaultQueueInterval
	}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		config:          batchConfig,
		logger:          logger,
		metrics:         metrics,
		broker:          broker,
		pacing:          time.Duration(float64(time.Second) / itemsPerSecond),
		queueInterval:   queueInterval,
		maxConcurrent:   maxConcurrent,
		jobs:            make(map[string]*job),
		pending:         make([]string, 0, 16),
		poke:            make(chan struct{}, 1),
		schedulerDone:   make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
	}

	m.state.Store(StateStopped)

	return m, nil
}

// Submit validates and enqueues a job, returning its id immediately. The
// job starts when the scheduler grants it a concurrency slot.
func (m *Manager) Submit(kind types.BatchKind, items []interface{}, executor types.ItemExecutor) (string, error) {
	if !kind.Valid() {
		return "", types.Errorf(types.ErrBatchKindUnknown, "kind: %s", kind)
	}
	if len(items) == 0 {
		return "", types.ErrBatchItemsEmpty
	}
	if executor == nil {
		return "", types.ErrBatchExecutorIsNil
	}
	if m.getState() != StateRunning {
		return "", types.ErrBatchQueueStopped
	}

	j := newJob(uuid.NewString(), kind, items, executor)

	m.mu.Lock()
	m.jobs[j.id] = j
	m.pending = append(m.pending, j.id)
	m.mu.Unlock()

	m.logger.Info("Batch job submitted",
		zap.String("job_id", j.id),
		zap.String("kind", string(kind)),
		zap.Int("items", len(items)))

	m.wakeScheduler()

	return j.id, nil
}

// Cancel terminates a pending job immediately or asks a running one to
// stop at its next item boundary. The in-flight item always finishes.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	j, exists := m.jobs[jobID]
	m.mu.Unlock()

	if !exists {
		return types.Errorf(types.ErrBatchJobNotFound, "id: %s", jobID)
	}

	switch j.currentStatus() {
	case types.BatchStatusPending:
		if !j.markCancelledPending() {
			// Lost the race with admission, fall through to running cancel.
			j.requestCancel()
			return nil
		}

		m.mu.Lock()
		m.removePendingUnsafe(jobID)
		m.mu.Unlock()

		m.recordJobMetrics(j.kind, types.BatchStatusCancelled)
		m.publish(types.EventBatchCancelled, j.snapshot())
		m.logger.Info("Batch job cancelled before start", zap.String("job_id", jobID))
		return nil
	case types.BatchStatusRunning:
		j.requestCancel()
		m.logger.Info("Batch job cancellation requested", zap.String("job_id", jobID))
		return nil
	default:
		return types.Errorf(types.ErrBatchJobTerminal, "id: %s, status: %s", jobID, j.currentStatus())
	}
}

// Pause is not part of the execution model: a paused half-done batch would
// hold its concurrency slot and its partial ledger indefinitely. Cancel
// and resubmit the remainder instead.
func (m *Manager) Pause(jobID string) error {
	return types.Errorf(types.ErrNotSupported, "pause is not supported, cancel and resubmit")
}

func (m *Manager) Resume(jobID string) error {
	return types.Errorf(types.ErrNotSupported, "resume is not supported, cancel and resubmit")
}

func (m *Manager) Status(jobID string) (*types.BatchJobSnapshot, error) {
	m.mu.Lock()
	j, exists := m.jobs[jobID]
	m.mu.Unlock()

	if !exists {
		return nil, types.Errorf(types.ErrBatchJobNotFound, "id: %s", jobID)
	}

	return j.snapshot(), nil
}

// List returns snapshots filtered by status; an empty status returns all.
func (m *Manager) List(status types.BatchStatus) []*types.BatchJobSnapshot {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	snapshots := make([]*types.BatchJobSnapshot, 0, len(jobs))
	for _, j := range jobs {
		snapshot := j.snapshot()
		if status != "" && snapshot.Status != status {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}

	sort.Slice(snapshots, func(i, k int) bool {
		return snapshots[i].CreatedAt.After(snapshots[k].CreatedAt)
	})

	return snapshots
}

// Recent returns the most recently started jobs first; jobs that never
// started sort last.
func (m *Manager) Recent(limit int) []*types.BatchJobSnapshot {
	snapshots := m.List("")

	sort.SliceStable(snapshots, func(i, k int) bool {
		return snapshots[i].StartedAt.After(snapshots[k].StartedAt)
	})

	if limit > 0 && len(snapshots) > limit {
		snapshots = snapshots[:limit]
	}
	return snapshots
}

func (m *Manager) Stats() types.BatchStats {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	itemsProcessed := m.itemsProcessed
	itemsSucceeded := m.itemsSucceeded
	itemsFailed := m.itemsFailed
	m.mu.Unlock()

	stats := types.BatchStats{
		Total:          len(jobs),
		ByStatus:       make(map[types.BatchStatus]int),
		ByKind:         make(map[types.BatchKind]int),
		ItemsProcessed: itemsProcessed,
		ItemsSucceeded: itemsSucceeded,
		ItemsFailed:    itemsFailed,
	}

	for _, j := range jobs {
		stats.ByStatus[j.currentStatus()]++
		stats.ByKind[j.kind]++
	}

	return stats
}

// Purge drops a terminal job from the table. Running and pending jobs
// must be cancelled first.
func (m *Manager) Purge(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, exists := m.jobs[jobID]
	if !exists {
		return types.Errorf(types.ErrBatchJobNotFound, "id: %s", jobID)
	}

	if !j.currentStatus().Terminal() {
		return types.Errorf(types.ErrBatchJobNotTerminal, "id: %s, status: %s", jobID, j.currentStatus())
	}

	delete(m.jobs, jobID)
	return nil
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		m.logger.Warn("Batch manager is already running")
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	go m.schedulerLoop()

	m.logger.Info("Batch manager started",
		zap.Int("max_concurrent", m.maxConcurrent),
		zap.Duration("pacing", m.pacing),
		zap.Duration("queue_interval", m.queueInterval))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		m.logger.Warn("Batch manager is not running")
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(StateStopped)
	}()

	m.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-m.schedulerDone:
			return nil
		case <-gCtx.Done():
			return types.WrapError(gCtx.Err(), "scheduler stop timeout")
		}
	})

	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			m.jobsWg.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return types.WrapError(gCtx.Err(), "job drain timeout")
		}
	})

	if err := g.Wait(); err != nil {
		m.logger.Warn("Batch manager stop timeout, some jobs may not have stopped gracefully", zap.Error(err))
	} else {
		m.logger.Info("Batch manager stopped gracefully")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

// schedulerLoop admits pending jobs on a fixed tick and whenever Submit
// or a finishing job pokes it. The tick alone would be enough for
// correctness; the poke keeps admission latency below the tick.
func (m *Manager) schedulerLoop() {
	defer close(m.schedulerDone)

	ticker := time.NewTicker(m.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug("Batch scheduler stopped by context")
			return
		case <-ticker.C:
			m.admitPending()
		case <-m.poke:
			m.admitPending()
		}
	}
}

func (m *Manager) wakeScheduler() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// admitPending starts queued jobs in submission order while slots remain.
func (m *Manager) admitPending() {
	for {
		m.mu.Lock()
		if m.running >= m.maxConcurrent || len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}

		jobID := m.pending[0]
		m.pending = m.pending[1:]
		j := m.jobs[jobID]
		m.mu.Unlock()

		if j == nil {
			continue
		}

		jobCtx, jobCancel := context.WithCancel(m.ctx)
		if !j.markRunning(jobCancel) {
			// Cancelled between submit and admission.
			jobCancel()
			continue
		}

		m.mu.Lock()
		m.running++
		running := m.running
		m.mu.Unlock()

		m.setRunningGauge(running)
		m.publish(types.EventBatchStarted, j.snapshot())
		m.logger.Info("Batch job started",
			zap.String("job_id", j.id),
			zap.String("kind", string(j.kind)),
			zap.Int("items", len(j.items)))

		m.jobsWg.Add(1)
		go m.runJob(jobCtx, jobCancel, j)
	}
}

func (m *Manager) runJob(ctx context.Context, cancel context.CancelFunc, j *job) {
	defer m.jobsWg.Done()
	defer cancel()

	status := j.run(ctx, m.pacing, m.onItemDone)

	summary := ""
	snapshot := j.snapshot()
	if status == types.BatchStatusFailed {
		summary = fmt.Sprintf("%d of %d items failed", snapshot.FailedItems, snapshot.TotalItems)
	}

	j.finish(status, summary)
	snapshot = j.snapshot()

	if snapshot.ProcessedItems != snapshot.SuccessfulItems+snapshot.FailedItems ||
		snapshot.ProcessedItems > snapshot.TotalItems {
		m.logger.ErrorWithErrStack("Batch job ledger inconsistent",
			types.Errorf(types.ErrBatchInvariantBroken,
				"id: %s, processed: %d, successful: %d, failed: %d, total: %d",
				j.id, snapshot.ProcessedItems, snapshot.SuccessfulItems,
				snapshot.FailedItems, snapshot.TotalItems))
	}

	m.mu.Lock()
	m.running--
	running := m.running
	m.mu.Unlock()

	m.setRunningGauge(running)
	m.recordJobMetrics(j.kind, status)

	switch status {
	case types.BatchStatusCompleted:
		m.publish(types.EventBatchCompleted, snapshot)
	case types.BatchStatusFailed:
		m.publish(types.EventBatchFailed, snapshot)
	case types.BatchStatusCancelled:
		m.publish(types.EventBatchCancelled, snapshot)
	}

	m.logger.Info("Batch job finished",
		zap.String("job_id", j.id),
		zap.String("status", string(status)),
		zap.Int("processed", snapshot.ProcessedItems),
		zap.Int("failed", snapshot.FailedItems),
		zap.Duration("elapsed", snapshot.EndedAt.Sub(snapshot.StartedAt)))

	// A slot just freed up.
	m.wakeScheduler()
}

func (m *Manager) onItemDone(j *job, result types.ItemResult) {
	m.mu.Lock()
	m.itemsProcessed++
	if result.Success {
		m.itemsSucceeded++
	} else {
		m.itemsFailed++
	}
	m.mu.Unlock()

	m.recordItemMetrics(j.kind, result.Success)
	m.publish(types.EventBatchProgress, j.progress())

	if !result.Success {
		m.logger.Debug("Batch item failed",
			zap.String("job_id", j.id),
			zap.Int("index", result.Index),
			zap.String("error", result.Error))
	}
}

// removePendingUnsafe splices a job id out of the pending queue. Caller
// holds m.mu.
func (m *Manager) removePendingUnsafe(jobID string) {
	for i, id := range m.pending {
		if id == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

func (m *Manager) publish(event string, payload interface{}) {
	if m.broker == nil {
		return
	}

	if err := m.broker.Publish(event, payload); err != nil {
		m.logger.Warn("Failed to publish batch event",
			zap.String("event", event),
			zap.Error(err))
	}
}

func (m *Manager) recordJobMetrics(kind types.BatchKind, status types.BatchStatus) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("batch_jobs_total", map[string]string{
		"kind":   string(kind),
		"status": string(status),
	}).Inc()
}

func (m *Manager) recordItemMetrics(kind types.BatchKind, success bool) {
	if m.metrics == nil {
		return
	}

	result := "failure"
	if success {
		result = "success"
	}

	m.metrics.Counter("batch_items_total", map[string]string{
		"kind":   string(kind),
		"result": result,
	}).Inc()
}

func (m *Manager) setRunningGauge(running int) {
	if m.metrics == nil {
		return
	}

	m.metrics.Gauge("batch_jobs_running", nil).Set(float64(running))
}
