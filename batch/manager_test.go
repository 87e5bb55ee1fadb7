package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/types"
)

type stubConfig struct {
	cfg *types.ServiceConfig
}

func (s *stubConfig) Load() error                          { return nil }
func (s *stubConfig) GetConfig() *types.ServiceConfig      { return s.cfg }
func (s *stubConfig) GetValue(string, interface{}) interface{} { return nil }
func (s *stubConfig) GetAs(string, interface{}) error      { return nil }

func newTestManager(t *testing.T, batchConfig *types.BatchConfig) types.BatchManager {
	t.Helper()

	if batchConfig == nil {
		batchConfig = &types.BatchConfig{
			Enabled:                 true,
			MaxConcurrentOperations: 3,
			ItemsPerSecond:          1000,
			QueueInterval:           10 * time.Millisecond,
		}
	}

	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Batch:   batchConfig,
	}}

	manager, err := NewBatchManager(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil, nil)
	require.NoError(t, err)
	require.NoError(t, manager.Start())

	t.Cleanup(func() {
		_ = manager.Stop()
	})

	return manager
}

func waitForTerminal(t *testing.T, manager types.BatchManager, jobID string) *types.BatchJobSnapshot {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snapshot, err := manager.Status(jobID)
		require.NoError(t, err)
		if snapshot.Status.Terminal() {
			return snapshot
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("job %s did not reach a terminal status", jobID)
	return nil
}

func noopExecutor(context.Context, interface{}) error { return nil }

func TestSubmitValidation(t *testing.T) {
	manager := newTestManager(t, nil)

	_, err := manager.Submit("reticulate", []interface{}{1}, noopExecutor)
	assert.True(t, types.IsError(err, types.ErrBatchKindUnknown))

	_, err = manager.Submit(types.BatchKindDelete, nil, noopExecutor)
	assert.True(t, types.IsError(err, types.ErrBatchItemsEmpty))

	_, err = manager.Submit(types.BatchKindDelete, []interface{}{1}, nil)
	assert.True(t, types.IsError(err, types.ErrBatchExecutorIsNil))
}

func TestSubmitRejectedWhenStopped(t *testing.T) {
	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Batch:   &types.BatchConfig{Enabled: true},
	}}

	manager, err := NewBatchManager(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil, nil)
	require.NoError(t, err)

	_, err = manager.Submit(types.BatchKindDelete, []interface{}{1}, noopExecutor)
	assert.True(t, types.IsError(err, types.ErrBatchQueueStopped))
}

func TestDisabledConfigRejected(t *testing.T) {
	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Batch:   &types.BatchConfig{Enabled: false},
	}}

	_, err := NewBatchManager(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil, nil)
	assert.True(t, types.IsError(err, types.ErrBatchIsDisabled))
}

func TestJobCompletesAllItems(t *testing.T) {
	manager := newTestManager(t, nil)

	var processed []interface{}
	var mu sync.Mutex

	items := []interface{}{10, 20, 30, 40, 50}
	jobID, err := manager.Submit(types.BatchKindSend, items, func(ctx context.Context, item interface{}) error {
		mu.Lock()
		processed = append(processed, item)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	snapshot := waitForTerminal(t, manager, jobID)

	assert.Equal(t, types.BatchStatusCompleted, snapshot.Status)
	assert.Equal(t, 5, snapshot.TotalItems)
	assert.Equal(t, 5, snapshot.ProcessedItems)
	assert.Equal(t, 5, snapshot.SuccessfulItems)
	assert.Equal(t, 0, snapshot.FailedItems)
	assert.Empty(t, snapshot.ErrorSummary)
	assert.False(t, snapshot.StartedAt.IsZero())
	assert.False(t, snapshot.EndedAt.IsZero())

	require.Len(t, snapshot.Results, 5)
	for i, result := range snapshot.Results {
		assert.Equal(t, i, result.Index)
		assert.True(t, result.Success)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, items, processed)
}

func TestPartialFailureMarksJobFailed(t *testing.T) {
	manager := newTestManager(t, nil)

	items := []interface{}{0, 1, 2, 3}
	jobID, err := manager.Submit(types.BatchKindDelete, items, func(ctx context.Context, item interface{}) error {
		if item.(int)%2 == 0 {
			return types.NewErrorf("message %d not found", item)
		}
		return nil
	})
	require.NoError(t, err)

	snapshot := waitForTerminal(t, manager, jobID)

	assert.Equal(t, types.BatchStatusFailed, snapshot.Status)
	assert.Equal(t, 4, snapshot.ProcessedItems)
	assert.Equal(t, 2, snapshot.SuccessfulItems)
	assert.Equal(t, 2, snapshot.FailedItems)
	assert.Contains(t, snapshot.ErrorSummary, "2 of 4 items failed")

	require.Len(t, snapshot.Results, 4)
	assert.False(t, snapshot.Results[0].Success)
	assert.Contains(t, snapshot.Results[0].Error, "not found")
	assert.True(t, snapshot.Results[1].Success)
	assert.Empty(t, snapshot.Results[1].Error)
}

func TestCancelPendingJob(t *testing.T) {
	manager := newTestManager(t, &types.BatchConfig{
		Enabled:                 true,
		MaxConcurrentOperations: 1,
		ItemsPerSecond:          1000,
		QueueInterval:           10 * time.Millisecond,
	})

	release := make(chan struct{})
	blockingID, err := manager.Submit(types.BatchKindForward, []interface{}{1}, func(ctx context.Context, item interface{}) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// Wait until the blocker holds the only slot.
	require.Eventually(t, func() bool {
		snapshot, err := manager.Status(blockingID)
		return err == nil && snapshot.Status == types.BatchStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	pendingID, err := manager.Submit(types.BatchKindForward, []interface{}{2, 3}, noopExecutor)
	require.NoError(t, err)

	require.NoError(t, manager.Cancel(pendingID))

	snapshot, err := manager.Status(pendingID)
	require.NoError(t, err)
	assert.Equal(t, types.BatchStatusCancelled, snapshot.Status)
	assert.Equal(t, 0, snapshot.ProcessedItems)

	// Terminal jobs cannot be cancelled again.
	err = manager.Cancel(pendingID)
	assert.True(t, types.IsError(err, types.ErrBatchJobTerminal))

	close(release)
	waitForTerminal(t, manager, blockingID)
}

func TestCancelRunningJobStopsAtItemBoundary(t *testing.T) {
	manager := newTestManager(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	jobID, err := manager.Submit(types.BatchKindMarkAsRead, []interface{}{1, 2, 3, 4, 5}, func(ctx context.Context, item interface{}) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, manager.Cancel(jobID))
	close(release)

	snapshot := waitForTerminal(t, manager, jobID)

	// The in-flight item finishes and is recorded; nothing after it runs.
	assert.Equal(t, types.BatchStatusCancelled, snapshot.Status)
	assert.Equal(t, 1, snapshot.ProcessedItems)
	assert.Equal(t, 1, snapshot.SuccessfulItems)
	assert.Len(t, snapshot.Results, 1)
}

func TestCancelUnknownJob(t *testing.T) {
	manager := newTestManager(t, nil)

	err := manager.Cancel("no-such-job")
	assert.True(t, types.IsError(err, types.ErrBatchJobNotFound))
}

func TestConcurrencyCap(t *testing.T) {
	manager := newTestManager(t, &types.BatchConfig{
		Enabled:                 true,
		MaxConcurrentOperations: 2,
		ItemsPerSecond:          1000,
		QueueInterval:           10 * time.Millisecond,
	})

	var current, peak int32

	jobIDs := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		jobID, err := manager.Submit(types.BatchKindReact, []interface{}{i}, func(ctx context.Context, item interface{}) error {
			running := atomic.AddInt32(&current, 1)
			for {
				observed := atomic.LoadInt32(&peak)
				if running <= observed || atomic.CompareAndSwapInt32(&peak, observed, running) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&current, -1)
			return nil
		})
		require.NoError(t, err)
		jobIDs = append(jobIDs, jobID)
	}

	for _, jobID := range jobIDs {
		snapshot := waitForTerminal(t, manager, jobID)
		assert.Equal(t, types.BatchStatusCompleted, snapshot.Status)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPacingBoundsJobDuration(t *testing.T) {
	manager := newTestManager(t, &types.BatchConfig{
		Enabled:                 true,
		MaxConcurrentOperations: 1,
		ItemsPerSecond:          20, // 50ms between items
		QueueInterval:           10 * time.Millisecond,
	})

	jobID, err := manager.Submit(types.BatchKindPin, []interface{}{1, 2, 3, 4}, noopExecutor)
	require.NoError(t, err)

	snapshot := waitForTerminal(t, manager, jobID)

	// Three inter-item delays; the delay after the last item is skipped.
	elapsed := snapshot.EndedAt.Sub(snapshot.StartedAt)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestPauseResumeNotSupported(t *testing.T) {
	manager := newTestManager(t, nil)

	assert.True(t, types.IsError(manager.Pause("any"), types.ErrNotSupported))
	assert.True(t, types.IsError(manager.Resume("any"), types.ErrNotSupported))
}

func TestPurgeRequiresTerminalStatus(t *testing.T) {
	manager := newTestManager(t, nil)

	release := make(chan struct{})
	jobID, err := manager.Submit(types.BatchKindExport, []interface{}{1}, func(ctx context.Context, item interface{}) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := manager.Status(jobID)
		return err == nil && snapshot.Status == types.BatchStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	err = manager.Purge(jobID)
	assert.True(t, types.IsError(err, types.ErrBatchJobNotTerminal))

	close(release)
	waitForTerminal(t, manager, jobID)

	require.NoError(t, manager.Purge(jobID))

	_, err = manager.Status(jobID)
	assert.True(t, types.IsError(err, types.ErrBatchJobNotFound))

	err = manager.Purge(jobID)
	assert.True(t, types.IsError(err, types.ErrBatchJobNotFound))
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	manager := newTestManager(t, nil)

	jobIDs := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		jobID, err := manager.Submit(types.BatchKindGeneric, []interface{}{i}, noopExecutor)
		require.NoError(t, err)
		jobIDs = append(jobIDs, jobID)
		time.Sleep(5 * time.Millisecond)
	}

	for _, jobID := range jobIDs {
		waitForTerminal(t, manager, jobID)
	}

	recent := manager.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, jobIDs[2], recent[0].ID)
	assert.Equal(t, jobIDs[1], recent[1].ID)
}

func TestStatsAggregateAcrossJobs(t *testing.T) {
	manager := newTestManager(t, nil)

	okID, err := manager.Submit(types.BatchKindSend, []interface{}{1, 2}, noopExecutor)
	require.NoError(t, err)

	badID, err := manager.Submit(types.BatchKindDelete, []interface{}{1}, func(ctx context.Context, item interface{}) error {
		return types.ErrOperationFailed
	})
	require.NoError(t, err)

	waitForTerminal(t, manager, okID)
	waitForTerminal(t, manager, badID)

	stats := manager.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus[types.BatchStatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[types.BatchStatusFailed])
	assert.Equal(t, 1, stats.ByKind[types.BatchKindSend])
	assert.Equal(t, 1, stats.ByKind[types.BatchKindDelete])
	assert.Equal(t, int64(3), stats.ItemsProcessed)
	assert.Equal(t, int64(2), stats.ItemsSucceeded)
	assert.Equal(t, int64(1), stats.ItemsFailed)
}

func TestListFiltersByStatus(t *testing.T) {
	manager := newTestManager(t, nil)

	okID, err := manager.Submit(types.BatchKindSend, []interface{}{1}, noopExecutor)
	require.NoError(t, err)

	badID, err := manager.Submit(types.BatchKindSend, []interface{}{1}, func(ctx context.Context, item interface{}) error {
		return types.ErrOperationFailed
	})
	require.NoError(t, err)

	waitForTerminal(t, manager, okID)
	waitForTerminal(t, manager, badID)

	completed := manager.List(types.BatchStatusCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, okID, completed[0].ID)

	all := manager.List("")
	assert.Len(t, all, 2)
}
