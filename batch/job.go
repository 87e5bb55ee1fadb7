package batch

import (
	"context"
	"sync"
	"time"

	"github.com/saiset-co/sai-mcp/types"
)

// job is the mutable record behind one submitted operation. Its own mutex
// guards every field below it; the manager's job-table lock is never held
// while an executor runs or a pacing delay sleeps.
type job struct {
	id       string
	kind     types.BatchKind
	items    []interface{}
	executor types.ItemExecutor

	mu           sync.Mutex
	status       types.BatchStatus
	processed    int
	successful   int
	failed       int
	createdAt    time.Time
	startedAt    time.Time
	endedAt      time.Time
	errorSummary string
	results      []types.ItemResult
	cancel       context.CancelFunc
}

func newJob(id string, kind types.BatchKind, items []interface{}, executor types.ItemExecutor) *job {
	return &job{
		id:        id,
		kind:      kind,
		items:     items,
		executor:  executor,
		status:    types.BatchStatusPending,
		createdAt: time.Now(),
		results:   make([]types.ItemResult, 0, len(items)),
	}
}

func (j *job) snapshot() *types.BatchJobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	results := make([]types.ItemResult, len(j.results))
	copy(results, j.results)

	return &types.BatchJobSnapshot{
		ID:              j.id,
		Kind:            j.kind,
		Status:          j.status,
		TotalItems:      len(j.items),
		ProcessedItems:  j.processed,
		SuccessfulItems: j.successful,
		FailedItems:     j.failed,
		CreatedAt:       j.createdAt,
		StartedAt:       j.startedAt,
		EndedAt:         j.endedAt,
		ErrorSummary:    j.errorSummary,
		Results:         results,
	}
}

func (j *job) currentStatus() types.BatchStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// markRunning flips a pending job to running. Returns false when the job
// was cancelled before admission.
func (j *job) markRunning(cancel context.CancelFunc) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != types.BatchStatusPending {
		return false
	}

	j.status = types.BatchStatusRunning
	j.startedAt = time.Now()
	j.cancel = cancel
	return true
}

// markCancelledPending terminates a job that never started.
func (j *job) markCancelledPending() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != types.BatchStatusPending {
		return false
	}

	j.status = types.BatchStatusCancelled
	j.endedAt = time.Now()
	return true
}

func (j *job) requestCancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (j *job) recordResult(result types.ItemResult) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.results = append(j.results, result)
	j.processed++
	if result.Success {
		j.successful++
	} else {
		j.failed++
	}
}

func (j *job) finish(status types.BatchStatus, summary string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = status
	j.endedAt = time.Now()
	j.errorSummary = summary
}

func (j *job) progress() types.BatchProgress {
	j.mu.Lock()
	defer j.mu.Unlock()

	return types.BatchProgress{
		JobID:     j.id,
		Kind:      j.kind,
		Processed: j.processed,
		Total:     len(j.items),
	}
}

// run walks the item list sequentially. Cancellation is honored at item
// boundaries only: an executor already in flight always finishes and its
// result is kept. The pacing delay applies after every item, success or
// failure, and is skipped after the last one.
func (j *job) run(ctx context.Context, pacing time.Duration, onItem func(*job, types.ItemResult)) types.BatchStatus {
	for index, item := range j.items {
		if ctx.Err() != nil {
			return types.BatchStatusCancelled
		}

		start := time.Now()
		err := j.executor(ctx, item)
		duration := time.Since(start)

		result := types.ItemResult{
			Index:      index,
			Success:    err == nil,
			DurationMs: duration.Milliseconds(),
		}
		if err != nil {
			result.Error = err.Error()
		}

		j.recordResult(result)
		if onItem != nil {
			onItem(j, result)
		}

		if pacing > 0 && index < len(j.items)-1 {
			select {
			case <-ctx.Done():
				return types.BatchStatusCancelled
			case <-time.After(pacing):
			}
		}
	}

	j.mu.Lock()
	failed := j.failed
	j.mu.Unlock()

	if failed > 0 {
		return types.BatchStatusFailed
	}
	return types.BatchStatusCompleted
}
