package types

import (
	"context"
	"time"
)

type BatchKind string

const (
	BatchKindDelete     BatchKind = "delete"
	BatchKindForward    BatchKind = "forward"
	BatchKindExport     BatchKind = "export"
	BatchKindMarkAsRead BatchKind = "mark_as_read"
	BatchKindSend       BatchKind = "send"
	BatchKindPin        BatchKind = "pin"
	BatchKindReact      BatchKind = "react"
	BatchKindGeneric    BatchKind = "generic"
)

func (k BatchKind) Valid() bool {
	switch k {
	case BatchKindDelete, BatchKindForward, BatchKindExport, BatchKindMarkAsRead,
		BatchKindSend, BatchKindPin, BatchKindReact, BatchKindGeneric:
		return true
	}
	return false
}

type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed || s == BatchStatusCancelled
}

// ItemExecutor performs one item's remote call. A nil return is a success;
// a non-nil error is recorded as that item's failure and never aborts the
// rest of the job. Executors must not retry internally and should return
// within the configured pacing interval.
type ItemExecutor func(ctx context.Context, item interface{}) error

type ItemResult struct {
	Index      int    `json:"index"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type BatchJobSnapshot struct {
	ID              string       `json:"id"`
	Kind            BatchKind    `json:"kind"`
	Status          BatchStatus  `json:"status"`
	TotalItems      int          `json:"total_items"`
	ProcessedItems  int          `json:"processed_items"`
	SuccessfulItems int          `json:"successful_items"`
	FailedItems     int          `json:"failed_items"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       time.Time    `json:"started_at,omitempty"`
	EndedAt         time.Time    `json:"ended_at,omitempty"`
	ErrorSummary    string       `json:"error_summary,omitempty"`
	Results         []ItemResult `json:"results"`
}

type BatchStats struct {
	Total          int                 `json:"total"`
	ByStatus       map[BatchStatus]int `json:"by_status"`
	ByKind         map[BatchKind]int   `json:"by_kind"`
	ItemsProcessed int64               `json:"items_processed"`
	ItemsSucceeded int64               `json:"items_succeeded"`
	ItemsFailed    int64               `json:"items_failed"`
}

type BatchManager interface {
	LifecycleManager
	Submit(kind BatchKind, items []interface{}, executor ItemExecutor) (string, error)
	Cancel(jobID string) error
	Pause(jobID string) error
	Resume(jobID string) error
	Status(jobID string) (*BatchJobSnapshot, error)
	List(status BatchStatus) []*BatchJobSnapshot
	Recent(limit int) []*BatchJobSnapshot
	Stats() BatchStats
	Purge(jobID string) error
}

type BatchProgress struct {
	JobID     string    `json:"job_id"`
	Kind      BatchKind `json:"kind"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
}
