package types

import (
	"time"
)

const (
	EventBatchStarted   = "batch.operation.started"
	EventBatchProgress  = "batch.operation.progress"
	EventBatchCompleted = "batch.operation.completed"
	EventBatchFailed    = "batch.operation.failed"
	EventBatchCancelled = "batch.operation.cancelled"
)

type ActionBroker interface {
	LifecycleManager
	Publish(action string, payload interface{}) error
	Subscribe(action string, handler ActionHandler) error
	Unsubscribe(action string) error
}

type Dispatcher interface {
	ActionBroker
}

type ActionHandler func(payload *ActionMessage) error
type ActionBrokerCreator func(config interface{}) (ActionBroker, error)

type ActionMessage struct {
	Action    string            `json:"action"`
	Payload   interface{}       `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata"`
	MessageID string            `json:"message_id"`
}
