package action

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/logger"
	"github.com/saiset-co/sai-mcp/types"
)

type stubConfig struct {
	cfg *types.ServiceConfig
}

func (s *stubConfig) Load() error                              { return nil }
func (s *stubConfig) GetConfig() *types.ServiceConfig          { return s.cfg }
func (s *stubConfig) GetValue(string, interface{}) interface{} { return nil }
func (s *stubConfig) GetAs(string, interface{}) error          { return nil }

func newTestDispatcher(t *testing.T) types.ActionBroker {
	t.Helper()

	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Actions: &types.ActionsConfig{Enabled: true},
	}}

	broker, err := NewActionBroker(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)
	require.NoError(t, broker.Start())

	t.Cleanup(func() {
		_ = broker.Stop()
	})

	return broker
}

func TestDispatcherDeliversToLocalSubscribers(t *testing.T) {
	broker := newTestDispatcher(t)

	var mu sync.Mutex
	var received []*types.ActionMessage

	require.NoError(t, broker.Subscribe(types.EventBatchCompleted, func(msg *types.ActionMessage) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	}))

	require.NoError(t, broker.Publish(types.EventBatchCompleted, map[string]interface{}{"job_id": "job-1"}))

	// Publish waits for local delivery, so the handler already ran.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, types.EventBatchCompleted, received[0].Action)
	assert.NotEmpty(t, received[0].MessageID)
	assert.False(t, received[0].Timestamp.IsZero())
}

func TestDispatcherHandlerFailureDoesNotFailPublish(t *testing.T) {
	broker := newTestDispatcher(t)

	require.NoError(t, broker.Subscribe("event.bad", func(msg *types.ActionMessage) error {
		return types.ErrOperationFailed
	}))
	require.NoError(t, broker.Subscribe("event.panics", func(msg *types.ActionMessage) error {
		panic("handler bug")
	}))

	assert.NoError(t, broker.Publish("event.bad", nil))
	assert.NoError(t, broker.Publish("event.panics", nil))
}

func TestDispatcherUnsubscribe(t *testing.T) {
	broker := newTestDispatcher(t)

	var mu sync.Mutex
	count := 0

	require.NoError(t, broker.Subscribe("event.once", func(msg *types.ActionMessage) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))

	require.NoError(t, broker.Publish("event.once", nil))
	require.NoError(t, broker.Unsubscribe("event.once"))
	require.NoError(t, broker.Publish("event.once", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestDispatcherValidation(t *testing.T) {
	broker := newTestDispatcher(t)

	err := broker.Subscribe("", func(msg *types.ActionMessage) error { return nil })
	assert.True(t, types.IsError(err, types.ErrActionConfigInvalid))

	err = broker.Subscribe("event", nil)
	assert.True(t, types.IsError(err, types.ErrActionConfigInvalid))
}

func TestDispatcherRejectsPublishWhenStopped(t *testing.T) {
	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Actions: &types.ActionsConfig{Enabled: true},
	}}

	broker, err := NewActionBroker(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil)
	require.NoError(t, err)

	err = broker.Publish("event", nil)
	assert.True(t, types.IsError(err, types.ErrActionNotInitialized))
}

func TestDisabledActionsRejected(t *testing.T) {
	config := &stubConfig{cfg: &types.ServiceConfig{
		Name:    "test",
		Version: "0.0.1",
		Actions: &types.ActionsConfig{Enabled: false},
	}}

	_, err := NewActionBroker(context.Background(), config, logger.NewZapWrapper(zap.NewNop()), nil)
	assert.True(t, types.IsError(err, types.ErrActionIsDisabled))
}
