package action

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
)

// EventDispatcher fans published events out to three sinks: in-process
// subscribers, the optional external broker, and registered webhooks.
// Sink failures are logged, never returned: a dead webhook must not fail
// a batch job's event stream.
type EventDispatcher struct {
	ctx         context.Context
	logger      types.Logger
	metrics     types.MetricsManager
	broker      types.ActionBroker
	webhookMgr  *WebhookManager
	subscribers map[string][]types.ActionHandler
	subsMu      sync.RWMutex
	running     int32
}

func NewEventDispatcher(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.ActionBroker, error) {
	actionsConfig := config.GetConfig().Actions

	dispatcher := &EventDispatcher{
		ctx:         ctx,
		logger:      logger,
		metrics:     metrics,
		subscribers: make(map[string][]types.ActionHandler),
	}

	if actionsConfig.Webhook {
		webhookMgr, err := NewWebhookManager(ctx, logger, metrics, actionsConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to create webhook manager")
		}
		dispatcher.webhookMgr = webhookMgr
	}

	if actionsConfig.Type != "" && actionsConfig.Type != "local" {
		var broker types.ActionBroker
		var err error

		switch actionsConfig.Type {
		case "websocket":
			broker, err = NewWebSocketBroker(ctx, logger, metrics, actionsConfig)
		default:
			if creator, exists := customActionCreators[actionsConfig.Type]; exists {
				broker, err = creator(actionsConfig.Config)
			} else {
				return nil, types.Errorf(types.ErrActionTypeUnknown, "type: %s", actionsConfig.Type)
			}
		}

		if err != nil {
			return nil, types.WrapError(err, "failed to create action broker")
		}

		dispatcher.broker = broker
	}

	return newInstrumentedEventDispatcher(logger, metrics, dispatcher), nil
}

func (ed *EventDispatcher) Publish(action string, payload interface{}) error {
	if !ed.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-mcp",
		MessageID: uuid.NewString(),
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		ed.deliverLocal(message)
	}()

	if ed.broker != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ed.broker.Publish(action, payload); err != nil {
				ed.logger.Error("Broker publish failed",
					zap.String("action", action),
					zap.Error(err))
			}
		}()
	}

	if ed.webhookMgr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ed.webhookMgr.NotifyWebhooks(action, payload); err != nil {
				ed.logger.Error("Webhook notification failed",
					zap.String("action", action),
					zap.Error(err))
			}
		}()
	}

	wg.Wait()
	return nil
}

func (ed *EventDispatcher) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}

	ed.subsMu.Lock()
	ed.subscribers[action] = append(ed.subscribers[action], handler)
	ed.subsMu.Unlock()

	if ed.broker != nil {
		if err := ed.broker.Subscribe(action, handler); err != nil {
			ed.logger.Warn("Broker subscribe failed, local subscription kept",
				zap.String("action", action),
				zap.Error(err))
		}
	}

	return nil
}

func (ed *EventDispatcher) Unsubscribe(action string) error {
	ed.subsMu.Lock()
	delete(ed.subscribers, action)
	ed.subsMu.Unlock()

	if ed.broker != nil {
		if err := ed.broker.Unsubscribe(action); err != nil {
			ed.logger.Warn("Broker unsubscribe failed",
				zap.String("action", action),
				zap.Error(err))
		}
	}

	return nil
}

func (ed *EventDispatcher) Start() error {
	if !atomic.CompareAndSwapInt32(&ed.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	if ed.webhookMgr != nil {
		if err := ed.webhookMgr.Start(); err != nil {
			atomic.StoreInt32(&ed.running, 0)
			return types.WrapError(err, "failed to start webhook manager")
		}
	}

	if ed.broker != nil {
		if err := ed.broker.Start(); err != nil {
			ed.logger.Error("Failed to start broker", zap.Error(err))
		}
	}

	ed.logger.Info("Event dispatcher started")
	return nil
}

func (ed *EventDispatcher) Stop() error {
	if !atomic.CompareAndSwapInt32(&ed.running, 1, 0) {
		return types.ErrServerNotRunning
	}

	if ed.webhookMgr != nil {
		if err := ed.webhookMgr.Stop(); err != nil {
			ed.logger.Error("Failed to stop webhook manager", zap.Error(err))
		}
	}

	if ed.broker != nil {
		if err := ed.broker.Stop(); err != nil {
			ed.logger.Error("Failed to stop broker", zap.Error(err))
		}
	}

	ed.logger.Info("Event dispatcher stopped")
	return nil
}

func (ed *EventDispatcher) IsRunning() bool {
	return atomic.LoadInt32(&ed.running) == 1
}

// Webhooks exposes the registry for CRUD; nil when webhooks are disabled.
func (ed *EventDispatcher) Webhooks() *WebhookManager {
	return ed.webhookMgr
}

func (ed *EventDispatcher) deliverLocal(message *types.ActionMessage) {
	ed.subsMu.RLock()
	handlers := make([]types.ActionHandler, len(ed.subscribers[message.Action]))
	copy(handlers, ed.subscribers[message.Action])
	ed.subsMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					ed.logger.Error("Action handler panicked",
						zap.String("action", message.Action),
						zap.Any("panic", r))
				}
			}()

			if err := handler(message); err != nil {
				ed.logger.Error("Action handler failed",
					zap.String("action", message.Action),
					zap.String("message_id", message.MessageID),
					zap.Error(err))
			}
		}()
	}
}

type instrumentedEventDispatcher struct {
	impl    *EventDispatcher
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedEventDispatcher(logger types.Logger, metrics types.MetricsManager, impl *EventDispatcher) types.ActionBroker {
	return &instrumentedEventDispatcher{
		impl:    impl,
		logger:  logger,
		metrics: metrics,
	}
}

func (ied *instrumentedEventDispatcher) Publish(action string, payload interface{}) error {
	start := time.Now()
	err := ied.impl.Publish(action, payload)
	ied.recordMetric("publish", action, err, time.Since(start))
	return err
}

func (ied *instrumentedEventDispatcher) Subscribe(action string, handler types.ActionHandler) error {
	return ied.impl.Subscribe(action, ied.wrapHandler(action, handler))
}

func (ied *instrumentedEventDispatcher) Unsubscribe(action string) error {
	return ied.impl.Unsubscribe(action)
}

func (ied *instrumentedEventDispatcher) Start() error {
	return ied.impl.Start()
}

func (ied *instrumentedEventDispatcher) Stop() error {
	return ied.impl.Stop()
}

func (ied *instrumentedEventDispatcher) IsRunning() bool {
	return ied.impl.IsRunning()
}

func (ied *instrumentedEventDispatcher) wrapHandler(action string, handler types.ActionHandler) types.ActionHandler {
	return func(payload *types.ActionMessage) error {
		start := time.Now()
		err := handler(payload)
		ied.recordMetric("handle", action, err, time.Since(start))
		return err
	}
}

func (ied *instrumentedEventDispatcher) recordMetric(operation, action string, err error, duration time.Duration) {
	if ied.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	ied.metrics.Counter("action_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"action":    action,
	}).Inc()

	ied.metrics.Histogram("action_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0},
		map[string]string{"operation": operation, "action": action},
	).Observe(duration.Seconds())
}
