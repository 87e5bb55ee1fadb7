package action

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

type BrokerState int32

const (
	BrokerStateStopped BrokerState = iota
	BrokerStateStarting
	BrokerStateRunning
	BrokerStateStopping
	BrokerStateReconnecting
)

type WebSocketConfig struct {
	URL            string        `json:"url"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	MaxRetries     int           `json:"max_retries"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteWait      time.Duration `json:"write_wait"`
}

// WebSocketBroker relays events to an external hub over a single client
// connection with automatic reconnect.
type WebSocketBroker struct {
	ctx               context.Context
	cancel            context.CancelFunc
	logger            types.Logger
	metrics           types.MetricsManager
	config            *WebSocketConfig
	conn              *websocket.Conn
	connMu            sync.RWMutex
	subscriptions     map[string][]types.ActionHandler
	subsMu            sync.RWMutex
	send              chan *types.ActionMessage
	reconnectCh       chan struct{}
	state             atomic.Value
	messageIDGen      int64
	reconnectAttempts int32
}

func NewWebSocketBroker(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.ActionsConfig) (types.ActionBroker, error) {
	wsConfig := &WebSocketConfig{
		URL:            "ws://localhost:8081/ws",
		ReconnectDelay: 5 * time.Second,
		MaxRetries:     10,
		PingInterval:   54 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, wsConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal websocket config")
		}
	}

	brokerCtx, cancel := context.WithCancel(ctx)

	broker := &WebSocketBroker{
		ctx:           brokerCtx,
		cancel:        cancel,
		logger:        logger,
		metrics:       metrics,
		config:        wsConfig,
		subscriptions: make(map[string][]types.ActionHandler),
		send:          make(chan *types.ActionMessage, 256),
		reconnectCh:   make(chan struct{}, 1),
	}

	broker.state.Store(BrokerStateStopped)

	logger.Info("WebSocket broker initialized",
		zap.String("url", wsConfig.URL),
		zap.Duration("reconnect_delay", wsConfig.ReconnectDelay))

	return broker, nil
}

func (w *WebSocketBroker) Publish(action string, payload interface{}) error {
	if !w.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "websocket-broker",
		MessageID: w.generateMessageID(),
	}

	select {
	case w.send <- message:
		return nil
	case <-w.ctx.Done():
		return types.ErrActionNotInitialized
	default:
		w.logger.Error("Send channel is full, dropping message",
			zap.String("action", action),
			zap.String("message_id", message.MessageID))
		return types.ErrActionPublishFailed
	}
}

func (w *WebSocketBroker) Subscribe(action string, handler types.ActionHandler) error {
	if action == "" || handler == nil {
		return types.ErrActionConfigInvalid
	}

	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	w.subscriptions[action] = append(w.subscriptions[action], handler)
	return nil
}

func (w *WebSocketBroker) Unsubscribe(action string) error {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()

	delete(w.subscriptions, action)
	return nil
}

func (w *WebSocketBroker) Start() error {
	if !w.transitionState(BrokerStateStopped, BrokerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if w.getState() == BrokerStateStarting {
			w.setState(BrokerStateRunning)
		}
	}()

	if err := w.connect(); err != nil {
		w.setState(BrokerStateStopped)
		return types.WrapError(err, "failed to establish initial connection")
	}

	go w.readPump()
	go w.writePump()
	go w.reconnectLoop()

	w.logger.Info("WebSocket broker started")
	return nil
}

func (w *WebSocketBroker) Stop() error {
	if !w.transitionState(BrokerStateRunning, BrokerStateStopping) &&
		!w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(BrokerStateStopped)
		w.cancel()
	}()

	w.connMu.Lock()
	if w.conn != nil {
		if err := w.conn.Close(); err != nil {
			w.logger.Error("Failed to close connection", zap.Error(err))
		}
		w.conn = nil
	}
	w.connMu.Unlock()

	w.logger.Info("WebSocket broker stopped gracefully")
	return nil
}

func (w *WebSocketBroker) IsRunning() bool {
	state := w.getState()
	return state == BrokerStateRunning || state == BrokerStateReconnecting
}

func (w *WebSocketBroker) getState() BrokerState {
	return w.state.Load().(BrokerState)
}

func (w *WebSocketBroker) setState(newState BrokerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *WebSocketBroker) transitionState(from, to BrokerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *WebSocketBroker) connect() error {
	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, w.config.URL, nil)
	if err != nil {
		return types.WrapError(err, "failed to dial websocket server")
	}

	w.connMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.connMu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(w.config.PongWait))
		return nil
	})

	atomic.StoreInt32(&w.reconnectAttempts, 0)

	w.logger.Info("Connected to websocket server", zap.String("url", w.config.URL))
	return nil
}

func (w *WebSocketBroker) reconnectLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.reconnectCh:
			if !w.IsRunning() {
				return
			}

			if w.getState() == BrokerStateRunning {
				w.setState(BrokerStateReconnecting)
			}

			retryCount := atomic.LoadInt32(&w.reconnectAttempts)
			if int(retryCount) >= w.config.MaxRetries {
				w.logger.Error("Max reconnection attempts reached, stopping broker")
				if w.transitionState(BrokerStateReconnecting, BrokerStateStopping) {
					w.cancel()
				}
				return
			}

			select {
			case <-time.After(w.config.ReconnectDelay):
			case <-w.ctx.Done():
				return
			}

			atomic.AddInt32(&w.reconnectAttempts, 1)

			if err := w.connect(); err != nil {
				w.logger.Error("Reconnection attempt failed",
					zap.Int32("attempt", atomic.LoadInt32(&w.reconnectAttempts)),
					zap.Error(err))
				w.triggerReconnect()
				continue
			}

			w.setState(BrokerStateRunning)

			go w.readPump()
			go w.writePump()
		}
	}
}

func (w *WebSocketBroker) triggerReconnect() {
	select {
	case w.reconnectCh <- struct{}{}:
	default:
	}
}

func (w *WebSocketBroker) readPump() {
	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if !w.IsRunning() {
			return
		}

		ok := w.withConnection(func(conn *websocket.Conn) error {
			_, messageData, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					w.logger.Debug("WebSocket connection closed", zap.Error(err))
				}
				return err
			}

			var message types.ActionMessage
			if err := utils.Unmarshal(messageData, &message); err != nil {
				w.logger.Error("Failed to unmarshal message", zap.Error(err))
				return nil
			}

			w.handleIncomingMessage(&message)
			return nil
		})

		if !ok {
			if w.IsRunning() {
				w.triggerReconnect()
			}
			return
		}
	}
}

func (w *WebSocketBroker) writePump() {
	ticker := time.NewTicker(w.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case message := <-w.send:
			if !w.IsRunning() {
				return
			}

			ok := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))

				data, err := utils.Marshal(message)
				if err != nil {
					w.logger.Error("Failed to marshal outgoing message",
						zap.String("action", message.Action),
						zap.Error(err))
					return nil
				}

				return conn.WriteMessage(websocket.TextMessage, data)
			})

			if !ok {
				if w.IsRunning() {
					w.triggerReconnect()
				}
				return
			}

		case <-ticker.C:
			if !w.IsRunning() {
				return
			}

			ok := w.withConnection(func(conn *websocket.Conn) error {
				_ = conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
				return conn.WriteMessage(websocket.PingMessage, nil)
			})

			if !ok {
				if w.IsRunning() {
					w.triggerReconnect()
				}
				return
			}
		}
	}
}

func (w *WebSocketBroker) withConnection(fn func(*websocket.Conn) error) bool {
	w.connMu.RLock()
	defer w.connMu.RUnlock()

	if w.conn == nil {
		return false
	}

	if err := fn(w.conn); err != nil {
		w.logger.Error("WebSocket operation failed", zap.Error(err))
		return false
	}

	return true
}

func (w *WebSocketBroker) handleIncomingMessage(message *types.ActionMessage) {
	w.subsMu.RLock()
	handlers := make([]types.ActionHandler, len(w.subscriptions[message.Action]))
	copy(handlers, w.subscriptions[message.Action])
	w.subsMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Handler panicked",
						zap.String("action", message.Action),
						zap.Any("panic", r))
				}
			}()

			if err := handler(message); err != nil {
				w.logger.Error("Action handler failed",
					zap.String("action", message.Action),
					zap.String("message_id", message.MessageID),
					zap.Error(err))
			}
		}()
	}
}

func (w *WebSocketBroker) generateMessageID() string {
	id := atomic.AddInt64(&w.messageIDGen, 1)
	return fmt.Sprintf("ws-%d-%d", time.Now().Unix(), id)
}
