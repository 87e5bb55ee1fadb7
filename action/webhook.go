package action

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

type WebhookState int32

const (
	WebhookStateStopped WebhookState = iota
	WebhookStateStarting
	WebhookStateRunning
	WebhookStateStopping
)

type WebhookConfig struct {
	DatabasePath    string        `json:"database_path"`
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

type Webhook struct {
	ID        string            `json:"id"`
	Event     string            `json:"event"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Secret    string            `json:"secret"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// WebhookManager keeps subscriptions in a sqlite registry and POSTs
// event payloads to each enabled endpoint, signing the body with the
// endpoint's HMAC secret.
type WebhookManager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	db              *sql.DB
	client          *http.Client
	state           atomic.Value
	deliveryTimeout time.Duration
	requestTimeout  time.Duration
}

func NewWebhookManager(ctx context.Context, logger types.Logger, metrics types.MetricsManager, config *types.ActionsConfig) (*WebhookManager, error) {
	whConfig := &WebhookConfig{
		DatabasePath:    "./webhooks.db",
		DeliveryTimeout: 30 * time.Second,
		RequestTimeout:  5 * time.Second,
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, whConfig); err != nil {
			logger.Debug("Webhook config not present in actions config, using defaults")
		}
	}

	webhookCtx, cancel := context.WithCancel(ctx)

	db, err := sql.Open("sqlite3", whConfig.DatabasePath)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to open webhook registry")
	}

	wm := &WebhookManager{
		ctx:     webhookCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		db:      db,
		client: &http.Client{
			Timeout: whConfig.DeliveryTimeout,
		},
		deliveryTimeout: whConfig.DeliveryTimeout,
		requestTimeout:  whConfig.RequestTimeout,
	}

	wm.state.Store(WebhookStateStopped)

	if err := wm.initDatabase(); err != nil {
		cancel()
		_ = db.Close()
		return nil, types.WrapError(err, "failed to initialize webhook registry")
	}

	return wm, nil
}

func (wm *WebhookManager) Start() error {
	if !wm.transitionState(WebhookStateStopped, WebhookStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if wm.getState() == WebhookStateStarting {
			wm.setState(WebhookStateRunning)
		}
	}()

	wm.logger.Info("Webhook manager started")
	return nil
}

func (wm *WebhookManager) Stop() error {
	if !wm.transitionState(WebhookStateRunning, WebhookStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		wm.setState(WebhookStateStopped)
		wm.cancel()
	}()

	if err := wm.db.Close(); err != nil {
		return types.WrapError(err, "failed to close webhook registry")
	}

	wm.logger.Info("Webhook manager stopped gracefully")
	return nil
}

func (wm *WebhookManager) IsRunning() bool {
	return wm.getState() == WebhookStateRunning
}

// Register stores a new subscription and returns it with its generated
// id and signing secret.
func (wm *WebhookManager) Register(event, url string, headers map[string]string) (*Webhook, error) {
	if event == "" || url == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "event and url are required")
	}

	webhook := &Webhook{
		ID:        "wh_" + uuid.NewString(),
		Event:     event,
		URL:       url,
		Headers:   headers,
		Secret:    generateSecret(),
		Enabled:   true,
		CreatedAt: time.Now(),
	}

	headersJSON := ""
	if len(headers) > 0 {
		data, err := utils.Marshal(headers)
		if err != nil {
			return nil, types.WrapError(err, "failed to marshal webhook headers")
		}
		headersJSON = string(data)
	}

	query := `INSERT INTO webhooks (id, event, url, headers, secret, enabled, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := wm.db.Exec(query, webhook.ID, webhook.Event, webhook.URL,
		headersJSON, webhook.Secret, webhook.Enabled, webhook.CreatedAt)
	if err != nil {
		return nil, types.WrapError(err, "failed to store webhook")
	}

	wm.logger.Info("Webhook registered",
		zap.String("webhook_id", webhook.ID),
		zap.String("event", event),
		zap.String("url", url))

	return webhook, nil
}

func (wm *WebhookManager) Unregister(webhookID string) error {
	result, err := wm.db.Exec(`DELETE FROM webhooks WHERE id = ?`, webhookID)
	if err != nil {
		return types.WrapError(err, "failed to delete webhook")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to read delete result")
	}
	if affected == 0 {
		return types.Errorf(types.ErrResourceNotFound, "webhook: %s", webhookID)
	}

	wm.logger.Info("Webhook unregistered", zap.String("webhook_id", webhookID))
	return nil
}

func (wm *WebhookManager) SetEnabled(webhookID string, enabled bool) error {
	result, err := wm.db.Exec(`UPDATE webhooks SET enabled = ? WHERE id = ?`, enabled, webhookID)
	if err != nil {
		return types.WrapError(err, "failed to update webhook")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return types.WrapError(err, "failed to read update result")
	}
	if affected == 0 {
		return types.Errorf(types.ErrResourceNotFound, "webhook: %s", webhookID)
	}

	return nil
}

func (wm *WebhookManager) List() ([]*Webhook, error) {
	return wm.queryWebhooks(`SELECT id, event, url, headers, secret, enabled, created_at FROM webhooks`)
}

// NotifyWebhooks delivers an event to all enabled endpoints in parallel.
// Partial failure is reported but never aborts remaining deliveries.
func (wm *WebhookManager) NotifyWebhooks(event string, payload interface{}) error {
	if !wm.IsRunning() {
		return types.ErrActionNotInitialized
	}

	webhooks, err := wm.queryWebhooks(
		`SELECT id, event, url, headers, secret, enabled, created_at
		 FROM webhooks WHERE event = ? AND enabled = true`, event)
	if err != nil {
		return types.WrapError(err, "failed to load webhooks")
	}

	if len(webhooks) == 0 {
		return nil
	}

	notifyCtx, cancel := context.WithTimeout(wm.ctx, wm.deliveryTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(notifyCtx)

	var successCount int32

	for _, webhook := range webhooks {
		wh := webhook
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if err := wm.deliver(wh, event, payload); err != nil {
				wm.logger.Error("Webhook delivery failed",
					zap.String("webhook_id", wh.ID),
					zap.String("event", event),
					zap.String("url", wh.URL),
					zap.Error(err))
				wm.recordMetric(event, "error")
				return err
			}

			atomic.AddInt32(&successCount, 1)
			wm.recordMetric(event, "success")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if atomic.LoadInt32(&successCount) == 0 {
			return types.WrapError(err, "all webhook deliveries failed")
		}
		wm.logger.Warn("Some webhook deliveries failed",
			zap.String("event", event),
			zap.Int32("success_count", atomic.LoadInt32(&successCount)),
			zap.Int("total", len(webhooks)))
	}

	return nil
}

func (wm *WebhookManager) deliver(webhook *Webhook, event string, payload interface{}) error {
	body := map[string]interface{}{
		"event":     event,
		"timestamp": time.Now().Unix(),
		"data":      payload,
	}

	jsonData, err := utils.Marshal(body)
	if err != nil {
		return types.WrapError(err, "failed to marshal webhook payload")
	}

	deliveryCtx, cancel := context.WithTimeout(wm.ctx, wm.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(deliveryCtx, http.MethodPost, webhook.URL, strings.NewReader(string(jsonData)))
	if err != nil {
		return types.WrapError(err, "failed to create webhook request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sai-mcp-webhook/1.0")

	for key, value := range webhook.Headers {
		req.Header.Set(key, value)
	}

	if webhook.Secret != "" {
		req.Header.Set("X-Signature", fmt.Sprintf("sha256=%s", signPayload(webhook.Secret, jsonData)))
	}

	resp, err := wm.client.Do(req)
	if err != nil {
		return types.WrapError(err, "webhook request failed")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			wm.logger.Error("Failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode >= 400 {
		return types.NewErrorf("webhook returned error status: %d", resp.StatusCode)
	}

	return nil
}

func (wm *WebhookManager) initDatabase() error {
	query := `
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		url TEXT NOT NULL,
		headers TEXT,
		secret TEXT,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_event ON webhooks(event);
	CREATE INDEX IF NOT EXISTS idx_webhooks_enabled ON webhooks(enabled);
	`

	if _, err := wm.db.Exec(query); err != nil {
		return types.WrapError(err, "failed to create webhooks table")
	}

	return nil
}

func (wm *WebhookManager) queryWebhooks(query string, args ...interface{}) ([]*Webhook, error) {
	rows, err := wm.db.Query(query, args...)
	if err != nil {
		return nil, types.WrapError(err, "failed to query webhooks")
	}
	defer func() {
		if err := rows.Close(); err != nil {
			wm.logger.Error("Failed to close webhook rows", zap.Error(err))
		}
	}()

	var webhooks []*Webhook
	for rows.Next() {
		webhook := &Webhook{}
		var headersJSON string

		err := rows.Scan(&webhook.ID, &webhook.Event, &webhook.URL,
			&headersJSON, &webhook.Secret, &webhook.Enabled, &webhook.CreatedAt)
		if err != nil {
			return nil, types.WrapError(err, "failed to scan webhook")
		}

		webhook.Headers = make(map[string]string)
		if headersJSON != "" {
			if err := utils.Unmarshal([]byte(headersJSON), &webhook.Headers); err != nil {
				wm.logger.Warn("Failed to parse webhook headers",
					zap.String("webhook_id", webhook.ID),
					zap.Error(err))
			}
		}

		webhooks = append(webhooks, webhook)
	}

	return webhooks, rows.Err()
}

func (wm *WebhookManager) recordMetric(event, result string) {
	if wm.metrics == nil {
		return
	}

	wm.metrics.Counter("webhook_deliveries_total", map[string]string{
		"event":  event,
		"result": result,
	}).Inc()
}

func (wm *WebhookManager) getState() WebhookState {
	return wm.state.Load().(WebhookState)
}

func (wm *WebhookManager) setState(newState WebhookState) bool {
	currentState := wm.getState()
	return wm.state.CompareAndSwap(currentState, newState)
}

func (wm *WebhookManager) transitionState(from, to WebhookState) bool {
	return wm.state.CompareAndSwap(from, to)
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func generateSecret() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(bytes)
}
