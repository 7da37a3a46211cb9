package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/systmms/keyrotate/internal/rotation"
)

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string

	// URL is the webhook endpoint URL.
	URL string

	// Method is the HTTP method to use (default: POST).
	Method string

	// Headers are additional HTTP headers to include.
	Headers map[string]string

	// Events specifies which rotation events trigger notifications.
	// If empty, all events are sent.
	Events []string

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string

	// Timeout for the HTTP request.
	Timeout time.Duration
}

// WebhookProvider posts rotation events to an HTTP endpoint. Each event is
// sent once; a failed delivery is reported, not retried.
type WebhookProvider struct {
	config   WebhookConfig
	client   *http.Client
	template *template.Template
}

// NewWebhookProvider creates a webhook provider and validates its config
func NewWebhookProvider(config WebhookConfig) (*WebhookProvider, error) {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	provider := &WebhookProvider{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
	if err := provider.Validate(); err != nil {
		return nil, err
	}

	if config.PayloadTemplate != "" {
		tmpl, err := template.New("payload").Parse(config.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("invalid payload template for %s: %w", provider.Name(), err)
		}
		provider.template = tmpl
	}

	return provider, nil
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}

	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

// Validate checks if the provider configuration is valid.
func (p *WebhookProvider) Validate() error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(p.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}

	switch strings.ToUpper(p.config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}

	for _, e := range p.config.Events {
		if !isEventType(e) {
			return fmt.Errorf("unknown event %q (must be completed, halted or partial)", e)
		}
	}
	return nil
}

// Record implements rotation.Recorder
func (p *WebhookProvider) Record(ctx context.Context, result *rotation.Result) error {
	event := EventFromResult(result)
	if !p.SupportsEvent(event.Type) {
		return nil
	}
	return p.Send(ctx, event)
}

// Send delivers one event.
func (p *WebhookProvider) Send(ctx context.Context, event RotationEvent) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.Name(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", p.Name(), resp.StatusCode)
	}
	return nil
}

func (p *WebhookProvider) buildPayload(event RotationEvent) ([]byte, error) {
	if p.template != nil {
		return p.buildCustomPayload(event)
	}
	return p.buildDefaultPayload(event)
}

// webhookTemplateData provides template-friendly access to event data.
type webhookTemplateData struct {
	Type            string
	Account         string
	HaltedAt        string
	Error           string
	NewKeyPrefix    string
	KeysRetired     int
	DeletionsFailed int
	Duration        string
	Timestamp       string
}

func (p *WebhookProvider) buildCustomPayload(event RotationEvent) ([]byte, error) {
	data := webhookTemplateData{
		Type:            string(event.Type),
		Account:         event.Account,
		HaltedAt:        event.HaltedAt,
		NewKeyPrefix:    event.NewKeyPrefix,
		KeysRetired:     event.KeysRetired,
		DeletionsFailed: event.DeletionsFailed,
		Duration:        event.Duration.String(),
		Timestamp:       event.Timestamp.Format(time.RFC3339),
	}
	if event.Error != nil {
		data.Error = event.Error.Error()
	}

	var buf bytes.Buffer
	if err := p.template.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *WebhookProvider) buildDefaultPayload(event RotationEvent) ([]byte, error) {
	payload := map[string]interface{}{
		"event":        string(event.Type),
		"account":      event.Account,
		"timestamp":    event.Timestamp.Format(time.RFC3339),
		"keys_retired": event.KeysRetired,
	}

	if event.AccountID != "" {
		payload["account_id"] = event.AccountID
	}
	if event.HaltedAt != "" {
		payload["halted_at"] = event.HaltedAt
	}
	if event.NewKeyPrefix != "" {
		payload["new_key_prefix"] = event.NewKeyPrefix
	}
	if event.DeletionsFailed > 0 {
		payload["deletions_failed"] = event.DeletionsFailed
	}
	if event.Duration > 0 {
		payload["duration_seconds"] = event.Duration.Seconds()
	}
	if event.Error != nil {
		payload["error"] = event.Error.Error()
	}

	return json.Marshal(payload)
}

func isEventType(name string) bool {
	for _, t := range AllEventTypes() {
		if strings.EqualFold(name, string(t)) {
			return true
		}
	}
	return false
}
