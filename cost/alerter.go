// Copyright 2025 AxonFlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// AlertEvent is emitted exactly once per budget crossing within a
// period.
type AlertEvent struct {
	Budget       string    `json:"budget"`
	Scope        string    `json:"scope"`
	AgentID      string    `json:"agent_id,omitempty"`
	ThresholdUSD float64   `json:"threshold_usd"`
	SpentUSD     float64   `json:"spent_usd"`
	PeriodStart  time.Time `json:"period_start"`
	Timestamp    time.Time `json:"timestamp"`
}

// Alerter receives budget crossing notifications.
type Alerter interface {
	Alert(ctx context.Context, event AlertEvent) error
}

// LogAlerter writes alerts to a prefix logger. The default sink.
type LogAlerter struct {
	logger *log.Logger
}

// NewLogAlerter creates a LogAlerter; a nil logger uses the default.
func NewLogAlerter(logger *log.Logger) *LogAlerter {
	if logger == nil {
		logger = log.Default()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the crossing.
func (a *LogAlerter) Alert(ctx context.Context, event AlertEvent) error {
	scope := event.Scope
	if event.AgentID != "" {
		scope = fmt.Sprintf("%s:%s", scope, event.AgentID)
	}
	a.logger.Printf("[COST ALERT] budget %q (%s) crossed: $%.4f spent of $%.2f threshold",
		event.Budget, scope, event.SpentUSD, event.ThresholdUSD)
	return nil
}

// WebhookAlerter POSTs the alert event as JSON.
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates a webhook sink with a 10s request timeout.
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Alert delivers the event; non-2xx responses are errors.
func (a *WebhookAlerter) Alert(ctx context.Context, event AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
