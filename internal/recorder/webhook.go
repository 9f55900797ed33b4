// Copyright (c) 2026 John Earle
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

package recorder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bcem/opentrack/internal/models"
)

// WebhookPayload is the body posted for each open.
type WebhookPayload struct {
	Timestamp string `json:"timestamp"`
	Email     string `json:"email"`
	Sender    string `json:"sender"`
}

// Webhook posts opens to an external endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook sink. A nil client gets a 10s timeout.
func NewWebhook(url string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client}
}

// Name identifies the sink in logs and metrics.
func (w *Webhook) Name() string { return "webhook" }

// Record implements Recorder. Any non-2xx response is an error.
func (w *Webhook) Record(ctx context.Context, ev models.OpenEvent) error {
	body, err := json.Marshal(WebhookPayload{
		Timestamp: ev.Timestamp,
		Email:     ev.Metadata.Email,
		Sender:    ev.Metadata.Sender,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
