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

package tracker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/bcem/opentrack/internal/classify"
	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/token"
)

// maxSendGridBody bounds a webhook batch.
const maxSendGridBody = 5 << 20

// SendGridEvent is one entry of an Event Webhook batch. Custom arguments
// (sender, stage, sheet, ...) arrive as extra top-level fields and are kept
// in Fields.
type SendGridEvent struct {
	Event       string
	Email       string
	EventID     string
	IP          string
	UserAgent   string
	Timestamp   int64
	MachineOpen bool
	Fields      map[string]any
}

func parseSendGridEvent(raw map[string]any) SendGridEvent {
	ev := SendGridEvent{Fields: raw}
	ev.Event, _ = raw["event"].(string)
	ev.Email, _ = raw["email"].(string)
	ev.EventID, _ = raw["sg_event_id"].(string)
	ev.IP, _ = raw["ip"].(string)
	ev.UserAgent, _ = raw["useragent"].(string)
	if ts, ok := raw["timestamp"].(float64); ok {
		ev.Timestamp = int64(ts)
	}
	switch v := raw["sg_machine_open"].(type) {
	case bool:
		ev.MachineOpen = v
	case string:
		ev.MachineOpen = v == "true"
	}
	return ev
}

// ServeSendGrid accepts an Event Webhook batch. The response is always 200
// so that SendGrid does not retry; opens are processed in the background.
func (h *Handler) ServeSendGrid(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendGridBody))
	if err != nil {
		slog.Error("failed to read sendgrid body", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	var raw []map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		slog.Warn("sendgrid body is not a JSON array", "body_len", len(body), "error", err)
		h.metrics.IncSendGrid("invalid")
		w.WriteHeader(http.StatusOK)
		return
	}

	// Respond immediately; SendGrid times out slow endpoints.
	w.WriteHeader(http.StatusOK)

	events := make([]SendGridEvent, 0, len(raw))
	for _, m := range raw {
		events = append(events, parseSendGridEvent(m))
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processEvents(context.Background(), events)
	}()
}

// processEvents records every human open of a batch.
func (h *Handler) processEvents(ctx context.Context, events []SendGridEvent) {
	for _, e := range events {
		h.processEvent(ctx, e)
	}
}

// processEvent handles one batch entry. A panic fails only that entry.
func (h *Handler) processEvent(ctx context.Context, e SendGridEvent) {
	if e.Event != "open" {
		h.metrics.IncSendGrid("ignored")
		return
	}
	if e.MachineOpen {
		slog.Debug("skipping machine open", "email", e.Email, "sg_event_id", e.EventID)
		h.metrics.IncSendGrid(classify.ReasonMachineOpen)
		return
	}

	isNew, err := h.filter.IsNew(ctx, e.EventID)
	if err != nil {
		slog.Warn("dedup check failed, proceeding", "error", err)
	} else if !isNew {
		slog.Debug("skipping duplicate sendgrid event", "sg_event_id", e.EventID)
		h.metrics.IncSendGrid(string(OutcomeDuplicate))
		return
	}

	outcome := OutcomeFailed
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic while processing sendgrid event",
				"sg_event_id", e.EventID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			outcome = OutcomeFailed
		}
		if outcome == OutcomeFailed {
			// Let a redelivery try again.
			if err := h.filter.Forget(ctx, e.EventID); err != nil {
				slog.Warn("failed to clear dedup key", "sg_event_id", e.EventID, "error", err)
			}
		}
		h.metrics.IncSendGrid(string(outcome))
		h.metrics.IncRequest(EndpointSendGrid, string(outcome))
	}()

	in := Input{
		Metadata: token.FromFields(e.Fields),
		Request:  classify.Request{ClientIP: e.IP, UserAgent: e.UserAgent},
		Source:   models.SourceSendGrid,
		ID:       e.EventID,
	}
	if e.Timestamp > 0 {
		in.At = time.Unix(e.Timestamp, 0)
	}
	outcome = h.pipeline.Process(ctx, in)
}
