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

// Package tracker serves the tracking pixel and the related endpoints.
// Every pixel request is answered with the same transparent GIF, whatever
// happens while recording the open.
package tracker

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/bcem/opentrack/internal/classify"
	"github.com/bcem/opentrack/internal/dedup"
	"github.com/bcem/opentrack/internal/metrics"
	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/token"
)

// Endpoint labels used in logs and metrics.
const (
	EndpointPixel    = "pixel"
	EndpointHuman    = "human"
	EndpointSendGrid = "sendgrid"
)

// HealthMessage is the body of GET /health.
const HealthMessage = "Tracker is live."

// Handler serves the tracker's HTTP endpoints.
type Handler struct {
	pipeline *Pipeline
	filter   *dedup.Filter
	metrics  *metrics.Metrics

	// wg tracks background SendGrid batches.
	wg sync.WaitGroup
}

// NewHandler creates a Handler. filter may be nil.
func NewHandler(p *Pipeline, filter *dedup.Filter, m *metrics.Metrics) *Handler {
	return &Handler{pipeline: p, filter: filter, metrics: m}
}

// ServePixel records an open for the token in the last path segment and
// responds with the pixel.
func (h *Handler) ServePixel(w http.ResponseWriter, r *http.Request) {
	defer h.finish(w, EndpointPixel, servePixel)
	h.track(r, EndpointPixel, token.FromPath(r.URL.Path), false)
}

// ServeHuman records a confirmed open from the visible verification link.
func (h *Handler) ServeHuman(w http.ResponseWriter, r *http.Request) {
	defer h.finish(w, EndpointHuman, serveVerified)
	h.track(r, EndpointHuman, chi.URLParam(r, "token"), true)
}

// ServeHealth responds with a fixed liveness string.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(HealthMessage))
}

// finish writes the response once tracking is done, recovering from a
// panic in the pipeline first.
func (h *Handler) finish(w http.ResponseWriter, endpoint string, write func(http.ResponseWriter)) {
	if p := recover(); p != nil {
		slog.Error("panic while tracking open",
			"endpoint", endpoint,
			"panic", p,
			"stack", string(debug.Stack()),
		)
		h.metrics.IncRequest(endpoint, string(OutcomeFailed))
	}
	write(w)
}

func (h *Handler) track(r *http.Request, endpoint, segment string, verified bool) {
	if segment == "" {
		h.metrics.IncRequest(endpoint, string(OutcomeUntracked))
		return
	}

	md, err := token.Decode(segment)
	if err != nil {
		slog.Warn("invalid tracking token",
			"endpoint", endpoint,
			"client_ip", classify.ClientIP(r),
			"error", err,
		)
		h.metrics.IncRequest(endpoint, string(OutcomeMalformed))
		return
	}

	source := models.SourcePixel
	if verified {
		source = models.SourceHuman
	}
	outcome := h.pipeline.Process(r.Context(), Input{
		Metadata: md,
		Request:  classify.FromHTTP(r),
		Source:   source,
		Verified: verified,
	})
	h.metrics.IncRequest(endpoint, string(outcome))
}

// Wait blocks until background SendGrid batches have finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}
