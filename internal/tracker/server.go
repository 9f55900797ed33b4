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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// shutdownTimeout bounds in-flight requests at shutdown.
const shutdownTimeout = 15 * time.Second

// Router builds the route table. metricsHandler may be nil.
func Router(h *Handler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)

	r.Get("/health", h.ServeHealth)
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	r.Get("/human/{token}", h.ServeHuman)
	r.Post("/sendgrid/events", h.ServeSendGrid)

	// Everything else is a pixel request.
	r.Get("/", h.ServePixel)
	r.Get("/*", h.ServePixel)
	r.Head("/*", h.ServePixel)
	r.NotFound(h.ServePixel)
	r.MethodNotAllowed(h.ServePixel)
	return r
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server drains in-flight
// requests and pending SendGrid batches when ctx is cancelled; the returned
// done channel closes once that has finished.
func Serve(ctx context.Context, port int, h *Handler, handler http.Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind tracker port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("tracker server shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			slog.Warn("tracker server shutdown", "error", err)
		}
		h.Wait()
		close(doneCh)
	}()

	go func() {
		slog.Info("tracker server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tracker server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
