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

// opentrack: email open tracking service
//
// Entry point for the tracking pixel server. It:
//  1. Loads configuration from .env, config.yaml and the environment
//  2. Opens the spreadsheet backend (Google Sheets, or in-memory for local runs)
//  3. Connects to the optional Redis and PostgreSQL mirrors
//  4. Builds the classify → early-hit → record pipeline
//  5. Serves the pixel, verification, SendGrid and metrics endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/opentrack/internal/classify"
	"github.com/bcem/opentrack/internal/config"
	"github.com/bcem/opentrack/internal/dedup"
	"github.com/bcem/opentrack/internal/guard"
	"github.com/bcem/opentrack/internal/lock"
	"github.com/bcem/opentrack/internal/metrics"
	"github.com/bcem/opentrack/internal/queue"
	"github.com/bcem/opentrack/internal/recorder"
	"github.com/bcem/opentrack/internal/resolver"
	"github.com/bcem/opentrack/internal/sheets"
	"github.com/bcem/opentrack/internal/store"
	"github.com/bcem/opentrack/internal/suspect"
	"github.com/bcem/opentrack/internal/tracker"
	"github.com/bcem/opentrack/internal/upsert"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting opentrack tracking service")
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"sink", cfg.Sink,
		"workbook", cfg.Workbook,
		"default_tab", cfg.DefaultTab,
		"tab_policy", cfg.TabPolicy,
		"open_policy", cfg.OpenPolicy,
		"identity", cfg.Identity,
		"classifier_policy", cfg.ClassifierPolicy,
		"early_hit_threshold", cfg.EarlyHitThreshold,
		"timezone", cfg.Timezone,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Spreadsheet backend ---
	opener, err := openSheets(ctx, cfg)
	if err != nil {
		slog.Error("failed to open spreadsheet backend", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis (optional) ---
	var rdb *redis.Client
	var publisher *queue.Publisher
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()

		publisher = queue.NewPublisher(rdb, cfg.OpensQueue)
		if err := publisher.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	}

	// --- Connect to PostgreSQL (optional) ---
	var openStore *store.Store
	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		openStore, err = store.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise open store", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")
	}

	// --- Suspicious IPs ---
	var suspects *suspect.Cache
	if opener != nil && cfg.SuspiciousTab != "" {
		suspects = suspect.New(opener, suspect.Config{
			Workbook: cfg.Workbook,
			Tab:      cfg.SuspiciousTab,
			Refresh:  cfg.SuspiciousRefresh,
			LogNew:   cfg.LogSuspicious,
		})
		if err := suspects.Refresh(ctx); err != nil {
			slog.Warn("initial suspicious IP load failed", "error", err)
		} else {
			slog.Info("suspicious IPs loaded", "tab", cfg.SuspiciousTab, "count", suspects.Len())
		}
		go suspects.Run(ctx)
	}

	// --- Recorders ---
	primary, err := buildPrimary(cfg, opener, rdb, m)
	if err != nil {
		slog.Error("failed to build recorder", "error", err)
		os.Exit(1)
	}

	var mirrors []recorder.Recorder
	if cfg.BackupLogPath != "" {
		backup, err := recorder.NewBackupLog(cfg.BackupLogPath)
		if err != nil {
			slog.Error("failed to open backup log", "error", err)
			os.Exit(1)
		}
		mirrors = append(mirrors, backup)
	}
	if publisher != nil {
		mirrors = append(mirrors, publisher)
	}
	if openStore != nil {
		mirrors = append(mirrors, openStore)
	}
	fanout := recorder.NewFanout(primary, m, mirrors...)

	// --- Pipeline ---
	var suspicious classify.IPSet
	var suspectLog tracker.SuspectLog
	if suspects != nil {
		suspicious = suspects
		suspectLog = suspects
	}

	pipeline := tracker.NewPipeline(tracker.PipelineConfig{
		Classifier:    classify.New(cfg.ClassifierPolicy, cfg.ClassifierRules(), suspicious),
		Guard:         guard.New(cfg.EarlyHitThreshold),
		Recorder:      fanout,
		Suspects:      suspectLog,
		Metrics:       m,
		Location:      cfg.Location(),
		RecordTimeout: cfg.RecordTimeout,
	})

	handler := tracker.NewHandler(pipeline, dedup.NewFilter(rdb), m)
	ready, done, err := tracker.Serve(ctx, cfg.Port, handler, tracker.Router(handler, m.Handler()))
	if err != nil {
		slog.Error("failed to start tracker server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("opentrack service ready", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	<-done

	slog.Info("opentrack service stopped")
}

// openSheets builds the spreadsheet backend for the configured sink. The
// webhook sink needs no spreadsheet unless credentials are present for the
// suspicious-IP tab.
func openSheets(ctx context.Context, cfg *config.Config) (sheets.Opener, error) {
	if cfg.Sink == config.SinkMemory {
		slog.Warn("using in-memory spreadsheet backend, opens are lost on restart")
		mem := sheets.NewMemory()
		mem.AddWorkbook(cfg.Workbook)
		return mem, nil
	}
	if !cfg.HasGoogleCredentials() {
		if cfg.Sink == config.SinkSheets {
			return nil, errNoCredentials
		}
		return nil, nil
	}

	creds, err := cfg.GoogleCredentials()
	if err != nil {
		return nil, err
	}
	g, err := sheets.NewGoogle(ctx, creds, cfg.SpreadsheetIDs, sheets.NewBreaker(sheets.DefaultBreakerConfig()))
	if err != nil {
		return nil, err
	}
	slog.Info("google sheets backend ready", "known_ids", len(cfg.SpreadsheetIDs))
	return g, nil
}

// buildPrimary returns the recorder whose failure makes an open "failed".
func buildPrimary(cfg *config.Config, opener sheets.Opener, rdb *redis.Client, m *metrics.Metrics) (recorder.Recorder, error) {
	if cfg.Sink == config.SinkWebhook {
		return recorder.NewWebhook(cfg.WebhookURL, &http.Client{Timeout: cfg.RecordTimeout}), nil
	}
	if opener == nil {
		return nil, errNoCredentials
	}

	engine := upsert.New(upsert.Config{
		OpenPolicy: cfg.OpenPolicy,
		Identity:   cfg.Identity,
		Stages:     cfg.Stages,
	})
	res := resolver.New(opener, resolver.Config{
		DefaultWorkbook: cfg.Workbook,
		DefaultTab:      cfg.DefaultTab,
		Policy:          cfg.TabPolicy,
		Header:          engine.Header(),
	})
	return recorder.NewSheet(res, engine, lock.New(rdb), cfg.Identity, m), nil
}

var errNoCredentials = errors.New("sink sheets requires GOOGLE_CREDS_JSON or GOOGLE_CREDS_FILE")
