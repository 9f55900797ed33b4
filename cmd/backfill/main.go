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

// opentrack: backfill command
//
// Standalone CLI tool that replays opens from the backup log into the
// tracking sheets, for example after the Sheets API was unavailable.
//
// Usage:
//
//	go run ./cmd/backfill/ [--log opens.jsonl] [--since 24h | --since 2026-03-01T00:00:00Z] [--dry-run] [--all]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/opentrack/internal/backfill"
	"github.com/bcem/opentrack/internal/config"
	"github.com/bcem/opentrack/internal/dedup"
	"github.com/bcem/opentrack/internal/lock"
	"github.com/bcem/opentrack/internal/recorder"
	"github.com/bcem/opentrack/internal/resolver"
	"github.com/bcem/opentrack/internal/sheets"
	"github.com/bcem/opentrack/internal/upsert"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	logFlag := flag.String("log", "", "Backup log to replay (default: BACKUP_LOG_PATH)")
	sinceFlag := flag.String("since", "", "Only replay opens after this point: a lookback duration (e.g. 24h) or an RFC 3339 time")
	dryRun := flag.Bool("dry-run", false, "Report what would be replayed without writing")
	allFlag := flag.Bool("all", false, "Also replay opens that were recorded when they happened")
	delayFlag := flag.Duration("delay", 200*time.Millisecond, "Pause between writes to stay under the Sheets API quota")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logPath := *logFlag
	if logPath == "" {
		logPath = cfg.BackupLogPath
	}
	if logPath == "" {
		fmt.Fprintf(os.Stderr, "Error: --log is required when BACKUP_LOG_PATH is not set\n\n")
		flag.Usage()
		os.Exit(1)
	}

	since, err := parseSince(*sinceFlag, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Spreadsheet backend ---
	creds, err := cfg.GoogleCredentials()
	if err != nil {
		slog.Error("google credentials are required for backfill", "error", err)
		os.Exit(1)
	}
	opener, err := sheets.NewGoogle(ctx, creds, cfg.SpreadsheetIDs, sheets.NewBreaker(sheets.DefaultBreakerConfig()))
	if err != nil {
		slog.Error("failed to open google sheets", "error", err)
		os.Exit(1)
	}

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()
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
	sheet := recorder.NewSheet(res, engine, lock.New(rdb), cfg.Identity, nil)

	runnerCfg := backfill.RunnerConfig{Recorder: sheet, Delay: *delayFlag}
	if rdb != nil {
		runnerCfg.Dedup = dedup.NewFilter(rdb)
	}
	runner := backfill.NewRunner(runnerCfg)

	f, err := os.Open(logPath)
	if err != nil {
		slog.Error("failed to open backup log", "path", logPath, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	result, err := runner.Run(ctx, f, backfill.Request{Since: since, DryRun: *dryRun, All: *allFlag})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\nBackfill complete:\n")
	fmt.Printf("  Read:       %d\n", result.Read)
	fmt.Printf("  Replayed:   %d\n", result.Replayed)
	fmt.Printf("  Recorded:   %d\n", result.Recorded)
	fmt.Printf("  Too old:    %d\n", result.Old)
	fmt.Printf("  Untracked:  %d\n", result.Untracked)
	fmt.Printf("  Duplicates: %d\n", result.Duplicates)
	fmt.Printf("  Errors:     %d\n", result.Errors)
	fmt.Printf("  Elapsed:    %s\n", result.Elapsed.Round(time.Millisecond))

	if result.Errors > 0 {
		os.Exit(2)
	}
}

// parseSince accepts a lookback duration or an absolute RFC 3339 time.
func parseSince(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a duration (24h) or RFC 3339 time", v)
}
