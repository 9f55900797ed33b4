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

// Package backfill replays opens from a backup log into the tracking sheets,
// for example after an outage of the Sheets API.
package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/recorder"
)

// dedupPrefix keeps replay markers apart from SendGrid event IDs.
const dedupPrefix = "backfill:"

// Deduper remembers which events have already been replayed.
type Deduper interface {
	IsNew(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Request defines the scope of a replay.
type Request struct {
	Since  time.Time // events opened before this are skipped; zero replays all
	DryRun bool

	// All replays opens the primary sink already recorded too, for example
	// to rebuild a workbook from scratch.
	All bool
}

// Result summarises a completed replay.
type Result struct {
	Read       int
	Replayed   int
	Recorded   int // skipped, already written by the primary sink
	Old        int
	Untracked  int
	Duplicates int
	Errors     int
	Elapsed    time.Duration
}

// Runner replays a backup log through a recorder.
type Runner struct {
	recorder recorder.Recorder
	dedup    Deduper
	delay    time.Duration
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Recorder recorder.Recorder
	Dedup    Deduper       // optional
	Delay    time.Duration // pause between writes to stay under API quotas
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		recorder: cfg.Recorder,
		dedup:    cfg.Dedup,
		delay:    cfg.Delay,
	}
}

// Run replays every entry of the log that matches req.
func (r *Runner) Run(ctx context.Context, log io.Reader, req Request) (*Result, error) {
	start := time.Now()
	slog.Info("starting backfill",
		"since", req.Since,
		"dry_run", req.DryRun,
		"all", req.All,
	)

	res := &Result{}
	err := recorder.ReadBackupLog(log, func(ev models.OpenEvent) error {
		res.Read++
		if err := ctx.Err(); err != nil {
			return err
		}
		r.replay(ctx, ev, req, res)
		return nil
	})
	res.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"read", res.Read,
		"replayed", res.Replayed,
		"recorded", res.Recorded,
		"old", res.Old,
		"untracked", res.Untracked,
		"duplicates", res.Duplicates,
		"errors", res.Errors,
		"elapsed", res.Elapsed,
	)
	if err != nil {
		return res, fmt.Errorf("backfill: %w", err)
	}
	return res, nil
}

func (r *Runner) replay(ctx context.Context, ev models.OpenEvent, req Request, res *Result) {
	if !req.Since.IsZero() && ev.OpenedAt.Before(req.Since) {
		res.Old++
		return
	}
	if !ev.Metadata.Trackable() {
		res.Untracked++
		return
	}
	if ev.Recorded && !req.All {
		res.Recorded++
		return
	}
	if req.DryRun {
		slog.Info("would replay open", "event_id", ev.ID, "email", ev.Metadata.Email, "timestamp", ev.Timestamp)
		res.Replayed++
		return
	}

	key := dedupPrefix + ev.ID
	if r.dedup != nil && ev.ID != "" {
		isNew, err := r.dedup.IsNew(ctx, key)
		if err != nil {
			slog.Warn("dedup check failed", "error", err)
		} else if !isNew {
			res.Duplicates++
			return
		}
	}

	if r.delay > 0 && res.Replayed > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.delay):
		}
	}

	ev.Source = models.SourceBackfill
	ev.Recorded, ev.RecordError = false, ""
	if err := r.recorder.Record(ctx, ev); err != nil {
		slog.Warn("backfill: record failed",
			"event_id", ev.ID,
			"email", ev.Metadata.Email,
			"error", err,
		)
		res.Errors++
		if r.dedup != nil && ev.ID != "" {
			if err := r.dedup.Forget(ctx, key); err != nil {
				slog.Warn("failed to clear dedup key", "event_id", ev.ID, "error", err)
			}
		}
		return
	}
	res.Replayed++
}
