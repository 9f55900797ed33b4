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
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/opentrack/internal/classify"
	"github.com/bcem/opentrack/internal/guard"
	"github.com/bcem/opentrack/internal/metrics"
	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/recorder"
)

// Outcome is how a tracking request ended. It is logged and counted, never
// shown to the requester.
type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeUntracked Outcome = "untracked"
	OutcomeMalformed Outcome = "malformed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeEarly     Outcome = "early"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// DefaultTimezone stamps opens when neither the token nor the config names
// one.
const DefaultTimezone = "Asia/Kolkata"

// DefaultRecordTimeout bounds the writes of a single open.
const DefaultRecordTimeout = 10 * time.Second

// SuspectLog receives addresses caught by the early-hit guard.
type SuspectLog interface {
	Add(ctx context.Context, ip string) error
}

// Input is one candidate open.
type Input struct {
	Metadata models.Metadata
	Request  classify.Request
	Source   string
	Verified bool
	// ID and At override the generated event ID and the current time.
	ID string
	At time.Time
}

// PipelineConfig wires the pipeline's collaborators.
type PipelineConfig struct {
	Classifier    *classify.Classifier
	Guard         *guard.EarlyHit
	Recorder      recorder.Recorder
	Suspects      SuspectLog
	Metrics       *metrics.Metrics
	Location      *time.Location
	RecordTimeout time.Duration
}

// Pipeline runs classify → early-hit guard → record for each open.
type Pipeline struct {
	classifier *classify.Classifier
	guard      *guard.EarlyHit
	recorder   recorder.Recorder
	suspects   SuspectLog
	metrics    *metrics.Metrics
	loc        *time.Location
	timeout    time.Duration
	now        func() time.Time
}

// NewPipeline creates a Pipeline. Recorder is required.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Guard == nil {
		cfg.Guard = guard.New(guard.DefaultThreshold)
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
		cfg.Location = loc
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = DefaultRecordTimeout
	}
	return &Pipeline{
		classifier: cfg.Classifier,
		guard:      cfg.Guard,
		recorder:   cfg.Recorder,
		suspects:   cfg.Suspects,
		metrics:    cfg.Metrics,
		loc:        cfg.Location,
		timeout:    cfg.RecordTimeout,
		now:        time.Now,
	}
}

// Process handles one candidate open. It never returns an error: failures
// end up as OutcomeFailed and a log line.
func (p *Pipeline) Process(ctx context.Context, in Input) Outcome {
	md := in.Metadata
	if !md.Trackable() {
		slog.Debug("untracked request", "source", in.Source, "has_email", md.Email != "")
		return OutcomeUntracked
	}

	if p.classifier != nil {
		if v := p.classifier.Classify(in.Request); !v.Record {
			p.metrics.IncRejection(v.Reason)
			slog.Info("open rejected",
				"reason", v.Reason,
				"email", md.Email,
				"client_ip", in.Request.ClientIP,
				"user_agent", in.Request.UserAgent,
			)
			return OutcomeRejected
		}
	}

	at := in.At
	if at.IsZero() {
		at = p.now()
	}

	if d := p.guard.Check(at, md.SentTime); d.Suppress {
		slog.Info("early open suppressed",
			"email", md.Email,
			"client_ip", in.Request.ClientIP,
			"elapsed", d.Elapsed,
			"threshold", p.guard.Threshold(),
		)
		p.flagSuspect(ctx, in.Request.ClientIP)
		return OutcomeEarly
	}

	loc := p.location(md.Timezone)
	md.Timezone = loc.String()

	id := in.ID
	if id == "" {
		id = uuid.New().String()
	}
	ev := models.OpenEvent{
		ID:        id,
		Metadata:  md,
		Timestamp: at.In(loc).Format(models.TimestampLayout),
		OpenedAt:  at.UTC(),
		ClientIP:  in.Request.ClientIP,
		UserAgent: in.Request.UserAgent,
		Verified:  in.Verified,
		Source:    in.Source,
	}

	// Finish the write even if the client hangs up.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.recorder.Record(rctx, ev); err != nil {
		if recorder.MirrorsOnly(err) {
			slog.Warn("open recorded, mirror write failed", "event_id", ev.ID, "error", err)
			return OutcomeRecorded
		}
		slog.Error("could not record open",
			"event_id", ev.ID,
			"email", md.Email,
			"source", in.Source,
			"error", err,
		)
		return OutcomeFailed
	}
	return OutcomeRecorded
}

func (p *Pipeline) flagSuspect(ctx context.Context, ip string) {
	if p.suspects == nil || ip == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.suspects.Add(rctx, ip); err != nil {
		slog.Warn("failed to flag suspicious ip", "client_ip", ip, "error", err)
		return
	}
	p.metrics.IncSuspicious()
}

// location resolves the token's timezone, falling back to the default.
func (p *Pipeline) location(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		slog.Debug("unknown timezone in token", "timezone", name)
		return p.loc
	}
	return loc
}
