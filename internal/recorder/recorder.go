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

// Package recorder holds the sinks an accepted open is written to: the
// tracking sheet, a generic webhook, a local backup log and the optional
// queue and database mirrors.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/opentrack/internal/metrics"
	"github.com/bcem/opentrack/internal/models"
)

// Recorder writes one open event somewhere.
type Recorder interface {
	Record(ctx context.Context, ev models.OpenEvent) error
}

// Named sinks report their name in logs and metrics.
type Named interface {
	Name() string
}

func sinkName(r Recorder) string {
	if n, ok := r.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", r)
}

// MirrorError is a mirror sink failure. It does not undo the primary write.
type MirrorError struct {
	Sink string
	Err  error
}

func (e *MirrorError) Error() string { return e.Sink + ": " + e.Err.Error() }

func (e *MirrorError) Unwrap() error { return e.Err }

// MirrorsOnly reports whether err is made up of mirror failures alone, that
// is the primary sink recorded the event.
func MirrorsOnly(err error) bool {
	if err == nil {
		return false
	}
	errs := []error{err}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	}
	for _, e := range errs {
		var me *MirrorError
		if !errors.As(e, &me) {
			return false
		}
	}
	return true
}

// Fanout writes every event to the primary sink and then to each mirror.
// Each sink is attempted exactly once; failures do not stop the others.
type Fanout struct {
	primary Recorder
	mirrors []Recorder
	metrics *metrics.Metrics
}

// NewFanout creates a fan-out recorder. Nil mirrors are ignored.
func NewFanout(primary Recorder, m *metrics.Metrics, mirrors ...Recorder) *Fanout {
	f := &Fanout{primary: primary, metrics: m}
	for _, r := range mirrors {
		if r != nil {
			f.mirrors = append(f.mirrors, r)
		}
	}
	return f
}

// Record implements Recorder. The returned error joins every sink failure.
// Mirrors see the outcome of the primary write in ev.Recorded.
func (f *Fanout) Record(ctx context.Context, ev models.OpenEvent) error {
	start := time.Now()
	defer func() { f.metrics.ObserveRecord(time.Since(start)) }()

	var errs []error
	ev.Recorded, ev.RecordError = false, ""
	if f.primary != nil {
		if err := f.record(ctx, f.primary, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sinkName(f.primary), err))
			ev.RecordError = err.Error()
		} else {
			ev.Recorded = true
		}
	}
	for _, r := range f.mirrors {
		if err := f.record(ctx, r, ev); err != nil {
			errs = append(errs, &MirrorError{Sink: sinkName(r), Err: err})
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) record(ctx context.Context, r Recorder, ev models.OpenEvent) error {
	err := r.Record(ctx, ev)
	if err != nil {
		name := sinkName(r)
		slog.Error("failed to record open",
			"sink", name,
			"event_id", ev.ID,
			"email", ev.Metadata.Email,
			"error", err,
		)
		f.metrics.IncSinkError(name)
	}
	return err
}
