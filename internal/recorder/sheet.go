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
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bcem/opentrack/internal/lock"
	"github.com/bcem/opentrack/internal/metrics"
	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/resolver"
	"github.com/bcem/opentrack/internal/upsert"
)

// Sheet records opens into the tracking workbook: resolve the tab, take the
// recipient's lock on it, upsert the row.
type Sheet struct {
	resolver *resolver.Resolver
	engine   *upsert.Engine
	locker   lock.Locker
	metrics  *metrics.Metrics
	identity upsert.Identity
}

// NewSheet creates a sheet recorder. A nil locker uses an in-process one.
func NewSheet(r *resolver.Resolver, e *upsert.Engine, l lock.Locker, identity upsert.Identity, m *metrics.Metrics) *Sheet {
	if l == nil {
		l = lock.NewLocal()
	}
	return &Sheet{resolver: r, engine: e, locker: l, metrics: m, identity: identity}
}

// Name identifies the sink in logs and metrics.
func (s *Sheet) Name() string { return "sheets" }

// Record implements Recorder.
func (s *Sheet) Record(ctx context.Context, ev models.OpenEvent) error {
	_, err := s.Apply(ctx, ev)
	return err
}

// Apply records ev and returns what the engine did.
func (s *Sheet) Apply(ctx context.Context, ev models.OpenEvent) (upsert.Result, error) {
	tab, err := s.resolver.Resolve(ctx, ev.Metadata.Workbook, ev.Metadata.Sheet)
	if err != nil {
		return upsert.Result{}, err
	}

	release, err := s.locker.Lock(ctx, s.lockKey(s.resolver.WorkbookName(ev.Metadata.Workbook), tab.Title(), ev))
	if err != nil {
		return upsert.Result{}, fmt.Errorf("lock %s: %w", ev.IdentityEmail(), err)
	}
	defer release()

	res, err := s.engine.Apply(ctx, tab, ev)
	if err != nil {
		return upsert.Result{}, fmt.Errorf("%w: %w", resolver.ErrCannotRecord, err)
	}

	s.metrics.IncUpsert(string(res.Action))
	slog.Info("open recorded",
		"event_id", ev.ID,
		"email", ev.Metadata.Email,
		"tab", tab.Title(),
		"action", res.Action,
		"row", res.Row,
		"open_count", res.OpenCount,
		"verified", ev.Verified,
	)
	return res, nil
}

// lockKey scopes the lock to the row the event can touch in the resolved
// tab.
func (s *Sheet) lockKey(workbook, tab string, ev models.OpenEvent) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(workbook)),
		strings.ToLower(strings.TrimSpace(tab)),
		ev.IdentityEmail(),
	}
	if s.identity == upsert.IdentityEmailSender {
		parts = append(parts, ev.IdentitySender())
	}
	return strings.Join(parts, "|")
}
