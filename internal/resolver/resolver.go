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

// Package resolver picks the workbook tab an open is recorded into,
// creating it with the canonical header when it does not exist yet.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bcem/opentrack/internal/sheets"
)

// ErrCannotRecord wraps every failure that prevents recording.
var ErrCannotRecord = errors.New("cannot record")

// TabPolicy chooses the tab when the token does not name one.
type TabPolicy string

const (
	// TabFixed always uses the configured default tab.
	TabFixed TabPolicy = "fixed"
	// TabFirst uses the first tab of the workbook.
	TabFirst TabPolicy = "first"
)

// ParseTabPolicy parses a policy name; empty means TabFixed.
func ParseTabPolicy(s string) (TabPolicy, error) {
	switch TabPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", TabFixed:
		return TabFixed, nil
	case TabFirst:
		return TabFirst, nil
	default:
		return "", fmt.Errorf("unknown tab policy %q", s)
	}
}

// Config holds the resolver defaults.
type Config struct {
	DefaultWorkbook string
	DefaultTab      string
	Policy          TabPolicy
	// Header seeds newly created tabs.
	Header []string
}

// Resolver maps token routing fields to a tab.
type Resolver struct {
	opener sheets.Opener
	cfg    Config

	createMu sync.Mutex
}

// New creates a Resolver.
func New(opener sheets.Opener, cfg Config) *Resolver {
	if cfg.Policy == "" {
		cfg.Policy = TabFixed
	}
	return &Resolver{opener: opener, cfg: cfg}
}

// Resolve opens workbook (or the default) and returns the requested tab,
// falling back to the tab policy when tab is empty. A missing tab is created
// and seeded with the header.
func (r *Resolver) Resolve(ctx context.Context, workbook, tab string) (sheets.Tab, error) {
	name := r.WorkbookName(workbook)
	if name == "" {
		return nil, fmt.Errorf("%w: no workbook configured", ErrCannotRecord)
	}

	wb, err := r.opener.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook %q: %w", ErrCannotRecord, name, err)
	}

	titles, err := wb.Tabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list tabs of %q: %w", ErrCannotRecord, name, err)
	}

	title := strings.TrimSpace(tab)
	if title == "" {
		title = r.defaultTab(titles)
	}
	if title == "" {
		return nil, fmt.Errorf("%w: no tab configured", ErrCannotRecord)
	}

	if existing, ok := match(titles, title); ok {
		return wb.Tab(existing), nil
	}
	return r.create(ctx, wb, title)
}

// WorkbookName returns the workbook Resolve opens for the given token value.
func (r *Resolver) WorkbookName(workbook string) string {
	if name := strings.TrimSpace(workbook); name != "" {
		return name
	}
	return r.cfg.DefaultWorkbook
}

func (r *Resolver) defaultTab(titles []string) string {
	if r.cfg.Policy == TabFirst && len(titles) > 0 {
		return titles[0]
	}
	return r.cfg.DefaultTab
}

func (r *Resolver) create(ctx context.Context, wb sheets.Workbook, title string) (sheets.Tab, error) {
	// One creator at a time, so that nobody sees a tab before its header.
	r.createMu.Lock()
	defer r.createMu.Unlock()
	if titles, err := wb.Tabs(ctx); err == nil {
		if existing, ok := match(titles, title); ok {
			return wb.Tab(existing), nil
		}
	}

	cols := sheets.DefaultTabCols
	if len(r.cfg.Header) > cols {
		cols = len(r.cfg.Header)
	}

	if err := wb.AddTab(ctx, title, sheets.DefaultTabRows, cols); err != nil {
		// Another request may have created it first.
		titles, listErr := wb.Tabs(ctx)
		if listErr == nil {
			if existing, ok := match(titles, title); ok {
				return wb.Tab(existing), nil
			}
		}
		return nil, fmt.Errorf("%w: create tab %q: %w", ErrCannotRecord, title, err)
	}

	t := wb.Tab(title)
	if len(r.cfg.Header) > 0 {
		if err := t.AppendRow(ctx, r.cfg.Header); err != nil {
			return nil, fmt.Errorf("%w: seed header of %q: %w", ErrCannotRecord, title, err)
		}
	}

	slog.Info("created tab", "workbook", wb.Name(), "tab", title)
	return t, nil
}

// match finds title among titles, ignoring case and surrounding spaces.
func match(titles []string, title string) (string, bool) {
	for _, t := range titles {
		if strings.EqualFold(strings.TrimSpace(t), title) {
			return t, true
		}
	}
	return "", false
}
