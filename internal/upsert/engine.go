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

// Package upsert records an open into a tracking tab: it heals the header,
// finds the recipient's row and either updates it or appends a new one.
// Every step is at most one write call.
package upsert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/sheets"
)

// OpenPolicy decides what a repeated open does to an existing row.
type OpenPolicy string

const (
	// PolicyCount increments Open_count on every accepted open.
	PolicyCount OpenPolicy = "count"
	// PolicyCap leaves rows already marked OPENED untouched.
	PolicyCap OpenPolicy = "cap"
)

// ParseOpenPolicy parses a policy name; empty means PolicyCount.
func ParseOpenPolicy(s string) (OpenPolicy, error) {
	switch OpenPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyCount:
		return PolicyCount, nil
	case PolicyCap:
		return PolicyCap, nil
	default:
		return "", fmt.Errorf("unknown open policy %q", s)
	}
}

// Identity selects the columns a row is matched on.
type Identity string

const (
	IdentityEmail       Identity = "email"
	IdentityEmailSender Identity = "email+sender"
)

// ParseIdentity parses an identity name; empty means IdentityEmail.
func ParseIdentity(s string) (Identity, error) {
	switch Identity(strings.ToLower(strings.TrimSpace(s))) {
	case "", IdentityEmail:
		return IdentityEmail, nil
	case IdentityEmailSender:
		return IdentityEmailSender, nil
	default:
		return "", fmt.Errorf("unknown identity %q", s)
	}
}

// Action is what Apply did to the tab.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionSkipped  Action = "skipped"
)

// Result describes one Apply call.
type Result struct {
	Action Action
	// Row is the 1-based sheet row that was matched or appended.
	Row       int
	OpenCount int
	// AddedColumns lists header cells created by this call.
	AddedColumns []string
}

// Config holds the engine policies.
type Config struct {
	OpenPolicy OpenPolicy
	Identity   Identity
	// Stages are the recognised stages; a missing flag column is only added
	// for these.
	Stages []string
}

// Engine applies open events to tabs. It holds no per-tab state.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.OpenPolicy == "" {
		cfg.OpenPolicy = PolicyCount
	}
	if cfg.Identity == "" {
		cfg.Identity = IdentityEmail
	}
	if cfg.Stages == nil {
		cfg.Stages = DefaultStages
	}
	return &Engine{cfg: cfg}
}

// Header returns the header seeded into new tabs.
func (e *Engine) Header() []string {
	return DefaultHeader(e.cfg.Stages)
}

// Apply records ev into tab.
func (e *Engine) Apply(ctx context.Context, tab sheets.Tab, ev models.OpenEvent) (Result, error) {
	rows, err := tab.Rows(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read tab %q: %w", tab.Title(), err)
	}

	var first []string
	if len(rows) > 0 {
		first = rows[0]
	}
	h, added, err := e.healHeader(ctx, tab, first, ev)
	if err != nil {
		return Result{}, err
	}

	// Row 1 is the header; data starts at row 2.
	if len(rows) == 0 {
		rows = [][]string{h.names}
	}
	for i := 1; i < len(rows); i++ {
		if e.matches(h, rows[i], ev) {
			res, err := e.update(ctx, tab, h, rows[i], i+1, ev)
			res.AddedColumns = added
			return res, err
		}
	}

	res, err := e.insert(ctx, tab, h, len(rows)+1, ev)
	res.AddedColumns = added
	return res, err
}

// healHeader writes the default header into an empty tab and appends every
// missing required column after the last existing one.
func (e *Engine) healHeader(ctx context.Context, tab sheets.Tab, names []string, ev models.OpenEvent) (*header, []string, error) {
	h := newHeader(names)
	start := len(names)
	if h.empty() {
		h = newHeader(nil)
		start = 0
		for _, n := range e.Header() {
			h.add(n)
		}
	}

	required := append([]string(nil), baseColumns...)
	if ev.Verified {
		required = append(required, ColHumanVerified, ColHumanVerifiedAt)
	}
	for _, name := range required {
		if _, ok := h.col(name); !ok {
			h.add(name)
		}
	}
	if stage := ev.Metadata.Stage; stage != "" {
		if _, _, ok := h.stageColumn(stage); !ok {
			if canon, known := e.recognised(stage); known {
				h.add(StageColumn(canon))
			}
		}
	}

	if len(h.names) == start {
		return h, nil, nil
	}

	cells := make(map[int]string, len(h.names)-start)
	added := make([]string, 0, len(h.names)-start)
	for col := start; col < len(h.names); col++ {
		cells[col] = h.names[col]
		added = append(added, h.names[col])
	}
	if err := tab.UpdateCells(ctx, 1, cells); err != nil {
		return nil, nil, fmt.Errorf("write header of %q: %w", tab.Title(), err)
	}
	slog.Info("header columns added", "tab", tab.Title(), "columns", added)
	return h, added, nil
}

func (e *Engine) recognised(stage string) (string, bool) {
	want := CanonicalStage(stage)
	for _, s := range e.cfg.Stages {
		if CanonicalStage(s) == want {
			return s, true
		}
	}
	return "", false
}

func (e *Engine) matches(h *header, row []string, ev models.OpenEvent) bool {
	emailCol, _ := h.col(ColEmail)
	if models.NormalizeIdentity(cell(row, emailCol)) != ev.IdentityEmail() {
		return false
	}
	if e.cfg.Identity == IdentityEmailSender {
		fromCol, _ := h.col(ColFrom)
		return models.NormalizeIdentity(cell(row, fromCol)) == ev.IdentitySender()
	}
	return true
}

func (e *Engine) update(ctx context.Context, tab sheets.Tab, h *header, row []string, rowNum int, ev models.OpenEvent) (Result, error) {
	statusCol, _ := h.col(ColStatus)
	countCol, _ := h.col(ColOpenCount)
	count := parseCount(cell(row, countCol))

	values := make(map[int]string)
	if e.cfg.OpenPolicy == PolicyCap && strings.EqualFold(strings.TrimSpace(cell(row, statusCol)), StatusOpened) {
		if ev.Verified {
			e.setVerified(h, values, ev)
		}
		changed := diff(row, values)
		if len(changed) == 0 {
			return Result{Action: ActionSkipped, Row: rowNum, OpenCount: count}, nil
		}
		if err := tab.UpdateCells(ctx, rowNum, changed); err != nil {
			return Result{}, fmt.Errorf("update row %d of %q: %w", rowNum, tab.Title(), err)
		}
		return Result{Action: ActionSkipped, Row: rowNum, OpenCount: count}, nil
	}

	count++
	values[countCol] = strconv.Itoa(count)
	e.setOpenFields(h, values, ev)

	changed := diff(row, values)
	if err := tab.UpdateCells(ctx, rowNum, changed); err != nil {
		return Result{}, fmt.Errorf("update row %d of %q: %w", rowNum, tab.Title(), err)
	}
	return Result{Action: ActionUpdated, Row: rowNum, OpenCount: count}, nil
}

func (e *Engine) insert(ctx context.Context, tab sheets.Tab, h *header, rowNum int, ev models.OpenEvent) (Result, error) {
	values := make(map[int]string)
	if col, ok := h.col(ColTimestamp); ok {
		values[col] = ev.Timestamp
	}
	if col, ok := h.col(ColEmail); ok {
		values[col] = strings.TrimSpace(ev.Metadata.Email)
	}
	if col, ok := h.col(ColOpenCount); ok {
		values[col] = "1"
	}
	e.setOpenFields(h, values, ev)

	row := make([]string, len(h.names))
	for col, v := range values {
		row[col] = v
	}
	if err := tab.AppendRow(ctx, row); err != nil {
		return Result{}, fmt.Errorf("append row to %q: %w", tab.Title(), err)
	}
	return Result{Action: ActionInserted, Row: rowNum, OpenCount: 1}, nil
}

// setOpenFields fills the columns written on every recorded open.
func (e *Engine) setOpenFields(h *header, values map[int]string, ev models.OpenEvent) {
	md := ev.Metadata
	set := func(name, v string) {
		if col, ok := h.col(name); ok {
			values[col] = v
		}
	}

	set(ColStatus, StatusOpened)
	set(ColLastOpen, ev.Timestamp)
	set(ColOpenTimestamp, ev.Timestamp)
	set(ColFrom, strings.TrimSpace(md.Sender))
	set(ColSubject, md.Subject)
	set(ColCampaign, md.Campaign)
	set(ColTimezone, md.Timezone)
	set(ColTemplate, md.Template)
	set(ColStartDate, md.StartDate)

	if md.Stage != "" {
		if col, marker, ok := h.stageColumn(md.Stage); ok {
			values[col] = marker
		}
	}
	if ev.Verified {
		e.setVerified(h, values, ev)
	}
}

func (e *Engine) setVerified(h *header, values map[int]string, ev models.OpenEvent) {
	if col, ok := h.col(ColHumanVerified); ok {
		values[col] = FlagYes
	}
	if col, ok := h.col(ColHumanVerifiedAt); ok {
		values[col] = ev.Timestamp
	}
}

// diff keeps only the cells whose value differs from row.
func diff(row []string, values map[int]string) map[int]string {
	out := make(map[int]string, len(values))
	for col, v := range values {
		if cell(row, col) != v {
			out[col] = v
		}
	}
	return out
}

func cell(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

// parseCount reads an Open_count cell; blank or non-numeric counts as zero.
func parseCount(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
