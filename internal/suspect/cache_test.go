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

package suspect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bcem/opentrack/internal/sheets"
)

func newCache(mem *sheets.Memory, logNew bool) (*Cache, *time.Time) {
	c := New(mem, Config{Workbook: "MailTracking", Tab: "Suspicious", Refresh: time.Minute, LogNew: logNew})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestContains_SkipsHeader(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{
		{"IP"},
		{"1.2.3.4"},
		{" 5.6.7.8 "},
		{},
	})
	c, _ := newCache(mem, false)

	if !c.Contains("1.2.3.4") {
		t.Error("expected 1.2.3.4 to be suspicious")
	}
	if !c.Contains("5.6.7.8") {
		t.Error("expected trimmed 5.6.7.8 to be suspicious")
	}
	if c.Contains("IP") {
		t.Error("header row must not be loaded")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestContains_RefreshesWhenStale(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}, {"1.1.1.1"}})
	c, now := newCache(mem, false)

	if c.Contains("2.2.2.2") {
		t.Fatal("2.2.2.2 not yet listed")
	}

	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}, {"1.1.1.1"}, {"2.2.2.2"}})
	if c.Contains("2.2.2.2") {
		t.Error("fresh cache must not reload")
	}

	*now = now.Add(2 * time.Minute)
	if !c.Contains("2.2.2.2") {
		t.Error("stale cache should reload and see 2.2.2.2")
	}
}

func TestContains_FailedRefreshKeepsPreviousSet(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}, {"1.1.1.1"}})
	c, now := newCache(mem, false)
	c.Contains("1.1.1.1")

	mem.SetFailure(errors.New("quota"))
	*now = now.Add(2 * time.Minute)
	if !c.Contains("1.1.1.1") {
		t.Error("previous set should survive a failed refresh")
	}
}

type countingOpener struct {
	sheets.Opener
	opens int
}

func (o *countingOpener) Open(ctx context.Context, name string) (sheets.Workbook, error) {
	o.opens++
	return o.Opener.Open(ctx, name)
}

func TestContains_FailedRefreshBacksOff(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	mem.SetFailure(errors.New("backend error"))
	op := &countingOpener{Opener: mem}

	c := New(op, Config{Workbook: "MailTracking", Tab: "Suspicious", Refresh: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		c.Contains("1.1.1.1")
	}
	if op.opens != 1 {
		t.Fatalf("got %d refreshes within the retry delay, want 1", op.opens)
	}

	mem.SetFailure(nil)
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}, {"1.1.1.1"}})
	now = now.Add(failedRefreshRetry)
	if !c.Contains("1.1.1.1") {
		t.Error("refresh after the retry delay should load the set")
	}
	if op.opens != 2 {
		t.Errorf("got %d refreshes, want 2", op.opens)
	}
}

func TestContains_MissingTabIsEmpty(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	c, _ := newCache(mem, false)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if c.Contains("1.1.1.1") {
		t.Error("empty set expected")
	}
	if c.stale() {
		t.Error("a missing tab is a successful load")
	}
}

func TestDisabled(t *testing.T) {
	var nilCache *Cache
	if nilCache.Contains("1.1.1.1") {
		t.Error("nil cache should contain nothing")
	}

	c := New(sheets.NewMemory(), Config{})
	if c.Contains("1.1.1.1") {
		t.Error("cache without tab should contain nothing")
	}
	if err := c.Add(context.Background(), "1.1.1.1"); err != nil {
		t.Errorf("Add() on disabled cache: %v", err)
	}
}

func TestAdd_LogsNewAddressOnce(t *testing.T) {
	ctx := context.Background()
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP", "Logged_At"}})
	c, _ := newCache(mem, true)

	if err := c.Add(ctx, "9.9.9.9"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := c.Add(ctx, "9.9.9.9"); err != nil {
		t.Fatalf("second Add() error: %v", err)
	}

	rows := mem.Snapshot("MailTracking", "Suspicious")
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	if rows[1][0] != "9.9.9.9" || rows[1][1] != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected row %v", rows[1])
	}
	if !c.Contains("9.9.9.9") {
		t.Error("added address should be in the set")
	}
}

func TestAdd_CreatesTab(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	c, _ := newCache(mem, true)

	if err := c.Add(context.Background(), "9.9.9.9"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	rows := mem.Snapshot("MailTracking", "Suspicious")
	if len(rows) != 2 || rows[0][0] != "IP" || rows[1][0] != "9.9.9.9" {
		t.Errorf("unexpected rows %v", rows)
	}
}

func TestAdd_WithoutLoggingStaysInMemory(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}})
	c, _ := newCache(mem, false)

	if err := c.Add(context.Background(), "9.9.9.9"); err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if mem.Writes() != 0 {
		t.Errorf("expected no sheet writes, got %d", mem.Writes())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Suspicious", [][]string{{"IP"}, {"1.1.1.1"}})
	c, _ := newCache(mem, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
