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

// Package suspect keeps the set of IP addresses known to pre-fetch tracking
// pixels. The set lives in column A of a spreadsheet tab and is refreshed
// in the background and lazily on lookup once it goes stale.
package suspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bcem/opentrack/internal/sheets"
)

// DefaultRefresh is how long a loaded set is considered fresh.
const DefaultRefresh = 300 * time.Second

// lookupTimeout bounds a refresh triggered from Contains.
const lookupTimeout = 5 * time.Second

// failedRefreshRetry bounds how soon a failed refresh is retried from
// Contains; the refresh interval applies when it is shorter.
const failedRefreshRetry = 30 * time.Second

// Header written when the tab has to be created by Add.
var header = []string{"IP", "Logged_At"}

// Cache is a periodically reloaded set of suspicious IPs. A nil Cache or one
// without a tab contains nothing.
type Cache struct {
	opener   sheets.Opener
	workbook string
	tab      string
	refresh  time.Duration
	logNew   bool

	mu      sync.RWMutex
	ips     map[string]struct{}
	loaded  time.Time
	retryAt time.Time

	group singleflight.Group
	now   func() time.Time
}

// Config configures a Cache.
type Config struct {
	Workbook string
	Tab      string
	Refresh  time.Duration
	// LogNew makes Add append newly seen addresses to the tab.
	LogNew bool
}

// New creates a cache reading cfg.Tab of cfg.Workbook.
func New(opener sheets.Opener, cfg Config) *Cache {
	if cfg.Refresh <= 0 {
		cfg.Refresh = DefaultRefresh
	}
	return &Cache{
		opener:   opener,
		workbook: cfg.Workbook,
		tab:      cfg.Tab,
		refresh:  cfg.Refresh,
		logNew:   cfg.LogNew,
		ips:      make(map[string]struct{}),
		now:      time.Now,
	}
}

func (c *Cache) enabled() bool {
	return c != nil && c.tab != "" && c.opener != nil
}

// Contains reports whether ip is in the set, reloading it first when stale.
// A failed reload keeps serving the previous set.
func (c *Cache) Contains(ip string) bool {
	if !c.enabled() || ip == "" {
		return false
	}
	if c.stale() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("suspicious ip refresh failed", "tab", c.tab, "error", err)
		}
		cancel()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ips[strings.TrimSpace(ip)]
	return ok
}

// Len returns the number of addresses currently loaded.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ips)
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	if now.Before(c.retryAt) {
		return false
	}
	return c.loaded.IsZero() || now.Sub(c.loaded) >= c.refresh
}

// Refresh reloads the set from the sheet. Concurrent callers share a single
// read. After a failure, lookups keep the previous set and do not try again
// before the retry delay.
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.enabled() {
		return nil
	}
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		err := c.load(ctx)
		if err != nil {
			c.mu.Lock()
			c.retryAt = c.now().Add(min(c.refresh, failedRefreshRetry))
			c.mu.Unlock()
		}
		return nil, err
	})
	return err
}

func (c *Cache) load(ctx context.Context) error {
	wb, err := c.opener.Open(ctx, c.workbook)
	if err != nil {
		return fmt.Errorf("open workbook %q: %w", c.workbook, err)
	}
	rows, err := wb.Tab(c.tab).Rows(ctx)
	if errors.Is(err, sheets.ErrNotFound) {
		// No tab yet means no suspicious addresses.
		rows, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("read suspicious ips: %w", err)
	}

	ips := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		if ip := strings.TrimSpace(row[0]); ip != "" {
			ips[ip] = struct{}{}
		}
	}

	c.mu.Lock()
	c.ips = ips
	c.loaded = c.now()
	c.mu.Unlock()

	slog.Debug("suspicious ips loaded", "tab", c.tab, "count", len(ips))
	return nil
}

// Add records ip as suspicious. The address joins the in-memory set at once;
// it is appended to the tab only when logging is enabled and it was not
// already known.
func (c *Cache) Add(ctx context.Context, ip string) error {
	ip = strings.TrimSpace(ip)
	if !c.enabled() || ip == "" {
		return nil
	}

	c.mu.Lock()
	_, known := c.ips[ip]
	c.ips[ip] = struct{}{}
	c.mu.Unlock()

	if known || !c.logNew {
		return nil
	}

	wb, err := c.opener.Open(ctx, c.workbook)
	if err != nil {
		return fmt.Errorf("open workbook %q: %w", c.workbook, err)
	}
	row := []string{ip, c.now().UTC().Format(time.RFC3339)}
	err = wb.Tab(c.tab).AppendRow(ctx, row)
	if errors.Is(err, sheets.ErrNotFound) {
		if err = wb.AddTab(ctx, c.tab, sheets.DefaultTabRows, len(header)); err != nil {
			return fmt.Errorf("create tab %q: %w", c.tab, err)
		}
		tab := wb.Tab(c.tab)
		if err = tab.AppendRow(ctx, header); err == nil {
			err = tab.AppendRow(ctx, row)
		}
	}
	if err != nil {
		return fmt.Errorf("log suspicious ip: %w", err)
	}
	slog.Info("suspicious ip logged", "client_ip", ip, "tab", c.tab)
	return nil
}

// Run reloads the set on every refresh interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) {
	if !c.enabled() {
		return
	}
	slog.Info("suspicious ip refresher starting", "tab", c.tab, "interval", c.refresh)

	if err := c.Refresh(ctx); err != nil {
		slog.Error("failed to load suspicious ips", "error", err)
	}

	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("suspicious ip refresher stopping")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Error("failed to refresh suspicious ips", "error", err)
			}
		}
	}
}
