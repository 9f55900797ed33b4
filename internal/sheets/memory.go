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

package sheets

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Opener. Workbooks must be created with AddWorkbook
// before they can be opened, mirroring a spreadsheet that has to be shared
// with the service account.
type Memory struct {
	mu    sync.Mutex
	books map[string]*memBook

	// Writes counts UpdateCells and AppendRow calls across all tabs.
	writes int
	// Fail, when set, is returned by every call.
	fail error
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{books: make(map[string]*memBook)}
}

// AddWorkbook registers an empty workbook.
func (m *Memory) AddWorkbook(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[name]; !ok {
		m.books[name] = &memBook{mem: m, name: name, tabs: make(map[string]*memTab)}
	}
}

// SetRows replaces a tab's content, creating workbook and tab as needed.
func (m *Memory) SetRows(book, tab string, rows [][]string) {
	m.AddWorkbook(book)
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.books[book]
	t, ok := b.tabs[tab]
	if !ok {
		t = &memTab{mem: m, title: tab}
		b.tabs[tab] = t
		b.order = append(b.order, tab)
	}
	t.rows = copyRows(rows)
}

// Snapshot returns a copy of a tab's rows, or nil if it does not exist.
func (m *Memory) Snapshot(book, tab string) [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[book]
	if !ok {
		return nil
	}
	t, ok := b.tabs[tab]
	if !ok {
		return nil
	}
	return copyRows(t.rows)
}

// Writes returns the number of write calls made so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// SetFailure makes every subsequent call return err (nil clears it).
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Open implements Opener.
func (m *Memory) Open(_ context.Context, name string) (Workbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	b, ok := m.books[name]
	if !ok {
		return nil, fmt.Errorf("workbook %q: %w", name, ErrNotFound)
	}
	return b, nil
}

type memBook struct {
	mem   *Memory
	name  string
	tabs  map[string]*memTab
	order []string
}

func (b *memBook) Name() string { return b.name }

func (b *memBook) Tabs(_ context.Context) ([]string, error) {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if b.mem.fail != nil {
		return nil, b.mem.fail
	}
	return append([]string(nil), b.order...), nil
}

func (b *memBook) AddTab(_ context.Context, title string, _, _ int) error {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if b.mem.fail != nil {
		return b.mem.fail
	}
	if _, ok := b.tabs[title]; ok {
		return fmt.Errorf("tab %q already exists", title)
	}
	b.tabs[title] = &memTab{mem: b.mem, title: title}
	b.order = append(b.order, title)
	return nil
}

func (b *memBook) Tab(title string) Tab {
	b.mem.mu.Lock()
	defer b.mem.mu.Unlock()
	if t, ok := b.tabs[title]; ok {
		return t
	}
	// Unknown tabs fail on use, like a stale reference to a deleted sheet.
	return &memTab{mem: b.mem, title: title, missing: true}
}

type memTab struct {
	mem     *Memory
	title   string
	rows    [][]string
	missing bool
}

func (t *memTab) Title() string { return t.title }

func (t *memTab) check() error {
	if t.mem.fail != nil {
		return t.mem.fail
	}
	if t.missing {
		return fmt.Errorf("tab %q: %w", t.title, ErrNotFound)
	}
	return nil
}

func (t *memTab) Rows(_ context.Context) ([][]string, error) {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	if err := t.check(); err != nil {
		return nil, err
	}
	return copyRows(t.rows), nil
}

func (t *memTab) UpdateCells(_ context.Context, row int, cells map[int]string) error {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	if row < 1 {
		return fmt.Errorf("invalid row %d", row)
	}
	for len(t.rows) < row {
		t.rows = append(t.rows, nil)
	}
	r := t.rows[row-1]
	for col, v := range cells {
		for len(r) <= col {
			r = append(r, "")
		}
		r[col] = v
	}
	t.rows[row-1] = r
	t.mem.writes++
	return nil
}

func (t *memTab) AppendRow(_ context.Context, values []string) error {
	t.mem.mu.Lock()
	defer t.mem.mu.Unlock()
	if err := t.check(); err != nil {
		return err
	}
	t.rows = append(t.rows, append([]string(nil), values...))
	t.mem.writes++
	return nil
}

func copyRows(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
