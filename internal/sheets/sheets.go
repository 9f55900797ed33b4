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

// Package sheets abstracts the spreadsheet service the tracker records into.
// The Google backend talks to the Sheets v4 and Drive v3 APIs; the Memory
// backend keeps workbooks in process for local runs and tests.
package sheets

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a workbook or tab does not exist.
var ErrNotFound = errors.New("not found")

// Default size of newly created tabs.
const (
	DefaultTabRows = 1000
	DefaultTabCols = 20
)

// Tab is a single worksheet. Row numbers are 1-based (row 1 is the header);
// column indexes are 0-based.
type Tab interface {
	Title() string

	// Rows returns every populated row, header included. Trailing empty
	// cells may be omitted, so rows can be shorter than the header.
	Rows(ctx context.Context) ([][]string, error)

	// UpdateCells writes the given cells of one row in a single call.
	UpdateCells(ctx context.Context, row int, cells map[int]string) error

	// AppendRow adds a row after the last populated row.
	AppendRow(ctx context.Context, values []string) error
}

// Workbook is a spreadsheet holding named tabs.
type Workbook interface {
	Name() string
	Tabs(ctx context.Context) ([]string, error)
	AddTab(ctx context.Context, title string, rows, cols int) error
	Tab(title string) Tab
}

// Opener opens workbooks by name.
type Opener interface {
	Open(ctx context.Context, name string) (Workbook, error)
}
