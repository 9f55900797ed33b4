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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"
)

// Scopes requested for the service account.
var Scopes = []string{
	sheetsapi.SpreadsheetsScope,
	drive.DriveReadonlyScope,
}

const spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

// Google is an Opener backed by the Sheets v4 API. Workbooks are looked up
// by name through Drive v3 unless a name → spreadsheet ID mapping is given.
type Google struct {
	sheets  *sheetsapi.Service
	drive   *drive.Service
	breaker *Breaker

	mu   sync.Mutex
	ids  map[string]string // workbook name → spreadsheet ID
	grid map[string]gridInfo
}

type gridInfo struct {
	sheetID int64
	cols    int64
}

// NewGoogle authenticates with a service-account JSON key and builds the
// API clients.
func NewGoogle(ctx context.Context, credentialsJSON []byte, ids map[string]string, breaker *Breaker) (*Google, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse service account credentials: %w", err)
	}
	return NewGoogleWithClient(ctx, oauth2.NewClient(ctx, creds.TokenSource), ids, breaker, nil)
}

// NewGoogleWithClient builds the API clients on an already-authenticated
// HTTP client. Extra options (e.g. option.WithEndpoint) are applied to both
// services.
func NewGoogleWithClient(ctx context.Context, httpClient *http.Client, ids map[string]string, breaker *Breaker, opts []option.ClientOption) (*Google, error) {
	all := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)

	ss, err := sheetsapi.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	ds, err := drive.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	known := make(map[string]string, len(ids))
	for name, id := range ids {
		known[name] = id
	}

	return &Google{
		sheets:  ss,
		drive:   ds,
		breaker: breaker,
		ids:     known,
		grid:    make(map[string]gridInfo),
	}, nil
}

// Open implements Opener.
func (g *Google) Open(ctx context.Context, name string) (Workbook, error) {
	id, err := g.spreadsheetID(ctx, name)
	if err != nil {
		return nil, err
	}
	return &googleBook{g: g, id: id, name: name}, nil
}

func (g *Google) spreadsheetID(ctx context.Context, name string) (string, error) {
	g.mu.Lock()
	id, ok := g.ids[name]
	g.mu.Unlock()
	if ok {
		return id, nil
	}

	q := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(name), spreadsheetMimeType)

	var files []*drive.File
	err := g.breaker.Call(func() error {
		res, err := g.drive.Files.List().
			Q(q).
			Fields("files(id, name)").
			PageSize(1).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx).
			Do()
		if err != nil {
			return err
		}
		files = res.Files
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("look up workbook %q: %w", name, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("workbook %q: %w", name, ErrNotFound)
	}

	g.mu.Lock()
	g.ids[name] = files[0].Id
	g.mu.Unlock()

	slog.Info("resolved workbook", "workbook", name, "spreadsheet_id", files[0].Id)
	return files[0].Id, nil
}

// loadGrid refreshes the cached sheet IDs and column counts of a spreadsheet
// and returns the tab titles in order.
func (g *Google) loadGrid(ctx context.Context, spreadsheetID string) ([]string, error) {
	var ss *sheetsapi.Spreadsheet
	err := g.breaker.Call(func() error {
		var err error
		ss, err = g.sheets.Spreadsheets.Get(spreadsheetID).
			Fields("sheets.properties(sheetId,title,gridProperties)").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get spreadsheet %s: %w", spreadsheetID, err)
	}

	titles := make([]string, 0, len(ss.Sheets))
	g.mu.Lock()
	for _, s := range ss.Sheets {
		if s.Properties == nil {
			continue
		}
		info := gridInfo{sheetID: s.Properties.SheetId}
		if s.Properties.GridProperties != nil {
			info.cols = s.Properties.GridProperties.ColumnCount
		}
		g.grid[gridKey(spreadsheetID, s.Properties.Title)] = info
		titles = append(titles, s.Properties.Title)
	}
	g.mu.Unlock()
	return titles, nil
}

// ensureColumns widens a tab so that it holds at least n columns. Writes
// beyond the grid are rejected by the API. A tab missing from the
// spreadsheet yields ErrNotFound.
func (g *Google) ensureColumns(ctx context.Context, spreadsheetID, title string, n int) error {
	key := gridKey(spreadsheetID, title)

	g.mu.Lock()
	info, ok := g.grid[key]
	g.mu.Unlock()
	if !ok {
		if _, err := g.loadGrid(ctx, spreadsheetID); err != nil {
			return err
		}
		g.mu.Lock()
		info, ok = g.grid[key]
		g.mu.Unlock()
		if !ok {
			return fmt.Errorf("tab %q: %w", title, ErrNotFound)
		}
	}
	if int64(n) <= info.cols {
		return nil
	}

	extra := int64(n) - info.cols
	err := g.breaker.Call(func() error {
		_, err := g.sheets.Spreadsheets.BatchUpdate(spreadsheetID, &sheetsapi.BatchUpdateSpreadsheetRequest{
			Requests: []*sheetsapi.Request{{
				AppendDimension: &sheetsapi.AppendDimensionRequest{
					SheetId:         info.sheetID,
					Dimension:       "COLUMNS",
					Length:          extra,
					ForceSendFields: []string{"SheetId"},
				},
			}},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("widen tab %q to %d columns: %w", title, n, err)
	}

	g.mu.Lock()
	info.cols = int64(n)
	g.grid[key] = info
	g.mu.Unlock()
	return nil
}

type googleBook struct {
	g    *Google
	id   string
	name string
}

func (b *googleBook) Name() string { return b.name }

func (b *googleBook) Tabs(ctx context.Context) ([]string, error) {
	return b.g.loadGrid(ctx, b.id)
}

func (b *googleBook) AddTab(ctx context.Context, title string, rows, cols int) error {
	var reply *sheetsapi.BatchUpdateSpreadsheetResponse
	err := b.g.breaker.Call(func() error {
		var err error
		reply, err = b.g.sheets.Spreadsheets.BatchUpdate(b.id, &sheetsapi.BatchUpdateSpreadsheetRequest{
			Requests: []*sheetsapi.Request{{
				AddSheet: &sheetsapi.AddSheetRequest{
					Properties: &sheetsapi.SheetProperties{
						Title: title,
						GridProperties: &sheetsapi.GridProperties{
							RowCount:    int64(rows),
							ColumnCount: int64(cols),
						},
					},
				},
			}},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("add tab %q: %w", title, err)
	}

	if len(reply.Replies) > 0 && reply.Replies[0].AddSheet != nil && reply.Replies[0].AddSheet.Properties != nil {
		props := reply.Replies[0].AddSheet.Properties
		b.g.mu.Lock()
		b.g.grid[gridKey(b.id, title)] = gridInfo{sheetID: props.SheetId, cols: int64(cols)}
		b.g.mu.Unlock()
	}
	return nil
}

func (b *googleBook) Tab(title string) Tab {
	return &googleTab{book: b, title: title}
}

type googleTab struct {
	book  *googleBook
	title string
}

func (t *googleTab) Title() string { return t.title }

func (t *googleTab) Rows(ctx context.Context) ([][]string, error) {
	g := t.book.g
	if err := g.ensureColumns(ctx, t.book.id, t.title, 0); err != nil {
		return nil, err
	}

	var vr *sheetsapi.ValueRange
	err := g.breaker.Call(func() error {
		var err error
		vr, err = g.sheets.Spreadsheets.Values.Get(t.book.id, quoteTitle(t.title)).
			ValueRenderOption("FORMATTED_VALUE").
			Context(ctx).
			Do()
		return err
	})
	if isMissingRange(err) {
		g.mu.Lock()
		delete(g.grid, gridKey(t.book.id, t.title))
		g.mu.Unlock()
		return nil, fmt.Errorf("tab %q: %w", t.title, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read tab %q: %w", t.title, err)
	}
	return toStrings(vr.Values), nil
}

// isMissingRange reports the API's answer for a range on a tab that does
// not exist (any longer).
func isMissingRange(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusBadRequest && strings.Contains(gerr.Message, "Unable to parse range")
}

func (t *googleTab) UpdateCells(ctx context.Context, row int, cells map[int]string) error {
	if len(cells) == 0 {
		return nil
	}
	g := t.book.g

	maxCol := 0
	data := make([]*sheetsapi.ValueRange, 0, len(cells))
	for col, v := range cells {
		if col+1 > maxCol {
			maxCol = col + 1
		}
		data = append(data, &sheetsapi.ValueRange{
			Range:  CellRange(t.title, row, col),
			Values: [][]interface{}{{v}},
		})
	}

	if err := g.ensureColumns(ctx, t.book.id, t.title, maxCol); err != nil {
		return err
	}

	err := g.breaker.Call(func() error {
		_, err := g.sheets.Spreadsheets.Values.BatchUpdate(t.book.id, &sheetsapi.BatchUpdateValuesRequest{
			ValueInputOption: "RAW",
			Data:             data,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("update row %d of %q: %w", row, t.title, err)
	}
	return nil
}

func (t *googleTab) AppendRow(ctx context.Context, values []string) error {
	g := t.book.g
	if err := g.ensureColumns(ctx, t.book.id, t.title, len(values)); err != nil {
		return err
	}

	row := make([]interface{}, len(values))
	for i, v := range values {
		row[i] = v
	}

	err := g.breaker.Call(func() error {
		_, err := g.sheets.Spreadsheets.Values.Append(t.book.id, quoteTitle(t.title)+"!A1", &sheetsapi.ValueRange{
			Values: [][]interface{}{row},
		}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("append row to %q: %w", t.title, err)
	}
	return nil
}

// CellRange returns the A1 notation of a single cell (row 1-based, col 0-based).
func CellRange(title string, row, col int) string {
	return fmt.Sprintf("%s!%s%d", quoteTitle(title), ColumnLetter(col), row)
}

// ColumnLetter converts a 0-based column index to A1 letters (0 → A, 26 → AA).
func ColumnLetter(col int) string {
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

func quoteTitle(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "'", `\'`)
}

func gridKey(spreadsheetID, title string) string {
	return spreadsheetID + "\x00" + title
}

func toStrings(values [][]interface{}) [][]string {
	out := make([][]string, len(values))
	for i, row := range values {
		r := make([]string, len(row))
		for j, v := range row {
			if v != nil {
				r[j] = fmt.Sprint(v)
			}
		}
		out[i] = r
	}
	return out
}
