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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestColumnLetter(t *testing.T) {
	tests := map[int]string{0: "A", 1: "B", 25: "Z", 26: "AA", 27: "AB", 51: "AZ", 52: "BA", 701: "ZZ", 702: "AAA"}
	for col, want := range tests {
		assert.Equal(t, want, ColumnLetter(col), "col %d", col)
	}
}

func TestCellRange(t *testing.T) {
	assert.Equal(t, "'USA'!C5", CellRange("USA", 5, 2))
	assert.Equal(t, "'Bob''s tab'!A1", CellRange("Bob's tab", 1, 0))
}

func TestMemory_OpenUnknownWorkbook(t *testing.T) {
	m := NewMemory()
	_, err := m.Open(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_TabLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddWorkbook("MailTracking")

	wb, err := m.Open(ctx, "MailTracking")
	require.NoError(t, err)

	require.NoError(t, wb.AddTab(ctx, "USA", DefaultTabRows, DefaultTabCols))
	assert.Error(t, wb.AddTab(ctx, "USA", 1, 1), "duplicate tab")

	tabs, err := wb.Tabs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USA"}, tabs)

	tab := wb.Tab("USA")
	require.NoError(t, tab.AppendRow(ctx, []string{"Email", "Status"}))
	require.NoError(t, tab.AppendRow(ctx, []string{"a@b.com"}))
	require.NoError(t, tab.UpdateCells(ctx, 2, map[int]string{1: "OPENED", 3: "x"}))

	rows, err := tab.Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Email", "Status"}, {"a@b.com", "OPENED", "", "x"}}, rows)
	assert.Equal(t, 3, m.Writes())

	_, err = wb.Tab("missing").Rows(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Failure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetRows("wb", "USA", [][]string{{"Email"}})
	boom := errors.New("quota exceeded")
	m.SetFailure(boom)

	_, err := m.Open(ctx, "wb")
	assert.ErrorIs(t, err, boom)

	m.SetFailure(nil)
	wb, err := m.Open(ctx, "wb")
	require.NoError(t, err)
	m.SetFailure(boom)
	assert.ErrorIs(t, wb.Tab("USA").AppendRow(ctx, []string{"x"}), boom)
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MinRequests: 4, FailureRatio: 0.5, Delay: time.Minute})
	fail := errors.New("fail")

	for i := 0; i < 4; i++ {
		_ = b.Call(func() error { return fail })
	}
	require.True(t, b.IsOpen())

	called := false
	err := b.Call(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, called)
}

func TestBreaker_NilRunsDirectly(t *testing.T) {
	var b *Breaker
	assert.NoError(t, b.Call(func() error { return nil }))
	assert.False(t, b.IsOpen())
}

// fakeGoogle serves the handful of Sheets/Drive endpoints the backend uses.
type fakeGoogle struct {
	mu       sync.Mutex
	rows     [][]interface{}
	appended [][]interface{}
	updates  []string

	valueGets  int
	deletedUSA bool // USA still listed but value reads fail like a removed tab
}

func (f *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/files":
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]string{{"id": "sheet-123", "name": "MailTracking"}},
		})
	case r.Method == http.MethodGet && r.URL.Path == "/v4/spreadsheets/sheet-123":
		json.NewEncoder(w).Encode(map[string]any{
			"sheets": []map[string]any{{
				"properties": map[string]any{
					"sheetId":        7,
					"title":          "USA",
					"gridProperties": map[string]any{"rowCount": 1000, "columnCount": 20},
				},
			}},
		})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":append"):
		var vr struct {
			Values [][]interface{} `json:"values"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &vr)
		f.appended = append(f.appended, vr.Values...)
		w.Write([]byte(`{}`))
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/values:batchUpdate"):
		var req struct {
			Data []struct {
				Range string `json:"range"`
			} `json:"data"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)
		for _, d := range req.Data {
			f.updates = append(f.updates, d.Range)
		}
		w.Write([]byte(`{}`))
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v4/spreadsheets/sheet-123/values/"):
		f.valueGets++
		if f.deletedUSA || !strings.Contains(r.URL.Path, "'USA'") {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"Unable to parse range: Missing","status":"INVALID_ARGUMENT"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"values": f.rows})
	default:
		http.Error(w, `{"error":{"code":404,"message":"not found"}}`, http.StatusNotFound)
	}
}

func newFakeGoogle(t *testing.T) (*Google, *fakeGoogle) {
	t.Helper()
	fake := &fakeGoogle{rows: [][]interface{}{{"Email", "Open_count"}, {"a@b.com", 2}}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	g, err := NewGoogleWithClient(context.Background(), srv.Client(), nil, nil,
		[]option.ClientOption{option.WithEndpoint(srv.URL + "/")})
	require.NoError(t, err)
	return g, fake
}

func TestGoogle_OpenAndRead(t *testing.T) {
	ctx := context.Background()
	g, _ := newFakeGoogle(t)

	wb, err := g.Open(ctx, "MailTracking")
	require.NoError(t, err)
	assert.Equal(t, "sheet-123", g.ids["MailTracking"])

	tabs, err := wb.Tabs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"USA"}, tabs)

	rows, err := wb.Tab("USA").Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Email", "Open_count"}, {"a@b.com", "2"}}, rows)
}

func TestGoogle_Writes(t *testing.T) {
	ctx := context.Background()
	g, fake := newFakeGoogle(t)

	wb, err := g.Open(ctx, "MailTracking")
	require.NoError(t, err)
	tab := wb.Tab("USA")

	require.NoError(t, tab.UpdateCells(ctx, 2, map[int]string{1: "3"}))
	require.NoError(t, tab.AppendRow(ctx, []string{"c@d.com", "1"}))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"'USA'!B2"}, fake.updates)
	assert.Equal(t, [][]interface{}{{"c@d.com", "1"}}, fake.appended)
}

func TestGoogle_MissingTabIsNotFound(t *testing.T) {
	ctx := context.Background()
	g, fake := newFakeGoogle(t)

	wb, err := g.Open(ctx, "MailTracking")
	require.NoError(t, err)

	_, err = wb.Tab("Suspicious_IPs").Rows(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	fake.mu.Lock()
	assert.Equal(t, 0, fake.valueGets, "missing tab should be caught from the grid")
	fake.deletedUSA = true
	fake.mu.Unlock()

	_, err = wb.Tab("USA").Rows(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreaker_IgnoresRequestErrors(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MinRequests: 2, FailureRatio: 0.5, Delay: time.Minute})

	for i := 0; i < 5; i++ {
		_ = b.Call(func() error { return &googleapi.Error{Code: http.StatusBadRequest, Message: "Unable to parse range"} })
		_ = b.Call(func() error { return ErrNotFound })
	}
	assert.False(t, b.IsOpen())

	for i := 0; i < 2; i++ {
		_ = b.Call(func() error { return &googleapi.Error{Code: http.StatusTooManyRequests} })
	}
	assert.True(t, b.IsOpen())
}

func TestToStrings(t *testing.T) {
	got := toStrings([][]interface{}{{"a", float64(3), nil, true}})
	assert.Equal(t, [][]string{{"a", "3", "", "true"}}, got)
}
