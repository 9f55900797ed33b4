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
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/opentrack/internal/lock"
	"github.com/bcem/opentrack/internal/models"
	"github.com/bcem/opentrack/internal/resolver"
	"github.com/bcem/opentrack/internal/sheets"
	"github.com/bcem/opentrack/internal/upsert"
)

func sampleEvent() models.OpenEvent {
	return models.OpenEvent{
		ID:        "evt-1",
		Metadata:  models.Metadata{Email: "a@b.com", Sender: "x@y.com", Stage: "USA", Subject: "Hi"},
		Timestamp: "2026-03-01 15:30:00",
		Source:    models.SourcePixel,
	}
}

type stubRecorder struct {
	name  string
	err   error
	calls int
}

func (s *stubRecorder) Record(context.Context, models.OpenEvent) error {
	s.calls++
	return s.err
}

func (s *stubRecorder) Name() string { return s.name }

func TestFanout_AttemptsEverySinkOnce(t *testing.T) {
	primary := &stubRecorder{name: "primary", err: errors.New("sheet down")}
	good := &stubRecorder{name: "good"}
	bad := &stubRecorder{name: "bad", err: errors.New("redis down")}

	f := NewFanout(primary, nil, good, nil, bad)
	err := f.Record(context.Background(), sampleEvent())

	require.Error(t, err)
	assert.ErrorIs(t, err, primary.err)
	assert.ErrorIs(t, err, bad.err)
	assert.Contains(t, err.Error(), "primary:")
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1, bad.calls)
	assert.False(t, MirrorsOnly(err))
}

func TestFanout_MirrorFailureKeepsPrimaryWrite(t *testing.T) {
	primary := &stubRecorder{name: "sheets"}
	bad := &stubRecorder{name: "queue", err: errors.New("redis down")}

	err := NewFanout(primary, nil, bad).Record(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.True(t, MirrorsOnly(err))
	assert.ErrorIs(t, err, bad.err)

	var me *MirrorError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "queue", me.Sink)

	assert.False(t, MirrorsOnly(nil))
	assert.False(t, MirrorsOnly(errors.New("plain")))
}

func TestFanout_AllGood(t *testing.T) {
	f := NewFanout(&stubRecorder{name: "a"}, nil, &stubRecorder{name: "b"})
	assert.NoError(t, f.Record(context.Background(), sampleEvent()))
}

func TestWebhook_PostsPayload(t *testing.T) {
	var got WebhookPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, srv.Client())
	require.NoError(t, w.Record(context.Background(), sampleEvent()))

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, WebhookPayload{Timestamp: "2026-03-01 15:30:00", Email: "a@b.com", Sender: "x@y.com"}, got)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, nil).Record(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBackupLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "opens.jsonl")
	b, err := NewBackupLog(path)
	require.NoError(t, err)

	first := sampleEvent()
	second := sampleEvent()
	second.ID = "evt-2"
	second.Verified = true
	require.NoError(t, b.Record(context.Background(), first))
	require.NoError(t, b.Record(context.Background(), second))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var ids []string
	require.NoError(t, ReadBackupLog(f, func(ev models.OpenEvent) error {
		ids = append(ids, ev.ID)
		return nil
	}))
	assert.Equal(t, []string{"evt-1", "evt-2"}, ids)
}

func TestReadBackupLog_SkipsGarbage(t *testing.T) {
	in := strings.NewReader("not json\n\n{\"id\":\"ok\",\"source\":\"pixel\"}\n")
	var ids []string
	require.NoError(t, ReadBackupLog(in, func(ev models.OpenEvent) error {
		ids = append(ids, ev.ID)
		return nil
	}))
	assert.Equal(t, []string{"ok"}, ids)
}

func TestReadBackupLog_StopsOnCallbackError(t *testing.T) {
	in := strings.NewReader("{\"id\":\"1\"}\n{\"id\":\"2\"}\n")
	stop := errors.New("stop")
	calls := 0
	err := ReadBackupLog(in, func(models.OpenEvent) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func newSheetRecorder(mem *sheets.Memory) *Sheet {
	engine := upsert.New(upsert.Config{})
	res := resolver.New(mem, resolver.Config{
		DefaultWorkbook: "MailTracking",
		DefaultTab:      "USA",
		Header:          engine.Header(),
	})
	return NewSheet(res, engine, lock.NewLocal(), upsert.IdentityEmail, nil)
}

func TestSheet_RecordsIntoDefaultTab(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	s := newSheetRecorder(mem)

	res, err := s.Apply(context.Background(), sampleEvent())
	require.NoError(t, err)
	assert.Equal(t, upsert.ActionInserted, res.Action)

	rows := mem.Snapshot("MailTracking", "USA")
	require.Len(t, rows, 2)
	assert.Equal(t, "a@b.com", rows[1][2])
}

func TestSheet_ConcurrentOpensAreNotLost(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	s := newSheetRecorder(mem)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Record(context.Background(), sampleEvent()); err != nil {
				t.Errorf("Record() error: %v", err)
			}
		}()
	}
	wg.Wait()

	rows := mem.Snapshot("MailTracking", "USA")
	require.Len(t, rows, 2)
	assert.Equal(t, "25", rows[1][3])
}

// slowOpener widens the read-modify-write window of every tab.
type slowOpener struct{ sheets.Opener }

func (o slowOpener) Open(ctx context.Context, name string) (sheets.Workbook, error) {
	wb, err := o.Opener.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return slowBook{wb}, nil
}

type slowBook struct{ sheets.Workbook }

func (b slowBook) Tab(title string) sheets.Tab { return slowTab{b.Workbook.Tab(title)} }

type slowTab struct{ sheets.Tab }

func (t slowTab) Rows(ctx context.Context) ([][]string, error) {
	time.Sleep(50 * time.Millisecond)
	return t.Tab.Rows(ctx)
}

func TestSheet_LockFollowsResolvedTab(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	engine := upsert.New(upsert.Config{})
	res := resolver.New(slowOpener{mem}, resolver.Config{
		DefaultWorkbook: "MailTracking",
		DefaultTab:      "USA",
		Header:          engine.Header(),
	})
	s := NewSheet(res, engine, lock.NewLocal(), upsert.IdentityEmail, nil)
	require.NoError(t, s.Record(context.Background(), sampleEvent()))

	var wg sync.WaitGroup
	for _, sheet := range []string{"", "USA", "usa ", ""} {
		wg.Add(1)
		go func(sheet string) {
			defer wg.Done()
			ev := sampleEvent()
			ev.Metadata.Sheet = sheet
			if err := s.Record(context.Background(), ev); err != nil {
				t.Errorf("Record(sheet=%q) error: %v", sheet, err)
			}
		}(sheet)
	}
	wg.Wait()

	rows := mem.Snapshot("MailTracking", "USA")
	require.Len(t, rows, 2)
	assert.Equal(t, "5", rows[1][3], "every open on the shared row must count")
}

func TestFanout_MirrorsSeePrimaryOutcome(t *testing.T) {
	backup, err := NewBackupLog(filepath.Join(t.TempDir(), "opens.jsonl"))
	require.NoError(t, err)

	primary := &stubRecorder{name: "sheets"}
	f := NewFanout(primary, nil, backup)
	require.NoError(t, f.Record(context.Background(), sampleEvent()))

	primary.err = errors.New("quota exceeded")
	failed := sampleEvent()
	failed.ID = "evt-2"
	require.Error(t, f.Record(context.Background(), failed))

	data, err := os.ReadFile(backup.Path())
	require.NoError(t, err)
	var logged []models.OpenEvent
	require.NoError(t, ReadBackupLog(strings.NewReader(string(data)), func(ev models.OpenEvent) error {
		logged = append(logged, ev)
		return nil
	}))
	require.Len(t, logged, 2)
	assert.True(t, logged[0].Recorded)
	assert.Empty(t, logged[0].RecordError)
	assert.False(t, logged[1].Recorded)
	assert.Equal(t, "quota exceeded", logged[1].RecordError)
}

func TestSheet_MissingWorkbook(t *testing.T) {
	s := newSheetRecorder(sheets.NewMemory())
	err := s.Record(context.Background(), sampleEvent())
	assert.ErrorIs(t, err, resolver.ErrCannotRecord)
}
