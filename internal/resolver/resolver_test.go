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

package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/opentrack/internal/sheets"
)

var header = []string{"Timestamp", "Status", "Email"}

func newResolver(mem *sheets.Memory, policy TabPolicy) *Resolver {
	return New(mem, Config{
		DefaultWorkbook: "MailTracking",
		DefaultTab:      "USA",
		Policy:          policy,
		Header:          header,
	})
}

func TestParseTabPolicy(t *testing.T) {
	for in, want := range map[string]TabPolicy{"": TabFixed, "fixed": TabFixed, "FIRST": TabFirst} {
		got, err := ParseTabPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTabPolicy("random")
	assert.Error(t, err)
}

func TestResolve_ExistingTab(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "APAC", [][]string{{"Email"}})
	r := newResolver(mem, TabFixed)

	tab, err := r.Resolve(context.Background(), "", "apac")
	require.NoError(t, err)
	assert.Equal(t, "APAC", tab.Title())
	assert.Equal(t, 0, mem.Writes())
}

func TestResolve_CreatesMissingTabWithHeader(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	r := newResolver(mem, TabFixed)

	tab, err := r.Resolve(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "USA", tab.Title())
	assert.Equal(t, [][]string{header}, mem.Snapshot("MailTracking", "USA"))
}

func TestResolve_TokenWorkbook(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("Campaigns", "USA", [][]string{header})
	r := newResolver(mem, TabFixed)

	tab, err := r.Resolve(context.Background(), "Campaigns", "USA")
	require.NoError(t, err)
	assert.Equal(t, "USA", tab.Title())
}

func TestResolve_FirstPolicy(t *testing.T) {
	mem := sheets.NewMemory()
	mem.SetRows("MailTracking", "Outreach", [][]string{header})
	mem.SetRows("MailTracking", "USA", [][]string{header})
	r := newResolver(mem, TabFirst)

	tab, err := r.Resolve(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "Outreach", tab.Title())
}

func TestResolve_FirstPolicyEmptyWorkbook(t *testing.T) {
	mem := sheets.NewMemory()
	mem.AddWorkbook("MailTracking")
	r := newResolver(mem, TabFirst)

	tab, err := r.Resolve(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, "USA", tab.Title())
}

func TestResolve_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing workbook", func(t *testing.T) {
		r := newResolver(sheets.NewMemory(), TabFixed)
		_, err := r.Resolve(ctx, "", "")
		assert.ErrorIs(t, err, ErrCannotRecord)
		assert.ErrorIs(t, err, sheets.ErrNotFound)
	})

	t.Run("backend failure", func(t *testing.T) {
		mem := sheets.NewMemory()
		mem.AddWorkbook("MailTracking")
		boom := errors.New("rate limited")
		mem.SetFailure(boom)
		_, err := newResolver(mem, TabFixed).Resolve(ctx, "", "USA")
		assert.ErrorIs(t, err, ErrCannotRecord)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("no defaults", func(t *testing.T) {
		_, err := New(sheets.NewMemory(), Config{}).Resolve(ctx, "", "")
		assert.ErrorIs(t, err, ErrCannotRecord)
	})
}
