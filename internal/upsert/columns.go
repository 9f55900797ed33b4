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

package upsert

import "strings"

// Column names, in their canonical spelling.
const (
	ColTimestamp       = "Timestamp"
	ColStatus          = "Status"
	ColEmail           = "Email"
	ColOpenCount       = "Open_count"
	ColLastOpen        = "Last_Open"
	ColFrom            = "From"
	ColSubject         = "Subject"
	ColOpenTimestamp   = "Open_timestamp"
	ColCampaign        = "Campaign"
	ColTimezone        = "Timezone"
	ColTemplate        = "Template"
	ColStartDate       = "Start_Date"
	ColHumanVerified   = "Human_Verified"
	ColHumanVerifiedAt = "Human_Verified_At"
)

// Cell values.
const (
	StatusOpened = "OPENED"
	FlagYes      = "YES"
)

// DefaultStages are the outreach regions with a stage column in the default
// header.
var DefaultStages = []string{"USA", "ISRAEL", "APAC", "M.E"}

// baseColumns must exist on every tab.
var baseColumns = []string{
	ColEmail, ColTimestamp, ColStatus, ColOpenCount, ColLastOpen, ColFrom, ColSubject,
}

// DefaultHeader returns the header written to empty tabs.
func DefaultHeader(stages []string) []string {
	h := []string{ColTimestamp, ColStatus, ColEmail, ColOpenCount, ColLastOpen, ColFrom, ColSubject}
	for _, s := range stages {
		h = append(h, StageColumn(s))
	}
	return h
}

// StageColumn is the canonical flag column for a stage.
func StageColumn(stage string) string {
	return "Opened_" + strings.TrimSpace(stage)
}

// CanonicalStage normalises a stage name for comparison: upper case, without
// underscores, dashes or spaces, with "FOLLOWUP" shortened to "FW". So
// "fw_1", "FW-1" and "Followup1" compare equal.
func CanonicalStage(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
	if rest, ok := strings.CutPrefix(s, "FOLLOWUP"); ok {
		s = "FW" + rest
	}
	return s
}

// header is a case-insensitive view of a header row.
type header struct {
	names []string
	index map[string]int
}

func newHeader(names []string) *header {
	h := &header{index: make(map[string]int, len(names))}
	for _, n := range names {
		h.add(n)
	}
	return h
}

func (h *header) add(name string) int {
	col := len(h.names)
	h.names = append(h.names, name)
	key := headerKey(name)
	if _, dup := h.index[key]; !dup && key != "" {
		h.index[key] = col
	}
	return col
}

func (h *header) col(name string) (int, bool) {
	i, ok := h.index[headerKey(name)]
	return i, ok
}

func (h *header) empty() bool {
	for _, n := range h.names {
		if strings.TrimSpace(n) != "" {
			return false
		}
	}
	return true
}

// stageColumn finds the flag column for stage and the marker it takes:
// "Opened_<Stage>" holds YES, "<Stage>_Open" holds OPENED.
func (h *header) stageColumn(stage string) (col int, marker string, ok bool) {
	want := CanonicalStage(stage)
	if want == "" {
		return 0, "", false
	}
	for i, n := range h.names {
		name := strings.TrimSpace(n)
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "opened_") && CanonicalStage(name[len("opened_"):]) == want {
			return i, FlagYes, true
		}
		if lower == strings.ToLower(ColLastOpen) {
			continue
		}
		if strings.HasSuffix(lower, "_open") && CanonicalStage(name[:len(name)-len("_open")]) == want {
			return i, StatusOpened, true
		}
	}
	return 0, "", false
}

func headerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
