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

// Package models defines the data structures shared across the tracking service.
package models

import (
	"strings"
	"time"
)

// TimestampLayout is the layout used for every timestamp written to a sheet.
const TimestampLayout = "2006-01-02 15:04:05"

// Event sources.
const (
	SourcePixel    = "pixel"
	SourceHuman    = "human"
	SourceSendGrid = "sendgrid"
	SourceBackfill = "backfill"
)

// Metadata is the decoded content of a tracking token.
//
// Its JSON form is the token payload contract: either nested under a
// "metadata" key or flat at the top level.
type Metadata struct {
	Email     string `json:"email"`
	Sender    string `json:"sender"`
	Stage     string `json:"stage,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Workbook  string `json:"workbook,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
	StartDate string `json:"start_date,omitempty"`
	Template  string `json:"template,omitempty"`
	Campaign  string `json:"campaign,omitempty"`
	SentTime  string `json:"sent_time,omitempty"`
}

// Trackable reports whether the metadata carries enough identity to record an open.
func (m Metadata) Trackable() bool {
	return strings.TrimSpace(m.Email) != "" && strings.TrimSpace(m.Sender) != ""
}

// OpenEvent is one accepted "email opened" observation. It lives for the
// duration of a request (or a backfill replay) and is never persisted by the
// service itself, only by the recorders it is handed to.
type OpenEvent struct {
	ID        string    `json:"id"`
	Metadata  Metadata  `json:"metadata"`
	Timestamp string    `json:"timestamp"`
	OpenedAt  time.Time `json:"opened_at"`
	ClientIP  string    `json:"client_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Verified  bool      `json:"verified,omitempty"`
	Source    string    `json:"source"`

	// Recorded is set once the primary sink has written the event, so that
	// mirrors (the backup log in particular) can tell written opens from
	// ones still to be replayed. RecordError holds the primary failure.
	Recorded    bool   `json:"recorded,omitempty"`
	RecordError string `json:"record_error,omitempty"`
}

// IdentityEmail returns the normalised email used for row matching.
func (e OpenEvent) IdentityEmail() string {
	return NormalizeIdentity(e.Metadata.Email)
}

// IdentitySender returns the normalised sender used for row matching.
func (e OpenEvent) IdentitySender() string {
	return NormalizeIdentity(e.Metadata.Sender)
}

// NormalizeIdentity lower-cases and trims an identity value.
func NormalizeIdentity(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
