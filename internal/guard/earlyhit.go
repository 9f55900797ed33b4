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

// Package guard suppresses pixel fetches that arrive too soon after the
// email was sent. Mail scanners fetch images within seconds of delivery;
// a person does not.
package guard

import (
	"strings"
	"time"
)

// DefaultThreshold is the minimum time between send and a credible open.
const DefaultThreshold = 7 * time.Second

// Decision is the outcome of an early-hit check.
type Decision struct {
	// Applicable is false when there was no usable sent time.
	Applicable bool
	// Suppress is true when the open arrived within the threshold.
	Suppress bool
	// Elapsed is now minus the sent time; negative for a sent time in the future.
	Elapsed time.Duration
}

// EarlyHit compares request time against the token's sent time.
type EarlyHit struct {
	threshold time.Duration
}

// New creates a guard. A non-positive threshold uses DefaultThreshold.
func New(threshold time.Duration) *EarlyHit {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &EarlyHit{threshold: threshold}
}

// Threshold returns the configured threshold.
func (g *EarlyHit) Threshold() time.Duration { return g.threshold }

// Check decides whether an open at now, for an email sent at sentTime, must be
// suppressed. Unparseable or empty sent times are not applicable.
func (g *EarlyHit) Check(now time.Time, sentTime string) Decision {
	sent, ok := ParseSentTime(sentTime)
	if !ok {
		return Decision{}
	}
	elapsed := now.Sub(sent)
	return Decision{
		Applicable: true,
		Suppress:   elapsed < g.threshold,
		Elapsed:    elapsed,
	}
}

// Layouts tried in order. Layouts without a zone are read as UTC.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseSentTime parses an ISO-8601 timestamp with either a "T" or a space
// separator, optional fractional seconds and an optional zone ("Z", "+05:30",
// "+0530"). A timestamp without a zone is taken to be UTC.
func ParseSentTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
