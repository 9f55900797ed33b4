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

package guard

import (
	"testing"
	"time"
)

func TestParseSentTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339 Z", "2026-03-01T10:00:00Z", want},
		{"fractional Z", "2026-03-01T10:00:00.123Z", want.Add(123 * time.Millisecond)},
		{"offset", "2026-03-01T15:30:00+05:30", want},
		{"compact offset", "2026-03-01T15:30:00+0530", want},
		{"naive T", "2026-03-01T10:00:00", want},
		{"naive space", "2026-03-01 10:00:00", want},
		{"space fractional", "2026-03-01 10:00:00.5", want.Add(500 * time.Millisecond)},
		{"space offset", "2026-03-01 12:00:00+02:00", want},
		{"padded", "  2026-03-01T10:00:00Z ", want},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSentTime(tt.in)
			if !ok {
				t.Fatalf("ParseSentTime(%q) failed", tt.in)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseSentTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseSentTime_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "yesterday", "2026-13-01T10:00:00Z", "1700000000"} {
		if _, ok := ParseSentTime(in); ok {
			t.Errorf("ParseSentTime(%q) should fail", in)
		}
	}
}

func TestCheck(t *testing.T) {
	sent := "2026-03-01T10:00:00Z"
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g := New(7 * time.Second)

	tests := []struct {
		name       string
		now        time.Time
		sent       string
		applicable bool
		suppress   bool
	}{
		{"3s after send", base.Add(3 * time.Second), sent, true, true},
		{"8s after send", base.Add(8 * time.Second), sent, true, false},
		{"exactly threshold", base.Add(7 * time.Second), sent, true, false},
		{"future sent time", base.Add(-time.Minute), sent, true, true},
		{"no sent time", base, "", false, false},
		{"garbage sent time", base, "soon", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Check(tt.now, tt.sent)
			if d.Applicable != tt.applicable {
				t.Errorf("Applicable = %v, want %v", d.Applicable, tt.applicable)
			}
			if d.Suppress != tt.suppress {
				t.Errorf("Suppress = %v, want %v", d.Suppress, tt.suppress)
			}
		})
	}
}

func TestNew_DefaultThreshold(t *testing.T) {
	if got := New(0).Threshold(); got != DefaultThreshold {
		t.Errorf("Threshold() = %v, want %v", got, DefaultThreshold)
	}
}
