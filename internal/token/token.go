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

// Package token decodes and encodes the base64url JSON tokens embedded in
// tracking pixel URLs.
//
// Email clients and link rewriters routinely truncate or mangle these URLs,
// so Decode never panics: every failure is returned as an error wrapping
// ErrMalformed and the caller carries on without metadata.
package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/bcem/opentrack/internal/models"
)

// ErrMalformed is returned for any token that cannot be turned into metadata.
var ErrMalformed = errors.New("malformed token")

var stdToURL = strings.NewReplacer("+", "-", "/", "_")

// FromPath returns the last segment of a URL path, which is where the token lives.
func FromPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Decode turns a path segment of the form <base64url-json>[.ext] into metadata.
func Decode(segment string) (models.Metadata, error) {
	raw := segment
	if i := strings.IndexByte(raw, '.'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return models.Metadata{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}

	// Accept the standard alphabet too; some clients rewrite the token.
	raw = stdToURL.Replace(raw)
	if rem := len(raw) % 4; rem != 0 {
		raw += strings.Repeat("=", 4-rem)
	}

	payload, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return models.Metadata{}, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return models.Metadata{}, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}

	fields := doc
	if nested, ok := doc["metadata"].(map[string]any); ok {
		fields = nested
	}

	return fromFields(fields), nil
}

// Encode produces an unpadded base64url token carrying the metadata nested
// under a "metadata" key.
func Encode(m models.Metadata) (string, error) {
	payload, err := json.Marshal(struct {
		Metadata models.Metadata `json:"metadata"`
	}{Metadata: m})
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(payload), nil
}

// FromFields builds metadata from a loosely typed key/value object such as a
// SendGrid event with custom args.
func FromFields(fields map[string]any) models.Metadata {
	return fromFields(fields)
}

func fromFields(f map[string]any) models.Metadata {
	return models.Metadata{
		Email:     str(f, "email"),
		Sender:    str(f, "sender"),
		Stage:     str(f, "stage"),
		Subject:   str(f, "subject"),
		Sheet:     str(f, "sheet", "sheet_name"),
		Workbook:  str(f, "workbook"),
		Timezone:  str(f, "timezone"),
		StartDate: str(f, "start_date", "date"),
		Template:  str(f, "template"),
		Campaign:  str(f, "campaign"),
		SentTime:  str(f, "sent_time"),
	}
}

// str returns the first non-empty value among keys, stringifying JSON scalars.
func str(f map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := f[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
