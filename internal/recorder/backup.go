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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/bcem/opentrack/internal/models"
)

// BackupLog appends every accepted open to a local JSON-lines file. The file
// is the audit trail and the input of the backfill command.
type BackupLog struct {
	mu   sync.Mutex
	path string
}

// NewBackupLog creates the log's directory if needed.
func NewBackupLog(path string) (*BackupLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create backup log dir: %w", err)
		}
	}
	return &BackupLog{path: path}, nil
}

// Name identifies the sink in logs and metrics.
func (b *BackupLog) Name() string { return "backup_log" }

// Path returns the file location.
func (b *BackupLog) Path() string { return b.path }

// Record implements Recorder. Each call opens, appends and closes the file
// so that rotation by an external tool is safe.
func (b *BackupLog) Record(_ context.Context, ev models.OpenEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal backup entry: %w", err)
	}
	line = append(line, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open backup log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write backup log: %w", err)
	}
	return f.Close()
}

// maxLine bounds a single log entry.
const maxLine = 1 << 20

// ReadBackupLog calls fn for every entry of a backup log. Lines that do not
// parse are logged and skipped; an error from fn stops the scan.
func ReadBackupLog(r io.Reader, fn func(models.OpenEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	n := 0
	for sc.Scan() {
		n++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev models.OpenEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			slog.Warn("skipping unreadable backup log line", "line", n, "error", err)
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read backup log: %w", err)
	}
	return nil
}
