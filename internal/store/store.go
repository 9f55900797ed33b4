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

// Package store mirrors accepted opens into PostgreSQL: one row per open
// plus a per-recipient counter that reporting can query without touching
// the spreadsheet.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bcem/opentrack/internal/models"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists opens.
type Store struct {
	db DB
}

// NewStore creates a Store and makes sure its tables exist.
func NewStore(ctx context.Context, db DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure open store schema: %w", err)
	}
	slog.Info("open store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS open_events (
			id          BIGSERIAL PRIMARY KEY,
			event_id    TEXT NOT NULL UNIQUE,
			email       TEXT NOT NULL,
			sender      TEXT NOT NULL,
			stage       TEXT DEFAULT '',
			subject     TEXT DEFAULT '',
			campaign    TEXT DEFAULT '',
			source      TEXT NOT NULL,
			client_ip   TEXT DEFAULT '',
			user_agent  TEXT DEFAULT '',
			verified    BOOLEAN DEFAULT FALSE,
			opened_at   TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_open_events_email ON open_events(email);
		CREATE INDEX IF NOT EXISTS idx_open_events_opened_at ON open_events(opened_at);

		CREATE TABLE IF NOT EXISTS tracking_identities (
			email       TEXT NOT NULL,
			sender      TEXT NOT NULL,
			open_count  BIGINT NOT NULL DEFAULT 0,
			verified    BOOLEAN DEFAULT FALSE,
			first_open  TIMESTAMPTZ NOT NULL,
			last_open   TIMESTAMPTZ NOT NULL,
			last_stage  TEXT DEFAULT '',
			last_source TEXT DEFAULT '',
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (email, sender)
		);
	`)
	return err
}

// Record inserts ev and bumps its identity counter in one transaction. A
// replayed event ID is ignored so that counters are not inflated.
func (s *Store) Record(ctx context.Context, ev models.OpenEvent) error {
	email, sender := ev.IdentityEmail(), ev.IdentitySender()
	openedAt := ev.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO open_events
				(event_id, email, sender, stage, subject, campaign, source, client_ip, user_agent, verified, opened_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (event_id) DO NOTHING
		`, ev.ID, email, sender, ev.Metadata.Stage, ev.Metadata.Subject, ev.Metadata.Campaign,
			ev.Source, ev.ClientIP, ev.UserAgent, ev.Verified, openedAt)
		if err != nil {
			return fmt.Errorf("insert open event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			slog.Debug("open event already stored", "event_id", ev.ID)
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tracking_identities
				(email, sender, open_count, verified, first_open, last_open, last_stage, last_source)
			VALUES ($1, $2, 1, $3, $4, $4, $5, $6)
			ON CONFLICT (email, sender) DO UPDATE SET
				open_count  = tracking_identities.open_count + 1,
				verified    = tracking_identities.verified OR EXCLUDED.verified,
				last_open   = GREATEST(tracking_identities.last_open, EXCLUDED.last_open),
				last_stage  = EXCLUDED.last_stage,
				last_source = EXCLUDED.last_source,
				updated_at  = NOW()
		`, email, sender, ev.Verified, openedAt, ev.Metadata.Stage, ev.Source)
		if err != nil {
			return fmt.Errorf("upsert tracking identity: %w", err)
		}
		return nil
	})
}

// Name identifies the sink in logs and metrics.
func (s *Store) Name() string { return "postgres" }
