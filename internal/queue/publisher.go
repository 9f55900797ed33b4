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

// Package queue publishes accepted opens to a Redis list for downstream
// consumers (CRM sync, alerting). Consumers BRPOP the list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/opentrack/internal/models"
)

// DefaultQueue is the list opens are pushed to.
const DefaultQueue = "opentrack:opens"

// MessageType identifies the envelope payload.
const MessageType = "email.opened"

// Publisher pushes open events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
	now       func() time.Time
}

// NewPublisher creates a publisher for the given queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
		now:       time.Now,
	}
}

// Message is the envelope written to the list.
type Message struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	PublishedAt time.Time        `json:"published_at"`
	Event       models.OpenEvent `json:"event"`
}

// Record implements the recorder contract by publishing ev.
func (p *Publisher) Record(ctx context.Context, ev models.OpenEvent) error {
	msg := Message{
		ID:          uuid.New().String(),
		Type:        MessageType,
		PublishedAt: p.now().UTC(),
		Event:       ev,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal open event: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published open event",
		"message_id", msg.ID,
		"event_id", ev.ID,
		"queue", p.queueName,
	)
	return nil
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "queue" }

// Ping checks Redis connectivity.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
