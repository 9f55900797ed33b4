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

// Package dedup remembers event IDs in Redis so that redelivered SendGrid
// batches and repeated backfill runs do not count the same open twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember a seen event ID.
	// SendGrid retries failed webhook posts for up to 24h.
	DefaultTTL = 72 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "opentrack:seen:"
)

// Filter checks whether an event ID has been seen before. A nil Filter
// treats every ID as new.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client) *Filter {
	return NewFilterTTL(rdb, DefaultTTL)
}

// NewFilterTTL creates a dedup filter remembering IDs for ttl.
func NewFilterTTL(rdb *redis.Client, ttl time.Duration) *Filter {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew returns true if the ID has not been seen before and marks it as
// seen. Empty IDs are always new.
func (f *Filter) IsNew(ctx context.Context, eventID string) (bool, error) {
	if f == nil || eventID == "" {
		return true, nil
	}
	key := fmt.Sprintf("%s%s", keyPrefix, eventID)

	// SET NX = set only if key does not exist. Returns true if the key was set.
	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}

// Forget removes an ID so that it can be processed again, used when the
// write that followed IsNew failed.
func (f *Filter) Forget(ctx context.Context, eventID string) error {
	if f == nil || eventID == "" {
		return nil
	}
	if err := f.rdb.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
