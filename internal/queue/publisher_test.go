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

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/opentrack/internal/models"
)

func TestRecord_PushesEnvelope(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := NewPublisher(rdb, "")
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	ev := models.OpenEvent{
		ID:        "evt-1",
		Metadata:  models.Metadata{Email: "a@b.com", Sender: "x@y.com"},
		Timestamp: "2026-01-02 08:34:05",
		Source:    models.SourcePixel,
	}
	require.NoError(t, p.Record(context.Background(), ev))

	items, err := mr.List(DefaultQueue)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.Equal(t, MessageType, msg.Type)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "evt-1", msg.Event.ID)
	assert.Equal(t, "a@b.com", msg.Event.Metadata.Email)
	assert.True(t, msg.PublishedAt.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := NewPublisher(rdb, "q")
	assert.NoError(t, p.Ping(context.Background()))

	mr.Close()
	assert.Error(t, p.Ping(context.Background()))
}
