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

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newFilter(t *testing.T) (*Filter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFilter(rdb), mr
}

func TestIsNew(t *testing.T) {
	ctx := context.Background()
	f, mr := newFilter(t)

	first, err := f.IsNew(ctx, "sg-1")
	if err != nil || !first {
		t.Fatalf("first IsNew = %v, %v; want true, nil", first, err)
	}
	second, err := f.IsNew(ctx, "sg-1")
	if err != nil || second {
		t.Fatalf("second IsNew = %v, %v; want false, nil", second, err)
	}
	if ttl := mr.TTL(keyPrefix + "sg-1"); ttl != DefaultTTL {
		t.Errorf("TTL = %v, want %v", ttl, DefaultTTL)
	}

	mr.FastForward(DefaultTTL + time.Second)
	again, err := f.IsNew(ctx, "sg-1")
	if err != nil || !again {
		t.Errorf("IsNew after expiry = %v, %v; want true, nil", again, err)
	}
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	f, _ := newFilter(t)

	f.IsNew(ctx, "sg-2")
	if err := f.Forget(ctx, "sg-2"); err != nil {
		t.Fatalf("Forget() error: %v", err)
	}
	if ok, _ := f.IsNew(ctx, "sg-2"); !ok {
		t.Error("forgotten ID should be new again")
	}
}

func TestNilFilter(t *testing.T) {
	f := NewFilter(nil)
	if f != nil {
		t.Fatal("NewFilter(nil) should return nil")
	}
	ok, err := f.IsNew(context.Background(), "x")
	if err != nil || !ok {
		t.Errorf("nil filter IsNew = %v, %v", ok, err)
	}
	if err := f.Forget(context.Background(), "x"); err != nil {
		t.Errorf("nil filter Forget: %v", err)
	}
}

func TestRedisDown(t *testing.T) {
	f, mr := newFilter(t)
	mr.Close()

	if _, err := f.IsNew(context.Background(), "x"); err == nil {
		t.Error("expected error with redis down")
	}
}
