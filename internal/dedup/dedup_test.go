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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ndx/notify/internal/failure"
)

// fakeStore is an in-memory Store recording TTLs.
type fakeStore struct {
	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.vals[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.vals[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.vals[key] = value.(string)
	f.ttls[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			delete(f.vals, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// TestShouldProcess_FirstWriterWins verifies a replay within the TTL is skipped.
func TestShouldProcess_FirstWriterWins(t *testing.T) {
	store := newFakeStore()
	g := NewGuard(store)
	ctx := context.Background()

	first, err := g.ShouldProcess(ctx, "evt-1")
	if err != nil || !first {
		t.Fatalf("first = %v, %v", first, err)
	}
	second, err := g.ShouldProcess(ctx, "evt-1")
	if err != nil || second {
		t.Fatalf("second = %v, %v; want false, nil", second, err)
	}

	if store.vals["notify:seen:evt-1"] != markerInProgress {
		t.Errorf("marker = %q", store.vals["notify:seen:evt-1"])
	}
	if store.ttls["notify:seen:evt-1"] != DefaultInProgressTTL {
		t.Errorf("ttl = %v", store.ttls["notify:seen:evt-1"])
	}
}

// TestShouldProcess_Concurrent verifies exactly one claimant under races.
func TestShouldProcess_Concurrent(t *testing.T) {
	g := NewGuard(newFakeStore())
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := g.ShouldProcess(ctx, "evt-race")
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Errorf("winners = %d, want 1", won)
	}
}

// TestShouldProcess_StoreDown verifies store failures are Retriable.
func TestShouldProcess_StoreDown(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	g := NewGuard(store)

	ok, err := g.ShouldProcess(context.Background(), "evt-1")
	if ok {
		t.Error("should not claim when the store is down")
	}
	if failure.KindOf(err) != failure.Retriable || err == nil {
		t.Errorf("err = %v, want retriable", err)
	}
}

// TestCompleteAndRelease verifies marker transitions.
func TestCompleteAndRelease(t *testing.T) {
	store := newFakeStore()
	g := NewGuard(store, WithPrefix("t"), WithTTLs(time.Minute, time.Hour))
	ctx := context.Background()

	_, _ = g.ShouldProcess(ctx, "a")
	if err := g.Complete(ctx, "a"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if store.vals["t:a"] != markerDone || store.ttls["t:a"] != time.Hour {
		t.Errorf("after complete: %q %v", store.vals["t:a"], store.ttls["t:a"])
	}

	_, _ = g.ShouldProcess(ctx, "b")
	if err := g.Release(ctx, "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, _ := g.ShouldProcess(ctx, "b")
	if !again {
		t.Error("released event should be claimable again")
	}
}
