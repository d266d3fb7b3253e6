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

// Package dedup guards against processing the same event twice using a
// Redis key per event ID with a TTL.
//
// A key is written as "in_progress" before any side effect. It is rewritten
// as "done" with a longer TTL once the event is fully handled, or deleted
// after a retriable failure so the transport's retry is not mistaken for a
// duplicate.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ndx/notify/internal/failure"
)

const (
	// DefaultInProgressTTL must exceed the handler's overall timeout so a
	// live invocation is never overtaken by a retry.
	DefaultInProgressTTL = 5 * time.Minute

	// DefaultCompletedTTL covers the transport's maximum retry window.
	DefaultCompletedTTL = 24 * time.Hour

	// DefaultPrefix namespaces dedup keys in Redis.
	DefaultPrefix = "notify:seen"

	markerInProgress = "in_progress"
	markerDone       = "done"
)

// Store is the subset of the Redis client the guard needs.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard tracks which event IDs have already been claimed.
type Guard struct {
	rdb           Store
	prefix        string
	inProgressTTL time.Duration
	completedTTL  time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithPrefix sets the key namespace.
func WithPrefix(p string) Option { return func(g *Guard) { g.prefix = p } }

// WithTTLs overrides the marker lifetimes. Zero values keep the defaults.
func WithTTLs(inProgress, completed time.Duration) Option {
	return func(g *Guard) {
		if inProgress > 0 {
			g.inProgressTTL = inProgress
		}
		if completed > 0 {
			g.completedTTL = completed
		}
	}
}

// NewGuard creates a dedup guard backed by Redis.
func NewGuard(rdb Store, opts ...Option) *Guard {
	g := &Guard{
		rdb:           rdb,
		prefix:        DefaultPrefix,
		inProgressTTL: DefaultInProgressTTL,
		completedTTL:  DefaultCompletedTTL,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) key(eventID string) string {
	return fmt.Sprintf("%s:%s", g.prefix, eventID)
}

// ShouldProcess claims eventID. It returns false if the ID is already
// claimed or done. Store failures are Retriable: reprocessing is preferred
// over silently dropping the event.
func (g *Guard) ShouldProcess(ctx context.Context, eventID string) (bool, error) {
	// SET NX: only the first writer wins.
	set, err := g.rdb.SetNX(ctx, g.key(eventID), markerInProgress, g.inProgressTTL).Result()
	if err != nil {
		return false, failure.Wrap(failure.Retriable, "dedup.claim", fmt.Errorf("SETNX: %w", err))
	}
	return set, nil
}

// Complete marks eventID as done for the completed TTL.
func (g *Guard) Complete(ctx context.Context, eventID string) error {
	if err := g.rdb.Set(ctx, g.key(eventID), markerDone, g.completedTTL).Err(); err != nil {
		return fmt.Errorf("dedup SET done: %w", err)
	}
	return nil
}

// Release drops the claim on eventID so a later delivery can process it.
func (g *Guard) Release(ctx context.Context, eventID string) error {
	if err := g.rdb.Del(ctx, g.key(eventID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
