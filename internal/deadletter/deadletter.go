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

// Package deadletter keeps events that could not be processed in a Redis
// sorted set scored by failure time, for investigation and replay.
//
// Every entry carries an HMAC-SHA256 signature over the original event
// bytes. Replay verifies it before acting; entries that fail verification
// are moved to a quarantine set instead of being reprocessed.
package deadletter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ndx/notify/internal/metrics"
)

const (
	// DefaultRetention is how long entries are kept before being trimmed.
	DefaultRetention = 14 * 24 * time.Hour

	DefaultKey           = "notify:dlq"
	DefaultQuarantineKey = "notify:dlq:quarantine"

	signaturePrefix = "sha256="
)

// ErrBadSignature is returned by Verify for tampered entries.
var ErrBadSignature = errors.New("dead-letter signature mismatch")

// Store is the subset of the Redis client the sink needs.
type Store interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRemRangeByScore(ctx context.Context, key, min, max string) *redis.IntCmd
	ZPopMin(ctx context.Context, key string, count ...int64) *redis.ZSliceCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	ZCard(ctx context.Context, key string) *redis.IntCmd
}

// Entry is one dead-lettered event.
type Entry struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId,omitempty"`
	EventType string    `json:"eventType,omitempty"`
	Event     []byte    `json:"event"`
	Kind      string    `json:"kind"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
	FailedAt  time.Time `json:"failedAt"`
	Signature string    `json:"signature"`
	// Quarantined is set with the reason when an entry is moved aside.
	Quarantined string `json:"quarantined,omitempty"`
}

// Sink writes and drains the dead-letter set.
type Sink struct {
	rdb           Store
	key           string
	quarantineKey string
	signingKey    []byte
	retention     time.Duration
	now           func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithKeys overrides the Redis keys.
func WithKeys(key, quarantine string) Option {
	return func(s *Sink) {
		if key != "" {
			s.key = key
		}
		if quarantine != "" {
			s.quarantineKey = quarantine
		}
	}
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// NewSink creates a sink. signingKey must not be empty.
func NewSink(rdb Store, signingKey []byte, opts ...Option) (*Sink, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("dead-letter signing key cannot be empty")
	}
	s := &Sink{
		rdb:           rdb,
		key:           DefaultKey,
		quarantineKey: DefaultQuarantineKey,
		signingKey:    signingKey,
		retention:     DefaultRetention,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Sign returns the signature for an event payload.
func (s *Sink) Sign(event []byte) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(event)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks e's signature against its event bytes.
func (s *Sink) Verify(e Entry) error {
	if !hmac.Equal([]byte(e.Signature), []byte(s.Sign(e.Event))) {
		return ErrBadSignature
	}
	return nil
}

// Publish signs and stores e, then trims entries past retention.
func (s *Sink) Publish(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = s.now().UTC()
	}
	e.Signature = s.Sign(e.Event)

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(e.FailedAt.UnixMilli()),
		Member: string(body),
	}).Err(); err != nil {
		return fmt.Errorf("redis ZADD: %w", err)
	}
	metrics.DeadLetterWrites.WithLabelValues(e.Kind).Inc()

	if err := s.trim(ctx); err != nil {
		// The entry is stored; a failed trim only delays cleanup.
		slog.Warn("dead-letter trim failed", "error", err)
	}

	slog.Info("event dead-lettered",
		"entry_id", e.ID,
		"event_id", e.EventID,
		"kind", e.Kind,
		"attempt", e.Attempt,
	)
	return nil
}

func (s *Sink) trim(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	return s.rdb.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err()
}

// Pop removes and returns up to n of the oldest entries. Members that do
// not decode are quarantined and skipped.
func (s *Sink) Pop(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.rdb.ZPopMin(ctx, s.key, int64(n)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZPOPMIN: %w", err)
	}

	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("undecodable dead-letter member quarantined", "error", err)
			if qerr := s.rdb.ZAdd(ctx, s.quarantineKey, redis.Z{Score: z.Score, Member: raw}).Err(); qerr != nil {
				return out, fmt.Errorf("redis ZADD quarantine: %w", qerr)
			}
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Peek returns up to n of the oldest entries without removing them.
// Undecodable members are skipped.
func (s *Sink) Peek(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	zs, err := s.rdb.ZRangeWithScores(ctx, s.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE: %w", err)
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		var e Entry
		if json.Unmarshal([]byte(raw), &e) == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Quarantine moves e aside with a reason. Quarantined entries are never
// replayed automatically.
func (s *Sink) Quarantine(ctx context.Context, e Entry, reason string) error {
	e.Quarantined = reason
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal quarantined entry: %w", err)
	}
	if err := s.rdb.ZAdd(ctx, s.quarantineKey, redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: string(body),
	}).Err(); err != nil {
		return fmt.Errorf("redis ZADD quarantine: %w", err)
	}
	slog.Warn("dead-letter entry quarantined", "entry_id", e.ID, "event_id", e.EventID, "reason", reason)
	return nil
}

// Len returns the number of entries awaiting replay.
func (s *Sink) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD: %w", err)
	}
	return n, nil
}
