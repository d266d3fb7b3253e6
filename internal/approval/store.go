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

// Package approval persists notifications held back because the lookup
// store contradicted the event. An operator reviews each one before it is
// released or discarded.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ndx/notify/internal/enrich"
	"github.com/ndx/notify/internal/events"
)

// Review states. An approved entry becomes released once its notification
// has been sent.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusReleased = "released"
)

var (
	// ErrNotPending is returned when resolving an entry that is not pending.
	ErrNotPending = errors.New("approval entry is not pending")
	// ErrNotApproved is returned when releasing an entry that is not approved.
	ErrNotApproved = errors.New("approval entry is not approved")
	ErrNotFound    = errors.New("approval entry not found")
)

const columns = `id, event_id, event_type, account_id, lease_uuid, event_time,
	record_store, recorded_status, record_modified, raw_event,
	status, resolved_by, created_at, resolved_at`

// Pending is one held notification.
type Pending struct {
	ID             int64
	EventID        string
	EventType      string
	AccountID      string
	LeaseUUID      string
	EventTime      time.Time
	RecordStore    string
	RecordedStatus string
	RecordModified *time.Time
	RawEvent       []byte
	Status         string
	ResolvedBy     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// FromConflict builds the pending entry for ev. The user's address stays
// inside RawEvent and is not copied into a column.
func FromConflict(ev *events.Event, c *enrich.Conflict) Pending {
	p := Pending{
		EventID:   ev.ID,
		EventType: string(ev.Type),
		AccountID: ev.AccountID(),
		LeaseUUID: ev.LeaseUUID(),
		EventTime: ev.Time,
		RawEvent:  ev.Raw,
		Status:    StatusPending,
	}
	if c != nil {
		p.RecordStore = c.Store
		p.RecordedStatus = c.RecordedStatus
		if !c.RecordModified.IsZero() {
			t := c.RecordModified
			p.RecordModified = &t
		}
	}
	return p
}

// Store is the Postgres-backed approval queue.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the store and ensures its table exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure approval schema: %w", err)
	}
	slog.Info("approval store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS notification_approvals (
			id              BIGSERIAL PRIMARY KEY,
			event_id        TEXT NOT NULL UNIQUE,
			event_type      TEXT NOT NULL,
			account_id      TEXT DEFAULT '',
			lease_uuid      TEXT DEFAULT '',
			event_time      TIMESTAMPTZ NOT NULL,
			record_store    TEXT DEFAULT '',
			recorded_status TEXT DEFAULT '',
			record_modified TIMESTAMPTZ,
			raw_event       BYTEA NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			resolved_by     TEXT DEFAULT '',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			resolved_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON notification_approvals(status);
	`)
	return err
}

// Enqueue stores p. Enqueuing the same event twice keeps the first entry.
func (s *Store) Enqueue(ctx context.Context, p Pending) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_approvals
			(event_id, event_type, account_id, lease_uuid, event_time,
			 record_store, recorded_status, record_modified, raw_event, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending')
		ON CONFLICT (event_id) DO NOTHING
	`, p.EventID, p.EventType, p.AccountID, p.LeaseUUID, p.EventTime,
		p.RecordStore, p.RecordedStatus, p.RecordModified, p.RawEvent)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// ListPending returns pending entries, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Pending, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+columns+`
		FROM notification_approvals
		WHERE status = 'pending'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Get returns the entry for eventID in any state.
func (s *Store) Get(ctx context.Context, eventID string) (*Pending, error) {
	p, err := scanPending(s.pool.QueryRow(ctx, `
		SELECT `+columns+`
		FROM notification_approvals
		WHERE event_id = $1
	`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Resolve moves a pending entry to approved or rejected and returns it. The
// transition happens once: a second call gets ErrNotPending.
func (s *Store) Resolve(ctx context.Context, eventID, status, by string) (*Pending, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, fmt.Errorf("invalid resolution %q", status)
	}
	p, err := scanPending(s.pool.QueryRow(ctx, `
		UPDATE notification_approvals
		SET status = $1, resolved_by = $2, resolved_at = NOW()
		WHERE event_id = $3 AND status = 'pending'
		RETURNING `+columns,
		status, by, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	return p, nil
}

// MarkReleased records that an approved entry's notification was sent.
func (s *Store) MarkReleased(ctx context.Context, eventID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_approvals
		SET status = 'released'
		WHERE event_id = $1 AND status = 'approved'
	`, eventID)
	if err != nil {
		return fmt.Errorf("mark approval released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotApproved
	}
	return nil
}

func scanPending(row pgx.Row) (*Pending, error) {
	var p Pending
	err := row.Scan(
		&p.ID, &p.EventID, &p.EventType, &p.AccountID, &p.LeaseUUID, &p.EventTime,
		&p.RecordStore, &p.RecordedStatus, &p.RecordModified, &p.RawEvent,
		&p.Status, &p.ResolvedBy, &p.CreatedAt, &p.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
