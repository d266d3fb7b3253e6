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

// Package lookup reads lease, account and template records from the
// platform's Postgres tables. The tables are owned by the sandbox platform;
// this package only reads them.
//
// Every read runs in its own read-only SERIALIZABLE transaction so that a
// record is never observed mid-update.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound means the store answered and holds no such record.
	ErrNotFound = errors.New("record not found")
	// ErrThrottled means the store refused work because it is saturated.
	ErrThrottled = errors.New("lookup store throttled")
)

// throttleCodes are the SQLSTATEs Postgres uses when it is out of capacity.
var throttleCodes = map[string]bool{
	"53000": true, // insufficient_resources
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"57P03": true, // cannot_connect_now
}

// Lease is a row of the leases table.
type Lease struct {
	UUID         string
	UserEmail    string
	UserName     string
	AccountID    string
	Status       string
	TemplateName string
	ExpiresAt    *time.Time
	BudgetLimit  *float64
	TotalSpend   *float64
	LastModified time.Time
}

// Account is a row of the accounts table.
type Account struct {
	AccountID    string
	Status       string
	SSOURL       string
	LastModified time.Time
}

// Template is a row of the lease_templates table.
type Template struct {
	Name          string
	BudgetLimit   *float64
	DurationHours *float64
	LastModified  time.Time
}

// Store reads lookup records from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a lookup store backed by the given pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Lease fetches the lease for a user and lease UUID.
func (s *Store) Lease(ctx context.Context, userEmail, uuid string) (*Lease, error) {
	var l Lease
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT uuid, user_email, COALESCE(user_name, ''), COALESCE(account_id, ''),
			       status, COALESCE(template_name, ''), expires_at, budget_limit,
			       total_spend, last_modified
			FROM leases
			WHERE user_email = $1 AND uuid = $2
		`, userEmail, uuid).Scan(
			&l.UUID, &l.UserEmail, &l.UserName, &l.AccountID,
			&l.Status, &l.TemplateName, &l.ExpiresAt, &l.BudgetLimit,
			&l.TotalSpend, &l.LastModified,
		)
	})
	if err != nil {
		return nil, classify(ctx, "lease", err)
	}
	return &l, nil
}

// Account fetches an account record by its 12-digit identifier.
func (s *Store) Account(ctx context.Context, accountID string) (*Account, error) {
	var a Account
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT account_id, status, COALESCE(sso_url, ''), last_modified
			FROM accounts
			WHERE account_id = $1
		`, accountID).Scan(&a.AccountID, &a.Status, &a.SSOURL, &a.LastModified)
	})
	if err != nil {
		return nil, classify(ctx, "account", err)
	}
	return &a, nil
}

// Template fetches a lease template by name.
func (s *Store) Template(ctx context.Context, name string) (*Template, error) {
	var t Template
	err := s.readOnly(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			SELECT name, max_spend, lease_duration_hours, last_modified
			FROM lease_templates
			WHERE name = $1
		`, name).Scan(&t.Name, &t.BudgetLimit, &t.DurationHours, &t.LastModified)
	})
	if err != nil {
		return nil, classify(ctx, "template", err)
	}
	return &t, nil
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) readOnly(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadOnly,
	}, fn)
}

// classify maps driver errors onto ErrNotFound and ErrThrottled. A timeout
// while the caller's context is still live means the pool or server could
// not keep up, which is treated as throttling.
func classify(ctx context.Context, what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && throttleCodes[pgErr.Code] {
		return fmt.Errorf("%s: %w (sqlstate %s)", what, ErrThrottled, pgErr.Code)
	}

	if ctx.Err() == nil && (pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%s: %w (timeout)", what, ErrThrottled)
	}

	return fmt.Errorf("%s lookup: %w", what, err)
}
