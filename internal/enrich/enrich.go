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

// Package enrich fills fields an event's template needs but the event does
// not carry, by querying the lease, account and template stores in
// parallel under one shared deadline.
//
// Enrichment degrades rather than fails: a deadline, throttling, or an open
// breaker yields whatever data already arrived plus a warning. The only
// errors are for required fields that remain missing.
//
// Recorded statuses are used for conflict detection and nothing else. They
// are kept in unexported fields so message builders cannot render them.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/logging"
	"github.com/ndx/notify/internal/lookup"
	"github.com/ndx/notify/internal/metrics"
)

const op = "enrich"

// Defaults.
const (
	DefaultDeadline   = 2 * time.Second
	DefaultStaleAfter = 5 * time.Minute
	DefaultDriftRatio = 0.10
)

// Lookups is implemented by lookup.Store.
type Lookups interface {
	Lease(ctx context.Context, userEmail, uuid string) (*lookup.Lease, error)
	Account(ctx context.Context, accountID string) (*lookup.Account, error)
	Template(ctx context.Context, name string) (*lookup.Template, error)
}

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	Deadline      time.Duration
	StaleAfter    time.Duration
	DriftRatio    float64
	DefaultSSOURL string
}

// Result holds enriched values for fields the event did not carry.
type Result struct {
	UserName     string
	AccountID    string
	ExpiryDate   *time.Time
	BudgetLimit  *float64
	CurrentSpend *float64
	TemplateName string
	SSOURL       string

	// Conflict is set when a recorded status contradicts the event type.
	Conflict *Conflict
	// Degraded is set when some lookups were skipped, throttled or cut off.
	Degraded bool

	recordStatus   string
	recordModified time.Time
}

// RequiresApproval reports whether the send must wait for manual approval.
func (r *Result) RequiresApproval() bool {
	return r != nil && r.Conflict != nil
}

// Has returns the set of fields present in r.
func (r *Result) Has() Field {
	if r == nil {
		return 0
	}
	var f Field
	if r.UserName != "" {
		f |= FieldUserName
	}
	if r.AccountID != "" {
		f |= FieldAccountID
	}
	if r.ExpiryDate != nil {
		f |= FieldExpiry
	}
	if r.BudgetLimit != nil {
		f |= FieldBudget
	}
	if r.CurrentSpend != nil {
		f |= FieldSpend
	}
	if r.TemplateName != "" {
		f |= FieldTemplate
	}
	if r.SSOURL != "" {
		f |= FieldSSOURL
	}
	return f
}

// Conflict records a disagreement between the event and the lookup store.
type Conflict struct {
	EventID        string
	EventType      events.Type
	EventTime      time.Time
	Store          string
	RecordedStatus string
	RecordModified time.Time
}

// Engine performs enrichment. It is safe for concurrent use.
type Engine struct {
	lookups Lookups
	breaker *breaker.Breaker
	cfg     Config
}

// NewEngine creates an engine. The breaker is shared process state.
func NewEngine(l Lookups, b *breaker.Breaker, cfg Config) *Engine {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DriftRatio <= 0 {
		cfg.DriftRatio = DefaultDriftRatio
	}
	return &Engine{lookups: l, breaker: b, cfg: cfg}
}

type lookupKind int

const (
	kindLease lookupKind = iota
	kindAccount
	kindTemplate
)

func (k lookupKind) String() string {
	switch k {
	case kindAccount:
		return "account"
	case kindTemplate:
		return "template"
	default:
		return "lease"
	}
}

type outcome struct {
	kind     lookupKind
	lease    *lookup.Lease
	account  *lookup.Account
	template *lookup.Template
	err      error
}

// Enrich returns enrichment data for ev. The result is never nil.
func (e *Engine) Enrich(ctx context.Context, ev *events.Event) (*Result, error) {
	res := &Result{}
	missing := Needs(ev.Type) &^ knownFromEvent(ev)
	if missing == 0 {
		return res, nil
	}

	calls := e.plan(ev, missing)
	if len(calls) > 0 {
		if !e.breaker.Allow() {
			res.Degraded = true
			metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnCircuitOpen).Inc()
			slog.Warn("enrichment skipped, breaker open",
				"event_id", ev.ID, "event_type", ev.Type, "missing", missing.String())
		} else {
			e.fanOut(ctx, ev, calls, missing, res)
		}
	}

	if missing&FieldSSOURL != 0 && res.SSOURL == "" && e.cfg.DefaultSSOURL != "" {
		res.SSOURL = e.cfg.DefaultSSOURL
	}

	if absent := Required(ev.Type) &^ knownFromEvent(ev) &^ res.Has(); absent != 0 {
		if res.Degraded {
			return res, failure.Retriablef(op, "required fields unavailable: %s", absent)
		}
		return res, failure.Invalid(op, absent.Names())
	}
	return res, nil
}

func (e *Engine) plan(ev *events.Event, missing Field) []func(context.Context) outcome {
	var calls []func(context.Context) outcome

	leaseFields := FieldUserName | FieldAccountID | FieldExpiry | FieldBudget | FieldSpend | FieldTemplate
	if missing&leaseFields != 0 && ev.LeaseUUID() != "" {
		email, id := ev.UserEmail(), ev.LeaseUUID()
		calls = append(calls, func(ctx context.Context) outcome {
			l, err := e.lookups.Lease(ctx, email, id)
			return outcome{kind: kindLease, lease: l, err: err}
		})
	}
	if missing&FieldSSOURL != 0 && ev.AccountID() != "" {
		acct := ev.AccountID()
		calls = append(calls, func(ctx context.Context) outcome {
			a, err := e.lookups.Account(ctx, acct)
			return outcome{kind: kindAccount, account: a, err: err}
		})
	}
	if missing&(FieldBudget|FieldTemplate) != 0 && ev.TemplateName() != "" {
		name := ev.TemplateName()
		calls = append(calls, func(ctx context.Context) outcome {
			t, err := e.lookups.Template(ctx, name)
			return outcome{kind: kindTemplate, template: t, err: err}
		})
	}
	return calls
}

// fanOut runs calls concurrently and merges whatever arrives before the
// deadline. Late results are discarded into the buffered channel.
func (e *Engine) fanOut(ctx context.Context, ev *events.Event, calls []func(context.Context) outcome, missing Field, res *Result) {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.Deadline)
	defer cancel()

	results := make(chan outcome, len(calls))
	for _, call := range calls {
		go func(call func(context.Context) outcome) {
			results <- call(dctx)
		}(call)
	}

	var (
		lease    *lookup.Lease
		account  *lookup.Account
		template *lookup.Template
	)

	pending := len(calls)
collect:
	for pending > 0 {
		select {
		case o := <-results:
			pending--
			if !e.record(ev, o) {
				res.Degraded = true
				continue
			}
			lease = firstNonNil(lease, o.lease)
			account = firstNonNil(account, o.account)
			template = firstNonNil(template, o.template)
		case <-dctx.Done():
			res.Degraded = true
			e.breaker.Neutral()
			metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnTimeout).Inc()
			slog.Warn("enrichment deadline reached, using partial data",
				"event_id", ev.ID, "event_type", ev.Type, "pending", pending)
			break collect
		}
	}

	e.merge(ctx, ev, missing, res, lease, account, template)
}

// record updates the breaker for one outcome and reports whether it
// carried usable data.
func (e *Engine) record(ev *events.Event, o outcome) bool {
	switch {
	case o.err == nil:
		e.breaker.Success()
		return true
	case errors.Is(o.err, lookup.ErrNotFound):
		e.breaker.Success()
		slog.Info("enrichment record not found", "event_id", ev.ID, "store", o.kind.String())
		return true
	case errors.Is(o.err, lookup.ErrThrottled):
		if e.breaker.Failure() {
			slog.Warn("enrichment breaker opened", "breaker", e.breaker.Name())
		}
		slog.Warn("enrichment lookup throttled", "event_id", ev.ID, "store", o.kind.String())
		return false
	default:
		e.breaker.Neutral()
		slog.Warn("enrichment lookup failed", "event_id", ev.ID, "store", o.kind.String(), "error", o.err)
		return false
	}
}

func (e *Engine) merge(ctx context.Context, ev *events.Event, missing Field, res *Result, l *lookup.Lease, a *lookup.Account, t *lookup.Template) {
	if l != nil {
		if missing&FieldUserName != 0 {
			res.UserName = l.UserName
		}
		if missing&FieldAccountID != 0 {
			res.AccountID = l.AccountID
		}
		if missing&FieldExpiry != 0 {
			res.ExpiryDate = l.ExpiresAt
		}
		if missing&FieldBudget != 0 {
			res.BudgetLimit = l.BudgetLimit
		}
		if missing&FieldSpend != 0 {
			res.CurrentSpend = l.TotalSpend
		}
		if missing&FieldTemplate != 0 {
			res.TemplateName = l.TemplateName
		}
		res.recordStatus = l.Status
		res.recordModified = l.LastModified

		e.checkDrift(ev, l)
		e.checkStale(ev, "lease", l.LastModified)
		e.checkConflict(ctx, ev, res, "lease", l.Status, l.LastModified)
	}

	if a != nil {
		if missing&FieldSSOURL != 0 {
			res.SSOURL = a.SSOURL
		}
		e.checkStale(ev, "account", a.LastModified)
	}

	if t != nil {
		if missing&FieldBudget != 0 && res.BudgetLimit == nil {
			res.BudgetLimit = t.BudgetLimit
		}
		if missing&FieldTemplate != 0 && res.TemplateName == "" {
			res.TemplateName = t.Name
		}
	}
}

// checkDrift compares the spend the lease record holds with the budget the
// event states.
func (e *Engine) checkDrift(ev *events.Event, l *lookup.Lease) {
	budget, ok := ev.Budget()
	if !ok || l.TotalSpend == nil || !exceeds(*l.TotalSpend, budget, e.cfg.DriftRatio) {
		return
	}
	metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnBudgetDrift).Inc()
	slog.Warn("recorded spend drifts from event budget",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"event_budget", budget,
		"recorded_spend", *l.TotalSpend,
	)
}

func (e *Engine) checkStale(ev *events.Event, store string, modified time.Time) {
	if modified.IsZero() || ev.Time.Sub(modified) <= e.cfg.StaleAfter {
		return
	}
	metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnStaleRecord).Inc()
	slog.Warn("enrichment record older than event",
		"event_id", ev.ID, "store", store, "lag", ev.Time.Sub(modified).String())
}

// checkConflict flags every recorded status that contradicts the declared
// type. Timestamps are not used to decide which side wins.
func (e *Engine) checkConflict(ctx context.Context, ev *events.Event, res *Result, store, status string, modified time.Time) {
	if !statusConflicts(ev.Type, status) {
		return
	}
	res.Conflict = &Conflict{
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventTime:      ev.Time,
		Store:          store,
		RecordedStatus: status,
		RecordModified: modified,
	}
	metrics.EnrichmentConflicts.Inc()
	logging.Security(ctx, "recorded status contradicts event type",
		"event_id", ev.ID, "event_type", ev.Type, "store", store, "recorded_status", status)
}

// exceeds reports whether got differs from want by more than ratio of want.
func exceeds(got, want, ratio float64) bool {
	if want == 0 {
		return got != 0
	}
	return math.Abs(got-want)/math.Abs(want) > ratio
}

func knownFromEvent(ev *events.Event) Field {
	var f Field
	if ev.AccountID() != "" {
		f |= FieldAccountID
	}
	if ev.TemplateName() != "" {
		f |= FieldTemplate
	}
	if _, ok := ev.Budget(); ok {
		f |= FieldBudget
	}
	if _, ok := ev.Spend(); ok {
		f |= FieldSpend
	}
	return f
}

func firstNonNil[T any](a, b *T) *T {
	if a != nil {
		return a
	}
	return b
}
