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

package enrich

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/lookup"
	"github.com/ndx/notify/internal/metrics"
)

var eventTime = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

const (
	testUUID    = "0b3f7c1e-2a4d-4e5f-8a9b-1c2d3e4f5a6b"
	testAccount = "123456789012"
)

// fakeLookups answers from fixed records, optionally failing or stalling.
type fakeLookups struct {
	lease    *lookup.Lease
	account  *lookup.Account
	template *lookup.Template
	err      error
	delay    time.Duration
	calls    atomic.Int32
}

func (f *fakeLookups) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeLookups) Lease(ctx context.Context, _, _ string) (*lookup.Lease, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.lease == nil {
		return nil, lookup.ErrNotFound
	}
	return f.lease, nil
}

func (f *fakeLookups) Account(ctx context.Context, _ string) (*lookup.Account, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.account == nil {
		return nil, lookup.ErrNotFound
	}
	return f.account, nil
}

func (f *fakeLookups) Template(ctx context.Context, _ string) (*lookup.Template, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.template == nil {
		return nil, lookup.ErrNotFound
	}
	return f.template, nil
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newEngine(l Lookups, cfg Config) (*Engine, *breaker.Breaker, *clock) {
	c := &clock{t: eventTime}
	b := breaker.New("enrich_test", 3, 60*time.Second, c.now)
	return NewEngine(l, b, cfg), b, c
}

func ptr[T any](v T) *T { return &v }

func frozenEvent(id string) *events.Event {
	return &events.Event{
		ID:   id,
		Time: eventTime,
		Type: events.LeaseFrozen,
		Detail: &events.LeaseFrozenDetail{
			LeaseID:   events.LeaseKey{UserEmail: "user@example.com", UUID: testUUID},
			AccountID: testAccount,
			Reason: events.FrozenReason{Variant: &events.BudgetExceededFrozen{
				Type: "BudgetExceeded", TriggeredBudgetThreshold: 100, TotalSpend: 50,
			}},
		},
	}
}

func activeLease(status string) *lookup.Lease {
	return &lookup.Lease{
		UUID:         testUUID,
		UserEmail:    "user@example.com",
		UserName:     "Ada",
		AccountID:    testAccount,
		Status:       status,
		ExpiresAt:    ptr(eventTime.Add(48 * time.Hour)),
		BudgetLimit:  ptr(100.0),
		TotalSpend:   ptr(50.0),
		LastModified: eventTime.Add(-time.Minute),
	}
}

// TestEnrich_NothingMissing verifies no lookups happen when the event is complete.
func TestEnrich_NothingMissing(t *testing.T) {
	l := &fakeLookups{}
	e, _, _ := newEngine(l, Config{})

	ev := &events.Event{ID: "e", Type: events.AccountQuarantined,
		Detail: &events.AccountQuarantinedDetail{AccountID: testAccount, Reason: "x"}}

	res, err := e.Enrich(context.Background(), ev)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if res.Has() != 0 || l.calls.Load() != 0 {
		t.Errorf("has=%v calls=%d, want empty and zero", res.Has(), l.calls.Load())
	}
}

// TestEnrich_FillsMissingFields verifies a consistent record fills the gaps
// without a conflict.
func TestEnrich_FillsMissingFields(t *testing.T) {
	l := &fakeLookups{
		lease:   activeLease("Frozen"),
		account: &lookup.Account{AccountID: testAccount, Status: "Active", SSOURL: "https://sso.example.com/start", LastModified: eventTime},
	}
	e, _, _ := newEngine(l, Config{})

	res, err := e.Enrich(context.Background(), frozenEvent("e1"))
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if res.UserName != "Ada" || res.SSOURL != "https://sso.example.com/start" || res.ExpiryDate == nil {
		t.Errorf("result = %+v", res)
	}
	if res.CurrentSpend != nil {
		t.Error("spend is stated by the event and should not be overwritten")
	}
	if res.RequiresApproval() {
		t.Error("unexpected conflict")
	}
	if res.recordStatus != "Frozen" || res.recordModified.IsZero() {
		t.Errorf("internal record fields = %q %v", res.recordStatus, res.recordModified)
	}
	if l.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", l.calls.Load())
	}
}

// TestEnrich_ConflictScenarioB verifies a frozen event against an active
// record is flagged for approval with one conflict metric.
func TestEnrich_ConflictScenarioB(t *testing.T) {
	l := &fakeLookups{lease: activeLease("Active")}
	e, _, _ := newEngine(l, Config{})
	before := testutil.ToFloat64(metrics.EnrichmentConflicts)

	res, err := e.Enrich(context.Background(), frozenEvent("e-conflict"))
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if !res.RequiresApproval() {
		t.Fatal("expected conflict")
	}
	if res.Conflict.RecordedStatus != "Active" || res.Conflict.EventType != events.LeaseFrozen {
		t.Errorf("conflict = %+v", res.Conflict)
	}
	if got := testutil.ToFloat64(metrics.EnrichmentConflicts) - before; got != 1 {
		t.Errorf("conflict metric delta = %v, want 1", got)
	}
}

// TestEnrich_BreakerScenarioC verifies three throttles open the breaker and
// subsequent events skip lookups for the cooldown.
func TestEnrich_BreakerScenarioC(t *testing.T) {
	l := &fakeLookups{err: lookup.ErrThrottled}
	e, b, c := newEngine(l, Config{})
	ctx := context.Background()

	// Two lookups each: the breaker opens on the third throttle.
	_, _ = e.Enrich(ctx, frozenEvent("e1"))
	if b.State() != breaker.Closed {
		t.Fatalf("opened after 2 throttles")
	}
	_, _ = e.Enrich(ctx, frozenEvent("e2"))
	if b.State() != breaker.Open {
		t.Fatalf("state = %v after 4 throttles, want open", b.State())
	}
	callsWhenOpened := l.calls.Load()

	warnBefore := testutil.ToFloat64(metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnCircuitOpen))
	start := time.Now()
	res, err := e.Enrich(ctx, frozenEvent("e3"))
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("open breaker should return immediately")
	}
	if res.Has() != 0 || !res.Degraded {
		t.Errorf("result = %+v, want empty and degraded", res)
	}
	if l.calls.Load() != callsWhenOpened {
		t.Error("lookups attempted while breaker open")
	}
	if got := testutil.ToFloat64(metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnCircuitOpen)) - warnBefore; got != 1 {
		t.Errorf("circuit_open warnings delta = %v, want 1", got)
	}

	c.t = c.t.Add(59 * time.Second)
	_, _ = e.Enrich(ctx, frozenEvent("e4"))
	if l.calls.Load() != callsWhenOpened {
		t.Error("lookups attempted before 60s cooldown elapsed")
	}

	c.t = c.t.Add(time.Second)
	l.err = nil
	l.lease = activeLease("Frozen")
	_, _ = e.Enrich(ctx, frozenEvent("e5"))
	if l.calls.Load() == callsWhenOpened {
		t.Error("trial lookup expected after cooldown")
	}
	if b.State() != breaker.Closed {
		t.Errorf("state = %v after successful trial, want closed", b.State())
	}
}

// TestEnrich_DeadlineReturnsPartial verifies slow lookups are cut off at the
// deadline with a strict subset of the data.
func TestEnrich_DeadlineReturnsPartial(t *testing.T) {
	l := &fakeLookups{lease: activeLease("Frozen"), delay: time.Second}
	e, _, _ := newEngine(l, Config{Deadline: 50 * time.Millisecond})

	start := time.Now()
	res, err := e.Enrich(context.Background(), frozenEvent("e-slow"))
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Enrich took %v, deadline not honoured", elapsed)
	}
	if res.UserName != "" || !res.Degraded {
		t.Errorf("result = %+v, want empty degraded", res)
	}
}

// TestEnrich_StaleAndDrift verifies both warnings fire from one record.
func TestEnrich_StaleAndDrift(t *testing.T) {
	lease := activeLease("Active")
	lease.LastModified = eventTime.Add(-10 * time.Minute)
	lease.TotalSpend = ptr(120.0)
	l := &fakeLookups{lease: lease}
	e, _, _ := newEngine(l, Config{})

	ev := &events.Event{
		ID: "e-drift", Time: eventTime, Type: events.LeaseBudgetExceeded,
		Detail: &events.LeaseBudgetExceededDetail{
			LeaseID:   events.LeaseKey{UserEmail: "user@example.com", UUID: testUUID},
			AccountID: testAccount, Budget: 100, TotalSpend: 50,
		},
	}

	drift := metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnBudgetDrift)
	stale := metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnStaleRecord)
	driftBefore, staleBefore := testutil.ToFloat64(drift), testutil.ToFloat64(stale)

	if _, err := e.Enrich(context.Background(), ev); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if testutil.ToFloat64(drift)-driftBefore != 1 {
		t.Error("expected one budget drift warning")
	}
	if testutil.ToFloat64(stale)-staleBefore != 1 {
		t.Error("expected one stale record warning")
	}
}

// TestEnrich_DriftWithinRatio verifies recorded spend close to the stated
// budget does not warn, whatever the event's own spend.
func TestEnrich_DriftWithinRatio(t *testing.T) {
	lease := activeLease("Active")
	lease.TotalSpend = ptr(105.0)
	lease.BudgetLimit = ptr(500.0)
	e, _, _ := newEngine(&fakeLookups{lease: lease}, Config{})

	ev := &events.Event{
		ID: "e-near", Time: eventTime, Type: events.LeaseBudgetExceeded,
		Detail: &events.LeaseBudgetExceededDetail{
			LeaseID:   events.LeaseKey{UserEmail: "user@example.com", UUID: testUUID},
			AccountID: testAccount, Budget: 100, TotalSpend: 10,
		},
	}

	drift := metrics.EnrichmentWarnings.WithLabelValues(metrics.WarnBudgetDrift)
	before := testutil.ToFloat64(drift)
	if _, err := e.Enrich(context.Background(), ev); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if got := testutil.ToFloat64(drift) - before; got != 0 {
		t.Errorf("drift warnings = %v, want 0", got)
	}
}

// TestEnrich_RequiredMissing verifies the error kind for a missing required field.
func TestEnrich_RequiredMissing(t *testing.T) {
	approved := &events.Event{
		ID: "e-approved", Time: eventTime, Type: events.LeaseApproved,
		Detail: &events.LeaseApprovedDetail{
			LeaseID:    events.LeaseKey{UserEmail: "user@example.com", UUID: testUUID},
			ApprovedBy: "AUTO_APPROVED",
		},
	}

	notFound, _, _ := newEngine(&fakeLookups{}, Config{})
	_, err := notFound.Enrich(context.Background(), approved)
	if failure.KindOf(err) != failure.Permanent || err == nil {
		t.Errorf("not found: err = %v, want permanent", err)
	}

	throttled, _, _ := newEngine(&fakeLookups{err: lookup.ErrThrottled}, Config{})
	_, err = throttled.Enrich(context.Background(), approved)
	if failure.KindOf(err) != failure.Retriable || err == nil {
		t.Errorf("throttled: err = %v, want retriable", err)
	}
}

// TestStatusConflicts covers the declared type to status table.
func TestStatusConflicts(t *testing.T) {
	tests := []struct {
		typ    events.Type
		status string
		want   bool
	}{
		{events.LeaseFrozen, "Active", true},
		{events.LeaseFrozen, "Frozen", false},
		{events.LeaseDenied, "Active", true},
		{events.LeaseApproved, "active", false},
		{events.LeaseTerminated, "Active", true},
		{events.LeaseTerminated, "Ejected", false},
		{events.LeaseExpired, "", false},
		{events.AccountQuarantined, "Active", false},
	}
	for _, tt := range tests {
		if got := statusConflicts(tt.typ, tt.status); got != tt.want {
			t.Errorf("statusConflicts(%s, %q) = %v, want %v", tt.typ, tt.status, got, tt.want)
		}
	}
}
