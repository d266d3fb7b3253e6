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

package breaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ndx/notify/internal/metrics"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	return New("test", threshold, cooldown, c.now), c
}

// TestOpensAtExactThreshold verifies N-1 failures keep it closed and the Nth opens it.
func TestOpensAtExactThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	before := testutil.ToFloat64(metrics.BreakerOpens.WithLabelValues("test"))

	if b.Failure() || b.Failure() {
		t.Fatal("opened before threshold")
	}
	if b.State() != Closed || !b.Allow() {
		t.Fatal("should still be closed after 2 failures")
	}
	if !b.Failure() {
		t.Fatal("third failure should open")
	}
	if b.State() != Open || b.Allow() {
		t.Fatal("should reject while open")
	}

	if got := testutil.ToFloat64(metrics.BreakerOpens.WithLabelValues("test")) - before; got != 1 {
		t.Errorf("opens metric delta = %v, want 1", got)
	}
}

// TestSuccessResetsCount verifies failures must be consecutive.
func TestSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()

	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

// TestStaysOpenThroughCooldown verifies a success during cooldown does not close it.
func TestStaysOpenThroughCooldown(t *testing.T) {
	b, c := newTestBreaker(1, time.Minute)

	b.Failure()
	b.Success()
	c.advance(59 * time.Second)

	if b.Allow() {
		t.Fatal("allowed during cooldown")
	}
	if b.State() != Open {
		t.Errorf("state = %v, want open", b.State())
	}
}

// TestHalfOpenTrial verifies one trial after cooldown and its outcomes.
func TestHalfOpenTrial(t *testing.T) {
	b, c := newTestBreaker(2, time.Minute)
	b.Failure()
	b.Failure()
	c.advance(time.Minute)

	if !b.Allow() {
		t.Fatal("trial should be allowed after cooldown")
	}
	if b.Allow() {
		t.Fatal("only one trial at a time")
	}

	if !b.Failure() {
		t.Fatal("failed trial should re-open")
	}
	if b.Allow() {
		t.Fatal("should reject after failed trial")
	}

	c.advance(time.Minute)
	if !b.Allow() {
		t.Fatal("second trial should be allowed")
	}
	b.Success()
	if b.State() != Closed || !b.Allow() || !b.Allow() {
		t.Error("successful trial should close the breaker")
	}
}

// TestNeutralReleasesTrial verifies an unrelated failure frees the trial slot.
func TestNeutralReleasesTrial(t *testing.T) {
	b, c := newTestBreaker(1, time.Second)
	b.Failure()
	c.advance(time.Second)

	b.Allow()
	b.Neutral()
	if !b.Allow() {
		t.Error("trial slot should be free after Neutral")
	}
}

// TestReset verifies the cold-start hook.
func TestReset(t *testing.T) {
	b, _ := newTestBreaker(1, time.Hour)
	b.Failure()
	b.Reset()

	if b.State() != Closed || !b.Allow() || b.Failures() != 0 {
		t.Error("reset breaker should be closed and empty")
	}
}
