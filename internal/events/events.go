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

// Package events defines the sandbox lifecycle events consumed by the
// notification pipeline.
//
// The JSON shape of Envelope and every detail struct MUST match what the
// sandbox platform publishes on the event bus. Decoding is strict: unknown
// fields are rejected by the validator.
package events

import (
	"encoding/json"
	"time"
)

// Type is the declared event type (the envelope's "detail-type").
type Type string

// User lifecycle events, delivered by email.
const (
	LeaseRequested              Type = "LeaseRequested"
	LeaseApproved               Type = "LeaseApproved"
	LeaseDenied                 Type = "LeaseDenied"
	LeaseTerminated             Type = "LeaseTerminated"
	LeaseFrozen                 Type = "LeaseFrozen"
	LeaseBudgetThresholdAlert   Type = "LeaseBudgetThresholdAlert"
	LeaseDurationThresholdAlert Type = "LeaseDurationThresholdAlert"
	LeaseFreezingThresholdAlert Type = "LeaseFreezingThresholdAlert"
	LeaseBudgetExceeded         Type = "LeaseBudgetExceeded"
	LeaseExpired                Type = "LeaseExpired"
)

// Account operational events, delivered as chat alerts.
const (
	AccountCleanupFailed Type = "AccountCleanupFailed"
	AccountQuarantined   Type = "AccountQuarantined"
	AccountDriftDetected Type = "AccountDriftDetected"
)

// AllTypes lists every supported event type.
var AllTypes = []Type{
	LeaseRequested, LeaseApproved, LeaseDenied, LeaseTerminated, LeaseFrozen,
	LeaseBudgetThresholdAlert, LeaseDurationThresholdAlert, LeaseFreezingThresholdAlert,
	LeaseBudgetExceeded, LeaseExpired,
	AccountCleanupFailed, AccountQuarantined, AccountDriftDetected,
}

// Known reports whether t is a supported event type.
func (t Type) Known() bool {
	for _, k := range AllTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Envelope is the raw bus message. Detail is decoded separately once the
// type is known.
type Envelope struct {
	Version    string          `json:"version" validate:"omitempty,max=8"`
	ID         string          `json:"id" validate:"required,max=128,printascii"`
	DetailType Type            `json:"detail-type" validate:"required"`
	Source     string          `json:"source" validate:"required,max=256"`
	Account    string          `json:"account" validate:"required,accountid"`
	Time       time.Time       `json:"time" validate:"required"`
	Region     string          `json:"region" validate:"omitempty,max=32"`
	Resources  []string        `json:"resources"`
	Detail     json.RawMessage `json:"detail" validate:"required"`
}

// Event is an envelope that has passed strict validation. It is not
// modified after validation.
type Event struct {
	ID      string
	Time    time.Time
	Type    Type
	Source  string
	Account string
	Detail  Detail
	// Raw holds the original bytes for dead-lettering and approval review.
	Raw []byte
}

// Detail is implemented by every per-type payload.
type Detail interface {
	EventType() Type
}

// UserEmail returns the declared recipient for user lifecycle events.
func (e *Event) UserEmail() string {
	if l, ok := e.Detail.(leased); ok {
		return l.lease().UserEmail
	}
	return ""
}

// LeaseUUID returns the lease identifier, if the event concerns a lease.
func (e *Event) LeaseUUID() string {
	if l, ok := e.Detail.(leased); ok {
		return l.lease().UUID
	}
	return ""
}

// AccountID returns the sandbox account the event concerns, if stated.
func (e *Event) AccountID() string {
	if a, ok := e.Detail.(accounted); ok {
		return a.account()
	}
	return ""
}

// Budget returns the budget stated in the event, if any.
func (e *Event) Budget() (float64, bool) {
	switch d := e.Detail.(type) {
	case *LeaseBudgetThresholdAlertDetail:
		return d.Budget, true
	case *LeaseBudgetExceededDetail:
		return d.Budget, true
	}
	return 0, false
}

// Spend returns the spend stated in the event, if any.
func (e *Event) Spend() (float64, bool) {
	switch d := e.Detail.(type) {
	case *LeaseBudgetThresholdAlertDetail:
		return d.TotalCost, true
	case *LeaseBudgetExceededDetail:
		return d.TotalSpend, true
	case *LeaseFrozenDetail:
		if r, ok := d.Reason.Variant.(*BudgetExceededFrozen); ok {
			return r.TotalSpend, true
		}
	case *LeaseTerminatedDetail:
		if r, ok := d.Reason.Variant.(*BudgetExceededTerminated); ok {
			return r.TotalSpend, true
		}
	}
	return 0, false
}

// TemplateName returns the lease template name stated in the event.
func (e *Event) TemplateName() string {
	if d, ok := e.Detail.(*LeaseRequestedDetail); ok {
		return d.OriginalLeaseTemplateName
	}
	return ""
}

type leased interface{ lease() LeaseKey }

type accounted interface{ account() string }
