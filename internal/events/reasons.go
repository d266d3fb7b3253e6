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

package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// FieldError reports a decode failure at a JSON path. It carries the path
// only, never the offending value.
type FieldError struct {
	Path string
	Err  error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ErrUnknownVariant is returned when a reason's "type" tag is not recognised.
var ErrUnknownVariant = errors.New("unknown variant")

// DecodeStrict decodes a single JSON value into v, rejecting unknown fields
// and trailing data.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

// FrozenVariant is one of the tagged reasons a lease was frozen.
type FrozenVariant interface{ frozenKind() string }

// FrozenReason wraps the tagged union carried in the "reason" field.
type FrozenReason struct {
	Variant FrozenVariant `json:"-" validate:"required"`
}

// ExpiredFrozen: the lease passed its duration threshold.
type ExpiredFrozen struct {
	Type                       string  `json:"type"`
	TriggeredDurationThreshold float64 `json:"triggeredDurationThreshold" validate:"gte=0"`
	LeaseDurationInHours       float64 `json:"leaseDurationInHours" validate:"gte=0"`
}

// BudgetExceededFrozen: spend passed the budget threshold.
type BudgetExceededFrozen struct {
	Type                     string  `json:"type"`
	TriggeredBudgetThreshold float64 `json:"triggeredBudgetThreshold" validate:"gte=0"`
	TotalSpend               float64 `json:"totalSpend" validate:"gte=0"`
}

// ManuallyFrozen: an operator froze the lease.
type ManuallyFrozen struct {
	Type    string `json:"type"`
	Comment string `json:"comment" validate:"required,max=1000"`
}

func (*ExpiredFrozen) frozenKind() string        { return "Expired" }
func (*BudgetExceededFrozen) frozenKind() string { return "BudgetExceeded" }
func (*ManuallyFrozen) frozenKind() string       { return "ManuallyFrozen" }

// Kind returns the variant tag, or "" if unset.
func (r FrozenReason) Kind() string {
	if r.Variant == nil {
		return ""
	}
	return r.Variant.frozenKind()
}

// UnmarshalJSON selects the variant by its "type" tag and decodes it strictly.
func (r *FrozenReason) UnmarshalJSON(data []byte) error {
	var v FrozenVariant
	switch gjson.GetBytes(data, "type").String() {
	case "Expired":
		v = &ExpiredFrozen{}
	case "BudgetExceeded":
		v = &BudgetExceededFrozen{}
	case "ManuallyFrozen":
		v = &ManuallyFrozen{}
	default:
		return &FieldError{Path: "reason.type", Err: ErrUnknownVariant}
	}
	if err := DecodeStrict(data, v); err != nil {
		return &FieldError{Path: "reason", Err: err}
	}
	r.Variant = v
	return nil
}

// MarshalJSON writes the variant back out with its tag.
func (r FrozenReason) MarshalJSON() ([]byte, error) {
	return marshalVariant(r.Variant)
}

// TerminatedVariant is one of the tagged reasons a lease was terminated.
type TerminatedVariant interface{ terminatedKind() string }

// TerminatedReason wraps the tagged union carried in the "reason" field.
type TerminatedReason struct {
	Variant TerminatedVariant `json:"-" validate:"required"`
}

// ExpiredTerminated: the lease ran out of time.
type ExpiredTerminated struct {
	Type                 string  `json:"type"`
	LeaseDurationInHours float64 `json:"leaseDurationInHours" validate:"gte=0"`
}

// BudgetExceededTerminated: the lease ran out of budget.
type BudgetExceededTerminated struct {
	Type       string  `json:"type"`
	TotalSpend float64 `json:"totalSpend" validate:"gte=0"`
}

// ManuallyTerminated: an operator ended the lease.
type ManuallyTerminated struct {
	Type    string `json:"type"`
	Comment string `json:"comment" validate:"required,max=1000"`
}

// AccountQuarantinedTerminated: the account was pulled into quarantine.
type AccountQuarantinedTerminated struct {
	Type    string `json:"type"`
	Comment string `json:"comment" validate:"required,max=1000"`
}

// EjectedTerminated: the account was ejected from the pool.
type EjectedTerminated struct {
	Type    string `json:"type"`
	Comment string `json:"comment" validate:"required,max=1000"`
}

func (*ExpiredTerminated) terminatedKind() string            { return "Expired" }
func (*BudgetExceededTerminated) terminatedKind() string     { return "BudgetExceeded" }
func (*ManuallyTerminated) terminatedKind() string           { return "ManuallyTerminated" }
func (*AccountQuarantinedTerminated) terminatedKind() string { return "AccountQuarantined" }
func (*EjectedTerminated) terminatedKind() string            { return "Ejected" }

// Kind returns the variant tag, or "" if unset.
func (r TerminatedReason) Kind() string {
	if r.Variant == nil {
		return ""
	}
	return r.Variant.terminatedKind()
}

// UnmarshalJSON selects the variant by its "type" tag and decodes it strictly.
func (r *TerminatedReason) UnmarshalJSON(data []byte) error {
	var v TerminatedVariant
	switch gjson.GetBytes(data, "type").String() {
	case "Expired":
		v = &ExpiredTerminated{}
	case "BudgetExceeded":
		v = &BudgetExceededTerminated{}
	case "ManuallyTerminated":
		v = &ManuallyTerminated{}
	case "AccountQuarantined":
		v = &AccountQuarantinedTerminated{}
	case "Ejected":
		v = &EjectedTerminated{}
	default:
		return &FieldError{Path: "reason.type", Err: ErrUnknownVariant}
	}
	if err := DecodeStrict(data, v); err != nil {
		return &FieldError{Path: "reason", Err: err}
	}
	r.Variant = v
	return nil
}

// MarshalJSON writes the variant back out with its tag.
func (r TerminatedReason) MarshalJSON() ([]byte, error) {
	return marshalVariant(r.Variant)
}

func marshalVariant(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
