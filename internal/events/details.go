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

import "time"

// LeaseKey identifies a lease. The UUID is later used to build portal deep
// links, so it is held to the strict UUID rule.
type LeaseKey struct {
	UserEmail string `json:"userEmail" validate:"required,safeemail"`
	UUID      string `json:"uuid" validate:"required,strictuuid"`
}

// LeaseRequestedDetail is published when a user requests a sandbox lease.
type LeaseRequestedDetail struct {
	LeaseID                   LeaseKey `json:"leaseId"`
	OriginalLeaseTemplateUUID string   `json:"originalLeaseTemplateUuid" validate:"required,strictuuid"`
	OriginalLeaseTemplateName string   `json:"originalLeaseTemplateName" validate:"omitempty,max=256"`
	Comments                  string   `json:"comments" validate:"omitempty,max=1000"`
	RequiresManualApproval    bool     `json:"requiresManualApproval"`
}

// LeaseApprovedDetail is published when a lease request is approved.
type LeaseApprovedDetail struct {
	LeaseID    LeaseKey `json:"leaseId"`
	ApprovedBy string   `json:"approvedBy" validate:"required,max=256"`
}

// LeaseDeniedDetail is published when a lease request is denied.
type LeaseDeniedDetail struct {
	LeaseID  LeaseKey `json:"leaseId"`
	DeniedBy string   `json:"deniedBy" validate:"required,max=256"`
}

// LeaseTerminatedDetail is published when a lease ends for good.
type LeaseTerminatedDetail struct {
	LeaseID   LeaseKey         `json:"leaseId"`
	AccountID string           `json:"accountId" validate:"required,accountid"`
	Reason    TerminatedReason `json:"reason"`
}

// LeaseFrozenDetail is published when a lease's account is frozen.
type LeaseFrozenDetail struct {
	LeaseID   LeaseKey     `json:"leaseId"`
	AccountID string       `json:"accountId" validate:"required,accountid"`
	Reason    FrozenReason `json:"reason"`
}

// LeaseBudgetThresholdAlertDetail warns that spend crossed a threshold.
type LeaseBudgetThresholdAlertDetail struct {
	LeaseID                  LeaseKey `json:"leaseId"`
	AccountID                string   `json:"accountId" validate:"required,accountid"`
	Budget                   float64  `json:"budget" validate:"gte=0"`
	TotalCost                float64  `json:"totalCost" validate:"gte=0"`
	BudgetThresholdTriggered float64  `json:"budgetThresholdTriggered" validate:"gt=0,lte=100"`
	ActionRequested          string   `json:"actionRequested" validate:"required,oneof=notify freeze terminate"`
}

// LeaseDurationThresholdAlertDetail warns that a lease is nearing expiry.
type LeaseDurationThresholdAlertDetail struct {
	LeaseID                    LeaseKey `json:"leaseId"`
	AccountID                  string   `json:"accountId" validate:"required,accountid"`
	TriggeredDurationThreshold float64  `json:"triggeredDurationThreshold" validate:"gte=0"`
	LeaseDurationInHours       float64  `json:"leaseDurationInHours" validate:"gte=0"`
	ActionRequested            string   `json:"actionRequested" validate:"required,oneof=notify freeze terminate"`
}

// LeaseFreezingThresholdAlertDetail warns that a lease will be frozen.
type LeaseFreezingThresholdAlertDetail struct {
	LeaseID   LeaseKey     `json:"leaseId"`
	AccountID string       `json:"accountId" validate:"required,accountid"`
	Reason    FrozenReason `json:"reason"`
	FreezesAt time.Time    `json:"freezesAt" validate:"required"`
}

// LeaseBudgetExceededDetail is published when spend passes the budget.
type LeaseBudgetExceededDetail struct {
	LeaseID    LeaseKey `json:"leaseId"`
	AccountID  string   `json:"accountId" validate:"required,accountid"`
	Budget     float64  `json:"budget" validate:"gte=0"`
	TotalSpend float64  `json:"totalSpend" validate:"gte=0"`
}

// LeaseExpiredDetail is published when a lease reaches its end date.
type LeaseExpiredDetail struct {
	LeaseID   LeaseKey  `json:"leaseId"`
	AccountID string    `json:"accountId" validate:"required,accountid"`
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

// CleanupExecutionContext points at the failed cleanup run.
type CleanupExecutionContext struct {
	StateMachineExecutionArn       string    `json:"stateMachineExecutionArn" validate:"required,max=2048"`
	StateMachineExecutionStartTime time.Time `json:"stateMachineExecutionStartTime" validate:"required"`
}

// AccountCleanupFailedDetail is published when account cleanup fails.
type AccountCleanupFailedDetail struct {
	AccountID               string                  `json:"accountId" validate:"required,accountid"`
	CleanupExecutionContext CleanupExecutionContext `json:"cleanupExecutionContext"`
}

// AccountQuarantinedDetail is published when an account is quarantined.
type AccountQuarantinedDetail struct {
	AccountID string `json:"accountId" validate:"required,accountid"`
	Reason    string `json:"reason" validate:"required,max=1000"`
}

// AccountDriftDetectedDetail is published when an account sits in the
// wrong organisational unit.
type AccountDriftDetectedDetail struct {
	AccountID  string `json:"accountId" validate:"required,accountid"`
	ExpectedOu string `json:"expectedOu" validate:"required,max=128"`
	ActualOu   string `json:"actualOu" validate:"required,max=128"`
}

func (*LeaseRequestedDetail) EventType() Type              { return LeaseRequested }
func (*LeaseApprovedDetail) EventType() Type               { return LeaseApproved }
func (*LeaseDeniedDetail) EventType() Type                 { return LeaseDenied }
func (*LeaseTerminatedDetail) EventType() Type             { return LeaseTerminated }
func (*LeaseFrozenDetail) EventType() Type                 { return LeaseFrozen }
func (*LeaseBudgetThresholdAlertDetail) EventType() Type   { return LeaseBudgetThresholdAlert }
func (*LeaseDurationThresholdAlertDetail) EventType() Type { return LeaseDurationThresholdAlert }
func (*LeaseFreezingThresholdAlertDetail) EventType() Type { return LeaseFreezingThresholdAlert }
func (*LeaseBudgetExceededDetail) EventType() Type         { return LeaseBudgetExceeded }
func (*LeaseExpiredDetail) EventType() Type                { return LeaseExpired }
func (*AccountCleanupFailedDetail) EventType() Type        { return AccountCleanupFailed }
func (*AccountQuarantinedDetail) EventType() Type          { return AccountQuarantined }
func (*AccountDriftDetectedDetail) EventType() Type        { return AccountDriftDetected }

func (d *LeaseRequestedDetail) lease() LeaseKey              { return d.LeaseID }
func (d *LeaseApprovedDetail) lease() LeaseKey               { return d.LeaseID }
func (d *LeaseDeniedDetail) lease() LeaseKey                 { return d.LeaseID }
func (d *LeaseTerminatedDetail) lease() LeaseKey             { return d.LeaseID }
func (d *LeaseFrozenDetail) lease() LeaseKey                 { return d.LeaseID }
func (d *LeaseBudgetThresholdAlertDetail) lease() LeaseKey   { return d.LeaseID }
func (d *LeaseDurationThresholdAlertDetail) lease() LeaseKey { return d.LeaseID }
func (d *LeaseFreezingThresholdAlertDetail) lease() LeaseKey { return d.LeaseID }
func (d *LeaseBudgetExceededDetail) lease() LeaseKey         { return d.LeaseID }
func (d *LeaseExpiredDetail) lease() LeaseKey                { return d.LeaseID }

func (d *LeaseTerminatedDetail) account() string             { return d.AccountID }
func (d *LeaseFrozenDetail) account() string                 { return d.AccountID }
func (d *LeaseBudgetThresholdAlertDetail) account() string   { return d.AccountID }
func (d *LeaseDurationThresholdAlertDetail) account() string { return d.AccountID }
func (d *LeaseFreezingThresholdAlertDetail) account() string { return d.AccountID }
func (d *LeaseBudgetExceededDetail) account() string         { return d.AccountID }
func (d *LeaseExpiredDetail) account() string                { return d.AccountID }
func (d *AccountCleanupFailedDetail) account() string        { return d.AccountID }
func (d *AccountQuarantinedDetail) account() string          { return d.AccountID }
func (d *AccountDriftDetectedDetail) account() string        { return d.AccountID }

// NewDetail returns an empty detail value for t, or nil for unknown types.
func NewDetail(t Type) Detail {
	switch t {
	case LeaseRequested:
		return &LeaseRequestedDetail{}
	case LeaseApproved:
		return &LeaseApprovedDetail{}
	case LeaseDenied:
		return &LeaseDeniedDetail{}
	case LeaseTerminated:
		return &LeaseTerminatedDetail{}
	case LeaseFrozen:
		return &LeaseFrozenDetail{}
	case LeaseBudgetThresholdAlert:
		return &LeaseBudgetThresholdAlertDetail{}
	case LeaseDurationThresholdAlert:
		return &LeaseDurationThresholdAlertDetail{}
	case LeaseFreezingThresholdAlert:
		return &LeaseFreezingThresholdAlertDetail{}
	case LeaseBudgetExceeded:
		return &LeaseBudgetExceededDetail{}
	case LeaseExpired:
		return &LeaseExpiredDetail{}
	case AccountCleanupFailed:
		return &AccountCleanupFailedDetail{}
	case AccountQuarantined:
		return &AccountQuarantinedDetail{}
	case AccountDriftDetected:
		return &AccountDriftDetectedDetail{}
	}
	return nil
}
