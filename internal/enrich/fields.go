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
	"strings"

	"github.com/ndx/notify/internal/events"
)

// Field is a bit set of enrichable fields.
type Field uint8

const (
	FieldUserName Field = 1 << iota
	FieldAccountID
	FieldExpiry
	FieldBudget
	FieldSpend
	FieldTemplate
	FieldSSOURL
)

var fieldNames = []struct {
	f    Field
	name string
}{
	{FieldUserName, "userName"},
	{FieldAccountID, "accountId"},
	{FieldExpiry, "expiryDate"},
	{FieldBudget, "budgetLimit"},
	{FieldSpend, "currentSpend"},
	{FieldTemplate, "templateName"},
	{FieldSSOURL, "ssoUrl"},
}

func (f Field) String() string { return strings.Join(f.Names(), ",") }

// Names returns the field names in f.
func (f Field) Names() []string {
	var out []string
	for _, n := range fieldNames {
		if f&n.f != 0 {
			out = append(out, n.name)
		}
	}
	return out
}

// templateNeeds lists the fields each email template renders.
var templateNeeds = map[events.Type]Field{
	events.LeaseRequested:              FieldUserName | FieldTemplate | FieldBudget,
	events.LeaseApproved:               FieldUserName | FieldAccountID | FieldExpiry | FieldBudget | FieldSSOURL,
	events.LeaseDenied:                 FieldUserName,
	events.LeaseTerminated:             FieldUserName | FieldAccountID | FieldSpend,
	events.LeaseFrozen:                 FieldUserName | FieldAccountID | FieldSpend | FieldExpiry | FieldSSOURL,
	events.LeaseBudgetThresholdAlert:   FieldUserName | FieldBudget | FieldSpend | FieldSSOURL,
	events.LeaseDurationThresholdAlert: FieldUserName | FieldExpiry | FieldSSOURL,
	events.LeaseFreezingThresholdAlert: FieldUserName | FieldExpiry | FieldSSOURL,
	events.LeaseBudgetExceeded:         FieldUserName | FieldBudget | FieldSpend,
	events.LeaseExpired:                FieldUserName | FieldAccountID | FieldExpiry,
}

// requiredFields cannot be left out of the rendered message.
var requiredFields = map[events.Type]Field{
	events.LeaseApproved: FieldAccountID,
}

// acceptedStatuses lists the lease statuses consistent with each declared
// type. Any other recorded status is a conflict.
var acceptedStatuses = map[events.Type][]string{
	events.LeaseRequested:              {"PendingApproval"},
	events.LeaseApproved:               {"Active"},
	events.LeaseDenied:                 {"ApprovalDenied"},
	events.LeaseTerminated:             {"Expired", "BudgetExceeded", "ManuallyTerminated", "AccountQuarantined", "Ejected"},
	events.LeaseFrozen:                 {"Frozen"},
	events.LeaseBudgetThresholdAlert:   {"Active", "Frozen"},
	events.LeaseDurationThresholdAlert: {"Active", "Frozen"},
	events.LeaseFreezingThresholdAlert: {"Active"},
	events.LeaseBudgetExceeded:         {"Active", "Frozen", "BudgetExceeded"},
	events.LeaseExpired:                {"Active", "Frozen", "Expired"},
}

// Needs returns the fields the template for t renders.
func Needs(t events.Type) Field { return templateNeeds[t] }

// Required returns the fields that must be present for t after enrichment.
func Required(t events.Type) Field { return requiredFields[t] }

func statusConflicts(t events.Type, status string) bool {
	accepted, ok := acceptedStatuses[t]
	if !ok || status == "" {
		return false
	}
	for _, s := range accepted {
		if strings.EqualFold(s, status) {
			return false
		}
	}
	return true
}
