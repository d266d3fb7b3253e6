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

package email

import (
	"net/url"
	"strconv"
	"time"

	"github.com/ndx/notify/internal/enrich"
	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
)

// Templates maps event types to provider template IDs.
type Templates map[events.Type]string

// headlines describe each event to the recipient. Only the declared event
// type is ever used to describe lease status.
var headlines = map[events.Type]string{
	events.LeaseRequested:              "Your sandbox lease request has been received",
	events.LeaseApproved:               "Your sandbox lease has been approved",
	events.LeaseDenied:                 "Your sandbox lease request was not approved",
	events.LeaseTerminated:             "Your sandbox lease has ended",
	events.LeaseFrozen:                 "Your sandbox lease has been frozen",
	events.LeaseBudgetThresholdAlert:   "Your sandbox lease has reached a budget threshold",
	events.LeaseDurationThresholdAlert: "Your sandbox lease is nearing its end date",
	events.LeaseFreezingThresholdAlert: "Your sandbox lease will be frozen soon",
	events.LeaseBudgetExceeded:         "Your sandbox lease has exceeded its budget",
	events.LeaseExpired:                "Your sandbox lease has expired",
}

// Compose builds the email request for a user lifecycle event. The
// recipient always comes from the event; enrichment only fills gaps in the
// displayed values.
func Compose(ev *events.Event, res *enrich.Result, templates Templates) (Request, error) {
	tmpl, ok := templates[ev.Type]
	if !ok || tmpl == "" {
		return Request{}, failure.Permanentf("email.compose", "no template for %s", ev.Type)
	}
	if res == nil {
		res = &enrich.Result{}
	}

	p := map[string]string{
		"headline":  headlines[ev.Type],
		"eventType": string(ev.Type),
	}
	set := func(k, v string) {
		if v != "" {
			p[k] = v
		}
	}

	set("userName", res.UserName)
	set("accountId", firstNonEmpty(ev.AccountID(), res.AccountID))
	set("templateName", firstNonEmpty(ev.TemplateName(), res.TemplateName))
	if v, ok := ev.Budget(); ok {
		set("budgetLimit", money(v))
	} else if res.BudgetLimit != nil {
		set("budgetLimit", money(*res.BudgetLimit))
	}
	if v, ok := ev.Spend(); ok {
		set("currentSpend", money(v))
	} else if res.CurrentSpend != nil {
		set("currentSpend", money(*res.CurrentSpend))
	}
	if res.ExpiryDate != nil {
		set("expiryDate", stamp(*res.ExpiryDate))
	}
	if isHTTPS(res.SSOURL) {
		set("ssoUrl", res.SSOURL)
	}

	detailFields(ev.Detail, set)

	params := map[string]string{}
	if acct := p["accountId"]; acct != "" {
		params["accountIdParam"] = acct
	}

	return Request{
		EventID:         ev.ID,
		DeclaredEmail:   ev.UserEmail(),
		Recipient:       ev.UserEmail(),
		TemplateID:      tmpl,
		Personalisation: p,
		URLParams:       params,
		LinkID:          ev.LeaseUUID(),
	}, nil
}

// detailFields adds the values specific to each event type.
func detailFields(d events.Detail, set func(k, v string)) {
	switch d := d.(type) {
	case *events.LeaseRequestedDetail:
		set("comments", d.Comments)
	case *events.LeaseTerminatedDetail:
		set("reason", d.Reason.Kind())
		switch v := d.Reason.Variant.(type) {
		case *events.ManuallyTerminated:
			set("comment", v.Comment)
		case *events.AccountQuarantinedTerminated:
			set("comment", v.Comment)
		case *events.EjectedTerminated:
			set("comment", v.Comment)
		case *events.ExpiredTerminated:
			set("leaseDurationHours", num(v.LeaseDurationInHours))
		}
	case *events.LeaseFrozenDetail:
		frozenFields(d.Reason, set)
	case *events.LeaseFreezingThresholdAlertDetail:
		frozenFields(d.Reason, set)
		set("freezesAt", stamp(d.FreezesAt))
	case *events.LeaseBudgetThresholdAlertDetail:
		set("thresholdPercent", num(d.BudgetThresholdTriggered))
		set("actionRequested", d.ActionRequested)
	case *events.LeaseDurationThresholdAlertDetail:
		set("thresholdHours", num(d.TriggeredDurationThreshold))
		set("leaseDurationHours", num(d.LeaseDurationInHours))
		set("actionRequested", d.ActionRequested)
	case *events.LeaseExpiredDetail:
		set("expiredAt", stamp(d.ExpiredAt))
	}
}

func frozenFields(r events.FrozenReason, set func(k, v string)) {
	set("reason", r.Kind())
	switch v := r.Variant.(type) {
	case *events.ManuallyFrozen:
		set("comment", v.Comment)
	case *events.ExpiredFrozen:
		set("thresholdHours", num(v.TriggeredDurationThreshold))
	case *events.BudgetExceededFrozen:
		set("thresholdAmount", money(v.TriggeredBudgetThreshold))
	}
}

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2 January 2006 15:04 MST")
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
