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

package chat

import (
	"net/url"
	"time"

	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
)

// Links configures the console links attached to critical alerts.
type Links struct {
	// ConsoleURL is the base of the cloud console, e.g.
	// https://console.aws.amazon.com.
	ConsoleURL string
}

// AlertFor builds the alert for an account operational event.
func AlertFor(ev *events.Event, links Links) (Alert, error) {
	a := Alert{
		Type:      string(ev.Type),
		AccountID: ev.AccountID(),
		EventID:   ev.ID,
	}

	switch d := ev.Detail.(type) {
	case *events.AccountCleanupFailedDetail:
		a.Priority = PriorityCritical
		arn := d.CleanupExecutionContext.StateMachineExecutionArn
		a.Details = []Field{
			{"Execution", arn},
			{"Started", formatTime(d.CleanupExecutionContext.StateMachineExecutionStartTime)},
		}
		if links.ConsoleURL != "" {
			a.ActionLinks = append(a.ActionLinks, Link{
				Text: "View execution",
				URL:  links.ConsoleURL + "/states/home#/v2/executions/details/" + url.PathEscape(arn),
			})
		}
	case *events.AccountQuarantinedDetail:
		a.Priority = PriorityCritical
		a.Details = []Field{{"Reason", d.Reason}}
		if links.ConsoleURL != "" {
			a.ActionLinks = append(a.ActionLinks, Link{
				Text: "Open account",
				URL:  links.ConsoleURL + "/organizations/v2/home/accounts/" + url.PathEscape(d.AccountID),
			})
		}
	case *events.AccountDriftDetectedDetail:
		a.Priority = PriorityNormal
		a.Details = []Field{
			{"Expected OU", d.ExpectedOu},
			{"Actual OU", d.ActualOu},
		}
	default:
		return Alert{}, failure.Permanentf("chat.alert", "no alert defined for %s", ev.Type)
	}
	return a, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
