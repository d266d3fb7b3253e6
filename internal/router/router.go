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

// Package router maps event types to exactly one delivery channel.
package router

import (
	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
)

// Channel is a delivery path.
type Channel int

const (
	ChannelEmail Channel = iota + 1
	ChannelChat
)

func (c Channel) String() string {
	switch c {
	case ChannelEmail:
		return "email"
	case ChannelChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Route returns the channel for t. A new event type must be added here;
// there is no fallthrough.
func Route(t events.Type) (Channel, error) {
	switch t {
	case events.LeaseRequested,
		events.LeaseApproved,
		events.LeaseDenied,
		events.LeaseTerminated,
		events.LeaseFrozen,
		events.LeaseBudgetThresholdAlert,
		events.LeaseDurationThresholdAlert,
		events.LeaseFreezingThresholdAlert,
		events.LeaseBudgetExceeded,
		events.LeaseExpired:
		return ChannelEmail, nil
	case events.AccountCleanupFailed,
		events.AccountQuarantined,
		events.AccountDriftDetected:
		return ChannelChat, nil
	}
	return 0, failure.Permanentf("router", "no channel for event type %q", t)
}
