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

package router

import (
	"strings"
	"testing"

	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
)

// TestRoute_EveryTypeHasOneChannel verifies the mapping is total and that
// only Account* types go to chat.
func TestRoute_EveryTypeHasOneChannel(t *testing.T) {
	counts := map[Channel]int{}
	for _, typ := range events.AllTypes {
		ch, err := Route(typ)
		if err != nil {
			t.Errorf("Route(%s): %v", typ, err)
			continue
		}
		counts[ch]++

		wantChat := strings.HasPrefix(string(typ), "Account")
		if (ch == ChannelChat) != wantChat {
			t.Errorf("Route(%s) = %s", typ, ch)
		}
	}
	if counts[ChannelEmail] != 10 || counts[ChannelChat] != 3 {
		t.Errorf("counts = %v, want 10 email and 3 chat", counts)
	}
}

// TestRoute_Unknown verifies an unmapped type is Permanent.
func TestRoute_Unknown(t *testing.T) {
	_, err := Route("LeaseTeleported")
	if !failure.Is(err, failure.Permanent) {
		t.Errorf("err = %v, want permanent", err)
	}
}
