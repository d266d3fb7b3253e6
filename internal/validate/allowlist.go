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

package validate

import (
	"context"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"

	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/logging"
)

// AllowList holds the event sources and originating accounts permitted to
// publish. An empty list denies everything.
type AllowList struct {
	sources  map[string]bool
	accounts map[string]bool
}

// NewAllowList builds an allow-list from configured values.
func NewAllowList(sources, accounts []string) *AllowList {
	a := &AllowList{
		sources:  make(map[string]bool, len(sources)),
		accounts: make(map[string]bool, len(accounts)),
	}
	for _, s := range sources {
		if s != "" {
			a.sources[s] = true
		}
	}
	for _, acct := range accounts {
		if acct != "" {
			a.accounts[acct] = true
		}
	}
	return a
}

// Check inspects the raw envelope's source and account before any decoding.
// A body that is not a JSON object, or lacks either field, is Permanent. A
// miss is Critical: it indicates a forged or cross-tenant event, as does a
// repeated source or account key.
func (a *AllowList) Check(ctx context.Context, raw []byte) error {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return failure.Permanentf("allowlist", "body is not a JSON object")
	}

	for _, k := range duplicateKeys(raw) {
		if k == "source" || k == "account" {
			logging.Security(ctx, "event rejected for repeated identity key", "key", k)
			return failure.Criticalf("allowlist", "repeated %s key", k)
		}
	}

	res := gjson.GetManyBytes(raw, "source", "account")
	if !res[0].Exists() || !res[1].Exists() {
		return failure.Permanentf("allowlist", "envelope has no source or account")
	}
	return a.verdict(ctx, res[0].String(), res[1].String())
}

// Verify repeats the check against the decoded envelope so a value the
// decoder resolved differently from the raw peek is still refused.
func (a *AllowList) Verify(ctx context.Context, ev *events.Event) error {
	return a.verdict(ctx, ev.Source, ev.Account)
}

func (a *AllowList) verdict(ctx context.Context, source, account string) error {
	if a.sources[source] && a.accounts[account] {
		return nil
	}

	logging.Security(ctx, "event rejected by allow-list",
		"source", logging.Clip(source, logging.MaxUntrustedLen),
		"account", logging.Clip(account, logging.MaxUntrustedLen),
		"source_allowed", a.sources[source],
		"account_allowed", a.accounts[account],
	)
	return failure.Criticalf("allowlist", "source or account not allow-listed")
}

// duplicateKeys lists the top-level keys of a JSON object that appear more
// than once, compared the way encoding/json matches field names. gjson
// reads the first occurrence while encoding/json keeps the last.
func duplicateKeys(raw []byte) []string {
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return nil
	}
	seen := make(map[string]bool)
	dup := make(map[string]bool)
	obj.ForEach(func(k, _ gjson.Result) bool {
		key := foldKey(k.String())
		if seen[key] {
			dup[key] = true
		}
		seen[key] = true
		return true
	})
	return sortedKeys(dup)
}

// foldKey maps every rune to one member of its case-folding orbit, lower
// case where the orbit has one.
func foldKey(s string) string {
	return strings.Map(func(r rune) rune {
		low := r
		for f := unicode.SimpleFold(r); f != r; f = unicode.SimpleFold(f) {
			if f < low {
				low = f
			}
		}
		return unicode.ToLower(low)
	}, s)
}
