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

// Package redact renders secrets and personal data in a form that is safe
// to log. Call sites never slice or mask strings themselves.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Placeholder replaces values that cannot be rendered at all.
const Placeholder = "[REDACTED]"

// URL keeps only the scheme and host of a URL. Paths, queries and
// userinfo on webhook URLs carry the credential itself.
func URL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Placeholder
	}
	return u.Scheme + "://" + u.Hostname() + "/" + Placeholder
}

// Digest describes a credential by length and a short hash prefix so two
// log lines can be compared without exposing the value.
func Digest(secret string) string {
	if secret == "" {
		return "len=0"
	}
	sum := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("len=%d sha256=%s", len(secret), hex.EncodeToString(sum[:4]))
}

// Hash returns a stable pseudonym for a piece of PII such as an email
// address. Case and surrounding whitespace are ignored.
func Hash(pii string) string {
	if pii == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(pii))))
	return "sha256:" + hex.EncodeToString(sum[:4])
}
