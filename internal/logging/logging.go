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

// Package logging builds the structured JSON logger used by every binary.
// All records pass through a single redaction hook: secret-bearing keys are
// replaced, PII keys are hashed, and any registered secret value is scrubbed
// from messages and string attributes.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ndx/notify/internal/redact"
)

// LevelSecurity sits above ERROR and marks data-integrity and forged-event
// findings that security reviewers filter on.
const LevelSecurity = slog.Level(12)

var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"authorization": true,
}

var urlKeys = map[string]bool{
	"webhook_url": true,
	"url":         true,
}

var piiKeys = map[string]bool{
	"email":      true,
	"user_email": true,
	"recipient":  true,
}

// Redactor holds secret values that must never appear in log output.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates an empty redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds a secret value to scrub. Short values are ignored because
// scrubbing them would mangle unrelated text.
func (r *Redactor) Register(secret string) {
	if len(secret) < 8 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
}

// Reset forgets all registered secrets.
func (r *Redactor) Reset() {
	r.mu.Lock()
	r.secrets = nil
	r.mu.Unlock()
}

// Scrub replaces every registered secret inside s.
func (r *Redactor) Scrub(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, secret := range r.secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, redact.Placeholder)
		}
	}
	return s
}

// ReplaceAttr is the redaction hook installed on the JSON handler.
func (r *Redactor) ReplaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelSecurity {
			return slog.String(slog.LevelKey, "SECURITY")
		}
		return a
	}

	key := strings.ToLower(a.Key)
	switch {
	case secretKeys[key]:
		return slog.String(a.Key, redact.Digest(a.Value.String()))
	case urlKeys[key]:
		return slog.String(a.Key, redact.URL(a.Value.String()))
	case piiKeys[key]:
		return slog.String(a.Key, redact.Hash(a.Value.String()))
	}

	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.Scrub(a.Value.String()))
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, r.Scrub(err.Error()))
		}
	}
	return a
}

// NewHandler returns a JSON handler writing to w with redaction applied.
func NewHandler(w io.Writer, level slog.Level, r *Redactor) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: r.ReplaceAttr,
	})
}

// ParseLevel maps a config string to a level, defaulting to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Security logs msg at the SECURITY level on the default logger.
func Security(ctx context.Context, msg string, args ...any) {
	slog.Default().Log(ctx, LevelSecurity, msg, args...)
}

// MaxUntrustedLen bounds attacker-controlled strings echoed into logs and
// dead-letter entries.
const MaxUntrustedLen = 128

// Clip truncates s to at most n bytes without splitting a rune.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
