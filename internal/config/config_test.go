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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ndx/notify/internal/events"
)

const validYAML = `
log_level: debug
allow_list:
  sources: [leases]
  accounts: ["123456789012"]
database_url: postgres://notify@db/notify
secrets:
  base_url: https://secrets.example.com
  name: notify/providers
  token_url: https://auth.example.com/token
  client_id: notify
  client_secret: ${TEST_SECRETS_CLIENT_SECRET}
email:
  from_address: noreply@example.com
  templates:
    LeaseApproved: d-approved
    LeaseFrozen: d-frozen
dead_letter:
  signing_key: ${TEST_DLQ_KEY}
breakers:
  email:
    threshold: 10
    cooldown: 2m
enrichment:
  deadline: 1500ms
`

func clearOverrides(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LOG_LEVEL", "PORT", "REDIS_URL", "DATABASE_URL", "DLQ_SIGNING_KEY", "HANDLER_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

// TestParse verifies expansion, explicit values and defaults.
func TestParse(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SECRETS_CLIENT_SECRET", "s3cret-value")
	t.Setenv("TEST_DLQ_KEY", "dlq-signing-key")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Secrets.ClientSecret != "s3cret-value" || cfg.DeadLetter.SigningKey != "dlq-signing-key" {
		t.Errorf("env expansion not applied: %+v %+v", cfg.Secrets, cfg.DeadLetter)
	}
	if cfg.LogLevel != "debug" || cfg.Port != 8080 {
		t.Errorf("log_level = %q, port = %d", cfg.LogLevel, cfg.Port)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("redis url = %q", cfg.Redis.URL)
	}
	if cfg.Breakers.Email.Threshold != 10 || cfg.Breakers.Email.Cooldown != 2*time.Minute {
		t.Errorf("email breaker = %+v", cfg.Breakers.Email)
	}
	if cfg.Breakers.Enrich.Threshold != 3 || cfg.Breakers.Enrich.Cooldown != 60*time.Second {
		t.Errorf("enrich breaker = %+v, want 3 throttles and a 60s cooldown", cfg.Breakers.Enrich)
	}
	if cfg.Breakers.Chat.Cooldown != time.Minute {
		t.Errorf("chat breaker = %+v", cfg.Breakers.Chat)
	}
	if cfg.Enrichment.Deadline != 1500*time.Millisecond || cfg.HandlerTimeout != 30*time.Second {
		t.Errorf("durations = %v %v", cfg.Enrichment.Deadline, cfg.HandlerTimeout)
	}
	if got := cfg.Templates()[events.LeaseFrozen]; got != "d-frozen" {
		t.Errorf("template = %q", got)
	}
}

// TestParse_EnvOverrides verifies scalar settings can come from the
// environment.
func TestParse_EnvOverrides(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SECRETS_CLIENT_SECRET", "x")
	t.Setenv("TEST_DLQ_KEY", "")
	t.Setenv("DLQ_SIGNING_KEY", "from-env")
	t.Setenv("PORT", "9090")
	t.Setenv("HANDLER_TIMEOUT", "10s")

	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.DeadLetter.SigningKey != "from-env" || cfg.Port != 9090 || cfg.HandlerTimeout != 10*time.Second {
		t.Errorf("overrides = %q %d %v", cfg.DeadLetter.SigningKey, cfg.Port, cfg.HandlerTimeout)
	}
}

// TestParse_NamesMissingKeys verifies every missing setting is reported.
func TestParse_NamesMissingKeys(t *testing.T) {
	clearOverrides(t)

	_, err := Parse([]byte("allow_list:\n  sources: [leases]\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"allow_list.accounts", "database_url", "secrets.client_secret", "email.templates", "dead_letter.signing_key"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not name %s", err, key)
		}
	}
	if strings.Contains(err.Error(), "allow_list.sources") {
		t.Errorf("error names a present key: %v", err)
	}
}

// TestParse_UnknownTemplateType verifies template keys are event types.
func TestParse_UnknownTemplateType(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SECRETS_CLIENT_SECRET", "x")
	t.Setenv("TEST_DLQ_KEY", "k")

	data := strings.Replace(validYAML, "LeaseFrozen: d-frozen", "LeaseMelted: d-melted", 1)
	_, err := Parse([]byte(data))
	if err == nil || !strings.Contains(err.Error(), "LeaseMelted") {
		t.Errorf("err = %v", err)
	}
}

// TestLoad verifies the file is read from CONFIG_PATH.
func TestLoad(t *testing.T) {
	clearOverrides(t)
	t.Setenv("TEST_SECRETS_CLIENT_SECRET", "x")
	t.Setenv("TEST_DLQ_KEY", "k")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}
}
