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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/metrics"
	"github.com/ndx/notify/internal/secrets"
)

type staticCreds struct{ url string }

func (c staticCreds) Get(context.Context) (*secrets.Credentials, error) {
	return &secrets.Credentials{ChatWebhookURL: c.url}, nil
}

type step struct {
	status int
	body   string
}

// webhook replays steps in order, repeating the last one.
type webhook struct {
	t     *testing.T
	steps []step
	hits  atomic.Int32

	mu          sync.Mutex
	last        Payload
	contentType string
}

func (h *webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(h.hits.Add(1)) - 1
	var p Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.t.Errorf("decode payload: %v", err)
	}
	h.mu.Lock()
	h.last = p
	h.contentType = r.Header.Get("Content-Type")
	h.mu.Unlock()

	if n >= len(h.steps) {
		n = len(h.steps) - 1
	}
	s := h.steps[n]
	if s.status == http.StatusFound {
		http.Redirect(w, r, "https://elsewhere.example.com/", http.StatusFound)
		return
	}
	w.WriteHeader(s.status)
	_, _ = w.Write([]byte(s.body))
}

var okStep = step{http.StatusOK, `{"ok":true}`}

func newTestSender(t *testing.T, steps ...step) (*Sender, *webhook, *[]time.Duration) {
	t.Helper()
	h := &webhook{t: t, steps: steps}
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)

	s := NewSender(staticCreds{url: srv.URL + "/services/T000/B000/secret"}, nil, Config{HTTPClient: srv.Client()})
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return s, h, &slept
}

func quarantineAlert() Alert {
	return Alert{
		Type:      "AccountQuarantined",
		AccountID: "123456789012",
		Priority:  PriorityCritical,
		Details:   []Field{{"Reason", "cleanup failed twice"}},
		EventID:   "evt-q",
	}
}

// TestScenarioD_RateLimitedThenOK verifies three 429s are retried at
// 100ms, 500ms and 1s before the fourth post succeeds.
func TestScenarioD_RateLimitedThenOK(t *testing.T) {
	limited := step{http.StatusTooManyRequests, `{"ok":false}`}
	s, h, slept := newTestSender(t, limited, limited, limited, okStep)

	if err := s.Send(context.Background(), quarantineAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if h.hits.Load() != 4 {
		t.Errorf("hits = %d, want 4", h.hits.Load())
	}
	want := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, (*slept)[i], want[i])
		}
	}
	if h.contentType != "application/json" {
		t.Errorf("Content-Type = %q", h.contentType)
	}
}

// TestScenarioE_UnauthorizedIsCritical verifies a 401 raises Critical with
// zero retries and counts an escalation.
func TestScenarioE_UnauthorizedIsCritical(t *testing.T) {
	s, h, slept := newTestSender(t, step{http.StatusUnauthorized, `{"ok":false}`})
	before := testutil.ToFloat64(metrics.CriticalEscalations.WithLabelValues("chat_auth"))

	err := s.Send(context.Background(), quarantineAlert())
	if !failure.Is(err, failure.Critical) {
		t.Fatalf("err = %v, want critical", err)
	}
	if h.hits.Load() != 1 || len(*slept) != 0 {
		t.Errorf("hits = %d slept = %v, want one attempt and no waits", h.hits.Load(), *slept)
	}
	if got := testutil.ToFloat64(metrics.CriticalEscalations.WithLabelValues("chat_auth")) - before; got != 1 {
		t.Errorf("escalations = %v, want 1", got)
	}
}

// TestSend_Classification verifies the remaining outcomes.
func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name     string
		steps    []step
		want     failure.Kind
		wantHits int32
	}{
		{"bad request", []step{{http.StatusBadRequest, `invalid_blocks`}}, failure.Permanent, 1},
		{"forbidden", []step{{http.StatusForbidden, ``}}, failure.Critical, 1},
		{"redirect refused", []step{{http.StatusFound, ``}}, failure.Critical, 1},
		{"server errors exhaust retries", []step{{http.StatusBadGateway, ``}}, failure.Retriable, 4},
		{"ok without flag", []step{{http.StatusOK, `ok`}}, failure.Retriable, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, h, _ := newTestSender(t, tt.steps...)
			err := s.Send(context.Background(), quarantineAlert())
			if err == nil || failure.KindOf(err) != tt.want {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if h.hits.Load() != tt.wantHits {
				t.Errorf("hits = %d, want %d", h.hits.Load(), tt.wantHits)
			}
			if err != nil && strings.Contains(err.Error(), "secret") {
				t.Errorf("error leaks webhook path: %v", err)
			}
		})
	}
}

// TestSend_RequiresHTTPSWebhook verifies a plain-http webhook is never
// called.
func TestSend_RequiresHTTPSWebhook(t *testing.T) {
	s := NewSender(staticCreds{url: "http://hooks.example.com/x"}, nil, Config{})
	if err := s.Send(context.Background(), quarantineAlert()); !failure.Is(err, failure.Critical) {
		t.Errorf("err = %v, want critical", err)
	}
}

// TestEscalator verifies escalations go out as critical alerts.
func TestEscalator(t *testing.T) {
	s, h, _ := newTestSender(t, okStep)

	if err := NewEscalator(s).Escalate(context.Background(), "email", "provider failing"); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got := h.last.Attachments[0].Color; got != colorCritical {
		t.Errorf("color = %q, want %q", got, colorCritical)
	}
	if !strings.Contains(h.last.Text, "Notification pipeline escalation") {
		t.Errorf("text = %q", h.last.Text)
	}
}

// texts collects every rendered text field of p.
func texts(p Payload) []string {
	out := []string{p.Text}
	for _, a := range p.Attachments {
		for _, b := range a.Blocks {
			if b.Text != nil {
				out = append(out, b.Text.Text)
			}
			for _, f := range b.Fields {
				out = append(out, f.Text)
			}
			for _, e := range b.Elements {
				switch e := e.(type) {
				case Text:
					out = append(out, e.Text)
				case Button:
					out = append(out, e.Text.Text)
				}
			}
		}
	}
	return out
}

// TestBuild_EscapesAndTruncates verifies every text field is bounded and
// free of raw markup for adversarial input.
func TestBuild_EscapesAndTruncates(t *testing.T) {
	inputs := []string{
		"<script>alert(1)</script>",
		strings.Repeat("<", 3000),
		strings.Repeat("&", 2600) + "tail",
		strings.Repeat("é", 4000),
		"<@U123> <!channel> & friends",
	}
	for _, in := range inputs {
		a := Alert{
			Type:        in,
			AccountID:   in,
			Priority:    PriorityCritical,
			Details:     []Field{{in, in}},
			EventID:     in,
			ActionLinks: []Link{{Text: in, URL: "https://console.example.com/x"}},
		}
		for _, txt := range texts(Builder{}.Build(a)) {
			if n := utf8.RuneCountInString(txt); n > MaxTextLen {
				t.Errorf("text of %d runes exceeds %d", n, MaxTextLen)
			}
			bare := strings.NewReplacer("&amp;", "", "&lt;", "", "&gt;", "").Replace(txt)
			if strings.ContainsAny(bare, "<>&") {
				t.Errorf("unescaped markup in %.60q", txt)
			}
		}
	}
}

// TestBuild_Structure verifies colour, context and placeholders.
func TestBuild_Structure(t *testing.T) {
	a := Alert{
		Type:     "AccountDriftDetected",
		Priority: PriorityNormal,
		Details:  []Field{{"Expected OU", "ou-active"}, {"Actual OU", ""}},
		EventID:  "evt-7",
		// Ignored for normal priority.
		ActionLinks: []Link{{Text: "Open", URL: "https://console.example.com"}},
	}
	p := Builder{}.Build(a)

	if len(p.Attachments) != 1 || p.Attachments[0].Color != colorNormal {
		t.Fatalf("attachments = %+v", p.Attachments)
	}
	blocks := p.Attachments[0].Blocks
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3 without actions", len(blocks))
	}
	if blocks[0].Type != "header" || blocks[0].Text.Text != "Account drift detected" {
		t.Errorf("header = %+v", blocks[0])
	}
	fields := blocks[1].Fields
	if fields[0].Text != "*Account*\n"+Placeholder || fields[2].Text != "*Actual OU*\n"+Placeholder {
		t.Errorf("fields = %+v", fields)
	}
	ctx := blocks[2].Elements
	if ctx[0].(Text).Text != "Event ID: evt-7" || ctx[1].(Text).Text != "protocol v1" {
		t.Errorf("context = %+v", ctx)
	}
	if want := "idempotency: " + IdempotencyKey(a); ctx[2].(Text).Text != want {
		t.Errorf("idempotency = %q, want %q", ctx[2].(Text).Text, want)
	}
	if IdempotencyKey(a) != IdempotencyKey(a) {
		t.Error("idempotency key not stable")
	}
}

// TestBuild_ActionLinks verifies only https links render, and only for
// critical alerts.
func TestBuild_ActionLinks(t *testing.T) {
	a := quarantineAlert()
	a.ActionLinks = []Link{
		{Text: "Good", URL: "https://console.example.com/a"},
		{Text: "Plain", URL: "http://console.example.com/b"},
		{Text: "Script", URL: "javascript:alert(1)"},
	}
	blocks := Builder{}.Build(a).Attachments[0].Blocks
	last := blocks[len(blocks)-1]
	if last.Type != "actions" || len(last.Elements) != 1 {
		t.Fatalf("actions = %+v", last)
	}
	if b := last.Elements[0].(Button); b.URL != "https://console.example.com/a" {
		t.Errorf("button = %+v", b)
	}
}

// TestAlertFor verifies priorities per account event.
func TestAlertFor(t *testing.T) {
	tests := []struct {
		ev   *events.Event
		want Priority
	}{
		{&events.Event{Type: events.AccountQuarantined, Detail: &events.AccountQuarantinedDetail{AccountID: "123456789012", Reason: "x"}}, PriorityCritical},
		{&events.Event{Type: events.AccountCleanupFailed, Detail: &events.AccountCleanupFailedDetail{AccountID: "123456789012"}}, PriorityCritical},
		{&events.Event{Type: events.AccountDriftDetected, Detail: &events.AccountDriftDetectedDetail{AccountID: "123456789012"}}, PriorityNormal},
	}
	for _, tt := range tests {
		a, err := AlertFor(tt.ev, Links{ConsoleURL: "https://console.example.com"})
		if err != nil {
			t.Fatalf("%s: %v", tt.ev.Type, err)
		}
		if a.Priority != tt.want || a.AccountID != "123456789012" {
			t.Errorf("%s: alert = %+v", tt.ev.Type, a)
		}
	}

	_, err := AlertFor(&events.Event{Type: events.LeaseDenied, Detail: &events.LeaseDeniedDetail{}}, Links{})
	if !failure.Is(err, failure.Permanent) {
		t.Errorf("lease event: err = %v, want permanent", err)
	}
}
