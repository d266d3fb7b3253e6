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

// Package email sends user notifications through SendGrid dynamic
// templates.
//
// The sender re-checks its inputs at the boundary even though upstream
// stages validated them: the recipient must be the event's own declared
// address, every personalisation value is stripped of markup, and the lease
// identifier used for deep links must be a strict UUID.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/logging"
	"github.com/ndx/notify/internal/metrics"
	"github.com/ndx/notify/internal/secrets"
	"github.com/ndx/notify/internal/validate"
)

const (
	op = "email.send"

	// DefaultMaxRetries is the number of in-sender retries after the first try.
	DefaultMaxRetries = 2
	// DefaultBaseBackoff is the first backoff step before jitter.
	DefaultBaseBackoff = 200 * time.Millisecond
	// RateLimitRetryAfter is the fixed hint used for provider 429s.
	RateLimitRetryAfter = time.Second

	sendEndpoint = "/v3/mail/send"
)

// Request is one templated email.
type Request struct {
	EventID string
	// DeclaredEmail is the user address carried by the event itself.
	DeclaredEmail string
	Recipient     string
	TemplateID    string
	// Personalisation values are rendered as template text.
	Personalisation map[string]string
	// URLParams are rendered inside template links and are percent-encoded.
	URLParams map[string]string
	// LinkID is the lease UUID used for the portal deep link.
	LinkID string
}

// Credentials supplies the provider API key.
type Credentials interface {
	Get(ctx context.Context) (*secrets.Credentials, error)
}

// Escalator raises an operational alert when the provider is failing.
type Escalator interface {
	Escalate(ctx context.Context, source, message string) error
}

// Config configures a Sender.
type Config struct {
	// Host is the provider API base, empty for the SendGrid default.
	Host        string
	FromAddress string
	FromName    string
	// PortalURL is the base for lease deep links.
	PortalURL   string
	MaxRetries  int
	BaseBackoff time.Duration
}

// Sender delivers email. It is safe for concurrent use.
type Sender struct {
	creds     Credentials
	breaker   *breaker.Breaker
	escalator Escalator
	cfg       Config
	from      *mail.Email

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates an email sender. The breaker is shared process state.
func NewSender(creds Credentials, b *breaker.Breaker, esc Escalator, cfg Config) *Sender {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	return &Sender{
		creds:     creds,
		breaker:   b,
		escalator: esc,
		cfg:       cfg,
		from:      mail.NewEmail(cfg.FromName, cfg.FromAddress),
		sleep:     sleepCtx,
	}
}

// Send delivers req, retrying transient failures a bounded number of times.
func (s *Sender) Send(ctx context.Context, req Request) error {
	msg, err := s.prepare(ctx, req)
	if err != nil {
		metrics.SendsTotal.WithLabelValues("email", failure.KindOf(err).String()).Inc()
		return err
	}

	creds, err := s.creds.Get(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() {
		metrics.SendDuration.WithLabelValues("email").Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.backoff(attempt, lastErr)); err != nil {
				return failure.Wrap(failure.Retriable, op, err)
			}
		}

		if !s.breaker.Allow() {
			metrics.SendsTotal.WithLabelValues("email", "breaker_open").Inc()
			return failure.Retriablef(op, "email breaker open, send deferred")
		}

		lastErr = s.post(ctx, creds.EmailAPIKey, msg)
		if lastErr == nil {
			s.breaker.Success()
			metrics.SendsTotal.WithLabelValues("email", "ok").Inc()
			slog.Info("email sent",
				"event_id", req.EventID,
				"template_id", req.TemplateID,
				"attempt", attempt+1,
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}

		kind := failure.KindOf(lastErr)
		metrics.SendsTotal.WithLabelValues("email", kind.String()).Inc()
		slog.Warn("email send failed",
			"event_id", req.EventID,
			"attempt", attempt+1,
			"kind", kind.String(),
			"error", lastErr,
		)
		if kind != failure.Retriable {
			s.breaker.Neutral()
			return lastErr
		}
	}
	return lastErr
}

// prepare enforces the boundary checks and builds the provider message.
func (s *Sender) prepare(ctx context.Context, req Request) (*mail.SGMailV3, error) {
	if req.Recipient == "" || req.Recipient != req.DeclaredEmail {
		logging.Security(ctx, "email recipient differs from declared user email",
			"event_id", req.EventID,
			"recipient", req.Recipient,
		)
		return nil, failure.Criticalf(op, "recipient does not match declared user email")
	}
	if !validate.SafeEmail(req.Recipient) {
		return nil, failure.Permanentf(op, "recipient is not a plain address")
	}
	if req.TemplateID == "" {
		return nil, failure.Permanentf(op, "no template configured")
	}
	if req.LinkID != "" && !validate.StrictUUID(req.LinkID) {
		logging.Security(ctx, "deep link identifier failed UUID check", "event_id", req.EventID)
		return nil, failure.Criticalf(op, "deep link identifier is not a strict UUID")
	}

	data := make(map[string]string, len(req.Personalisation)+len(req.URLParams)+1)
	for k, v := range req.Personalisation {
		data[k] = Sanitize(v)
	}
	for k, v := range req.URLParams {
		data[k] = url.QueryEscape(Sanitize(v))
	}
	if req.LinkID != "" && s.cfg.PortalURL != "" {
		data["deepLink"] = s.cfg.PortalURL + "/try?lease=" + url.QueryEscape(req.LinkID)
	}

	m := mail.NewV3Mail()
	m.SetFrom(s.from)
	m.SetTemplateID(req.TemplateID)

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", req.Recipient))
	for k, v := range data {
		p.SetDynamicTemplateData(k, v)
	}
	m.AddPersonalizations(p)

	// The provider echoes custom args in its activity log, which ties a
	// delivered message back to the event.
	m.SetCustomArg("reference", req.EventID)
	return m, nil
}

func (s *Sender) post(ctx context.Context, apiKey string, m *mail.SGMailV3) error {
	request := sendgrid.GetRequest(apiKey, sendEndpoint, s.cfg.Host)
	request.Method = rest.Post
	request.Body = mail.GetRequestBody(m)

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return failure.Wrap(failure.Retriable, op, fmt.Errorf("provider request: %w", err))
	}
	return s.classify(ctx, resp.StatusCode)
}

// classify maps a provider status code onto the error taxonomy and feeds
// the breaker with 5xx responses.
func (s *Sender) classify(ctx context.Context, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusBadRequest:
		return failure.Permanentf(op, "provider rejected request: HTTP %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		metrics.CriticalEscalations.WithLabelValues("email_auth").Inc()
		return failure.Criticalf(op, "provider refused credentials: HTTP %d", status)
	case status == http.StatusTooManyRequests:
		s.breaker.Neutral()
		e := failure.Retriablef(op, "provider rate limited: HTTP %d", status)
		e.RetryAfter = RateLimitRetryAfter
		return e
	case status >= 500:
		if s.breaker.Failure() {
			s.escalate(ctx, status)
		}
		return failure.Retriablef(op, "provider error: HTTP %d", status)
	default:
		s.breaker.Neutral()
		return failure.Retriablef(op, "unexpected provider status: HTTP %d", status)
	}
}

func (s *Sender) escalate(ctx context.Context, status int) {
	slog.Error("email breaker opened after sustained provider errors",
		"breaker", s.breaker.Name(), "last_status", status)
	metrics.CriticalEscalations.WithLabelValues("email_breaker").Inc()
	if s.escalator == nil {
		return
	}
	msg := fmt.Sprintf("Email provider returned consecutive server errors (last HTTP %d); sends paused.", status)
	if err := s.escalator.Escalate(ctx, "email", msg); err != nil {
		slog.Error("email breaker escalation failed", "error", err)
	}
}

// backoff returns the wait before retry number attempt (1-based). Rate
// limits use the provider hint; everything else is jittered exponential.
func (s *Sender) backoff(attempt int, lastErr error) time.Duration {
	if d := failure.RetryAfterOf(lastErr); d > 0 {
		return d
	}
	base := s.cfg.BaseBackoff << (attempt - 1)
	// Full jitter in [base/2, base*3/2).
	return base/2 + time.Duration(rand.Int64N(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
