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

// Package chat posts structured operational alerts to a chat webhook.
//
// The webhook URL is itself a credential. It is read from the secret store,
// never followed through redirects and only ever logged through
// redact.URL.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ndx/notify/internal/breaker"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/metrics"
	"github.com/ndx/notify/internal/redact"
	"github.com/ndx/notify/internal/secrets"
)

const op = "chat.send"

// DefaultDelays is the wait before each retry.
var DefaultDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second}

// Credentials supplies the webhook URL.
type Credentials interface {
	Get(ctx context.Context) (*secrets.Credentials, error)
}

// Config configures a Sender.
type Config struct {
	// HTTPClient is wrapped by resty; nil uses a fresh client.
	HTTPClient *http.Client
	Timeout    time.Duration
	// RatePerSecond limits posts when positive.
	RatePerSecond float64
	Burst         int
	Delays        []time.Duration
	Builder       Builder
}

// Sender posts alerts. It is safe for concurrent use.
type Sender struct {
	client  *resty.Client
	creds   Credentials
	breaker *breaker.Breaker
	limiter *rate.Limiter
	builder Builder
	delays  []time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewSender creates a chat sender. b may be nil.
func NewSender(creds Credentials, b *breaker.Breaker, cfg Config) *Sender {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Delays == nil {
		cfg.Delays = DefaultDelays
	}

	client := resty.NewWithClient(hc).
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.NoRedirectPolicy()).
		SetHeader("Content-Type", "application/json")

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Sender{
		client:  client,
		creds:   creds,
		breaker: b,
		limiter: limiter,
		builder: cfg.Builder,
		delays:  cfg.Delays,
		sleep:   sleepCtx,
	}
}

// Send posts a, retrying 429s, 5xx and network errors on the configured
// schedule before giving up with a Retriable error.
func (s *Sender) Send(ctx context.Context, a Alert) error {
	creds, err := s.creds.Get(ctx)
	if err != nil {
		return err
	}
	hook := creds.ChatWebhookURL
	if !isHTTPS(hook) {
		metrics.CriticalEscalations.WithLabelValues("chat_config").Inc()
		return failure.Criticalf(op, "webhook URL is not https")
	}

	payload := s.builder.Build(a)
	start := time.Now()
	defer func() {
		metrics.SendDuration.WithLabelValues("chat").Observe(float64(time.Since(start).Milliseconds()))
	}()

	var lastErr error
	for attempt := 0; attempt <= len(s.delays); attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.delays[attempt-1]); err != nil {
				return failure.Wrap(failure.Retriable, op, err)
			}
		}
		if s.breaker != nil && !s.breaker.Allow() {
			metrics.SendsTotal.WithLabelValues("chat", "breaker_open").Inc()
			return failure.Retriablef(op, "chat breaker open, send deferred")
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return failure.Wrap(failure.Retriable, op, err)
			}
		}

		lastErr = s.post(ctx, hook, payload)
		if lastErr == nil {
			if s.breaker != nil {
				s.breaker.Success()
			}
			metrics.SendsTotal.WithLabelValues("chat", "ok").Inc()
			slog.Info("chat alert sent",
				"event_id", a.EventID,
				"alert_type", a.Type,
				"priority", a.Priority.String(),
				"attempt", attempt+1,
				"latency_ms", time.Since(start).Milliseconds(),
				"webhook_url", redact.URL(hook),
			)
			return nil
		}

		kind := failure.KindOf(lastErr)
		metrics.SendsTotal.WithLabelValues("chat", kind.String()).Inc()
		slog.Warn("chat alert failed",
			"event_id", a.EventID,
			"attempt", attempt+1,
			"kind", kind.String(),
			"error", lastErr,
			"webhook_url", redact.URL(hook),
		)
		if kind != failure.Retriable {
			return lastErr
		}
	}
	return lastErr
}

type webhookResponse struct {
	OK bool `json:"ok"`
}

func (s *Sender) post(ctx context.Context, hook string, payload Payload) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(hook)
	if err != nil {
		return s.transportError(ctx, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		var body webhookResponse
		if err := json.Unmarshal(resp.Body(), &body); err != nil || !body.OK {
			s.neutral()
			return failure.Retriablef(op, "webhook did not confirm delivery: HTTP %d", status)
		}
		return nil
	case status == http.StatusBadRequest:
		s.neutral()
		return failure.Permanentf(op, "webhook rejected payload: HTTP %d", status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		s.neutral()
		metrics.CriticalEscalations.WithLabelValues("chat_auth").Inc()
		slog.Error("chat webhook refused credentials, escalating", "status", status, "webhook_url", redact.URL(hook))
		return failure.Criticalf(op, "webhook refused credentials: HTTP %d", status)
	case status == http.StatusTooManyRequests:
		s.neutral()
		return failure.Retriablef(op, "webhook rate limited: HTTP %d", status)
	case status >= 500:
		if s.breaker != nil {
			s.breaker.Failure()
		}
		return failure.Retriablef(op, "webhook error: HTTP %d", status)
	default:
		s.neutral()
		return failure.Retriablef(op, "unexpected webhook status: HTTP %d", status)
	}
}

// transportError classifies a failed round trip. The URL is stripped from
// the error because it embeds the webhook credential.
func (s *Sender) transportError(ctx context.Context, err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	if errors.Is(err, resty.ErrAutoRedirectDisabled) {
		s.neutral()
		metrics.CriticalEscalations.WithLabelValues("chat_redirect").Inc()
		return failure.Criticalf(op, "webhook answered with a redirect")
	}
	if ctx.Err() != nil {
		s.neutral()
		return failure.Wrap(failure.Retriable, op, ctx.Err())
	}
	if s.breaker != nil {
		s.breaker.Failure()
	}
	return failure.Wrap(failure.Retriable, op, fmt.Errorf("webhook request: %w", err))
}

func (s *Sender) neutral() {
	if s.breaker != nil {
		s.breaker.Neutral()
	}
}

// Escalator raises operational escalations as critical chat alerts.
type Escalator struct {
	sender *Sender
}

// NewEscalator wraps sender.
func NewEscalator(sender *Sender) *Escalator {
	return &Escalator{sender: sender}
}

// Escalate posts message as a critical alert attributed to source.
func (e *Escalator) Escalate(ctx context.Context, source, message string) error {
	return e.sender.Send(ctx, Alert{
		Type:     "OperationalEscalation",
		Priority: PriorityCritical,
		Details: []Field{
			{"Source", source},
			{"Detail", message},
		},
		EventID: uuid.NewString(),
	})
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
