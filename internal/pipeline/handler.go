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

// Package pipeline runs one event through allow-listing, validation,
// deduplication, enrichment, routing and delivery.
//
// The handler is a straight-line state machine:
//
//	Received → Validated → Deduplicated → Enriched → Routed → Sent → Done
//
// A failure stops it in Rejected (Permanent), Escalated (Critical) or
// Deferred (Retriable). The error is returned so the transport can apply its
// own retry policy; the handler only decides what to log, what to
// dead-letter and whether to escalate.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ndx/notify/internal/approval"
	"github.com/ndx/notify/internal/chat"
	"github.com/ndx/notify/internal/deadletter"
	"github.com/ndx/notify/internal/email"
	"github.com/ndx/notify/internal/enrich"
	"github.com/ndx/notify/internal/events"
	"github.com/ndx/notify/internal/failure"
	"github.com/ndx/notify/internal/logging"
	"github.com/ndx/notify/internal/metrics"
	"github.com/ndx/notify/internal/router"
)

// DefaultTimeout bounds one invocation. It stays well under the
// idempotency marker's in-progress TTL.
const DefaultTimeout = 30 * time.Second

// Side-channel work after a failure gets its own budget so it still runs
// when the invocation deadline was the cause.
const sideEffectTimeout = 5 * time.Second

// approvedSuffix keys the idempotency marker of an approved release apart
// from the marker the original hold completed.
const approvedSuffix = ":approved"

// Collaborators, each satisfied by the concrete package type.
type (
	AllowList interface {
		Check(ctx context.Context, raw []byte) error
		Verify(ctx context.Context, ev *events.Event) error
	}
	Validator interface {
		Validate(raw []byte) (*events.Event, error)
	}
	Idempotency interface {
		ShouldProcess(ctx context.Context, eventID string) (bool, error)
		Complete(ctx context.Context, eventID string) error
		Release(ctx context.Context, eventID string) error
	}
	Enricher interface {
		Enrich(ctx context.Context, ev *events.Event) (*enrich.Result, error)
	}
	EmailSender interface {
		Send(ctx context.Context, req email.Request) error
	}
	ChatSender interface {
		Send(ctx context.Context, a chat.Alert) error
	}
	DeadLetter interface {
		Publish(ctx context.Context, e deadletter.Entry) error
	}
	Approvals interface {
		Enqueue(ctx context.Context, p approval.Pending) error
	}
	Escalator interface {
		Escalate(ctx context.Context, source, message string) error
	}
)

// Deps wires the handler.
type Deps struct {
	AllowList  AllowList
	Validator  Validator
	Guard      Idempotency
	Enricher   Enricher
	Email      EmailSender
	Chat       ChatSender
	DeadLetter DeadLetter
	Approvals  Approvals
	// Escalator may be nil; escalations are then only logged.
	Escalator Escalator
}

// Config tunes the handler.
type Config struct {
	Timeout   time.Duration
	Templates email.Templates
	Links     chat.Links
}

// Delivery is one transport delivery of an event.
type Delivery struct {
	Raw []byte
	// Attempt is 1-based. Zero is treated as the first attempt.
	Attempt int
	// MaxAttempts is the transport's retry budget. Zero means unknown, in
	// which case Retriable failures are never dead-lettered here.
	MaxAttempts int
	// Approved releases a notification an operator approved after a
	// conflict hold: the hold is skipped and the event deduplicates on its
	// own release key. The HTTP ingress never sets it.
	Approved bool
}

func (d Delivery) dedupKey(eventID string) string {
	if d.Approved {
		return eventID + approvedSuffix
	}
	return eventID
}

// Outcome is where an invocation stopped.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeDuplicate
	OutcomePendingApproval
	OutcomeRejected
	OutcomeEscalated
	OutcomeDeferred
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePendingApproval:
		return "pending_approval"
	case OutcomeRejected:
		return "rejected"
	case OutcomeEscalated:
		return "escalated"
	case OutcomeDeferred:
		return "deferred"
	}
	return "unknown"
}

// Stage is the last state reached.
type Stage int

const (
	StageReceived Stage = iota
	StageValidated
	StageDeduplicated
	StageEnriched
	StageRouted
	StageSent
)

func (s Stage) String() string {
	return [...]string{"received", "validated", "deduplicated", "enriched", "routed", "sent"}[s]
}

// Handler processes deliveries. It is safe for concurrent use.
type Handler struct {
	deps Deps
	cfg  Config
}

// New creates a handler.
func New(deps Deps, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Handler{deps: deps, cfg: cfg}
}

// run is the per-invocation state.
type run struct {
	d       Delivery
	ev      *events.Event
	key     string
	stage   Stage
	channel router.Channel
	claimed bool
	start   time.Time
}

// Handle processes one delivery. A nil error means the transport should
// acknowledge it; that includes duplicates and events held for approval.
func (h *Handler) Handle(ctx context.Context, d Delivery) (Outcome, error) {
	metrics.EventsReceived.Inc()
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	r := &run{d: d, start: time.Now()}

	if err := h.deps.AllowList.Check(ctx, d.Raw); err != nil {
		return h.fail(ctx, r, err)
	}
	ev, err := h.deps.Validator.Validate(d.Raw)
	if err != nil {
		return h.fail(ctx, r, err)
	}
	r.ev = ev
	if err := h.deps.AllowList.Verify(ctx, ev); err != nil {
		return h.fail(ctx, r, err)
	}
	r.key, r.stage = d.dedupKey(ev.ID), StageValidated

	first, err := h.deps.Guard.ShouldProcess(ctx, r.key)
	if err != nil {
		return h.fail(ctx, r, err)
	}
	if !first {
		metrics.DuplicatesSkipped.Inc()
		metrics.EventsProcessed.WithLabelValues(OutcomeDuplicate.String()).Inc()
		slog.Info("duplicate event skipped", "event_id", ev.ID, "event_type", ev.Type, "approved", d.Approved)
		return OutcomeDuplicate, nil
	}
	r.claimed, r.stage = true, StageDeduplicated

	res, err := h.deps.Enricher.Enrich(ctx, ev)
	if err != nil {
		return h.fail(ctx, r, err)
	}
	r.stage = StageEnriched

	if res.RequiresApproval() {
		if !d.Approved {
			return h.hold(ctx, r, res)
		}
		logging.Security(ctx, "releasing notification approved after conflict hold",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"record_store", res.Conflict.Store,
		)
	}

	channel, err := router.Route(ev.Type)
	if err != nil {
		return h.fail(ctx, r, err)
	}
	r.channel, r.stage = channel, StageRouted

	switch channel {
	case router.ChannelEmail:
		err = h.sendEmail(ctx, ev, res)
	case router.ChannelChat:
		err = h.sendChat(ctx, ev)
	}
	if err != nil {
		return h.fail(ctx, r, err)
	}
	r.stage = StageSent

	if err := h.deps.Guard.Complete(ctx, r.key); err != nil {
		// Delivery succeeded; a lost marker only shortens the dedup window.
		slog.Warn("idempotency marker not completed", "event_id", ev.ID, "error", err)
	}
	metrics.EventsProcessed.WithLabelValues(OutcomeDone.String()).Inc()
	slog.Info("event processed",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"channel", channel.String(),
		"degraded", res.Degraded,
		"duration_ms", time.Since(r.start).Milliseconds(),
	)
	return OutcomeDone, nil
}

func (h *Handler) sendEmail(ctx context.Context, ev *events.Event, res *enrich.Result) error {
	req, err := email.Compose(ev, res, h.cfg.Templates)
	if err != nil {
		return err
	}
	return h.deps.Email.Send(ctx, req)
}

func (h *Handler) sendChat(ctx context.Context, ev *events.Event) error {
	alert, err := chat.AlertFor(ev, h.cfg.Links)
	if err != nil {
		return err
	}
	return h.deps.Chat.Send(ctx, alert)
}

// hold queues the event for manual approval instead of sending it.
func (h *Handler) hold(ctx context.Context, r *run, res *enrich.Result) (Outcome, error) {
	ev := r.ev
	if err := h.deps.Approvals.Enqueue(ctx, approval.FromConflict(ev, res.Conflict)); err != nil {
		return h.fail(ctx, r, failure.Wrap(failure.Retriable, "pipeline.hold", err))
	}
	logging.Security(ctx, "notification held for manual approval",
		"event_id", ev.ID,
		"event_type", ev.Type,
		"record_store", res.Conflict.Store,
	)
	if err := h.deps.Guard.Complete(ctx, r.key); err != nil {
		slog.Warn("idempotency marker not completed", "event_id", ev.ID, "error", err)
	}
	metrics.EventsProcessed.WithLabelValues(OutcomePendingApproval.String()).Inc()
	return OutcomePendingApproval, nil
}

// fail applies the propagation policy for err's kind and returns it.
func (h *Handler) fail(ctx context.Context, r *run, err error) (Outcome, error) {
	kind := failure.KindOf(err)
	side, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	eventID, eventType := r.identity()
	attrs := []any{
		"event_id", eventID,
		"event_type", eventType,
		"stage", r.stage.String(),
		"attempt", r.d.Attempt,
		"kind", kind.String(),
		"error", err,
	}

	// A failed event must be reprocessable, by the transport's retry or by
	// a dead-letter replay, so the claim is dropped whatever the kind.
	if r.claimed {
		if rerr := h.deps.Guard.Release(side, r.key); rerr != nil {
			slog.Warn("idempotency marker not released", "event_id", eventID, "error", rerr)
		}
	}

	var outcome Outcome
	switch kind {
	case failure.Permanent:
		outcome = OutcomeRejected
		slog.Warn("event rejected", attrs...)
		h.deadLetter(side, r, kind, err)

	case failure.Critical:
		outcome = OutcomeEscalated
		slog.Error("event escalated", attrs...)
		metrics.CriticalEscalations.WithLabelValues("pipeline").Inc()
		h.escalate(side, eventID, eventType, err)
		h.deadLetter(side, r, kind, err)

	default:
		outcome = OutcomeDeferred
		slog.Warn("event deferred for retry", attrs...)
		if r.d.MaxAttempts > 0 && r.attempt() >= r.d.MaxAttempts {
			h.deadLetter(side, r, kind, err)
		}
	}

	if r.channel == router.ChannelChat {
		// The alert channel itself failed; logs are the secondary path.
		slog.Error("operational alert not delivered", attrs...)
	}
	metrics.EventsProcessed.WithLabelValues(outcome.String()).Inc()
	return outcome, err
}

func (h *Handler) escalate(ctx context.Context, eventID, eventType string, err error) {
	if h.deps.Escalator == nil {
		return
	}
	msg := fmt.Sprintf("Event %s (%s) failed with a critical error: %v", eventID, eventType, err)
	if eerr := h.deps.Escalator.Escalate(ctx, "pipeline", msg); eerr != nil {
		slog.Error("escalation failed, relying on log alarm",
			"event_id", eventID,
			"error", eerr,
		)
	}
}

func (h *Handler) deadLetter(ctx context.Context, r *run, kind failure.Kind, err error) {
	eventID, eventType := r.identity()
	entry := deadletter.Entry{
		EventID:   eventID,
		EventType: eventType,
		Event:     r.d.Raw,
		Kind:      kind.String(),
		Error:     err.Error(),
		Attempt:   r.attempt(),
	}
	if perr := h.deps.DeadLetter.Publish(ctx, entry); perr != nil {
		slog.Error("dead-letter write failed", "event_id", eventID, "error", perr)
	}
}

func (r *run) attempt() int {
	if r.d.Attempt < 1 {
		return 1
	}
	return r.d.Attempt
}

// identity returns the event id and type, peeking the raw bytes when the
// event never validated. Peeked values are clipped.
func (r *run) identity() (string, string) {
	if r.ev != nil {
		return r.ev.ID, string(r.ev.Type)
	}
	res := gjson.GetManyBytes(r.d.Raw, "id", "detail-type")
	return logging.Clip(res[0].String(), logging.MaxUntrustedLen),
		logging.Clip(res[1].String(), logging.MaxUntrustedLen)
}
