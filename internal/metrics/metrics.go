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

// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Enrichment warning reasons.
const (
	WarnBudgetDrift = "budget_drift"
	WarnStaleRecord = "stale_record"
	WarnTimeout     = "timeout"
	WarnCircuitOpen = "circuit_open"
)

var (
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_events_received_total",
		Help: "Total number of raw events handed to the pipeline.",
	})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_events_processed_total",
		Help: "Events by final outcome for this invocation.",
	}, []string{"outcome"})

	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_duplicates_skipped_total",
		Help: "Events skipped because their ID was already claimed.",
	})

	EnrichmentWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_enrichment_warnings_total",
		Help: "Enrichment warnings, labelled by reason.",
	}, []string{"reason"})

	EnrichmentConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_enrichment_conflicts_total",
		Help: "Events whose recorded status contradicts the declared type.",
	})

	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_sends_total",
		Help: "Send attempts, labelled by channel and result.",
	}, []string{"channel", "result"})

	SendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notify_send_duration_ms",
		Help:    "Provider call latency in milliseconds, including in-sender retries.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"channel"})

	BreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_breaker_opens_total",
		Help: "Circuit breaker transitions to open, labelled by breaker.",
	}, []string{"breaker"})

	CriticalEscalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_critical_escalations_total",
		Help: "Critical failures escalated to operators, labelled by source.",
	}, []string{"source"})

	DeadLetterWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_dead_letter_writes_total",
		Help: "Entries written to the dead-letter sink, labelled by error kind.",
	}, []string{"kind"})

	ReplayResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notify_replay_results_total",
		Help: "Dead-letter replay outcomes.",
	}, []string{"result"})
)
