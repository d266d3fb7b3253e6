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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/ndx/notify/internal/deadletter"
	"github.com/ndx/notify/internal/metrics"
	"github.com/ndx/notify/internal/pipeline"
)

// Replay result labels.
const (
	resultReplayed    = "replayed"
	resultFailed      = "failed"
	resultQuarantined = "quarantined"
	resultDryRun      = "dry_run"
)

type deadLetters interface {
	Pop(ctx context.Context, n int) ([]deadletter.Entry, error)
	Peek(ctx context.Context, n int) ([]deadletter.Entry, error)
	Verify(e deadletter.Entry) error
	Quarantine(ctx context.Context, e deadletter.Entry, reason string) error
}

type processor interface {
	Handle(ctx context.Context, d pipeline.Delivery) (pipeline.Outcome, error)
}

type summary struct {
	Replayed, Failed, Quarantined, Skipped int
}

// replay drains up to limit entries through proc. Entries whose signature
// does not verify are quarantined and never handled. A replayed event that
// fails again is dead-lettered by the pipeline itself, since every replay
// delivery is its own last attempt.
func replay(ctx context.Context, dl deadLetters, proc processor, limit int, dryRun bool, out io.Writer) (summary, error) {
	var sum summary

	if dryRun {
		entries, err := dl.Peek(ctx, limit)
		if err != nil {
			return sum, err
		}
		for _, e := range entries {
			verdict := "ok"
			if dl.Verify(e) != nil {
				verdict = "signature mismatch"
			}
			fmt.Fprintf(out, "%s\t%s\t%s\tattempt=%d\t%s\n", e.EventID, e.EventType, e.Kind, e.Attempt, verdict)
			metrics.ReplayResults.WithLabelValues(resultDryRun).Inc()
			sum.Skipped++
		}
		return sum, nil
	}

	entries, err := dl.Pop(ctx, limit)
	if err != nil {
		return sum, err
	}

	for _, e := range entries {
		if err := dl.Verify(e); err != nil {
			if qerr := dl.Quarantine(ctx, e, "signature mismatch"); qerr != nil {
				return sum, fmt.Errorf("quarantine %s: %w", e.ID, qerr)
			}
			metrics.ReplayResults.WithLabelValues(resultQuarantined).Inc()
			sum.Quarantined++
			fmt.Fprintf(out, "%s\tquarantined\n", e.EventID)
			continue
		}

		attempt := e.Attempt + 1
		outcome, err := proc.Handle(ctx, pipeline.Delivery{Raw: e.Event, Attempt: attempt, MaxAttempts: attempt})
		if err != nil {
			slog.Warn("replayed event failed again",
				"entry_id", e.ID,
				"event_id", e.EventID,
				"outcome", outcome.String(),
				"error", err,
			)
			metrics.ReplayResults.WithLabelValues(resultFailed).Inc()
			sum.Failed++
		} else {
			metrics.ReplayResults.WithLabelValues(resultReplayed).Inc()
			sum.Replayed++
		}
		fmt.Fprintf(out, "%s\t%s\n", e.EventID, outcome)
	}
	return sum, nil
}
