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

	"github.com/ndx/notify/internal/approval"
	"github.com/ndx/notify/internal/pipeline"
)

type approvals interface {
	Get(ctx context.Context, eventID string) (*approval.Pending, error)
	Resolve(ctx context.Context, eventID, status, by string) (*approval.Pending, error)
	MarkReleased(ctx context.Context, eventID string) error
}

// resolve records the operator's decision. An approval releases the held
// notification straight away.
func resolve(ctx context.Context, store approvals, proc processor, eventID, status, by string, out io.Writer) error {
	p, err := store.Resolve(ctx, eventID, status, by)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", eventID, err)
	}
	slog.Info("approval resolved", "event_id", eventID, "status", status, "by", by)
	fmt.Fprintf(out, "%s\t%s\n", eventID, status)

	if status != approval.StatusApproved {
		return nil
	}
	return release(ctx, store, proc, p, out)
}

// retryRelease sends an approved entry whose earlier release failed.
func retryRelease(ctx context.Context, store approvals, proc processor, eventID string, out io.Writer) error {
	p, err := store.Get(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load %s: %w", eventID, err)
	}
	if p.Status != approval.StatusApproved {
		return fmt.Errorf("release %s: %w (status %s)", eventID, approval.ErrNotApproved, p.Status)
	}
	return release(ctx, store, proc, p, out)
}

func release(ctx context.Context, store approvals, proc processor, p *approval.Pending, out io.Writer) error {
	outcome, err := proc.Handle(ctx, pipeline.Delivery{Raw: p.RawEvent, Approved: true})
	if err != nil {
		return fmt.Errorf("release %s: %s: %w; entry stays approved, retry with 'replay release %s'",
			p.EventID, outcome, err, p.EventID)
	}
	if err := store.MarkReleased(ctx, p.EventID); err != nil {
		return fmt.Errorf("mark %s released: %w", p.EventID, err)
	}
	fmt.Fprintf(out, "%s\t%s\n", p.EventID, outcome)
	return nil
}
