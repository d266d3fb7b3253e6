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

// Dead-letter replay and approval review.
//
// Usage:
//
//	replay [--limit 50] [--dry-run]
//	replay pending
//	replay resolve <event-id> approved|rejected --by <operator>
//	replay release <event-id>
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ndx/notify/internal/app"
	"github.com/ndx/notify/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		limit  int
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:          "replay",
		Short:        "Replay dead-lettered events through the notification pipeline",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			sum, err := replay(cmd.Context(), a.DeadLetter, a.Handler, limit, dryRun, w)
			w.Flush()
			if err != nil {
				return err
			}
			slog.Info("replay finished",
				"replayed", sum.Replayed,
				"failed", sum.Failed,
				"quarantined", sum.Quarantined,
				"dry_run", dryRun,
			)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to process")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List entries and verify signatures without replaying")

	cmd.AddCommand(pendingCmd(), resolveCmd(), releaseCmd())
	return cmd
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List notifications held for manual approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.Approvals.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tTYPE\tACCOUNT\tRECORDED\tHELD AT")
			for _, p := range pending {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n",
					p.EventID, p.EventType, p.AccountID, p.RecordStore, p.RecordedStatus,
					p.CreatedAt.UTC().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func resolveCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "resolve <event-id> approved|rejected",
		Short: "Record the review decision for a held notification and release it if approved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if by == "" {
				return fmt.Errorf("--by is required")
			}
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return resolve(cmd.Context(), a.Approvals, a.Handler, args[0], args[1], by, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Operator recording the decision")
	return cmd
}

func releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <event-id>",
		Short: "Send an approved notification whose release failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return retryRelease(cmd.Context(), a.Approvals, a.Handler, args[0], cmd.OutOrStdout())
		},
	}
}

func open(ctx context.Context) (*app.App, error) {
	app.SetupLogging("info")
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.SetupLogging(cfg.LogLevel))
}
