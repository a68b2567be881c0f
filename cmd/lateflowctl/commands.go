// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomtom215/lateflow/internal/api"
	"github.com/tomtom215/lateflow/internal/audit"
	"github.com/tomtom215/lateflow/internal/lock"
	"github.com/tomtom215/lateflow/internal/pending"
	"github.com/tomtom215/lateflow/internal/reconcile"
	"github.com/tomtom215/lateflow/internal/runrecord"
)

const defaultServer = "http://127.0.0.1:8471"

type globalOptions struct {
	server  string
	timeout time.Duration
	json    bool
}

func (o *globalOptions) client() *client {
	return newClient(o.server, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "lateflowctl",
		Short:         "Operator CLI for the lateflow coordination plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("LATEFLOW_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "lateflowd operator API base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 90*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON instead of tables")

	root.AddCommand(
		newStatusCmd(opts),
		newLocksCmd(opts),
		newPendingCmd(opts),
		newRunsCmd(opts),
		newReconcileCmd(opts),
		newAuditCmd(opts),
	)
	return root
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon health and pending counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health api.HealthResponse
			err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, nil, &health)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && apiErr.Details != nil {
				// Degraded health still carries the probe results.
				if perr := printValue(cmd, opts, apiErr.Details, nil); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			return printValue(cmd, opts, health, func(p *printer) { p.health(&health) })
		},
	}
}

func newLocksCmd(opts *globalOptions) *cobra.Command {
	locks := &cobra.Command{Use: "locks", Short: "Inspect and release distributed locks"}

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Show the current holder of a lock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var l *lock.Lock
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/locks/"+url.PathEscape(args[0]), nil, nil, &l); err != nil {
				return err
			}
			if l == nil && !opts.json {
				fmt.Fprintf(cmd.OutOrStdout(), "lock %s is free\n", args[0])
				return nil
			}
			return printValue(cmd, opts, l, func(p *printer) { p.lock(l) })
		},
	}

	var operator string
	release := &cobra.Command{
		Use:   "release KEY",
		Short: "Force-release a lock regardless of its holder",
		Long: "Force-release removes a lock even if its holder is still running. Use it only\n" +
			"for holders that crashed before their TTL elapsed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var prev lock.Lock
			q := url.Values{"operator": {operator}}
			if err := opts.client().do(cmd.Context(), http.MethodDelete, "/locks/"+url.PathEscape(args[0]), q, nil, &prev); err != nil {
				return err
			}
			return printValue(cmd, opts, prev, func(p *printer) {
				p.line("released lock %s (was held by %s since %s)", prev.Key, prev.HolderID, prev.AcquiredAt.Format(time.RFC3339))
			})
		},
	}
	release.Flags().StringVar(&operator, "operator", "", "name recorded in the audit log (required)")
	_ = release.MarkFlagRequired("operator")

	locks.AddCommand(show, release)
	return locks
}

func newPendingCmd(opts *globalOptions) *cobra.Command {
	pend := &cobra.Command{Use: "pending", Short: "Manage late-arrival pending registrations"}

	var status, date string
	list := &cobra.Command{
		Use:   "list",
		Short: "List pending registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if date != "" {
				q.Set("date", date)
			}
			var items []*pending.Item
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/pending/", q, nil, &items); err != nil {
				return err
			}
			return printValue(cmd, opts, items, func(p *printer) { p.items(items) })
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (pending, triggered, blocked, failed_max_retries)")
	list.Flags().StringVar(&date, "date", "", "filter by scope date (YYYY-MM-DD)")

	show := &cobra.Command{
		Use:   "show ENTITY DATE",
		Short: "Show one pending registration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item pending.Item
			if err := opts.client().do(cmd.Context(), http.MethodGet, itemPath(args[0], args[1]), nil, nil, &item); err != nil {
				return err
			}
			return printValue(cmd, opts, item, func(p *printer) { p.items([]*pending.Item{&item}) })
		},
	}

	pend.AddCommand(list, show,
		newOperatorActionCmd(opts, "retrigger", "Rerun a blocked registration, bypassing the commit-point check"),
		newOperatorActionCmd(opts, "reset", "Return a resolved registration to pending with a fresh attempt budget"),
	)
	return pend
}

func newOperatorActionCmd(opts *globalOptions, action, short string) *cobra.Command {
	var body api.OperatorRequest
	cmd := &cobra.Command{
		Use:   action + " ENTITY DATE",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var item pending.Item
			if err := opts.client().do(cmd.Context(), http.MethodPost, itemPath(args[0], args[1])+"/"+action, nil, body, &item); err != nil {
				return err
			}
			return printValue(cmd, opts, item, func(p *printer) { p.items([]*pending.Item{&item}) })
		},
	}
	cmd.Flags().StringVar(&body.Operator, "operator", "", "name recorded in the audit log (required)")
	cmd.Flags().StringVar(&body.Notes, "notes", "", "free-form resolution notes")
	_ = cmd.MarkFlagRequired("operator")
	return cmd
}

func newRunsCmd(opts *globalOptions) *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect processor run records"}

	var processor, date string
	list := &cobra.Command{
		Use:   "list",
		Short: "List run records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if processor != "" {
				q.Set("processor", processor)
			}
			if date != "" {
				q.Set("date", date)
			}
			var recs []*runrecord.Record
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/runs/", q, nil, &recs); err != nil {
				return err
			}
			return printValue(cmd, opts, recs, func(p *printer) { p.runs(recs) })
		},
	}
	list.Flags().StringVar(&processor, "processor", "", "filter by processor name")
	list.Flags().StringVar(&date, "date", "", "filter by data date (YYYY-MM-DD)")

	show := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show one run record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec runrecord.Record
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/runs/"+url.PathEscape(args[0]), nil, nil, &rec); err != nil {
				return err
			}
			return printValue(cmd, opts, rec, func(p *printer) { p.runs([]*runrecord.Record{&rec}) })
		},
	}

	runs.AddCommand(list, show)
	return runs
}

func newReconcileCmd(opts *globalOptions) *cobra.Command {
	rec := &cobra.Command{Use: "reconcile", Short: "Drive the arrival watcher"}
	rec.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one watcher cycle now and print its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report reconcile.CycleReport
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/reconcile/run", nil, nil, &report); err != nil {
				return err
			}
			return printValue(cmd, opts, report, func(p *printer) { p.cycle(&report) })
		},
	})
	return rec
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	auditCmd := &cobra.Command{Use: "audit", Short: "Review recorded operator interventions"}

	var action, operator, target string
	var since time.Duration
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"action": action, "operator": operator, "target": target} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if since > 0 {
				q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var events []audit.Event
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/audit", q, nil, &events); err != nil {
				return err
			}
			return printValue(cmd, opts, events, func(p *printer) { p.audit(events) })
		},
	}
	list.Flags().StringVar(&action, "action", "", "filter by action (lock.force_release, pending.retrigger, pending.reset)")
	list.Flags().StringVar(&operator, "operator", "", "filter by operator")
	list.Flags().StringVar(&target, "target", "", "filter by target id (lock key or ENTITY/DATE)")
	list.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 24h")
	list.Flags().IntVar(&limit, "limit", 0, "maximum number of events (server default 100)")

	auditCmd.AddCommand(list)
	return auditCmd
}
