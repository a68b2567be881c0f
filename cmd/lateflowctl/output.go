// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/tomtom215/lateflow/internal/api"
	"github.com/tomtom215/lateflow/internal/audit"
	"github.com/tomtom215/lateflow/internal/lock"
	"github.com/tomtom215/lateflow/internal/pending"
	"github.com/tomtom215/lateflow/internal/reconcile"
	"github.com/tomtom215/lateflow/internal/runrecord"
)

// printValue writes v as indented JSON under --json, otherwise hands a
// printer to render.
func printValue(cmd *cobra.Command, opts *globalOptions, v any, render func(*printer)) error {
	out := cmd.OutOrStdout()
	if opts.json || render == nil {
		buf, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(buf))
		return err
	}
	p := &printer{w: out}
	render(p)
	return p.err
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) table(header []string, rows [][]string) {
	if p.err != nil {
		return
	}
	if len(rows) == 0 {
		p.line("(none)")
		return
	}
	cols := make([]any, len(header))
	for i, h := range header {
		cols[i] = h
	}
	t := tablewriter.NewWriter(p.w)
	t.Header(cols...)
	if err := t.Bulk(rows); err != nil {
		p.err = err
		return
	}
	p.err = t.Render()
}

func ts(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func (p *printer) health(h *api.HealthResponse) {
	p.line("status:          %s", h.Status)
	if h.Version != "" {
		p.line("version:         %s", h.Version)
	}
	p.line("watcher running: %t", h.WatcherRunning)

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, h.Checks[name]})
	}
	p.table([]string{"check", "result"}, rows)

	if len(h.Pending) > 0 {
		p.counts(h.Pending)
	}
}

func (p *printer) counts(counts map[pending.Status]int) {
	rows := make([][]string, 0, len(counts))
	for _, s := range pending.AllStatuses {
		rows = append(rows, []string{string(s), strconv.Itoa(counts[s])})
	}
	p.table([]string{"status", "items"}, rows)
}

func (p *printer) lock(l *lock.Lock) {
	p.table([]string{"key", "holder", "operation", "acquired", "expires"}, [][]string{{
		l.Key, l.HolderID, l.OperationID, ts(l.AcquiredAt), ts(l.ExpiresAt),
	}})
}

func (p *printer) items(items []*pending.Item) {
	rows := make([][]string, 0, len(items))
	for _, it := range items {
		resolution := it.ResolutionType
		if resolution == "" {
			resolution = "-"
		}
		rows = append(rows, []string{
			it.EntityID, it.ScopeDate, string(it.Status), it.Reason,
			strconv.Itoa(it.AttemptedCount), ts(it.FirstSeenAt), ts(it.LastCheckedAt), resolution,
		})
	}
	p.table([]string{"entity", "date", "status", "reason", "attempts", "first seen", "last checked", "resolution"}, rows)
}

func (p *printer) runs(recs []*runrecord.Record) {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		completed := "-"
		if r.CompletedAt != nil {
			completed = ts(*r.CompletedAt)
		}
		rows = append(rows, []string{
			r.RunID, r.ProcessorName, r.DataDate, string(r.Status), r.TriggerSource,
			ts(r.StartedAt), completed, strconv.FormatInt(r.RecordsProcessed, 10), r.ErrorDetail,
		})
	}
	p.table([]string{"run", "processor", "date", "status", "trigger", "started", "completed", "records", "error"}, rows)
}

func (p *printer) cycle(c *reconcile.CycleReport) {
	p.line("cycle started %s, took %s, checked %d, expired %d", ts(c.StartedAt), c.Duration.Round(time.Millisecond), c.Checked, c.Expired)
	if c.Error != "" {
		p.line("error: %s", c.Error)
	}
	rows := make([][]string, 0, len(c.Outcomes))
	for _, o := range c.Outcomes {
		rows = append(rows, []string{o.EntityID, o.ScopeDate, string(o.Decision), strconv.Itoa(o.Attempt), o.Error})
	}
	p.table([]string{"entity", "date", "decision", "attempt", "error"}, rows)
	if len(c.Pending) > 0 {
		p.counts(c.Pending)
	}
}

func (p *printer) audit(events []audit.Event) {
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		detail := e.Notes
		if e.Error != "" {
			detail = e.Error
		}
		rows = append(rows, []string{ts(e.Timestamp), string(e.Action), string(e.Outcome), e.Operator, e.Target.ID, detail})
	}
	p.table([]string{"time", "action", "outcome", "operator", "target", "detail"}, rows)
}
