// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

// Package changedetect computes which entities changed between the current
// upstream projection and the last processed downstream projection, so a
// stage reprocesses a small delta instead of the whole scope.
//
// Detection fails open: if the comparison query errors, the full entity
// universe for the scope is returned. Over-processing is recoverable;
// silently skipping a real change is not.
package changedetect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
	"github.com/tomtom215/lateflow/internal/warehouse"
)

// ErrQuery is returned only when both the comparison and the fallback
// universe query fail. Callers must then process the whole scope.
var ErrQuery = errors.New("changedetect: detection query failed")

// ErrUnknownEntityType is returned for entity types with no configuration.
var ErrUnknownEntityType = errors.New("changedetect: unknown entity type")

// EntityType describes one upstream/downstream projection pair.
type EntityType struct {
	Name            string
	UpstreamTable   string
	DownstreamTable string
	KeyColumn       string
	ScopeColumn     string
	TrackedFields   []string
}

// ChangeSet is one changed entity. It is produced per invocation and never
// persisted.
type ChangeSet struct {
	EntityID      string    `json:"entity_id"`
	ChangedFields []string  `json:"changed_fields"`
	DetectedAt    time.Time `json:"detected_at"`
	// IsNew is set when the entity has no downstream row for the scope.
	IsNew bool `json:"is_new"`
}

// Result is the outcome of one detection pass.
type Result struct {
	EntityType string
	ScopeKey   string
	Changes    []ChangeSet
	// Total is the size of the upstream universe for the scope.
	Total int
	// Skipped is the number of unchanged entities.
	Skipped int
	// FailedOpen is set when the comparison failed and Changes is the
	// full universe.
	FailedOpen bool
	// All is set when even the universe is unknown; the caller must
	// process the whole scope without an id filter.
	All bool
}

// EntityIDs returns the changed ids in order.
func (r *Result) EntityIDs() []string {
	ids := make([]string, len(r.Changes))
	for i, c := range r.Changes {
		ids[i] = c.EntityID
	}
	return ids
}

// Efficiency is skipped/total, 0 when the universe is empty.
func (r *Result) Efficiency() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Skipped) / float64(r.Total)
}

// Detector runs change detection against the warehouse.
type Detector struct {
	q     warehouse.Querier
	types map[string]compiled
	now   func() time.Time
}

// compiled holds the prepared SQL for one entity type.
type compiled struct {
	spec     EntityType
	changes  string
	universe string
}

// New validates every entity type and builds its queries.
func New(q warehouse.Querier, types []EntityType) (*Detector, error) {
	d := &Detector{q: q, types: make(map[string]compiled, len(types)), now: time.Now}
	for _, et := range types {
		c, err := compile(et)
		if err != nil {
			return nil, fmt.Errorf("entity type %s: %w", et.Name, err)
		}
		d.types[et.Name] = c
	}
	return d, nil
}

// EntityTypes lists the configured entity type names.
func (d *Detector) EntityTypes() []string {
	names := make([]string, 0, len(d.types))
	for n := range d.types {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func compile(et EntityType) (compiled, error) {
	if len(et.TrackedFields) == 0 {
		return compiled{}, fmt.Errorf("no tracked fields")
	}
	idents, err := warehouse.QuoteIdents(et.UpstreamTable, et.DownstreamTable, et.KeyColumn, et.ScopeColumn)
	if err != nil {
		return compiled{}, err
	}
	fields, err := warehouse.QuoteIdents(et.TrackedFields...)
	if err != nil {
		return compiled{}, err
	}
	up, down, key, scope := idents[0], idents[1], idents[2], idents[3]

	// One boolean column per tracked field; two NULLs compare equal.
	flags := make([]string, len(fields))
	anyChanged := make([]string, len(fields))
	for i, f := range fields {
		cond := fmt.Sprintf("u.%s IS DISTINCT FROM d.%s", f, f)
		flags[i] = fmt.Sprintf("(%s) AS changed_%d", cond, i)
		anyChanged[i] = cond
	}

	changes := fmt.Sprintf(`SELECT CAST(u.%[3]s AS VARCHAR) AS entity_id,
       d.%[3]s IS NULL AS is_new,
       %[5]s
FROM %[1]s u
LEFT JOIN %[2]s d
  ON d.%[3]s = u.%[3]s AND CAST(d.%[4]s AS VARCHAR) = ?
WHERE CAST(u.%[4]s AS VARCHAR) = ?
  AND (d.%[3]s IS NULL OR %[6]s)
ORDER BY entity_id`,
		up, down, key, scope, strings.Join(flags, ",\n       "), strings.Join(anyChanged, " OR "))

	universe := fmt.Sprintf(`SELECT DISTINCT CAST(%[2]s AS VARCHAR) AS entity_id
FROM %[1]s
WHERE CAST(%[3]s AS VARCHAR) = ?
ORDER BY entity_id`, up, key, scope)

	return compiled{spec: et, changes: changes, universe: universe}, nil
}

// Detect returns the new or changed entities of entityType for scopeKey.
//
// When the comparison query fails, Detect logs the failure and returns the
// full upstream universe with FailedOpen set and a nil error. Only if the
// universe query also fails does it return ErrQuery, with All set.
func (d *Detector) Detect(ctx context.Context, entityType, scopeKey string) (*Result, error) {
	c, ok := d.types[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	now := d.now().UTC()
	res := &Result{EntityType: entityType, ScopeKey: scopeKey}

	universe, err := warehouse.Strings(ctx, d.q, "change_universe", c.universe, scopeKey)
	if err != nil {
		res.FailedOpen = true
		res.All = true
		metrics.RecordChangeDetection(entityType, 0, 0, true)
		logging.Ctx(ctx).Error().Err(err).
			Str("entity_type", entityType).
			Str("scope_key", scopeKey).
			Msg("change detection universe query failed, caller must process full scope")
		return res, fmt.Errorf("%w: universe for %s/%s: %v", ErrQuery, entityType, scopeKey, err)
	}
	res.Total = len(universe)

	changes, err := d.queryChanges(ctx, c, scopeKey, now)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("entity_type", entityType).
			Str("scope_key", scopeKey).
			Int("universe", len(universe)).
			Msg("change detection query failed, failing open to full universe")
		res.FailedOpen = true
		res.Changes = make([]ChangeSet, len(universe))
		for i, id := range universe {
			res.Changes[i] = ChangeSet{
				EntityID:      id,
				ChangedFields: append([]string(nil), c.spec.TrackedFields...),
				DetectedAt:    now,
			}
		}
		res.Skipped = 0
		metrics.RecordChangeDetection(entityType, res.Total, 0, true)
		return res, nil
	}

	res.Changes = changes
	res.Skipped = res.Total - len(changes)
	if res.Skipped < 0 {
		// Duplicate upstream keys can push changes above the distinct universe.
		res.Skipped = 0
	}
	metrics.RecordChangeDetection(entityType, res.Total, res.Skipped, false)

	logging.Ctx(ctx).Debug().
		Str("entity_type", entityType).
		Str("scope_key", scopeKey).
		Int("total", res.Total).
		Int("changed", len(changes)).
		Float64("efficiency", res.Efficiency()).
		Msg("change detection complete")
	return res, nil
}

func (d *Detector) queryChanges(ctx context.Context, c compiled, scopeKey string, now time.Time) ([]ChangeSet, error) {
	n := len(c.spec.TrackedFields)
	var out []ChangeSet
	seen := make(map[string]int)

	err := warehouse.Rows(ctx, d.q, "change_compare", c.changes, func(rows *sql.Rows) error {
		var id string
		var isNew bool
		flags := make([]sql.NullBool, n)
		dest := make([]any, 0, n+2)
		dest = append(dest, &id, &isNew)
		for i := range flags {
			dest = append(dest, &flags[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}

		cs := ChangeSet{EntityID: id, DetectedAt: now, IsNew: isNew}
		for i, f := range flags {
			if isNew || (f.Valid && f.Bool) {
				cs.ChangedFields = append(cs.ChangedFields, c.spec.TrackedFields[i])
			}
		}
		// A key with several downstream rows appears more than once.
		if idx, dup := seen[id]; dup {
			out[idx].ChangedFields = mergeFields(out[idx].ChangedFields, cs.ChangedFields)
			return nil
		}
		seen[id] = len(out)
		out = append(out, cs)
		return nil
	}, scopeKey, scopeKey)
	return out, err
}

func mergeFields(a, b []string) []string {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; !ok {
			a = append(a, f)
			set[f] = struct{}{}
		}
	}
	return a
}
