// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/lateflow/internal/warehouse"
)

// Commit predicate modes.
const (
	CommitModeRowExists = "row_exists"
	CommitModeFlag      = "flag"
)

// ErrUnknownDataset is returned when an item's reason names no configured
// dataset and no default exists.
var ErrUnknownDataset = errors.New("reconcile: unknown dependent dataset")

// AvailabilityChecker reports whether the dependent dataset for an entity
// has arrived.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, entityID, scopeDate, dataset string) (bool, error)
}

// CommitPredicate is the single definition of "an irreversible downstream
// commit exists" for (entity, scope date).
type CommitPredicate interface {
	CommitExists(ctx context.Context, entityID, scopeDate string) (bool, error)
}

// Dataset describes the completeness signal of one dependent dataset: at
// least MinRows rows for the entity key (when KeyColumn is set) on the scope
// date.
type Dataset struct {
	Name        string
	Table       string
	KeyColumn   string
	ScopeColumn string
	MinRows     int64
}

// WarehouseAvailability checks datasets with COUNT queries.
type WarehouseAvailability struct {
	q              warehouse.Querier
	queries        map[string]countQuery
	defaultDataset string
}

type countQuery struct {
	sql     string
	keyed   bool
	minRows int64
}

// NewWarehouseAvailability compiles one count query per dataset.
func NewWarehouseAvailability(q warehouse.Querier, datasets []Dataset, defaultDataset string) (*WarehouseAvailability, error) {
	wa := &WarehouseAvailability{q: q, queries: make(map[string]countQuery, len(datasets)), defaultDataset: defaultDataset}
	for _, ds := range datasets {
		cq, err := compileCount(ds.Table, ds.KeyColumn, ds.ScopeColumn, "")
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
		cq.minRows = ds.MinRows
		if cq.minRows <= 0 {
			cq.minRows = 1
		}
		wa.queries[ds.Name] = cq
	}
	if defaultDataset != "" {
		if _, ok := wa.queries[defaultDataset]; !ok {
			return nil, fmt.Errorf("%w: default %q", ErrUnknownDataset, defaultDataset)
		}
	}
	return wa, nil
}

// CheckAvailability falls back to the default dataset when dataset is not
// configured.
func (wa *WarehouseAvailability) CheckAvailability(ctx context.Context, entityID, scopeDate, dataset string) (bool, error) {
	cq, ok := wa.queries[dataset]
	if !ok {
		cq, ok = wa.queries[wa.defaultDataset]
		if !ok {
			return false, fmt.Errorf("%w: %q", ErrUnknownDataset, dataset)
		}
	}
	n, err := warehouse.Int64(ctx, wa.q, "availability", cq.sql, cq.args(entityID, scopeDate)...)
	if err != nil {
		return false, err
	}
	return n >= cq.minRows, nil
}

// WarehouseCommitPredicate decides commit existence from one warehouse
// table, in either row_exists or flag mode.
type WarehouseCommitPredicate struct {
	q     warehouse.Querier
	query countQuery
	mode  string
}

// CommitConfig configures WarehouseCommitPredicate.
type CommitConfig struct {
	Mode        string
	Table       string
	KeyColumn   string
	ScopeColumn string
	FlagColumn  string
}

// NewWarehouseCommitPredicate requires an explicit mode.
func NewWarehouseCommitPredicate(q warehouse.Querier, cfg CommitConfig) (*WarehouseCommitPredicate, error) {
	flag := ""
	switch cfg.Mode {
	case CommitModeRowExists:
	case CommitModeFlag:
		if cfg.FlagColumn == "" {
			return nil, errors.New("commit predicate: flag mode requires flag_column")
		}
		flag = cfg.FlagColumn
	default:
		return nil, fmt.Errorf("commit predicate: mode must be %q or %q, got %q", CommitModeRowExists, CommitModeFlag, cfg.Mode)
	}

	cq, err := compileCount(cfg.Table, cfg.KeyColumn, cfg.ScopeColumn, flag)
	if err != nil {
		return nil, fmt.Errorf("commit predicate: %w", err)
	}
	return &WarehouseCommitPredicate{q: q, query: cq, mode: cfg.Mode}, nil
}

// Mode returns the configured mode.
func (p *WarehouseCommitPredicate) Mode() string {
	return p.mode
}

func (p *WarehouseCommitPredicate) CommitExists(ctx context.Context, entityID, scopeDate string) (bool, error) {
	n, err := warehouse.Int64(ctx, p.q, "commit_predicate", p.query.sql, p.query.args(entityID, scopeDate)...)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// compileCount builds a COUNT(*) query scoped by scope column and, when
// keyColumn is set, the entity key. A non-empty flag column restricts the
// count to rows where it is TRUE.
func compileCount(table, keyColumn, scopeColumn, flagColumn string) (countQuery, error) {
	if table == "" || scopeColumn == "" {
		return countQuery{}, errors.New("table and scope_column are required")
	}
	qt, err := warehouse.QuoteIdent(table)
	if err != nil {
		return countQuery{}, err
	}
	qs, err := warehouse.QuoteIdent(scopeColumn)
	if err != nil {
		return countQuery{}, err
	}

	where := []string{fmt.Sprintf("CAST(%s AS VARCHAR) = ?", qs)}
	keyed := keyColumn != ""
	if keyed {
		qk, err := warehouse.QuoteIdent(keyColumn)
		if err != nil {
			return countQuery{}, err
		}
		where = append(where, fmt.Sprintf("CAST(%s AS VARCHAR) = ?", qk))
	}
	if flagColumn != "" {
		qf, err := warehouse.QuoteIdent(flagColumn)
		if err != nil {
			return countQuery{}, err
		}
		where = append(where, qf+" IS TRUE")
	}

	return countQuery{
		sql:   fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", qt, strings.Join(where, " AND ")),
		keyed: keyed,
	}, nil
}

func (c countQuery) args(entityID, scopeDate string) []any {
	if c.keyed {
		return []any{scopeDate, entityID}
	}
	return []any{scopeDate}
}
