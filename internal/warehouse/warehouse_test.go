// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package warehouse

import (
	"context"
	"database/sql"
	"testing"
)

func TestQuoteIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"player_id", `"player_id"`, false},
		{"raw.boxscores", `"raw"."boxscores"`, false},
		{"_private", `"_private"`, false},
		{"a.b.c", "", true},
		{"1col", "", true},
		{`x"; DROP TABLE t; --`, "", true},
		{"", "", true},
		{"has space", "", true},
	}
	for _, tt := range tests {
		got, err := QuoteIdent(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("QuoteIdent(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("QuoteIdent(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConnString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{}, ""},
		{Config{Path: "/data/w.duckdb"}, "/data/w.duckdb"},
		{Config{Path: "/data/w.duckdb", ReadOnly: true, Threads: 4}, "/data/w.duckdb?access_mode=read_only&threads=4"},
		{Config{ReadOnly: true, MaxMemory: "1GB"}, "?max_memory=1GB"},
	}
	for _, tt := range tests {
		if got := connString(tt.cfg); got != tt.want {
			t.Errorf("connString(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestQueryHelpers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Exec(ctx, `CREATE TABLE t (id VARCHAR, n INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Exec(ctx, `INSERT INTO t VALUES ('a', 1), ('b', 2), (NULL, 3)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids, err := Strings(ctx, db, "test_strings", `SELECT id FROM t ORDER BY n`)
	if err != nil {
		t.Fatalf("Strings() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("Strings() = %v, want [a b] (NULLs dropped)", ids)
	}

	n, err := Int64(ctx, db, "test_count", `SELECT COUNT(*) FROM t WHERE n > ?`, 1)
	if err != nil || n != 2 {
		t.Errorf("Int64() = %d, %v, want 2", n, err)
	}

	var sum int64
	err = Rows(ctx, db, "test_rows", `SELECT n FROM t`, func(r *sql.Rows) error {
		var v int64
		if err := r.Scan(&v); err != nil {
			return err
		}
		sum += v
		return nil
	})
	if err != nil || sum != 6 {
		t.Errorf("Rows() sum = %d, %v, want 6", sum, err)
	}

	if _, err := Strings(ctx, db, "test_missing", `SELECT id FROM missing_table`); err == nil {
		t.Error("Strings() on a missing table succeeded")
	}
}
