// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeAPI answers every request with a fixed status and envelope body and
// records what it was sent.
type fakeAPI struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery, Body: string(b)})
	status, body := f.status, f.body
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakeAPI) last(t *testing.T) recordedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request reached the server")
	}
	return f.requests[len(f.requests)-1]
}

func runCtl(t *testing.T, f *fakeAPI, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRequestsMatchOperatorAPI(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		method    string
		path      string
		query     string
		bodyField string
	}{
		{"lock show", []string{"locks", "show", "enrich:2026-04-01"}, http.MethodGet, "/api/v1/locks/enrich:2026-04-01", "", ""},
		{"lock release", []string{"locks", "release", "enrich:2026-04-01", "--operator", "alice"}, http.MethodDelete, "/api/v1/locks/enrich:2026-04-01", "operator=alice", ""},
		{"pending list", []string{"pending", "list", "--status", "blocked", "--date", "2026-04-01"}, http.MethodGet, "/api/v1/pending/", "date=2026-04-01&status=blocked", ""},
		{"pending show", []string{"pending", "show", "660271", "2026-04-01"}, http.MethodGet, "/api/v1/pending/660271/2026-04-01", "", ""},
		{"pending retrigger", []string{"pending", "retrigger", "660271", "2026-04-01", "--operator", "alice", "--notes", "late"}, http.MethodPost, "/api/v1/pending/660271/2026-04-01/retrigger", "", "late"},
		{"pending reset", []string{"pending", "reset", "660271", "2026-04-01", "--operator", "bob"}, http.MethodPost, "/api/v1/pending/660271/2026-04-01/reset", "", "bob"},
		{"runs list", []string{"runs", "list", "--processor", "enrich"}, http.MethodGet, "/api/v1/runs/", "processor=enrich", ""},
		{"runs show", []string{"runs", "show", "abc"}, http.MethodGet, "/api/v1/runs/abc", "", ""},
		{"reconcile run", []string{"reconcile", "run"}, http.MethodPost, "/api/v1/reconcile/run", "", ""},
		{"audit list", []string{"audit", "list", "--operator", "alice", "--limit", "5"}, http.MethodGet, "/api/v1/audit", "limit=5&operator=alice", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// No data keeps decoding out of the way for slice and object results alike.
			f := &fakeAPI{status: http.StatusOK, body: `{"success":true}`}
			if _, err := runCtl(t, f, append([]string{"--json"}, tt.args...)...); err != nil {
				t.Fatalf("Execute: %v", err)
			}
			got := f.last(t)
			if got.Method != tt.method || got.Path != tt.path || got.Query != tt.query {
				t.Errorf("request = %s %s?%s, want %s %s?%s", got.Method, got.Path, got.Query, tt.method, tt.path, tt.query)
			}
			if tt.bodyField != "" && !strings.Contains(got.Body, tt.bodyField) {
				t.Errorf("body = %q, want it to contain %q", got.Body, tt.bodyField)
			}
		})
	}
}

func TestOperatorRequired(t *testing.T) {
	t.Parallel()
	for _, args := range [][]string{
		{"locks", "release", "k"},
		{"pending", "retrigger", "e", "2026-04-01"},
		{"pending", "reset", "e", "2026-04-01"},
	} {
		f := &fakeAPI{status: http.StatusOK, body: `{"success":true}`}
		if _, err := runCtl(t, f, args...); err == nil || !strings.Contains(err.Error(), "operator") {
			t.Errorf("%v: err = %v, want required operator flag", args, err)
		}
		if len(f.requests) != 0 {
			t.Errorf("%v: request sent without an operator", args)
		}
	}
}

func TestAPIErrorsSurface(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		status: http.StatusConflict,
		body:   `{"success":false,"error":{"code":"CONFLICT","message":"item is pending","request_id":"r-1"}}`,
	}
	_, err := runCtl(t, f, "pending", "reset", "e", "2026-04-01", "--operator", "alice")

	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "CONFLICT" || apiErr.RequestID != "r-1" {
		t.Errorf("apiError = %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "item is pending") {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestNonEnvelopeResponse(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{status: http.StatusBadGateway, body: "<html>bad gateway</html>"}
	_, err := runCtl(t, f, "runs", "list")
	if err == nil || !strings.Contains(err.Error(), "HTTP 502") {
		t.Errorf("err = %v, want unexpected response error", err)
	}
}

func TestTableOutput(t *testing.T) {
	t.Parallel()

	t.Run("free lock", func(t *testing.T) {
		t.Parallel()
		f := &fakeAPI{status: http.StatusOK, body: `{"success":true}`}
		out, err := runCtl(t, f, "locks", "show", "enrich:2026-04-01")
		if err != nil || !strings.Contains(out, "is free") {
			t.Errorf("out = %q, err = %v", out, err)
		}
	})

	t.Run("pending items", func(t *testing.T) {
		t.Parallel()
		f := &fakeAPI{status: http.StatusOK, body: `{"success":true,"data":[
			{"entity_id":"660271","scope_date":"2026-04-01","status":"blocked","reason":"statcast","attempted_count":3,"first_seen_at":"2026-04-01T10:00:00Z","updated_at":"2026-04-01T12:00:00Z"}
		]}`}
		out, err := runCtl(t, f, "pending", "list")
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"660271", "blocked", "statcast"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("empty list", func(t *testing.T) {
		t.Parallel()
		f := &fakeAPI{status: http.StatusOK, body: `{"success":true,"data":[]}`}
		out, err := runCtl(t, f, "runs", "list")
		if err != nil || !strings.Contains(out, "(none)") {
			t.Errorf("out = %q, err = %v", out, err)
		}
	})
}

func TestDegradedStatusPrintsChecks(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{
		status: http.StatusServiceUnavailable,
		body:   `{"success":false,"error":{"code":"SERVICE_UNAVAILABLE","message":"one or more dependencies are unhealthy","details":{"status":"degraded","checks":{"bus":"not connected"}}}}`,
	}
	out, err := runCtl(t, f, "status")
	if err == nil {
		t.Fatal("degraded status should return an error")
	}
	var details map[string]any
	if jerr := json.Unmarshal([]byte(out), &details); jerr != nil {
		t.Fatalf("details not printed as JSON: %v\n%s", jerr, out)
	}
	if details["status"] != "degraded" {
		t.Errorf("details = %v", details)
	}
}
