// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package audit

import (
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Action names an operator intervention.
type Action string

const (
	ActionLockForceRelease Action = "lock.force_release"
	ActionPendingRetrigger Action = "pending.retrigger"
	ActionPendingReset     Action = "pending.reset"
)

// Outcome indicates whether an action took effect.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one recorded intervention.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
	Operator  string    `json:"operator"`
	Target    Target    `json:"target"`
	Source    Source    `json:"source"`
	Notes     string    `json:"notes,omitempty"`
	// Error is set for failed actions.
	Error string `json:"error,omitempty"`
	// Previous is the state the action replaced, such as the released lock.
	Previous      json.RawMessage `json:"previous,omitempty"`
	RequestID     string          `json:"request_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Target is the object an action was applied to.
type Target struct {
	// Type is "lock" or "pending_item".
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Source describes where a request came from.
type Source struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// SourceFromRequest fills a Source from r. RemoteAddr is expected to have
// been rewritten by the RealIP middleware already.
func SourceFromRequest(r *http.Request) Source {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Source{IPAddress: ip, UserAgent: r.UserAgent()}
}

// QueryFilter narrows Query. Zero fields match everything.
type QueryFilter struct {
	Action   Action
	Operator string
	TargetID string
	Since    time.Time
	// Limit caps the result. Zero means DefaultQueryLimit.
	Limit int
}

// DefaultQueryLimit bounds an unqualified Query.
const DefaultQueryLimit = 100

func (f *QueryFilter) matches(e *Event) bool {
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Operator != "" && e.Operator != f.Operator {
		return false
	}
	if f.TargetID != "" && e.Target.ID != f.TargetID {
		return false
	}
	return f.Since.IsZero() || !e.Timestamp.Before(f.Since)
}
