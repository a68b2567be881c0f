// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package pending

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a pending item.
type Status string

const (
	StatusPending          Status = "pending"
	StatusTriggered        Status = "triggered"
	StatusBlocked          Status = "blocked"
	StatusFailedMaxRetries Status = "failed_max_retries"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusTriggered, StatusBlocked, StatusFailedMaxRetries}

// Terminal reports whether only an operator can move an item out of s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown pending status %q", s)
}

// Resolution types recorded when an item leaves pending.
const (
	ResolutionDataArrived      = "data_arrived"
	ResolutionCommitExists     = "commit_exists"
	ResolutionMaxAttempts      = "max_attempts"
	ResolutionExpired          = "expired"
	ResolutionOperatorOverride = "operator_override"
	ResolutionOperatorReset    = "operator_reset"
)

var (
	// ErrNotFound is returned when no item exists for (entity_id, scope_date).
	ErrNotFound = errors.New("pending: item not found")

	// ErrInvalidTransition is returned when a status change would break
	// monotonicity (for example triggered -> blocked).
	ErrInvalidTransition = errors.New("pending: invalid status transition")

	// ErrMaxRetriesExceeded is returned by IncrementAttempt when the
	// attempt moved the item to failed_max_retries.
	ErrMaxRetriesExceeded = errors.New("pending: max retries exceeded")
)

// Item tracks one entity whose processing fell back because a dependent
// dataset was missing.
type Item struct {
	EntityID        string    `json:"entity_id"`
	ScopeDate       string    `json:"scope_date"`
	Status          Status    `json:"status"`
	Reason          string    `json:"reason"`
	AttemptedCount  int       `json:"attempted_count"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastCheckedAt   time.Time `json:"last_checked_at,omitempty"`
	ResolutionType  string    `json:"resolution_type,omitempty"`
	ResolutionNotes string    `json:"resolution_notes,omitempty"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	// ResetCount counts operator resets back to pending.
	ResetCount int `json:"reset_count,omitempty"`
	// Processor is the stage that registered the item and will rerun it.
	Processor string `json:"processor,omitempty"`
}

func (it *Item) resolve(now time.Time, to Status, resolutionType, notes string) {
	it.Status = to
	it.ResolutionType = resolutionType
	it.ResolutionNotes = notes
	it.ResolvedAt = now
	it.UpdatedAt = now
}

func (it *Item) String() string {
	return fmt.Sprintf("%s/%s[%s]", it.EntityID, it.ScopeDate, it.Status)
}
