// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/lateflow/internal/audit"
)

const maxBodyBytes = 64 << 10

// OperatorRequest is the body of every override endpoint.
type OperatorRequest struct {
	Operator string `json:"operator" validate:"required,max=128"`
	Notes    string `json:"notes,omitempty" validate:"max=1024"`
}

// ItemKeyParams identifies one pending item from the URL path.
type ItemKeyParams struct {
	EntityID  string `json:"entity_id" validate:"required,max=256"`
	ScopeDate string `json:"scope_date" validate:"required,scopedate"`
}

// ListPendingParams are the query parameters of GET /pending.
type ListPendingParams struct {
	Status string `json:"status" validate:"omitempty,oneof=pending triggered blocked failed_max_retries"`
	Date   string `json:"date" validate:"omitempty,scopedate"`
}

// ListRunsParams are the query parameters of GET /runs.
type ListRunsParams struct {
	Processor string `json:"processor" validate:"omitempty,pipename"`
	Date      string `json:"date" validate:"omitempty,scopedate"`
}

// LockParams identifies a lock and, for DELETE, who is forcing it.
type LockParams struct {
	Key      string `json:"key" validate:"required,max=512"`
	Operator string `json:"operator" validate:"required,max=128"`
}

// ListAuditParams are the query parameters of GET /audit.
type ListAuditParams struct {
	Action   string `json:"action" validate:"omitempty,oneof=lock.force_release pending.retrigger pending.reset"`
	Operator string `json:"operator" validate:"omitempty,max=128"`
	Target   string `json:"target" validate:"omitempty,max=512"`
	Since    string `json:"since" validate:"omitempty"`
	Limit    string `json:"limit" validate:"omitempty,number"`
}

func (p *ListAuditParams) filter() (audit.QueryFilter, error) {
	f := audit.QueryFilter{
		Action:   audit.Action(p.Action),
		Operator: p.Operator,
		TargetID: p.Target,
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return f, fmt.Errorf("since must be an RFC 3339 timestamp: %w", err)
		}
		f.Since = since
	}
	if p.Limit != "" {
		n, err := strconv.Atoi(p.Limit)
		if err != nil || n < 1 || n > 1000 {
			return f, fmt.Errorf("limit must be between 1 and 1000")
		}
		f.Limit = n
	}
	return f, nil
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
