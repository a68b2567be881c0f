// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package eventbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/lateflow/internal/validation"
)

// RunStatus is the outcome carried by a completion envelope.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	StatusPartial RunStatus = "partial"
	StatusNoData  RunStatus = "no_data"
	StatusFailed  RunStatus = "failed"
)

// Phase names the pipeline phase a processor belongs to.
type Phase string

const (
	PhaseIngest   Phase = "ingest"
	PhaseFeature  Phase = "feature"
	PhasePredict  Phase = "predict"
	PhaseReport   Phase = "report"
	PhaseRerun    Phase = "rerun"
	PhaseValidate Phase = "validate"
)

// TriggerLineage records what caused a run.
type TriggerLineage struct {
	// Source is "schedule", "event", "manual" or "rerun".
	Source          string `json:"source" validate:"required,oneof=schedule event manual rerun"`
	ParentProcessor string `json:"parent_processor,omitempty" validate:"omitempty,pipename"`
	ParentExecution string `json:"parent_execution_id,omitempty"`
	IsRerun         bool   `json:"is_rerun"`
}

// Envelope is the canonical completion message for one processor run.
type Envelope struct {
	ProcessorName   string            `json:"processor_name" validate:"required,pipename"`
	Phase           Phase             `json:"phase" validate:"required,oneof=ingest feature predict report rerun validate"`
	ExecutionID     string            `json:"execution_id" validate:"required"`
	CorrelationID   string            `json:"correlation_id" validate:"required"`
	ScopeDate       string            `json:"scope_date" validate:"required,scopedate"`
	OutputReference string            `json:"output_reference,omitempty"`
	Status          RunStatus         `json:"status" validate:"required,oneof=success partial no_data failed"`
	RecordCount     int64             `json:"record_count" validate:"gte=0"`
	Timestamp       time.Time         `json:"timestamp" validate:"required"`
	Trigger         TriggerLineage    `json:"trigger"`
	ErrorDetail     string            `json:"error_detail,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Completion holds the caller-supplied fields of a completion envelope.
// Empty ExecutionID and zero Timestamp are filled in by NewEnvelope.
type Completion struct {
	ProcessorName   string
	Phase           Phase
	ExecutionID     string
	CorrelationID   string
	ScopeDate       string
	OutputReference string
	Status          RunStatus
	RecordCount     int64
	Timestamp       time.Time
	Trigger         TriggerLineage
	ErrorDetail     string
	Metadata        map[string]string
}

// ValidationError reports an envelope rejected before transmission.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid envelope (%s): %s", strings.Join(e.Fields, ", "), e.Message)
}

// NewEnvelope builds and validates an envelope. A trigger source defaults
// to "schedule".
func NewEnvelope(c Completion) (*Envelope, error) {
	env := &Envelope{
		ProcessorName:   c.ProcessorName,
		Phase:           c.Phase,
		ExecutionID:     c.ExecutionID,
		CorrelationID:   c.CorrelationID,
		ScopeDate:       c.ScopeDate,
		OutputReference: c.OutputReference,
		Status:          c.Status,
		RecordCount:     c.RecordCount,
		Timestamp:       c.Timestamp,
		Trigger:         c.Trigger,
		ErrorDetail:     c.ErrorDetail,
		Metadata:        c.Metadata,
	}
	if env.ExecutionID == "" {
		env.ExecutionID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Trigger.Source == "" {
		env.Trigger.Source = "schedule"
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks required fields and enums.
func (e *Envelope) Validate() error {
	return validate(e)
}

// Topic returns the subject the envelope is published on.
func (e *Envelope) Topic(prefix string) string {
	return prefix + "." + e.ProcessorName
}

// RerunCommand asks a processor to reprocess one entity for one scope date
// after its missing dependency arrived.
type RerunCommand struct {
	CommandID     string    `json:"command_id" validate:"required"`
	EntityID      string    `json:"entity_id" validate:"required"`
	ScopeDate     string    `json:"scope_date" validate:"required,scopedate"`
	Processor     string    `json:"processor,omitempty" validate:"omitempty,pipename"`
	Reason        string    `json:"reason"`
	Attempt       int       `json:"attempt" validate:"gte=0"`
	ResetCount    int       `json:"reset_count,omitempty" validate:"gte=0"`
	IsRerun       bool      `json:"is_rerun"`
	Override      bool      `json:"override,omitempty"`
	RequestedBy   string    `json:"requested_by,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	IssuedAt      time.Time `json:"issued_at" validate:"required"`
}

// MessageID is the deterministic bus id for the command, so republishing
// the same attempt is collapsed by the JetStream duplicate window. The
// reset cycle is part of the id because a reset restarts attempt numbering.
// Operator overrides use a separate id space.
func (c *RerunCommand) MessageID() string {
	if c.Override {
		return fmt.Sprintf("rerun:%s:%s:override-%d", c.EntityID, c.ScopeDate, c.Attempt)
	}
	return fmt.Sprintf("rerun:%s:%s:r%d-%d", c.EntityID, c.ScopeDate, c.ResetCount, c.Attempt)
}

// Validate checks required fields. A rerun command must carry is_rerun.
func (c *RerunCommand) Validate() error {
	if err := validate(c); err != nil {
		return err
	}
	if !c.IsRerun {
		return &ValidationError{Fields: []string{"is_rerun"}, Message: "is_rerun must be true"}
	}
	return nil
}

func validate(v interface{}) error {
	if verr := validation.ValidateStruct(v); verr != nil {
		return &ValidationError{Fields: verr.Fields(), Message: verr.Error()}
	}
	return nil
}
