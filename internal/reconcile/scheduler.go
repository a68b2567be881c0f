// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/lateflow/internal/eventbus"
	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/pending"
)

// RerunPublisher sends rerun commands. *eventbus.EventPublisher satisfies it.
type RerunPublisher interface {
	PublishRerun(ctx context.Context, cmd *eventbus.RerunCommand) error
}

// RetryScheduler turns a confirmed-safe pending item into a rerun command.
type RetryScheduler struct {
	publisher RerunPublisher
	now       func() time.Time
}

// NewRetryScheduler creates a scheduler over publisher.
func NewRetryScheduler(publisher RerunPublisher) *RetryScheduler {
	return &RetryScheduler{publisher: publisher, now: time.Now}
}

// Trigger publishes a rerun command tagged is_rerun=true for item. attempt
// numbers the check that confirmed arrival and feeds the message id.
//
// The returned error wraps eventbus.ErrPublish on transport failure; the
// caller must then leave the item pending.
func (s *RetryScheduler) Trigger(ctx context.Context, item *pending.Item, reason string, attempt int) (*eventbus.RerunCommand, error) {
	cmd := s.command(ctx, item, reason, attempt)
	if err := s.publisher.PublishRerun(ctx, cmd); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("entity_id", item.EntityID).
			Str("scope_date", item.ScopeDate).
			Int("attempt", attempt).
			Msg("rerun publish failed, item stays pending for the next cycle")
		return nil, err
	}

	logging.Ctx(ctx).Info().
		Str("entity_id", item.EntityID).
		Str("scope_date", item.ScopeDate).
		Str("message_id", cmd.MessageID()).
		Msg("rerun command published")
	return cmd, nil
}

// TriggerOverride publishes an operator-requested rerun that bypassed the
// commit-point check.
func (s *RetryScheduler) TriggerOverride(ctx context.Context, item *pending.Item, operator string) (*eventbus.RerunCommand, error) {
	// One override is possible per reset cycle.
	cmd := s.command(ctx, item, "operator override", item.ResetCount)
	cmd.Override = true
	cmd.RequestedBy = operator
	if err := s.publisher.PublishRerun(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (s *RetryScheduler) command(ctx context.Context, item *pending.Item, reason string, attempt int) *eventbus.RerunCommand {
	if reason == "" {
		reason = item.Reason
	}
	return &eventbus.RerunCommand{
		CommandID:     uuid.NewString(),
		EntityID:      item.EntityID,
		ScopeDate:     item.ScopeDate,
		Processor:     item.Processor,
		Reason:        reason,
		Attempt:       attempt,
		ResetCount:    item.ResetCount,
		IsRerun:       true,
		CorrelationID: logging.CorrelationIDFromContext(ctx),
		IssuedAt:      s.now().UTC(),
	}
}
