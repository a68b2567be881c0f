// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// ErrPublish marks a transport failure. Completion publishes swallow it;
// rerun publishes return it so the caller can keep the item pending.
var ErrPublish = errors.New("eventbus: publish failed")

// Transport sends one message to a topic.
type Transport interface {
	Publish(ctx context.Context, topic string, msg *message.Message) error
}

// Stats counts EventPublisher outcomes since construction.
type Stats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
	Skipped   int64 `json:"skipped"`
}

// EventPublisherConfig configures topics and backfill suppression.
type EventPublisherConfig struct {
	CompletionTopicPrefix string
	RerunTopic            string
	// SkipDownstream suppresses completion events entirely.
	SkipDownstream bool
}

// EventPublisher emits completion envelopes and rerun commands. Delivery is
// best effort: the reconciliation sweep is the correctness backstop.
type EventPublisher struct {
	transport Transport
	cfg       EventPublisherConfig

	published atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	skipped   atomic.Int64
}

// NewEventPublisher creates a publisher over transport.
func NewEventPublisher(transport Transport, cfg EventPublisherConfig) *EventPublisher {
	if cfg.CompletionTopicPrefix == "" {
		cfg.CompletionTopicPrefix = "pipeline.completed"
	}
	if cfg.RerunTopic == "" {
		cfg.RerunTopic = "pipeline.rerun"
	}
	return &EventPublisher{transport: transport, cfg: cfg}
}

// RerunTopic returns the topic rerun commands are published on.
func (p *EventPublisher) RerunTopic() string {
	return p.cfg.RerunTopic
}

// SkipDownstream reports whether completion events are suppressed.
func (p *EventPublisher) SkipDownstream() bool {
	return p.cfg.SkipDownstream
}

// PublishCompletion builds, validates and sends a completion envelope.
//
// With SkipDownstream set it returns (nil, nil) without touching the
// transport. An invalid envelope is returned as *ValidationError before any
// transmission. Transport failures are logged and returned wrapping
// ErrPublish with a nil envelope; callers must not treat them as fatal.
func (p *EventPublisher) PublishCompletion(ctx context.Context, c Completion) (*Envelope, error) {
	if p.cfg.SkipDownstream {
		p.skipped.Add(1)
		metrics.RecordPublish("completion", "skipped", 0)
		logging.Ctx(ctx).Debug().
			Str("processor", c.ProcessorName).
			Str("scope_date", c.ScopeDate).
			Msg("skip_downstream set, completion event suppressed")
		return nil, nil
	}

	env, err := NewEnvelope(c)
	if err != nil {
		p.rejected.Add(1)
		metrics.RecordPublish("completion", "rejected", 0)
		logging.Ctx(ctx).Error().Err(err).Str("processor", c.ProcessorName).Msg("completion envelope rejected")
		return nil, err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := message.NewMessage(env.ExecutionID, data)
	msg.Metadata.Set("processor_name", env.ProcessorName)
	msg.Metadata.Set("scope_date", env.ScopeDate)
	msg.Metadata.Set("status", string(env.Status))
	msg.Metadata.Set("correlation_id", env.CorrelationID)
	msg.Metadata.Set("is_rerun", strconv.FormatBool(env.Trigger.IsRerun))

	if err := p.send(ctx, "completion", env.Topic(p.cfg.CompletionTopicPrefix), msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("processor", env.ProcessorName).
			Str("scope_date", env.ScopeDate).
			Str("execution_id", env.ExecutionID).
			Msg("completion event not delivered, reconciliation sweep will cover it")
		return nil, err
	}
	return env, nil
}

// PublishRerun validates and sends a rerun command with its deterministic
// message id. Failures are returned wrapping ErrPublish.
func (p *EventPublisher) PublishRerun(ctx context.Context, cmd *RerunCommand) error {
	if err := cmd.Validate(); err != nil {
		p.rejected.Add(1)
		metrics.RecordPublish("rerun", "rejected", 0)
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal rerun command: %w", err)
	}
	msg := message.NewMessage(cmd.MessageID(), data)
	msg.Metadata.Set(natsgo.MsgIdHdr, cmd.MessageID())
	msg.Metadata.Set("entity_id", cmd.EntityID)
	msg.Metadata.Set("scope_date", cmd.ScopeDate)
	msg.Metadata.Set("is_rerun", "true")
	if cmd.Processor != "" {
		msg.Metadata.Set("processor_name", cmd.Processor)
	}

	return p.send(ctx, "rerun", p.cfg.RerunTopic, msg)
}

func (p *EventPublisher) send(ctx context.Context, kind, topic string, msg *message.Message) error {
	start := time.Now()
	err := p.transport.Publish(ctx, topic, msg)
	if err != nil {
		p.failed.Add(1)
		metrics.RecordPublish(kind, "failure", time.Since(start))
		return fmt.Errorf("%w: %s to %s: %w", ErrPublish, kind, topic, err)
	}
	p.published.Add(1)
	metrics.RecordPublish(kind, "success", time.Since(start))
	return nil
}

// Stats returns a snapshot of publish counters.
func (p *EventPublisher) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		Skipped:   p.skipped.Load(),
	}
}
