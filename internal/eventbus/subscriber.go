// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/lateflow/internal/logging"
	"github.com/tomtom215/lateflow/internal/metrics"
)

// SubscriberConfig configures a durable JetStream subscriber.
type SubscriberConfig struct {
	URL            string
	StreamName     string
	DurableName    string
	QueueGroup     string
	MaxDeliver     int
	MaxAckPending  int
	AckWaitTimeout time.Duration
	CloseTimeout   time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// DefaultSubscriberConfig returns a subscriber bound to stream with a
// durable consumer named durable.
func DefaultSubscriberConfig(url, stream, durable string) SubscriberConfig {
	return SubscriberConfig{
		URL:            url,
		StreamName:     stream,
		DurableName:    durable,
		QueueGroup:     durable,
		MaxDeliver:     5,
		MaxAckPending:  64,
		AckWaitTimeout: 30 * time.Second,
		CloseTimeout:   30 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
	}
}

// NewNATSSubscriber creates a durable JetStream subscriber bound to the
// configured stream.
func NewNATSSubscriber(cfg SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = NewWatermillLogger()
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("subscriber disconnected", err, nil)
			}
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWaitTimeout),
		natsgo.DeliverNew(),
	}
	autoProvision := true
	if cfg.StreamName != "" {
		subOpts = append(subOpts, natsgo.BindStream(cfg.StreamName))
		autoProvision = false
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   cfg.AckWaitTimeout,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    autoProvision,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}
	return sub, nil
}

// RerunHandler processes one rerun command. Returning an error nacks the
// message so the bus redelivers it.
type RerunHandler func(ctx context.Context, cmd *RerunCommand) error

// RerunListener consumes rerun commands from a topic.
type RerunListener struct {
	subscriber message.Subscriber
	topic      string
	handler    RerunHandler
}

// NewRerunListener creates a listener. It does not subscribe until Serve.
func NewRerunListener(sub message.Subscriber, topic string, handler RerunHandler) *RerunListener {
	return &RerunListener{subscriber: sub, topic: topic, handler: handler}
}

// Serve subscribes and dispatches commands until ctx is canceled.
func (l *RerunListener) Serve(ctx context.Context) error {
	messages, err := l.subscriber.Subscribe(ctx, l.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", l.topic, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			l.process(ctx, msg)
		}
	}
}

func (l *RerunListener) String() string {
	return "rerun-listener"
}

func (l *RerunListener) process(ctx context.Context, msg *message.Message) {
	var cmd RerunCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		// Redelivery cannot fix a malformed payload.
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable rerun command")
		metrics.RerunCommandsConsumed.WithLabelValues("malformed").Inc()
		msg.Ack()
		return
	}
	if err := cmd.Validate(); err != nil {
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("dropping invalid rerun command")
		metrics.RerunCommandsConsumed.WithLabelValues("invalid").Inc()
		msg.Ack()
		return
	}

	if cmd.CorrelationID != "" {
		ctx = logging.ContextWithCorrelationID(ctx, cmd.CorrelationID)
	}
	if err := l.handler(ctx, &cmd); err != nil {
		logging.Ctx(ctx).Warn().Err(err).
			Str("entity_id", cmd.EntityID).
			Str("scope_date", cmd.ScopeDate).
			Msg("rerun command failed, requesting redelivery")
		metrics.RerunCommandsConsumed.WithLabelValues("nacked").Inc()
		msg.Nack()
		return
	}
	metrics.RerunCommandsConsumed.WithLabelValues("processed").Inc()
	msg.Ack()
}
