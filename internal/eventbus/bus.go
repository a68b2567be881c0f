// Lateflow - Coordination Layer for Late-Arriving Analytics Pipelines
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/lateflow

package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/lateflow/internal/config"
	"github.com/tomtom215/lateflow/internal/logging"
)

// Bus owns the transport resources for one process: an optional embedded
// server, the NATS connection, the publisher and the rerun subscriber.
type Bus struct {
	Publisher  *Publisher
	Subscriber message.Subscriber
	// JetStream is nil in memory mode.
	JetStream jetstream.JetStream

	server *EmbeddedServer
	conn   *natsgo.Conn
}

// Open builds the bus described by cfg.
func Open(ctx context.Context, cfg config.BusConfig) (*Bus, error) {
	logger := NewWatermillLogger()

	var cb *gobreaker.CircuitBreaker[interface{}]
	if cfg.Breaker.Enabled {
		cb = NewCircuitBreaker(BreakerConfig{
			Name:             "bus-publish",
			MaxRequests:      cfg.Breaker.MaxRequests,
			Interval:         cfg.Breaker.Interval,
			Timeout:          cfg.Breaker.Timeout,
			FailureThreshold: cfg.Breaker.FailureThreshold,
		})
	}

	if cfg.Mode == config.BusModeMemory {
		ch := NewMemoryBus(logger)
		logging.Info().Msg("using in-memory event bus")
		return &Bus{Publisher: NewPublisher(ch, cb), Subscriber: ch}, nil
	}

	b := &Bus{}
	url := cfg.URL
	if cfg.EmbeddedServer {
		srv, err := NewEmbeddedServer(ServerConfig{Host: "127.0.0.1", Port: -1, StoreDir: cfg.StoreDir, Quiet: true})
		if err != nil {
			return nil, err
		}
		b.server = srv
		url = srv.ClientURL()
		logging.Info().Str("url", url).Str("store_dir", cfg.StoreDir).Msg("embedded NATS server started")
	}

	conn, err := natsgo.Connect(url, natsgo.Name("lateflow"), natsgo.MaxReconnects(-1))
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	b.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	b.JetStream = js

	streams, err := NewStreamInitializer(js, StreamConfig{
		Name:            cfg.StreamName,
		Subjects:        cfg.StreamSubjects,
		MaxAge:          cfg.StreamMaxAge,
		DuplicateWindow: cfg.DuplicateWindow,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	if _, err := streams.EnsureStream(ctx); err != nil {
		b.Close()
		return nil, err
	}

	pub, err := NewNATSPublisher(DefaultPublisherConfig(url), cb, logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Publisher = pub

	sub, err := NewNATSSubscriber(DefaultSubscriberConfig(url, cfg.StreamName, cfg.ConsumerName), logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Subscriber = sub

	logging.Info().Str("stream", cfg.StreamName).Strs("subjects", cfg.StreamSubjects).Msg("NATS event bus ready")
	return b, nil
}

// NewMemoryBus returns an in-process pub/sub. Messages published before a
// subscriber attaches are retained and delivered to it.
func NewMemoryBus(logger *WatermillLogger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
		Persistent:          true,
	}, logger)
}

// Close releases every resource Open acquired, in reverse order.
func (b *Bus) Close() error {
	var errs []error
	if b.Subscriber != nil {
		if err := b.Subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
	return errors.Join(errs...)
}

// Healthy reports whether the NATS connection is up. The memory bus is
// always healthy.
func (b *Bus) Healthy(context.Context) error {
	if b.conn == nil {
		return nil
	}
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats connection %s", b.conn.Status())
	}
	return nil
}
