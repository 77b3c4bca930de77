// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsgo "github.com/nats-io/nats.go"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
)

// Handler consumes one received event.
type Handler func(ctx context.Context, ev *Event)

// Transport carries events between agent instances. Implementations
// broadcast every published event to every subscriber, including ones
// attached to the same process.
type Transport interface {
	Publish(ctx context.Context, ev *Event) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// wmTransport adapts a watermill pub/sub pair to the Transport
// interface on a single topic.
type wmTransport struct {
	pub   message.Publisher
	sub   message.Subscriber
	topic string

	// shared is set when pub and sub are one object (gochannel) and
	// must only be closed once.
	shared bool
}

func (t *wmTransport) Publish(_ context.Context, ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := t.pub.Publish(t.topic, msg); err != nil {
		return fmt.Errorf("publish fanout event: %w", err)
	}
	return nil
}

func (t *wmTransport) Subscribe(ctx context.Context, h Handler) error {
	ch, err := t.sub.Subscribe(ctx, t.topic)
	if err != nil {
		return fmt.Errorf("subscribe fanout topic: %w", err)
	}

	go func() {
		for msg := range ch {
			ev, err := UnmarshalEvent(msg.Payload)
			if err != nil {
				logging.Warn().Err(err).Str("msg_uuid", msg.UUID).Msg("dropping undecodable fanout event")
				msg.Ack()
				continue
			}
			h(ctx, ev)
			msg.Ack()
		}
	}()
	return nil
}

func (t *wmTransport) Close() error {
	if err := t.pub.Close(); err != nil {
		return err
	}
	if t.shared {
		return nil
	}
	return t.sub.Close()
}

// NewInProc returns an in-process Transport. Every subscriber on the
// returned transport sees every published event, which makes it the
// multi-tab analogue for tests and single-process deployments.
func NewInProc(topic string) Transport {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, logging.NewWatermillLogger())
	return &wmTransport{pub: ps, sub: ps, topic: topic, shared: true}
}

// NATSConfig configures the cross-process transport.
type NATSConfig struct {
	URL           string
	Topic         string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NewNATS returns a Transport over core NATS. JetStream is disabled:
// fanout events are ephemeral and never replayed.
func NewNATS(cfg NATSConfig) (Transport, error) {
	logger := logging.NewWatermillLogger()

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 60
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("fanout transport disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("fanout transport reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create fanout publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Unmarshaler: &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create fanout subscriber: %w", err)
	}

	return &wmTransport{pub: pub, sub: sub, topic: cfg.Topic}, nil
}
