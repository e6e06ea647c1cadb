/*
Package events publishes engine events on a watermill bus.

PURPOSE:
  The engine reports hold expiry, finalization, payment and refunds through
  engine.Notifier. Bus implements Notifier by publishing each event as a
  JSON watermill message on topic "registration.<event type>", so
  confirmation mail, accounting exports and dashboards can subscribe
  without the engine knowing about them.

TRANSPORT:
  In-process gochannel pub/sub. Publishing with no subscriber drops the
  message; the durable record is always the store.

SEE ALSO:
  - engine/events.go: Event and Notifier
  - events/router.go: Handler wiring for subscribers
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"

	"github.com/warp/registration-engine/engine"
)

const (
	topicPrefix  = "registration."
	metadataType = "event_type"
)

// Topic returns the watermill topic for an event type.
func Topic(t engine.EventType) string {
	return topicPrefix + string(t)
}

// Bus is an in-process event bus.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

var _ engine.Notifier = (*Bus)(nil)

func NewBus(log *logrus.Entry) *Bus {
	logger := NewLogrusAdapter(log)
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
		logger: logger,
	}
}

// Notify publishes e. It never blocks on subscribers.
func (b *Bus) Notify(ctx context.Context, e engine.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataType, string(e.Type))
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(Topic(e.Type), msg); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Subscribe returns the raw message stream for one event type. Messages
// must be acked.
func (b *Bus) Subscribe(ctx context.Context, t engine.EventType) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, Topic(t))
}

// Subscriber exposes the bus to a watermill router.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// Logger is the watermill logger the bus uses.
func (b *Bus) Logger() watermill.LoggerAdapter { return b.logger }

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// Decode reads an engine event from a message published by Bus.
func Decode(msg *message.Message) (engine.Event, error) {
	var e engine.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return e, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return e, nil
}
