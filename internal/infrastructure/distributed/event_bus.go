package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType is the kind of cross-instance message.
type EventType string

const (
	// EventRelayPublish mirrors an internal API publish so other instances
	// deliver it to their own connections.
	EventRelayPublish EventType = "relay.publish"
)

// Addressing modes that may cross instances. Room publishes stay local
// because each room lives on a single instance.
const (
	ModeIdentity = "identity"
	ModeGlobal   = "global"
)

var ErrAlreadySubscribed = errors.New("already subscribed")

type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Mode       string          `json:"mode"`
	Target     string          `json:"target,omitempty"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus is a Redis pub/sub channel shared by relay instances.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewEventBus creates a bus publishing on channel under a fresh instance id
func NewEventBus(client *redis.Client, channel string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: uuid.NewString(),
		channel:    channel,
		logger:     logger,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish sends event to every other relay instance
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"mode", event.Mode,
		"event_type", event.EventType,
	)
	return nil
}

// Mirror publishes an identity or global delivery for the other instances.
func (eb *EventBus) Mirror(ctx context.Context, mode, target, eventType string, payload json.RawMessage) error {
	if mode != ModeIdentity && mode != ModeGlobal {
		return fmt.Errorf("mode %q is not mirrored", mode)
	}
	return eb.Publish(ctx, &Event{
		Type:      EventRelayPublish,
		Mode:      mode,
		Target:    target,
		EventType: eventType,
		Payload:   payload,
	})
}

// Subscribe blocks, handing every event from other instances to handler,
// until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	if eb.pubsub != nil {
		return ErrAlreadySubscribed
	}

	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := eb.accept(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", msg.Payload)
				continue
			}
			if event == nil {
				continue
			}
			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event", "type", event.Type, "error", err)
			}
		}
	}
}

// accept decodes a channel message. Events published by this instance yield
// nil.
func (eb *EventBus) accept(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.InstanceID == eb.instanceID {
		return nil, nil
	}
	return &event, nil
}

// Close stops the subscription
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
