package messaging

import (
	"context"
)

// Broker defines the interface for message brokers. Delivery is at-least-once;
// consumers are expected to dedupe on the event id embedded in the payload.
type Broker interface {
	// Publish sends payload to topic. The partition key (the aggregate id)
	// keeps per-aggregate ordering on brokers that support it.
	Publish(ctx context.Context, topic, partitionKey string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func([]byte) error) error
	Ping(ctx context.Context) error
	Close() error
}
