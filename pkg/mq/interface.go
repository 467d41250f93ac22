package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ClientInterface defines the queue operations the rest of the system
// depends on. Implementations must be safe for concurrent use.
type ClientInterface interface {
	// Push publishes a job payload and waits for broker confirmation.
	// The context is used for cancellation and timeout.
	Push(ctx context.Context, data []byte) error

	// Consume returns a channel of deliveries from the work queue.
	// Each delivery must be Ack'd when it has been successfully processed,
	// or Nack'd when it fails.
	Consume() (<-chan amqp.Delivery, error)

	// Close will cleanly shut down the channel and connection.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
