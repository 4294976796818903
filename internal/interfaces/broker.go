package interfaces

import "context"

// MessageHandler processes one delivered message body. Returning nil
// acks the message; returning an error nacks it without requeue (the
// failed result envelope is the durable record, not the requeue).
// Handlers must be reentrant: a message may be redelivered after a
// crash between processing and ack.
type MessageHandler func(ctx context.Context, body []byte) error

// Broker is the contract over the durable topic-exchange message
// broker shared by the control plane, the worker, and the index
// recognizer.
type Broker interface {
	// Publish sends a UTF-8 JSON body with the given routing key and
	// AMQP priority (0..9). Publishes are fire-and-forget.
	Publish(ctx context.Context, routingKey string, body []byte, priority uint8) error

	// Consume runs a manual-ack consumer loop on the named queue until
	// ctx is cancelled. Prefetch is 1: one in-flight message per
	// consumer, so delivery within the queue is strict FIFO.
	Consume(ctx context.Context, queue string, handler MessageHandler) error

	Close() error
}
