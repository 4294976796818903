package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/registry"
)

// ErrPublish wraps a failed publish so producers can distinguish it
// from record-level failures.
var ErrPublish = errors.New("broker publish failed")

// maxPriority is declared on every queue so broker-side priority
// ordering covers the full 0..9 range of the priority map.
const maxPriority = 10

// Client is the AMQP implementation of interfaces.Broker: one direct
// durable exchange, durable priority queues, manual-ack consumers with
// prefetch 1.
type Client struct {
	cfg      *common.BrokerConfig
	bindings []registry.Binding
	logger   arbor.ILogger

	// dialMu serializes redials so two consumers observing the same
	// dead connection cannot both dial and strand one connection.
	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// Connect dials the broker with exponential backoff and declares the
// exchange and queue topology. It fails after the configured number of
// attempts; the supervisor restarts the process on a fatal exit.
func Connect(ctx context.Context, cfg *common.BrokerConfig, bindings []registry.Binding, logger arbor.ILogger) (*Client, error) {
	c := &Client{cfg: cfg, bindings: bindings, logger: logger}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) dial(ctx context.Context) error {
	backoff := c.cfg.ConnectBackoff
	var lastErr error

	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		c.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.ConnectAttempts).
			Msg("Connecting to broker")

		conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
			Heartbeat: c.cfg.Heartbeat,
		})
		if err == nil {
			if err = c.setup(conn); err == nil {
				c.logger.Info().Msg("Connected to broker")
				return nil
			}
			conn.Close()
		}
		lastErr = err
		c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("Broker connection failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("broker unreachable after %d attempts: %w", c.cfg.ConnectAttempts, lastErr)
}

// setup opens a channel, sets QoS, and declares the topology.
func (c *Client) setup(conn *amqp.Connection) error {
	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		channel.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := channel.ExchangeDeclare(registry.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		channel.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, binding := range c.bindings {
		if _, err := channel.QueueDeclare(binding.Queue, true, false, false, false, amqp.Table{
			"x-max-priority": int32(maxPriority),
		}); err != nil {
			channel.Close()
			return fmt.Errorf("failed to declare queue %s: %w", binding.Queue, err)
		}
		if err := channel.QueueBind(binding.Queue, binding.RoutingKey, registry.Exchange, false, nil); err != nil {
			channel.Close()
			return fmt.Errorf("failed to bind queue %s: %w", binding.Queue, err)
		}
		c.logger.Debug().Str("queue", binding.Queue).Str("routing_key", binding.RoutingKey).Msg("Declared queue")
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()
	return nil
}

// Publish sends a JSON body on the exchange with the given routing key
// and priority. Messages are persistent; no publisher confirm is
// requested.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, priority uint8) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()

	if channel == nil {
		return fmt.Errorf("%w: not connected", ErrPublish)
	}

	err := channel.PublishWithContext(ctx, registry.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublish, routingKey, err)
	}

	c.logger.Debug().Str("routing_key", routingKey).Int("bytes", len(body)).Msg("Published message")
	return nil
}

// Consume runs a manual-ack consumer loop on queue. Handler success
// acks; handler error nacks without requeue (the failed result
// envelope is the durable record). A dropped connection is re-dialed
// with the connect backoff; the loop exits when ctx is cancelled or
// reconnection is exhausted.
func (c *Client) Consume(ctx context.Context, queue string, handler interfaces.MessageHandler) error {
	for {
		c.mu.Lock()
		channel := c.channel
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		if channel == nil {
			return fmt.Errorf("consume %s: not connected", queue)
		}

		tag := fmt.Sprintf("%s-%s", queue, common.NewArtifactSuffix())
		deliveries, err := channel.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to start consumer on %s: %w", queue, err)
		}

		c.logger.Info().Str("queue", queue).Str("consumer_tag", tag).Msg("Consumer started")

		if err := c.consumeLoop(ctx, queue, deliveries, handler); err != nil {
			return err
		}

		// The channel outlives this call, so the registration must be
		// cancelled or the server keeps dispatching deliveries to it.
		select {
		case <-ctx.Done():
			if err := channel.Cancel(tag, false); err != nil {
				c.logger.Warn().Err(err).Str("queue", queue).Str("consumer_tag", tag).Msg("Failed to cancel consumer")
			}
			return nil
		default:
		}

		c.logger.Warn().Str("queue", queue).Msg("Consumer channel closed, reconnecting")
		if err := c.redial(ctx); err != nil {
			return fmt.Errorf("consumer on %s could not reconnect: %w", queue, err)
		}
	}
}

func (c *Client) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler interfaces.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := handler(ctx, delivery.Body); err != nil {
				c.logger.Error().Err(err).Str("queue", queue).Msg("Handler failed, rejecting message")
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					c.logger.Warn().Err(nackErr).Str("queue", queue).Msg("Failed to nack message")
				}
				continue
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				c.logger.Warn().Err(ackErr).Str("queue", queue).Msg("Failed to ack message")
			}
		}
	}
}

// redial reconnects after a connection loss. dialMu admits one dialer
// at a time; a consumer that waited re-checks the connection it left
// behind and finds the fresh one already in place.
func (c *Client) redial(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	conn := c.conn
	c.mu.Unlock()

	if closed {
		return nil
	}
	if conn != nil && !conn.IsClosed() {
		return nil // another consumer already reconnected
	}
	return c.dial(ctx)
}

// Close shuts the channel and connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
