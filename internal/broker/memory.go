package broker

import (
	"context"
	"sync"

	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/registry"
)

// Memory is an in-process Broker backed by channels. It resolves
// routing keys to queues through the same bindings the AMQP client
// declares, so pipeline tests exercise the real topology.
type Memory struct {
	mu     sync.Mutex
	queues map[string]chan delivery
	routes map[string][]string
	closed bool
}

type delivery struct {
	body     []byte
	priority uint8
}

// memoryQueueDepth bounds each queue so a publish without a consumer
// does not block test goroutines.
const memoryQueueDepth = 256

// NewMemory builds an in-process broker for the given bindings.
func NewMemory(bindings []registry.Binding) *Memory {
	m := &Memory{
		queues: make(map[string]chan delivery),
		routes: make(map[string][]string),
	}
	for _, b := range bindings {
		if _, ok := m.queues[b.Queue]; !ok {
			m.queues[b.Queue] = make(chan delivery, memoryQueueDepth)
		}
		m.routes[b.RoutingKey] = append(m.routes[b.RoutingKey], b.Queue)
	}
	return m
}

// Publish routes body to every queue bound to routingKey. Unbound keys
// are dropped silently, matching direct-exchange semantics.
func (m *Memory) Publish(ctx context.Context, routingKey string, body []byte, priority uint8) error {
	m.mu.Lock()
	queues := m.routes[routingKey]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrPublish
	}

	buf := make([]byte, len(body))
	copy(buf, body)
	for _, queue := range queues {
		select {
		case m.queues[queue] <- delivery{body: buf, priority: priority}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Consume delivers messages from queue to handler until ctx is done.
// Handler errors drop the message, mirroring nack without requeue.
func (m *Memory) Consume(ctx context.Context, queue string, handler interfaces.MessageHandler) error {
	m.mu.Lock()
	ch, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		ch = make(chan delivery, memoryQueueDepth)
		m.mu.Lock()
		m.queues[queue] = ch
		m.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, open := <-ch:
			if !open {
				return nil
			}
			_ = handler(ctx, d.body)
		}
	}
}

// Depth reports the number of undelivered messages on a queue.
func (m *Memory) Depth(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Drain pops one pending message off a queue without a consumer loop,
// for assertions on published payloads.
func (m *Memory) Drain(queue string) ([]byte, bool) {
	m.mu.Lock()
	ch, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case d := <-ch:
		return d.body, true
	default:
		return nil, false
	}
}

// Close marks the broker closed; subsequent publishes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
