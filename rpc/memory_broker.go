package rpc

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBrokerClosed is returned once a MemoryBroker is closed
var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker. It connects a client and a worker
// living in the same process, e.g. in tests.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string][][]byte
	waiters map[string]chan struct{} // closed on the next publish
	claimed map[string]struct{}
	closed  bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker creates an empty MemoryBroker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:  make(map[string][][]byte),
		waiters: make(map[string]chan struct{}),
		claimed: make(map[string]struct{}),
	}
}

// Publish implements Broker
func (b *MemoryBroker) Publish(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	b.queues[queue] = append(b.queues[queue], append([]byte(nil), payload...))
	if ch, ok := b.waiters[queue]; ok {
		close(ch)
		delete(b.waiters, queue)
	}
	return nil
}

// Reply implements Broker. Replies never expire.
func (b *MemoryBroker) Reply(ctx context.Context, key string, payload []byte) error {
	return b.Publish(ctx, key, payload)
}

// Consume implements Broker
func (b *MemoryBroker) Consume(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrBrokerClosed
		}
		if items := b.queues[queue]; len(items) > 0 {
			payload := items[0]
			if len(items) == 1 {
				delete(b.queues, queue)
			} else {
				b.queues[queue] = items[1:]
			}
			b.mu.Unlock()
			return payload, nil
		}
		wake, ok := b.waiters[queue]
		if !ok {
			wake = make(chan struct{})
			b.waiters[queue] = wake
		}
		b.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return nil, ErrNoMessage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Claim implements Broker. Claims are kept for the broker's lifetime.
func (b *MemoryBroker) Claim(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrBrokerClosed
	}
	if _, ok := b.claimed[id]; ok {
		return false, nil
	}
	b.claimed[id] = struct{}{}
	return true, nil
}

// Len returns the number of payloads waiting on queue
func (b *MemoryBroker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[queue])
}

// Ping implements Broker
func (b *MemoryBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}

// Close wakes every waiting consumer and rejects further use
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for queue, ch := range b.waiters {
		close(ch)
		delete(b.waiters, queue)
	}
	return nil
}
