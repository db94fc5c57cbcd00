package rpc

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Consume when the timeout elapses with the
// queue empty.
var ErrNoMessage = errors.New("no message")

// Broker moves request and reply payloads between clients and workers.
// Delivery is at-least-once; Claim lets workers drop redeliveries.
type Broker interface {
	// Publish appends payload to queue
	Publish(ctx context.Context, queue string, payload []byte) error
	// Reply publishes payload on a reply destination, which expires if
	// nobody collects it
	Reply(ctx context.Context, key string, payload []byte) error
	// Consume pops the oldest payload of queue, waiting up to timeout.
	// A zero timeout waits until ctx is done.
	Consume(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	// Claim marks request id as taken. It reports false if it already was.
	Claim(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
