package rpc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/gradebox/config"
	"github.com/isdmx/gradebox/sandbox"
)

// NewBrokerFromConfig creates the broker described by the broker section of
// the configuration
func NewBrokerFromConfig(cfg *config.Config) (Broker, error) {
	switch cfg.Broker.Backend {
	case "redis":
		broker, err := NewRedisBroker(cfg.Broker.Address, cfg.Broker.DB, cfg.Broker.Password,
			WithReplyTTL(cfg.ReplyTTL()),
			WithDedupeTTL(cfg.DedupeTTL()),
		)
		if err != nil {
			return nil, err
		}
		return broker, nil
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unsupported broker backend: %s", cfg.Broker.Backend)
	}
}

// NewClientFromConfig creates a client on the configured queue
func NewClientFromConfig(logger *zap.Logger, cfg *config.Config, broker Broker) *Client {
	return NewClient(logger, broker,
		WithClientQueue(cfg.Broker.Queue),
		WithResponseTimeout(cfg.ResponseTimeout()),
	)
}

// NewServerFromConfig creates a worker on the configured queue
func NewServerFromConfig(logger *zap.Logger, cfg *config.Config, broker Broker, executor sandbox.Executor, opts ...ServerOption) *Server {
	opts = append([]ServerOption{
		WithServerQueue(cfg.Broker.Queue),
		WithConcurrency(cfg.RPC.Concurrency),
	}, opts...)
	return NewServer(logger, broker, executor, opts...)
}
