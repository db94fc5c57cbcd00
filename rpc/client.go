package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/gradebox/sandbox"
)

// DefaultResponseTimeout bounds how long a call waits for its reply
const DefaultResponseTimeout = time.Minute

// Client is the caller side of the remote layer. It implements
// sandbox.Executor, so it can replace a local Engine.
type Client struct {
	logger  *zap.Logger
	broker  Broker
	queue   string
	timeout time.Duration
	newID   func() string
}

var _ sandbox.Executor = (*Client)(nil)

// ClientOption defines a functional option for Client
type ClientOption func(*Client)

// WithClientQueue sets the request queue
func WithClientQueue(queue string) ClientOption {
	return func(c *Client) {
		c.queue = queue
	}
}

// WithResponseTimeout bounds how long a call waits for its reply
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRequestIDGenerator replaces the UUID generator for request IDs
func WithRequestIDGenerator(fn func() string) ClientOption {
	return func(c *Client) {
		c.newID = fn
	}
}

// NewClient creates a Client publishing on broker
func NewClient(logger *zap.Logger, broker Broker, opts ...ClientOption) *Client {
	client := &Client{
		logger:  logger,
		broker:  broker,
		queue:   DefaultQueue,
		timeout: DefaultResponseTimeout,
		newID:   uuid.NewString,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Ping checks the broker connection
func (c *Client) Ping(ctx context.Context) error {
	return c.broker.Ping(ctx)
}

// Run implements sandbox.Executor
func (c *Client) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.ExecutionResult, error) {
	var result sandbox.ExecutionResult
	err := c.call(ctx, OpRun, runArgs{
		Profile: req.Profile,
		Command: req.Command,
		Files:   req.Files,
		Limits:  req.Limits,
		Stdin:   req.Stdin,
		Workdir: req.Workdir,
	}, &result)
	if err != nil {
		return sandbox.ExecutionResult{}, err
	}
	return result, nil
}

// Create implements sandbox.Executor
func (c *Client) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.Sandbox, error) {
	var sb sandbox.Sandbox
	err := c.call(ctx, OpCreate, createArgs{
		Profile: req.Profile,
		Files:   req.Files,
		Limits:  req.Limits,
		Workdir: req.Workdir,
	}, &sb)
	if err != nil {
		return nil, err
	}
	return &sb, nil
}

// Start implements sandbox.Executor
func (c *Client) Start(ctx context.Context, sb *sandbox.Sandbox, req sandbox.StartRequest) (sandbox.ExecutionResult, error) {
	if sb == nil {
		return sandbox.ExecutionResult{}, sandbox.NewError(sandbox.KindInvalidRequest, "sandbox is nil")
	}
	var result sandbox.ExecutionResult
	err := c.call(ctx, OpStart, startArgs{Sandbox: sb, Command: req.Command, Stdin: req.Stdin}, &result)
	if err != nil {
		return sandbox.ExecutionResult{}, err
	}
	return result, nil
}

// Destroy implements sandbox.Executor
func (c *Client) Destroy(ctx context.Context, sb *sandbox.Sandbox) error {
	if sb == nil {
		return sandbox.NewError(sandbox.KindInvalidRequest, "sandbox is nil")
	}
	return c.call(ctx, OpDestroy, destroyArgs{Sandbox: sb}, nil)
}

// AcquireWorkdir implements sandbox.Executor
func (c *Client) AcquireWorkdir(ctx context.Context) (*sandbox.WorkingDirectory, error) {
	var wd sandbox.WorkingDirectory
	if err := c.call(ctx, OpWorkdirAcquire, struct{}{}, &wd); err != nil {
		return nil, err
	}
	return &wd, nil
}

// ReleaseWorkdir implements sandbox.Executor
func (c *Client) ReleaseWorkdir(ctx context.Context, wd *sandbox.WorkingDirectory) error {
	if wd == nil {
		return sandbox.NewError(sandbox.KindInvalidRequest, "working directory is nil")
	}
	return c.call(ctx, OpWorkdirRelease, workdirArgs{Workdir: wd}, nil)
}

// call publishes one request and waits for the reply carrying its ID.
// There are no retries: after an RPCTimeout the remote side may or may not
// have executed the request.
func (c *Client) call(ctx context.Context, op Op, args, result any) error {
	id := c.newID()
	logger := c.logger.With(zap.String("request_id", id), zap.String("op", string(op)))

	argsData, err := json.Marshal(args)
	if err != nil {
		return sandbox.WrapError(err, sandbox.KindInvalidRequest, "failed to encode %s arguments", op)
	}
	req := Request{ID: id, Op: op, Args: argsData, ReplyTo: ReplyKey(c.queue, id)}
	data, err := json.Marshal(req)
	if err != nil {
		return sandbox.WrapError(err, sandbox.KindInternal, "failed to encode request")
	}

	if err := c.broker.Publish(ctx, c.queue, data); err != nil {
		return sandbox.WrapError(err, sandbox.KindRuntimeUnavailable, "failed to publish %s request", op)
	}
	logger.Debug("Request published")

	deadline := time.Now().Add(c.timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn("No reply before timeout", zap.Duration("timeout", c.timeout))
			return sandbox.NewError(sandbox.KindRPCTimeout, "no reply to %s request %s within %s", op, id, c.timeout)
		}

		payload, err := c.broker.Consume(ctx, req.ReplyTo, remaining)
		if err != nil {
			if errors.Is(err, ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return sandbox.WrapError(err, sandbox.KindRuntimeUnavailable, "failed to receive %s reply", op)
		}

		var reply Reply
		if err := json.Unmarshal(payload, &reply); err != nil {
			logger.Warn("Discarding malformed reply", zap.Error(err))
			continue
		}
		if reply.ID != id {
			logger.Warn("Discarding reply for another request", zap.String("reply_id", reply.ID))
			continue
		}

		if !reply.OK {
			return reply.Error.Err()
		}
		if result != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, result); err != nil {
				return sandbox.WrapError(err, sandbox.KindInternal, "failed to decode %s result", op)
			}
		}
		return nil
	}
}
