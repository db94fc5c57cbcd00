package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/isdmx/gradebox/sandbox"
)

// Server defaults
const (
	DefaultConcurrency = 4
	DefaultMinBackoff  = 100 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
	DefaultReleaseWait = 5 * time.Second

	consumeTimeout = time.Second
)

// RequestObserver receives worker events. It is implemented by the metrics
// package.
type RequestObserver interface {
	RequestHandled(op, status string, duration time.Duration)
	RequestDropped(reason string)
	BrokerError()
}

type noopRequestObserver struct{}

func (noopRequestObserver) RequestHandled(string, string, time.Duration) {}
func (noopRequestObserver) RequestDropped(string)                        {}
func (noopRequestObserver) BrokerError()                                 {}

// Server is the worker side: it consumes requests from the queue, runs
// them on an Executor and publishes replies.
//
// Sandboxes and working directories created through a Server are tracked
// in process memory, so a handle is only valid on the worker that created
// it. Run a single Server per queue when clients use the Create, Start and
// Destroy or working directory operations; Run alone may be spread over
// any number of workers.
type Server struct {
	logger     *zap.Logger
	broker     Broker
	executor   sandbox.Executor
	queue      string
	sem        *semaphore.Weighted
	observer   RequestObserver
	minBackoff time.Duration
	maxBackoff time.Duration

	// bound on a release waiting for sandboxes still using the directory
	releaseWait time.Duration

	wg sync.WaitGroup

	mu        sync.Mutex
	sandboxes map[string]*sandbox.Sandbox
	workdirs  map[string]*sandbox.WorkingDirectory
}

// ServerOption defines a functional option for Server
type ServerOption func(*Server)

// WithServerQueue sets the request queue
func WithServerQueue(queue string) ServerOption {
	return func(s *Server) {
		s.queue = queue
	}
}

// WithConcurrency bounds the requests in flight, which is also how many
// requests are taken off the queue ahead of processing.
func WithConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRequestObserver sets the receiver of worker events
func WithRequestObserver(o RequestObserver) ServerOption {
	return func(s *Server) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithBackoff sets the reconnect backoff bounds after broker errors
func WithBackoff(minBackoff, maxBackoff time.Duration) ServerOption {
	return func(s *Server) {
		s.minBackoff = minBackoff
		s.maxBackoff = maxBackoff
	}
}

// WithReleaseWait bounds how long a working directory release waits for
// sandboxes still attached to it. A release that runs out of time fails
// with KindInvalidSandbox and leaves the directory in place.
func WithReleaseWait(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.releaseWait = d
		}
	}
}

// NewServer creates a worker running requests on executor
func NewServer(logger *zap.Logger, broker Broker, executor sandbox.Executor, opts ...ServerOption) *Server {
	server := &Server{
		logger:      logger,
		broker:      broker,
		executor:    executor,
		queue:       DefaultQueue,
		sem:         semaphore.NewWeighted(DefaultConcurrency),
		observer:    noopRequestObserver{},
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		releaseWait: DefaultReleaseWait,
		sandboxes:   make(map[string]*sandbox.Sandbox),
		workdirs:    make(map[string]*sandbox.WorkingDirectory),
	}

	for _, opt := range opts {
		opt(server)
	}

	return server
}

// Serve consumes requests until ctx is done, then waits for the requests in
// flight. Broker failures are retried with exponential backoff.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("Worker consuming requests", zap.String("queue", s.queue))
	defer s.wg.Wait()

	// In-flight requests run to completion after ctx is done.
	handleCtx := context.WithoutCancel(ctx)
	attempt := 0

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		payload, err := s.broker.Consume(ctx, s.queue, consumeTimeout)
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, ErrNoMessage) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.observer.BrokerError()
			s.logger.Error("Failed to consume request", zap.Error(err), zap.Int("attempt", attempt))
			if !s.reconnect(ctx, &attempt) {
				return nil
			}
			continue
		}
		attempt = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handle(handleCtx, payload)
		}()
	}
}

// reconnect sleeps with exponential backoff until the broker answers a
// ping. It returns false if ctx is done first.
func (s *Server) reconnect(ctx context.Context, attempt *int) bool {
	for {
		delay := s.minBackoff * time.Duration(1<<uint(min(*attempt, 16)))
		if delay > s.maxBackoff {
			delay = s.maxBackoff
		}
		*attempt++

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		if err := s.broker.Ping(ctx); err != nil {
			s.observer.BrokerError()
			s.logger.Warn("Broker still unavailable", zap.Error(err), zap.Duration("backoff", delay))
			continue
		}
		s.logger.Info("Broker connection restored")
		return true
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.observer.RequestDropped("malformed")
		s.logger.Warn("Dropping malformed request", zap.Error(err))
		return
	}
	if req.ID == "" || req.ReplyTo == "" {
		s.observer.RequestDropped("malformed")
		s.logger.Warn("Dropping request without id or reply destination",
			zap.String("request_id", req.ID), zap.String("op", string(req.Op)))
		return
	}

	logger := s.logger.With(zap.String("request_id", req.ID), zap.String("op", string(req.Op)))

	claimed, err := s.broker.Claim(ctx, req.ID)
	if err != nil {
		logger.Warn("Failed to claim request, executing anyway", zap.Error(err))
		claimed = true
	}
	if !claimed {
		s.observer.RequestDropped("duplicate")
		logger.Info("Dropping duplicate request")
		return
	}

	started := time.Now()
	result, err := s.dispatch(ctx, req)
	status := "ok"
	if err != nil {
		status = string(sandbox.KindOf(err))
		logger.Debug("Request failed", zap.Error(err))
	}
	s.observer.RequestHandled(string(req.Op), status, time.Since(started))

	reply, err := newReply(req.ID, result, err)
	if err != nil {
		logger.Error("Failed to encode reply", zap.Error(err))
		reply = Reply{ID: req.ID, Error: replyError(sandbox.WrapError(err, sandbox.KindInternal, "failed to encode reply"))}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		logger.Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := s.broker.Reply(ctx, req.ReplyTo, data); err != nil {
		s.observer.BrokerError()
		logger.Error("Failed to publish reply", zap.Error(err))
	}
}

func decodeArgs(req Request, v any) error {
	if len(req.Args) == 0 {
		return sandbox.NewError(sandbox.KindInvalidRequest, "missing arguments for %s", req.Op)
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return sandbox.WrapError(err, sandbox.KindInvalidRequest, "invalid arguments for %s", req.Op)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Op {
	case OpRun:
		var args runArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return s.executor.Run(ctx, sandbox.RunRequest{
			Profile: args.Profile,
			Command: args.Command,
			Files:   args.Files,
			Limits:  args.Limits,
			Stdin:   args.Stdin,
			Workdir: args.Workdir,
		})

	case OpCreate:
		var args createArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		sb, err := s.executor.Create(ctx, sandbox.CreateRequest{
			Profile: args.Profile,
			Files:   args.Files,
			Limits:  args.Limits,
			Workdir: args.Workdir,
		})
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sandboxes[sb.ID] = sb
		s.mu.Unlock()
		return sb, nil

	case OpStart:
		var args startArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return s.executor.Start(ctx, args.Sandbox, sandbox.StartRequest{Command: args.Command, Stdin: args.Stdin})

	case OpDestroy:
		var args destroyArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		if args.Sandbox != nil {
			s.mu.Lock()
			delete(s.sandboxes, args.Sandbox.ID)
			s.mu.Unlock()
		}
		return nil, s.executor.Destroy(ctx, args.Sandbox)

	case OpWorkdirAcquire:
		wd, err := s.executor.AcquireWorkdir(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.workdirs[wd.Name] = wd
		s.mu.Unlock()
		return wd, nil

	case OpWorkdirRelease:
		var args workdirArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		// The Destroy that would unblock the release may be queued behind it
		releaseCtx, cancel := context.WithTimeout(ctx, s.releaseWait)
		err := s.executor.ReleaseWorkdir(releaseCtx, args.Workdir)
		cancel()
		if err != nil {
			return nil, err
		}
		if args.Workdir != nil {
			s.mu.Lock()
			delete(s.workdirs, args.Workdir.Name)
			s.mu.Unlock()
		}
		return nil, nil

	default:
		return nil, sandbox.NewError(sandbox.KindInvalidRequest, "unknown operation: %q", req.Op)
	}
}

// Shutdown destroys the sandboxes and releases the working directories that
// remote callers left behind.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	sandboxes := make([]*sandbox.Sandbox, 0, len(s.sandboxes))
	for _, sb := range s.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	workdirs := make([]*sandbox.WorkingDirectory, 0, len(s.workdirs))
	for _, wd := range s.workdirs {
		workdirs = append(workdirs, wd)
	}
	s.sandboxes = make(map[string]*sandbox.Sandbox)
	s.workdirs = make(map[string]*sandbox.WorkingDirectory)
	s.mu.Unlock()

	if len(sandboxes) > 0 || len(workdirs) > 0 {
		s.logger.Info("Cleaning up abandoned resources",
			zap.Int("sandboxes", len(sandboxes)), zap.Int("workdirs", len(workdirs)))
	}

	for _, sb := range sandboxes {
		if err := s.executor.Destroy(ctx, sb); err != nil {
			s.logger.Warn("Failed to destroy sandbox on shutdown", zap.String("sandbox_id", sb.ID), zap.Error(err))
		}
	}
	for _, wd := range workdirs {
		if err := s.executor.ReleaseWorkdir(ctx, wd); err != nil {
			s.logger.Warn("Failed to release working directory on shutdown", zap.String("volume", wd.Name), zap.Error(err))
		}
	}
}
