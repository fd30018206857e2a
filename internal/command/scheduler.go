// Package command runs request/response operations against the
// connection with bounded concurrency, per-command timeouts and
// Retrier-driven retries.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/twilsync/internal/errors"
	"github.com/alexjbarnes/twilsync/internal/retrier"
	"github.com/alexjbarnes/twilsync/internal/twilsock"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxParallel = 4
	defaultTimeout     = 20 * time.Second
)

var (
	errCancelledByCaller = errors.New("cancelled by caller")
	errSchedulerClosed   = errors.New("scheduler closed")
)

// Requester performs one upstream HTTP exchange. *twilsock.Client
// satisfies it.
type Requester interface {
	SendHTTPRequest(ctx context.Context, req *twilsock.HTTPRequest) (*twilsock.HTTPResponse, error)
}

// Command is one typed operation. Request is called once per attempt so
// it can rebuild headers that depend on state; Parse turns a 2xx
// response into the result.
type Command[T any] struct {
	Name    string
	Request func(ctx context.Context) (*twilsock.HTTPRequest, error)
	Parse   func(resp *twilsock.HTTPResponse) (T, error)
}

// Config controls a Scheduler.
type Config struct {
	MaxParallel int
	Timeout     time.Duration
	Retry       retrier.Config
}

// Scheduler executes commands. Intake is unbounded; at most MaxParallel
// commands hold the semaphore at once and each runs under the Retrier
// with its own total timeout.
type Scheduler struct {
	requester Requester
	cfg       Config
	sem       *semaphore.Weighted
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight atomic.Int64
}

// NewScheduler creates a Scheduler. Zero fields in cfg take defaults.
func NewScheduler(requester Requester, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.Retry == (retrier.Config{}) {
		cfg.Retry = retrier.DefaultConfig()
	}

	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		requester: requester,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(int64(cfg.MaxParallel)),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close cancels every queued and running command and waits for them to
// finish. Commands fail with ClientShutdown.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// InFlight reports how many commands currently hold the semaphore.
func (s *Scheduler) InFlight() int {
	return int(s.inFlight.Load())
}

// Handle tracks one submitted command.
type Handle[T any] struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	value  T
	err    error
}

// Cancel stops the command's timer and in-flight attempt. The command
// completes with Cancelled. Effects that already reached the wire are
// not rolled back.
func (h *Handle[T]) Cancel() {
	h.cancel(errCancelledByCaller)
}

// Done is closed when the command has completed.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the command completes or ctx is done. Returning
// because of ctx does not cancel the command.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, syncerr.Wrap(syncerr.Cancelled, ctx.Err())
	}
}

// Submit queues cmd and returns immediately. Cancelling ctx cancels the
// command.
func Submit[T any](ctx context.Context, s *Scheduler, cmd Command[T]) *Handle[T] {
	ctx, cancel := context.WithCancelCause(ctx)
	h := &Handle[T]{cancel: cancel, done: make(chan struct{})}

	stop := context.AfterFunc(s.ctx, func() { cancel(errSchedulerClosed) })

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer stop()
		defer cancel(nil)

		h.value, h.err = execute(ctx, s, cmd)
	}()

	return h
}

// Post submits cmd and waits for its result. Cancelling ctx cancels the
// command.
func Post[T any](ctx context.Context, s *Scheduler, cmd Command[T]) (T, error) {
	h := Submit(ctx, s, cmd)
	<-h.done

	return h.value, h.err
}

func execute[T any](ctx context.Context, s *Scheduler, cmd Command[T]) (T, error) {
	var result T

	logger := s.logger.With(slog.String("command", cmd.Name))

	// The total timeout covers queueing and every attempt.
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	if err := s.sem.Acquire(runCtx, 1); err != nil {
		return result, finalError(ctx, runCtx, s.cfg.Timeout, err)
	}

	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.sem.Release(1)
	}()

	attempt := 0

	err := retrier.Retry(runCtx, s.cfg.Retry, func(ctx context.Context) error {
		attempt++

		v, err := runOnce(ctx, s, cmd)
		if err == nil {
			result = v
			return nil
		}

		if !syncerr.IsRetryable(err) {
			return retrier.Abort(err)
		}

		logger.Debug("command attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		return err
	})
	if err != nil {
		return result, finalError(ctx, runCtx, s.cfg.Timeout, err)
	}

	return result, nil
}

func runOnce[T any](ctx context.Context, s *Scheduler, cmd Command[T]) (T, error) {
	var zero T

	req, err := cmd.Request(ctx)
	if err != nil {
		return zero, retrier.Abort(fmt.Errorf("building %s request: %w", cmd.Name, err))
	}

	if req.Timeout <= 0 {
		req.Timeout = s.cfg.Timeout
	}

	resp, err := s.requester.SendHTTPRequest(ctx, req)
	if err != nil {
		return zero, err
	}

	if err := resp.Err(); err != nil {
		return zero, err
	}

	v, err := cmd.Parse(resp)
	if err != nil {
		return zero, &syncerr.ErrorInfo{Reason: syncerr.CannotParse, Status: resp.StatusCode, Message: "parsing " + cmd.Name + " response", Err: err}
	}

	return v, nil
}

// finalError maps the way a command ended to a reason: caller cancel or
// scheduler shutdown win over the total timeout, which wins over the
// last attempt's error.
func finalError(ctx, runCtx context.Context, timeout time.Duration, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, errSchedulerClosed):
		return syncerr.New(syncerr.ClientShutdown, "scheduler closed")
	case errors.Is(cause, errCancelledByCaller):
		return syncerr.New(syncerr.Cancelled, "command cancelled")
	case ctx.Err() != nil:
		return syncerr.Wrap(syncerr.Cancelled, ctx.Err())
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &syncerr.ErrorInfo{Reason: syncerr.Timeout, Message: fmt.Sprintf("command timed out after %s", timeout), Err: err}
	}

	var abort *retrier.AbortError
	if errors.As(err, &abort) {
		return abort.Err
	}

	return err
}
