package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Operation is one unit of work against the modem.
type Operation func(ctx context.Context) (any, error)

// ExecutorConfig tunes the Executor.
type ExecutorConfig struct {
	// Timeout is the hard per-operation deadline. An operation still
	// running when it expires is abandoned and reported as a timeout to
	// the caller, even though the worker may still be stuck inside it.
	Timeout time.Duration
	// Breathe is the pause after every successful operation, before the
	// device lock is released. Modem firmware tends to misbehave when
	// commands arrive back to back.
	Breathe time.Duration
}

func (c *ExecutorConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Breathe == 0 {
		c.Breathe = 300 * time.Millisecond
	}
}

// Executor serializes every modem operation behind a single lock, applies
// the hard timeout, and feeds each outcome to the Tracker and Recovery.
//
// Operations run on one persistent worker goroutine rather than a goroutine
// per call. When a call times out its result slot is simply abandoned; a
// truly wedged operation keeps the worker busy, so subsequent calls also
// time out (without ever reaching the device) and escalation proceeds.
type Executor struct {
	log      *slog.Logger
	tracker  *Tracker
	recovery *Recovery
	cfg      ExecutorConfig

	// OnRecovered is invoked (on its own goroutine) when a success ends a
	// failure period. The service uses it to drain the retry queue.
	OnRecovered func()

	sleep func(time.Duration)

	mu       sync.Mutex // the device lock
	requests chan execRequest

	startOnce sync.Once
}

type execRequest struct {
	ctx context.Context
	fn  Operation
	out chan execResult
}

type execResult struct {
	value any
	err   error
}

// NewExecutor builds an Executor. Start must be called before Execute.
func NewExecutor(logger *slog.Logger, tracker *Tracker, recovery *Recovery, cfg ExecutorConfig) *Executor {
	cfg.setDefaults()
	return &Executor{
		log:      logger,
		tracker:  tracker,
		recovery: recovery,
		cfg:      cfg,
		sleep:    time.Sleep,
		requests: make(chan execRequest),
	}
}

// Start launches the worker goroutine. It runs until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.worker(ctx)
	})
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			value, err := req.fn(req.ctx)
			// The slot is buffered; if the caller already gave up on
			// this operation the late result is dropped here.
			req.out <- execResult{value: value, err: err}
		}
	}
}

// Execute runs fn under the device lock with the hard timeout applied.
// The outcome is recorded with the Tracker and, on failure, handed to the
// Recovery controller before Execute returns.
func (e *Executor) Execute(ctx context.Context, name string, fn Operation) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := execRequest{
		ctx: opCtx,
		fn:  fn,
		out: make(chan execResult, 1),
	}

	select {
	case e.requests <- req:
	case <-opCtx.Done():
		// The worker is still busy with an earlier, abandoned operation.
		return nil, e.fail(opCtx, name, fmt.Errorf("operation %s: worker busy: %w", name, opCtx.Err()))
	}

	select {
	case res := <-req.out:
		if res.err != nil {
			return nil, e.fail(opCtx, name, fmt.Errorf("operation %s: %w", name, res.err))
		}
		// The tracker sees the success first so a qualifying operation
		// clears hard-offline before the recovery decision is made.
		if cleared := e.tracker.RecordSuccess(name); cleared {
			e.log.Info("Hard-offline state cleared", "operation", name)
		}
		if recovered := e.recovery.HandleSuccess(name); recovered && e.OnRecovered != nil {
			go e.OnRecovered()
		}
		e.sleep(e.cfg.Breathe)
		return res.value, nil

	case <-opCtx.Done():
		return nil, e.fail(opCtx, name, fmt.Errorf("operation %s: %w", name, opCtx.Err()))
	}
}

func (e *Executor) fail(ctx context.Context, name string, err error) error {
	kind := ClassifyError(err)
	e.log.Error("Operation failed", "operation", name, "kind", kind.String(), "error", err)
	e.tracker.RecordFailure(name, err, kind)

	// Recovery actions need a live context even when the operation's own
	// deadline has already expired.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	e.recovery.HandleFailure(rctx, name, kind)
	return err
}
