package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/stepgate/internal/store"
)

// DefaultDispatchTimeout bounds how long a hook caller waits for a decision.
const DefaultDispatchTimeout = 5 * time.Second

var (
	// ErrStopped is returned when work is submitted to a stopped handle.
	ErrStopped = errors.New("workflow handle is stopped")
	// ErrDispatchTimeout is returned when a lane did not answer in time.
	ErrDispatchTimeout = errors.New("workflow dispatch timed out")
)

type laneKey struct{}

// laneToken marks a context as running inside a session lane. It is honoured
// only while its task runs. Work that outlives the task must start from
// logging.Detach, which drops the token, so it queues like any other caller.
type laneToken struct {
	handle  *Handle
	session string
	active  atomic.Bool
}

// lane serializes the work of one session. sem holds one slot.
type lane struct {
	sem  chan struct{}
	refs int
}

// Handle serializes engine work per session. Work for one session runs one
// task at a time, in its own lane; different sessions never wait on each
// other.
type Handle struct {
	engine  *Engine
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	running sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// NewHandle creates a Handle. Run ties its lifetime to a context.
func NewHandle(engine *Engine, timeout time.Duration, logger *slog.Logger) *Handle {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		engine:  engine,
		timeout: timeout,
		logger:  logger,
		lanes:   make(map[string]*lane),
		stopped: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then refuses new work and waits for
// running tasks to finish.
func (h *Handle) Run(ctx context.Context) error {
	<-ctx.Done()
	h.stop()
	h.running.Wait()
	return nil
}

func (h *Handle) stop() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.once.Do(func() { close(h.stopped) })
}

// join takes a reference on the session's lane, creating it on first use.
func (h *Handle) join(session string) (*lane, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrStopped
	}
	l := h.lanes[session]
	if l == nil {
		l = &lane{sem: make(chan struct{}, 1)}
		h.lanes[session] = l
	}
	l.refs++
	h.running.Add(1)
	return l, nil
}

func (h *Handle) leave(session string, l *lane) {
	h.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(h.lanes, session)
	}
	h.mu.Unlock()
	h.running.Done()
}

func (h *Handle) exec(ctx context.Context, session string, fn func(ctx context.Context) error) (err error) {
	token := &laneToken{handle: h, session: session}
	token.active.Store(true)
	defer token.active.Store(false)

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("workflow task panicked",
				slog.String("session_id", session),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("workflow task panicked: %v", r)
		}
	}()
	return fn(context.WithValue(ctx, laneKey{}, token))
}

func (h *Handle) token(ctx context.Context) *laneToken {
	token, ok := ctx.Value(laneKey{}).(*laneToken)
	if !ok || token.handle != h || !token.active.Load() {
		return nil
	}
	return token
}

// OnLane reports whether ctx belongs to a task currently running in one of
// this handle's lanes.
func (h *Handle) OnLane(ctx context.Context) bool {
	return h.token(ctx) != nil
}

// submit runs fn in the session's lane and waits for it. A positive timeout
// bounds the wait; the task keeps running if it had already started.
func (h *Handle) submit(ctx context.Context, session string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	l, err := h.join(session)
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	go func() {
		defer h.leave(session, l)
		select {
		case l.sem <- struct{}{}:
		case <-ctx.Done():
			result <- waitError(ctx)
			return
		case <-h.stopped:
			result <- ErrStopped
			return
		}
		defer func() { <-l.sem }()
		if ctx.Err() != nil {
			result <- waitError(ctx)
			return
		}
		result <- h.exec(ctx, session, fn)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return waitError(ctx)
	}
}

func waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDispatchTimeout
	}
	return ctx.Err()
}

// Dispatch is DispatchContext with a background context.
func (h *Handle) Dispatch(ev HookEvent) Decision {
	return h.DispatchContext(context.Background(), ev)
}

// DispatchContext evaluates a hook event in its session's lane. It fails
// open: a call made from inside a lane, a timeout, a panic or a stopped
// handle all allow the tool.
func (h *Handle) DispatchContext(ctx context.Context, ev HookEvent) Decision {
	if h.OnLane(ctx) {
		return Allow()
	}
	var d Decision
	err := h.submit(ctx, ev.SessionID, h.timeout, func(ctx context.Context) error {
		d = h.engine.HandleEvent(ctx, ev)
		return nil
	})
	if err != nil {
		h.logger.Warn("hook dispatch failed, allowing",
			slog.String("session_id", ev.SessionID),
			slog.String("hook", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return Allow()
	}
	return d
}

// Do runs fn in the session's lane. From a task already in that lane it runs
// fn directly. From a task in another lane the wait is bounded by the
// dispatch timeout, so two lanes waiting on each other fail instead of hanging.
func (h *Handle) Do(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	if token := h.token(ctx); token != nil {
		if token.session == sessionID {
			return fn(ctx)
		}
		return h.submit(ctx, sessionID, h.timeout, fn)
	}
	return h.submit(ctx, sessionID, 0, fn)
}

// Activate runs Engine.Activate in the session's lane.
func (h *Handle) Activate(ctx context.Context, sessionID, workflow string, vars map[string]any, opts ActivateOptions) (*store.WorkflowInstance, error) {
	var inst *store.WorkflowInstance
	err := h.Do(ctx, sessionID, func(ctx context.Context) error {
		var err error
		inst, err = h.engine.Activate(ctx, sessionID, workflow, vars, opts)
		return err
	})
	return inst, err
}

// ActivateWorkflow activates a workflow for a pipeline step. A zero priority
// keeps the definition's priority.
func (h *Handle) ActivateWorkflow(ctx context.Context, sessionID, workflow string, variables map[string]any, priority int) (map[string]any, error) {
	var opts ActivateOptions
	if priority != 0 {
		opts.Priority = &priority
	}
	inst, err := h.Activate(ctx, sessionID, workflow, variables, opts)
	if err != nil {
		return nil, err
	}
	return inst.Variables, nil
}

// RequestStepTransition runs Engine.RequestStepTransition in the session's lane.
func (h *Handle) RequestStepTransition(ctx context.Context, sessionID, workflow, toStep string, force bool) (*store.WorkflowState, error) {
	var st *store.WorkflowState
	err := h.Do(ctx, sessionID, func(ctx context.Context) error {
		var err error
		st, err = h.engine.RequestStepTransition(ctx, sessionID, workflow, toStep, force)
		return err
	})
	return st, err
}

// Status runs Engine.Status in the session's lane.
func (h *Handle) Status(ctx context.Context, sessionID string) (*Status, error) {
	var s *Status
	err := h.Do(ctx, sessionID, func(ctx context.Context) error {
		var err error
		s, err = h.engine.Status(ctx, sessionID)
		return err
	})
	return s, err
}

// GrantApproval runs Engine.GrantApproval in the session's lane.
func (h *Handle) GrantApproval(ctx context.Context, sessionID, workflow, approvalID string) error {
	return h.Do(ctx, sessionID, func(ctx context.Context) error {
		return h.engine.GrantApproval(ctx, sessionID, workflow, approvalID)
	})
}

// End runs Engine.End in the session's lane.
func (h *Handle) End(ctx context.Context, sessionID, workflow string) error {
	return h.Do(ctx, sessionID, func(ctx context.Context) error {
		return h.engine.End(ctx, sessionID, workflow)
	})
}

// SetEnabled runs Engine.SetEnabled in the session's lane.
func (h *Handle) SetEnabled(ctx context.Context, sessionID, workflow string, enabled bool) error {
	return h.Do(ctx, sessionID, func(ctx context.Context) error {
		return h.engine.SetEnabled(ctx, sessionID, workflow, enabled)
	})
}
