// Package workflow provides durable, resumable orchestration. A workflow is
// a sequence of named steps whose results are persisted before the next step
// runs; re-entering a workflow replays completed steps from the step log and
// resumes at the first missing one.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/skiffhq/skiff/internal/repository"
)

// ErrWaitTimeout reports that an awaited external event never arrived.
var ErrWaitTimeout = errors.New("workflow: wait timed out")

const awaitPrefix = "await:"

// Engine executes workflow runs against a durable step log and routes
// external event deliveries to suspended runs.
type Engine struct {
	repo   repository.WorkflowRepository
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[waitKey]chan json.RawMessage
	cancels map[string]context.CancelFunc
}

type waitKey struct {
	workflowID string
	event      string
}

// NewEngine constructs a workflow engine over the given step log.
func NewEngine(repo repository.WorkflowRepository, logger *slog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		logger:  logger,
		waiters: make(map[waitKey]chan json.RawMessage),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run executes fn for the given workflow id under a cancellable context.
// Calling Run again with the same id after a crash resumes the workflow:
// completed steps replay from the log without re-executing side effects.
func (e *Engine) Run(ctx context.Context, workflowID string, fn func(r *Run) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[workflowID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, workflowID)
		e.mu.Unlock()
		cancel()
	}()
	return fn(&Run{engine: e, id: workflowID, ctx: runCtx})
}

// Cancel aborts an in-flight run. Persisted step results are untouched.
func (e *Engine) Cancel(workflowID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[workflowID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// Deliver records the arrival of an external event for a workflow and wakes
// a suspended waiter if one is in this process. The payload is persisted
// first, so a delivery that lands while no process is waiting is picked up
// when the workflow resumes. The first delivery wins.
func (e *Engine) Deliver(ctx context.Context, workflowID, event string, payload []byte) error {
	step := awaitPrefix + event
	if err := e.repo.PutStepResult(ctx, workflowID, step, payload); err != nil {
		return fmt.Errorf("persist event %s for %s: %w", event, workflowID, err)
	}
	stored, ok, err := e.repo.GetStepResult(ctx, workflowID, step)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("workflow: delivered event not persisted")
	}
	e.mu.Lock()
	ch, waiting := e.waiters[waitKey{workflowID: workflowID, event: event}]
	e.mu.Unlock()
	if waiting {
		select {
		case ch <- json.RawMessage(stored):
		default:
		}
	}
	return nil
}

// Run is the execution handle passed to a workflow function.
type Run struct {
	engine *Engine
	id     string
	ctx    context.Context
}

// ID returns the workflow id.
func (r *Run) ID() string { return r.id }

// Context returns the run's cancellable context.
func (r *Run) Context() context.Context { return r.ctx }

// Step executes fn once for the lifetime of the workflow. The result is
// persisted under the step name before Step returns; a replay returns the
// persisted result and never re-executes fn.
func Step[T any](r *Run, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	raw, ok, err := r.engine.repo.GetStepResult(r.ctx, r.id, name)
	if err != nil {
		return out, fmt.Errorf("read step %s: %w", name, err)
	}
	if ok {
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, fmt.Errorf("decode step %s: %w", name, err)
		}
		return out, nil
	}
	out, err = fn(r.ctx)
	if err != nil {
		return out, fmt.Errorf("step %s: %w", name, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := r.engine.repo.PutStepResult(r.ctx, r.id, name, encoded); err != nil {
		return out, fmt.Errorf("persist step %s: %w", name, err)
	}
	return out, nil
}

// AwaitEvent suspends the run until Deliver supplies the named event or the
// timeout elapses. The wait holds no compute beyond a parked goroutine, and
// an event persisted while this process was down is observed on replay.
func AwaitEvent(r *Run, event string, timeout time.Duration) (json.RawMessage, error) {
	step := awaitPrefix + event
	raw, ok, err := r.engine.repo.GetStepResult(r.ctx, r.id, step)
	if err != nil {
		return nil, fmt.Errorf("read wait %s: %w", event, err)
	}
	if ok {
		return json.RawMessage(raw), nil
	}

	key := waitKey{workflowID: r.id, event: event}
	ch := make(chan json.RawMessage, 1)
	r.engine.mu.Lock()
	r.engine.waiters[key] = ch
	r.engine.mu.Unlock()
	defer func() {
		r.engine.mu.Lock()
		delete(r.engine.waiters, key)
		r.engine.mu.Unlock()
	}()

	// A delivery may have been persisted between the first read and waiter
	// registration; re-check before suspending.
	raw, ok, err = r.engine.repo.GetStepResult(r.ctx, r.id, step)
	if err != nil {
		return nil, fmt.Errorf("read wait %s: %w", event, err)
	}
	if ok {
		return json.RawMessage(raw), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("await %s: %w", event, ErrWaitTimeout)
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	}
}
