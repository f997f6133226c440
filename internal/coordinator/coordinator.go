// Package coordinator owns deployment admission and ordering. One actor
// exists per tenant; every operation for that tenant is serialized through
// the actor's single goroutine, which makes the concurrency-cap check
// race-free without locks around the deployment list.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/repository"
)

// Sentinel errors surfaced to callers of coordinator operations.
var (
	ErrUnknownDeployment = errors.New("coordinator: unknown deployment")
	ErrInvalidTransition = errors.New("coordinator: invalid status transition")
)

// Launcher starts a workflow instance for an admitted deployment.
type Launcher interface {
	Launch(deployment domain.Deployment)
}

// EventSink receives status transition events for streaming to clients.
type EventSink interface {
	Publish(event domain.DeploymentEvent)
}

// Registry maps tenant ids to their coordinator actors, creating each actor
// on first use. Different tenants' actors run fully in parallel.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	repo          repository.DeploymentRepository
	launcher      Launcher
	events        EventSink
	logger        *slog.Logger
	maxConcurrent int
	metrics       *Metrics
}

// NewRegistry constructs a coordinator registry. maxConcurrent below one
// falls back to one build per tenant.
func NewRegistry(repo repository.DeploymentRepository, launcher Launcher, events EventSink, logger *slog.Logger, maxConcurrent int, metrics *Metrics) *Registry {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Registry{
		actors:        make(map[string]*actor),
		repo:          repo,
		launcher:      launcher,
		events:        events,
		logger:        logger,
		maxConcurrent: maxConcurrent,
		metrics:       metrics,
	}
}

// Enqueue persists new queued deployments for the tenant and admits work up
// to the concurrency cap. Requests are ordered by TriggeredAt, not call order.
func (r *Registry) Enqueue(ctx context.Context, tenantID string, requests []domain.DeploymentRequest) ([]domain.Deployment, error) {
	var created []domain.Deployment
	err := r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		var err error
		created, err = a.enqueue(ctx, requests)
		return err
	})
	return created, err
}

// Succeed marks a deployment successful and admits the next queued item.
func (r *Registry) Succeed(ctx context.Context, tenantID, deploymentID, output string) error {
	return r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		return a.finish(ctx, deploymentID, domain.StatusSuccess, output)
	})
}

// Fail marks a deployment failed and admits the next queued item.
func (r *Registry) Fail(ctx context.Context, tenantID, deploymentID string) error {
	return r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		return a.finish(ctx, deploymentID, domain.StatusFailed, "")
	})
}

// Cancel cancels a queued or building deployment. Cancellation is rejected
// once the deployment reaches deploying.
func (r *Registry) Cancel(ctx context.Context, tenantID, deploymentID string) error {
	return r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		return a.finish(ctx, deploymentID, domain.StatusCanceled, "")
	})
}

// Deploying records that a deployment's artifact is published and traffic
// cutover is in progress. This frees the tenant's build slot.
func (r *Registry) Deploying(ctx context.Context, tenantID, deploymentID string) error {
	return r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		return a.deploying(ctx, deploymentID)
	})
}

// Snapshot returns the tenant's in-memory projection of non-terminal
// deployments in admission order.
func (r *Registry) Snapshot(ctx context.Context, tenantID string) ([]domain.Deployment, error) {
	var out []domain.Deployment
	err := r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		if err := a.ensureInit(ctx); err != nil {
			return err
		}
		out = make([]domain.Deployment, 0, len(a.queue))
		for _, q := range a.queue {
			out = append(out, q.deployment)
		}
		return nil
	})
	return out, err
}

// Init loads the tenant's non-terminal deployments from durable storage.
// Idempotent; mutating operations run it implicitly.
func (r *Registry) Init(ctx context.Context, tenantID string) error {
	return r.submit(ctx, tenantID, func(ctx context.Context, a *actor) error {
		return a.ensureInit(ctx)
	})
}

// Close stops all actors. Pending operations finish first.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()
	for _, a := range actors {
		a.stop()
	}
}

func (r *Registry) submit(ctx context.Context, tenantID string, fn func(context.Context, *actor) error) error {
	a, err := r.actor(tenantID)
	if err != nil {
		return err
	}
	return a.submit(ctx, fn)
}

func (r *Registry) actor(tenantID string) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("coordinator: registry closed")
	}
	a, ok := r.actors[tenantID]
	if !ok {
		a = newActor(tenantID, r)
		r.actors[tenantID] = a
	}
	return a, nil
}

type task struct {
	ctx   context.Context
	fn    func(context.Context, *actor) error
	reply chan error
}

// actor serializes all queue mutations for one tenant. State below tasks is
// touched only by the run goroutine.
type actor struct {
	tenantID string
	registry *Registry
	tasks    chan task
	quit     chan struct{}
	done     chan struct{}

	inited bool
	queue  []*queued
	seq    uint64
}

// queued pairs a deployment with its insertion sequence for FIFO tiebreaks.
type queued struct {
	deployment domain.Deployment
	seq        uint64
}

func newActor(tenantID string, registry *Registry) *actor {
	a := &actor{
		tenantID: tenantID,
		registry: registry,
		tasks:    make(chan task),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for {
		select {
		case t := <-a.tasks:
			t.reply <- t.fn(t.ctx, a)
		case <-a.quit:
			return
		}
	}
}

func (a *actor) submit(ctx context.Context, fn func(context.Context, *actor) error) error {
	t := task{ctx: ctx, fn: fn, reply: make(chan error, 1)}
	select {
	case a.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return errors.New("coordinator: actor stopped")
	}
	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *actor) stop() {
	close(a.quit)
	<-a.done
}

// ensureInit rebuilds the in-memory projection from durable storage on first
// use and resumes workflows for deployments that were in flight when the
// previous process stopped.
func (a *actor) ensureInit(ctx context.Context) error {
	if a.inited {
		return nil
	}
	if err := a.reload(ctx); err != nil {
		return err
	}
	a.inited = true
	for _, q := range a.queue {
		switch q.deployment.Status {
		case domain.StatusBuilding, domain.StatusDeploying:
			a.launch(q.deployment)
		}
	}
	return nil
}

func (a *actor) reload(ctx context.Context) error {
	active, err := a.registry.repo.ListActiveDeployments(ctx, a.tenantID)
	if err != nil {
		return fmt.Errorf("load active deployments: %w", err)
	}
	queue := make([]*queued, 0, len(active))
	for _, d := range active {
		a.seq++
		queue = append(queue, &queued{deployment: d, seq: a.seq})
	}
	a.queue = queue
	a.sortQueue()
	a.observeGauges()
	return nil
}

func (a *actor) enqueue(ctx context.Context, requests []domain.DeploymentRequest) ([]domain.Deployment, error) {
	if err := a.ensureInit(ctx); err != nil {
		return nil, err
	}
	created := make([]domain.Deployment, 0, len(requests))
	for _, req := range requests {
		triggeredAt := req.TriggeredAt
		if triggeredAt.IsZero() {
			triggeredAt = time.Now().UTC()
		}
		d := domain.Deployment{
			ID:          uuid.NewString(),
			TenantID:    a.tenantID,
			ProjectID:   req.ProjectID,
			Status:      domain.StatusQueued,
			Trigger:     req.Trigger,
			Commit:      req.Commit,
			TriggeredAt: triggeredAt,
		}
		if err := a.registry.repo.CreateDeployment(ctx, &d); err != nil {
			return created, fmt.Errorf("persist deployment: %w", err)
		}
		a.seq++
		a.queue = append(a.queue, &queued{deployment: d, seq: a.seq})
		created = append(created, d)
		a.publish(d)
	}
	a.sortQueue()
	if err := a.dequeue(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// dequeue admits queued deployments oldest-first while the count of building
// deployments is under the tenant's cap.
func (a *actor) dequeue(ctx context.Context) error {
	building := a.count(domain.StatusBuilding)
	for building < a.registry.maxConcurrent {
		next := a.oldestQueued()
		if next == nil {
			break
		}
		now := time.Now().UTC()
		patch := domain.StatusPatch{
			DeploymentID: next.deployment.ID,
			Status:       domain.StatusBuilding,
			StartedAt:    &now,
		}
		if err := a.registry.repo.PatchDeploymentStatus(ctx, patch); err != nil {
			return fmt.Errorf("admit deployment %s: %w", next.deployment.ID, err)
		}
		next.deployment.Status = domain.StatusBuilding
		next.deployment.StartedAt = &now
		building++
		if a.registry.metrics != nil {
			a.registry.metrics.Admissions.Inc()
		}
		a.publish(next.deployment)
		a.launch(next.deployment)
	}
	a.observeGauges()
	return nil
}

// finish applies a terminal status, removes the deployment from the queue and
// immediately re-runs admission so queue latency stays bounded by one build.
func (a *actor) finish(ctx context.Context, deploymentID string, status domain.DeploymentStatus, output string) error {
	if err := a.ensureInit(ctx); err != nil {
		return err
	}
	// Guard against stale state after a restart: re-read the row set before
	// deciding the transition. Reload is cheap and idempotent.
	if err := a.reload(ctx); err != nil {
		return err
	}
	q := a.find(deploymentID)
	if q == nil {
		// Not in the active set: either unknown or already terminal.
		existing, err := a.registry.repo.GetDeploymentByID(ctx, deploymentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrUnknownDeployment
			}
			return err
		}
		if existing.Status == status {
			return nil
		}
		return ErrInvalidTransition
	}
	if !q.deployment.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	patch := domain.StatusPatch{DeploymentID: deploymentID, Status: status, Output: output}
	switch status {
	case domain.StatusSuccess:
		patch.CompletedAt = &now
	case domain.StatusFailed:
		patch.FailedAt = &now
	case domain.StatusCanceled:
		patch.CanceledAt = &now
	}
	if err := a.registry.repo.PatchDeploymentStatus(ctx, patch); err != nil {
		return fmt.Errorf("patch deployment %s: %w", deploymentID, err)
	}
	q.deployment.Status = status
	q.deployment.Output = output
	a.remove(deploymentID)
	if a.registry.metrics != nil {
		a.registry.metrics.Outcomes.WithLabelValues(string(status)).Inc()
	}
	a.publish(q.deployment)
	a.registry.logger.Info("deployment finished",
		"tenant_id", a.tenantID,
		"deployment_id", deploymentID,
		"status", status,
	)
	return a.dequeue(ctx)
}

func (a *actor) deploying(ctx context.Context, deploymentID string) error {
	if err := a.ensureInit(ctx); err != nil {
		return err
	}
	q := a.find(deploymentID)
	if q == nil {
		return ErrUnknownDeployment
	}
	if !q.deployment.Status.CanTransition(domain.StatusDeploying) {
		return ErrInvalidTransition
	}
	patch := domain.StatusPatch{DeploymentID: deploymentID, Status: domain.StatusDeploying}
	if err := a.registry.repo.PatchDeploymentStatus(ctx, patch); err != nil {
		return fmt.Errorf("patch deployment %s: %w", deploymentID, err)
	}
	q.deployment.Status = domain.StatusDeploying
	a.publish(q.deployment)
	// Moving out of building frees a build slot.
	return a.dequeue(ctx)
}

func (a *actor) launch(d domain.Deployment) {
	if a.registry.launcher == nil {
		return
	}
	a.registry.launcher.Launch(d)
}

func (a *actor) publish(d domain.Deployment) {
	if a.registry.events == nil {
		return
	}
	a.registry.events.Publish(domain.DeploymentEvent{
		TenantID:     d.TenantID,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
		Status:       d.Status,
		Output:       d.Output,
		At:           time.Now().UTC(),
	})
}

func (a *actor) sortQueue() {
	sort.SliceStable(a.queue, func(i, j int) bool {
		ti, tj := a.queue[i].deployment.TriggeredAt, a.queue[j].deployment.TriggeredAt
		if ti.Equal(tj) {
			return a.queue[i].seq < a.queue[j].seq
		}
		return ti.Before(tj)
	})
}

func (a *actor) count(status domain.DeploymentStatus) int {
	n := 0
	for _, q := range a.queue {
		if q.deployment.Status == status {
			n++
		}
	}
	return n
}

func (a *actor) oldestQueued() *queued {
	for _, q := range a.queue {
		if q.deployment.Status == domain.StatusQueued {
			return q
		}
	}
	return nil
}

func (a *actor) find(deploymentID string) *queued {
	for _, q := range a.queue {
		if q.deployment.ID == deploymentID {
			return q
		}
	}
	return nil
}

func (a *actor) remove(deploymentID string) {
	for i, q := range a.queue {
		if q.deployment.ID == deploymentID {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}

func (a *actor) observeGauges() {
	m := a.registry.metrics
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(a.tenantID).Set(float64(a.count(domain.StatusQueued)))
	m.BuildsRunning.WithLabelValues(a.tenantID).Set(float64(a.count(domain.StatusBuilding)))
}
