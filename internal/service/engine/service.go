// Package engine runs deployments: it accepts verified triggers, serializes
// execution per (repository, branch) key, supervises the deploy command,
// and emits the ordered log/status stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/metrics"
	"github.com/sferro/deployd/internal/repository"
	"github.com/sferro/deployd/internal/service/configs"
	"github.com/sferro/deployd/internal/service/logs"
	"github.com/sferro/deployd/pkg/config"
)

var (
	// ErrAutoDeployDisabled rejects webhook-origin triggers for configs
	// that only deploy on explicit request.
	ErrAutoDeployDisabled = errors.New("engine: auto-deploy disabled for branch")

	// ErrShuttingDown rejects triggers arriving after Shutdown started.
	ErrShuttingDown = errors.New("engine: shutting down")
)

// pendingRun is a deployment waiting behind the running one for its key.
type pendingRun struct {
	deployment *domain.Deployment
	config     *domain.DeployConfig
}

// keyQueue serializes deployments for one (repository, branch) key.
type keyQueue struct {
	active  *run
	pending []*pendingRun
}

// Engine is the deployment state machine.
type Engine struct {
	deployments repository.DeploymentRepository
	registry    *configs.Registry
	logs        *logs.Service
	stager      Stager
	cfg         config.ServerConfig
	logger      *slog.Logger
	metrics     *metrics.Deployments

	mu     sync.Mutex
	queues map[string]*keyQueue
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// New constructs an engine around a stager that prepares each run's
// working tree.
func New(
	deployments repository.DeploymentRepository,
	registry *configs.Registry,
	logSvc *logs.Service,
	stager Stager,
	cfg config.ServerConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		deployments: deployments,
		registry:    registry,
		logs:        logSvc,
		stager:      stager,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics.NewDeployments(),
		queues:      make(map[string]*keyQueue),
		active:      make(map[string]*run),
	}
}

// Trigger resolves the config for a verified trigger and admits a new
// deployment into the per-key queue. Webhook-origin triggers for keys with
// auto-deploy disabled are rejected without creating a deployment.
func (e *Engine) Trigger(ctx context.Context, trigger *domain.Trigger, triggeredBy string) (*domain.Deployment, error) {
	cfg, err := e.registry.Resolve(ctx, trigger.RepoFullName, trigger.Branch)
	if err != nil {
		return nil, err
	}
	if trigger.Origin == domain.TriggerOriginWebhook && !cfg.AutoDeploy {
		return nil, ErrAutoDeployDisabled
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	deployment := &domain.Deployment{
		ID:            uuid.NewString(),
		RepoFullName:  trigger.RepoFullName,
		Branch:        trigger.Branch,
		CommitSHA:     trigger.CommitSHA,
		Status:        domain.StatusQueued,
		ManualTrigger: trigger.Origin == domain.TriggerOriginManual,
		TriggeredBy:   triggeredBy,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.deployments.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	if err := e.enqueue(deployment, cfg); err != nil {
		// Shutdown won the race after the row was created; don't leave it
		// non-terminal.
		now := time.Now().UTC()
		if uerr := e.deployments.UpdateDeploymentStatus(context.Background(), domain.DeploymentStatusUpdate{
			DeploymentID: deployment.ID,
			Status:       domain.StatusCancelled,
			Error:        "engine shutting down",
			FinishedAt:   &now,
		}); uerr != nil {
			e.logger.Error("failed to cancel deployment on shutdown",
				"deployment_id", deployment.ID, "error", uerr)
		}
		return nil, err
	}
	e.logger.Info("deployment queued",
		"deployment_id", deployment.ID,
		"repo", deployment.RepoFullName,
		"branch", deployment.Branch,
		"commit", deployment.CommitSHA,
		"origin", trigger.Origin)
	return deployment, nil
}

// enqueue admits the deployment for its key: start immediately when the key
// is idle, otherwise wait behind the running one. A webhook-origin arrival
// supersedes any webhook-origin deployment still waiting for the same key;
// manual deployments neither supersede nor get superseded.
func (e *Engine) enqueue(deployment *domain.Deployment, cfg *domain.DeployConfig) error {
	key := domain.ConfigKey(deployment.RepoFullName, deployment.Branch)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}

	q, ok := e.queues[key]
	if !ok {
		q = &keyQueue{}
		e.queues[key] = q
	}

	if q.active == nil && len(q.pending) == 0 {
		e.startLocked(key, q, &pendingRun{deployment: deployment, config: cfg})
		return nil
	}

	if !deployment.ManualTrigger {
		kept := q.pending[:0]
		for _, p := range q.pending {
			if p.deployment.ManualTrigger {
				kept = append(kept, p)
				continue
			}
			e.supersede(p.deployment, deployment.CommitSHA)
		}
		q.pending = kept
	}
	q.pending = append(q.pending, &pendingRun{deployment: deployment, config: cfg})
	return nil
}

// supersede cancels a still-queued deployment that a newer trigger replaced.
// Caller holds e.mu.
func (e *Engine) supersede(deployment *domain.Deployment, newerCommit string) {
	now := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatusCancelled,
		Error:        fmt.Sprintf("superseded by commit %s", newerCommit),
		FinishedAt:   &now,
	}
	if err := e.deployments.UpdateDeploymentStatus(context.Background(), update); err != nil {
		e.logger.Error("failed to cancel superseded deployment",
			"deployment_id", deployment.ID, "error", err)
	}
	e.logs.Append(context.Background(), domain.LogEvent{
		DeploymentID: deployment.ID,
		Sequence:     1,
		Kind:         domain.EventKindStatus,
		Status:       domain.StatusCancelled,
		Reason:       domain.ReasonSuperseded,
		Timestamp:    now,
	})
	e.metrics.ObserveResult(domain.StatusCancelled, domain.ReasonSuperseded, 0)
	e.logger.Info("deployment superseded",
		"deployment_id", deployment.ID, "newer_commit", newerCommit)
}

// startLocked marks the run active and launches its supervisor. Caller
// holds e.mu.
func (e *Engine) startLocked(key string, q *keyQueue, next *pendingRun) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DeployTimeout)
	r := &run{
		deployment: next.deployment,
		config:     next.config,
		ctx:        ctx,
		cancel:     cancel,
	}
	q.active = r
	e.active[r.deployment.ID] = r
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(r)
		e.finish(key, r)
	}()
}

// finish releases the key after a run and starts the next waiter, if any.
func (e *Engine) finish(key string, r *run) {
	r.cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, r.deployment.ID)
	q, ok := e.queues[key]
	if !ok || q.active != r {
		return
	}
	q.active = nil
	if e.closed || len(q.pending) == 0 {
		delete(e.queues, key)
		return
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	e.startLocked(key, q, next)
}

// Cancel stops a deployment. Running deployments get their process tree
// killed; queued ones are removed from the queue. Cancelling a terminal
// deployment is a no-op.
func (e *Engine) Cancel(ctx context.Context, deploymentID string) error {
	e.mu.Lock()
	if r, ok := e.active[deploymentID]; ok {
		r.userCancel.Store(true)
		r.cancel()
		e.mu.Unlock()
		return nil
	}
	for key, q := range e.queues {
		for i, p := range q.pending {
			if p.deployment.ID != deploymentID {
				continue
			}
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			if q.active == nil && len(q.pending) == 0 {
				delete(e.queues, key)
			}
			e.cancelQueued(p.deployment)
			e.mu.Unlock()
			return nil
		}
	}
	e.mu.Unlock()

	deployment, err := e.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if domain.Terminal(deployment.Status) {
		return nil
	}
	// Not tracked in memory (e.g. left over from a previous process).
	e.cancelQueued(deployment)
	return nil
}

func (e *Engine) cancelQueued(deployment *domain.Deployment) {
	now := time.Now().UTC()
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deployment.ID,
		Status:       domain.StatusCancelled,
		Error:        "cancelled before start",
		FinishedAt:   &now,
	}
	if err := e.deployments.UpdateDeploymentStatus(context.Background(), update); err != nil {
		e.logger.Error("failed to cancel queued deployment",
			"deployment_id", deployment.ID, "error", err)
	}
	e.logs.Append(context.Background(), domain.LogEvent{
		DeploymentID: deployment.ID,
		Sequence:     1,
		Kind:         domain.EventKindStatus,
		Status:       domain.StatusCancelled,
		Reason:       domain.ReasonKilled,
		Timestamp:    now,
	})
	e.metrics.ObserveResult(domain.StatusCancelled, domain.ReasonKilled, 0)
}

// Get returns a deployment record by id.
func (e *Engine) Get(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	return e.deployments.GetDeploymentByID(ctx, deploymentID)
}

// List returns historical deployments, newest first.
func (e *Engine) List(ctx context.Context, repoFullName string, limit, offset int) ([]domain.Deployment, error) {
	return e.deployments.ListDeployments(ctx, repoFullName, limit, offset)
}

// Shutdown stops admission, cancels running deployments, and waits for
// their supervisors to finish or the context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.active {
		r.userCancel.Store(true)
		r.cancel()
	}
	for _, q := range e.queues {
		for _, p := range q.pending {
			e.cancelQueued(p.deployment)
		}
		q.pending = nil
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
