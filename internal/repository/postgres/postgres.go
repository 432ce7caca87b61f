package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sferro/deployd/internal/domain"
	"github.com/sferro/deployd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.ConfigRepository     = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.LogRepository        = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

// UpsertConfig replaces the config for (repo, branch) atomically.
func (r *Repository) UpsertConfig(ctx context.Context, cfg *domain.DeployConfig) error {
	envJSON, err := json.Marshal(cfg.EnvVars)
	if err != nil {
		return fmt.Errorf("encode env vars: %w", err)
	}
	// created_at is owned by the table default and survives updates; it is
	// read back so callers hold the stored value.
	const query = `INSERT INTO deploy_configs (repo_full_name, branch, auto_deploy, command, env_vars, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (repo_full_name, branch) DO UPDATE SET
			auto_deploy = EXCLUDED.auto_deploy,
			command = EXCLUDED.command,
			env_vars = EXCLUDED.env_vars,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`
	return r.pool.QueryRow(ctx, query, cfg.RepoFullName, cfg.Branch, cfg.AutoDeploy, cfg.Command, envJSON, cfg.UpdatedAt).Scan(&cfg.CreatedAt)
}

// GetConfig fetches the config for (repo, branch).
func (r *Repository) GetConfig(ctx context.Context, repoFullName, branch string) (*domain.DeployConfig, error) {
	const query = `SELECT repo_full_name, branch, auto_deploy, command, env_vars, created_at, updated_at
		FROM deploy_configs WHERE repo_full_name = $1 AND branch = $2`
	row := r.pool.QueryRow(ctx, query, repoFullName, branch)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}

// ListConfigs returns configs, optionally filtered by repository.
func (r *Repository) ListConfigs(ctx context.Context, repoFullName string) ([]domain.DeployConfig, error) {
	query := `SELECT repo_full_name, branch, auto_deploy, command, env_vars, created_at, updated_at
		FROM deploy_configs ORDER BY repo_full_name, branch`
	args := []any{}
	if repoFullName != "" {
		query = `SELECT repo_full_name, branch, auto_deploy, command, env_vars, created_at, updated_at
			FROM deploy_configs WHERE repo_full_name = $1 ORDER BY branch`
		args = append(args, repoFullName)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]domain.DeployConfig, 0)
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// DeleteConfig removes the config for (repo, branch).
func (r *Repository) DeleteConfig(ctx context.Context, repoFullName, branch string) error {
	const query = `DELETE FROM deploy_configs WHERE repo_full_name = $1 AND branch = $2`
	tag, err := r.pool.Exec(ctx, query, repoFullName, branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*domain.DeployConfig, error) {
	var cfg domain.DeployConfig
	var envJSON []byte
	if err := row.Scan(&cfg.RepoFullName, &cfg.Branch, &cfg.AutoDeploy, &cfg.Command, &envJSON, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &cfg.EnvVars); err != nil {
			return nil, fmt.Errorf("decode env vars: %w", err)
		}
	}
	return &cfg, nil
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, repo_full_name, branch, commit_sha, status, manual_trigger, triggered_by, error_message, exit_code, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.RepoFullName, deployment.Branch, deployment.CommitSHA,
		deployment.Status, deployment.ManualTrigger, deployment.TriggeredBy, deployment.Error, deployment.ExitCode,
		deployment.CreatedAt, deployment.StartedAt, deployment.FinishedAt)
	return err
}

// UpdateDeploymentStatus applies a lifecycle transition.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
			status = $2,
			error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
			exit_code = COALESCE($4, exit_code),
			started_at = COALESCE($5, started_at),
			finished_at = COALESCE($6, finished_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, update.DeploymentID, update.Status, update.Error, update.ExitCode, update.StartedAt, update.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID fetches a deployment record.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, repo_full_name, branch, commit_sha, status, manual_trigger, triggered_by, error_message, exit_code, created_at, started_at, finished_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	var d domain.Deployment
	if err := row.Scan(&d.ID, &d.RepoFullName, &d.Branch, &d.CommitSHA, &d.Status, &d.ManualTrigger, &d.TriggeredBy, &d.Error, &d.ExitCode, &d.CreatedAt, &d.StartedAt, &d.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns deployment history, newest first.
func (r *Repository) ListDeployments(ctx context.Context, repoFullName string, limit, offset int) ([]domain.Deployment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, repo_full_name, branch, commit_sha, status, manual_trigger, triggered_by, error_message, exit_code, created_at, started_at, finished_at
		FROM deployments ORDER BY created_at DESC LIMIT $1 OFFSET $2`
	args := []any{limit, offset}
	if repoFullName != "" {
		query = `SELECT id, repo_full_name, branch, commit_sha, status, manual_trigger, triggered_by, error_message, exit_code, created_at, started_at, finished_at
			FROM deployments WHERE repo_full_name = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = []any{repoFullName, limit, offset}
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		var d domain.Deployment
		if err := rows.Scan(&d.ID, &d.RepoFullName, &d.Branch, &d.CommitSHA, &d.Status, &d.ManualTrigger, &d.TriggeredBy, &d.Error, &d.ExitCode, &d.CreatedAt, &d.StartedAt, &d.FinishedAt); err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// AppendLogEvent stores a log event for replay.
func (r *Repository) AppendLogEvent(ctx context.Context, event domain.LogEvent) error {
	const query = `INSERT INTO deployment_logs (deployment_id, sequence, kind, payload, status, reason, exit_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, event.DeploymentID, int64(event.Sequence), event.Kind, event.Payload, event.Status, event.Reason, event.ExitCode, event.Timestamp)
	return err
}

// ListLogEvents returns stored events in sequence order.
func (r *Repository) ListLogEvents(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT deployment_id, sequence, kind, payload, status, reason, exit_code, created_at
		FROM deployment_logs WHERE deployment_id = $1 ORDER BY sequence LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, deploymentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.LogEvent, 0)
	for rows.Next() {
		var ev domain.LogEvent
		var seq int64
		if err := rows.Scan(&ev.DeploymentID, &seq, &ev.Kind, &ev.Payload, &ev.Status, &ev.Reason, &ev.ExitCode, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Sequence = uint64(seq)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// InsertWebhookEvent records an authentic webhook delivery.
func (r *Repository) InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `INSERT INTO webhook_events (id, event_kind, repo_full_name, payload_digest, outcome, deployment_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, event.ID, event.EventKind, event.RepoFullName, event.PayloadDigest, event.Outcome, event.DeploymentID, event.ReceivedAt)
	return err
}

// UpsertWebhookSecret stores encrypted secret bytes for a repository.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, repoFullName string, secret []byte) error {
	const query = `INSERT INTO webhook_secrets (repo_full_name, secret, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (repo_full_name) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, repoFullName, secret)
	return err
}

// GetWebhookSecret loads encrypted secret bytes for a repository.
func (r *Repository) GetWebhookSecret(ctx context.Context, repoFullName string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE repo_full_name = $1`
	row := r.pool.QueryRow(ctx, query, repoFullName)
	var secret []byte
	if err := row.Scan(&secret); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return secret, nil
}
