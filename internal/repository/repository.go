package repository

import (
	"context"

	"github.com/sferro/deployd/internal/domain"
)

// ConfigRepository persists deploy configurations keyed by (repo, branch).
type ConfigRepository interface {
	UpsertConfig(ctx context.Context, cfg *domain.DeployConfig) error
	GetConfig(ctx context.Context, repoFullName, branch string) (*domain.DeployConfig, error)
	ListConfigs(ctx context.Context, repoFullName string) ([]domain.DeployConfig, error)
	DeleteConfig(ctx context.Context, repoFullName, branch string) error
}

// DeploymentRepository stores deployment lifecycle records.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, repoFullName string, limit, offset int) ([]domain.Deployment, error)
}

// LogRepository handles log event persistence and replay.
type LogRepository interface {
	AppendLogEvent(ctx context.Context, event domain.LogEvent) error
	ListLogEvents(ctx context.Context, deploymentID string, limit, offset int) ([]domain.LogEvent, error)
}

// WebhookRepository stores webhook audit records and per-repository secrets.
type WebhookRepository interface {
	InsertWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error
	UpsertWebhookSecret(ctx context.Context, repoFullName string, secret []byte) error
	GetWebhookSecret(ctx context.Context, repoFullName string) ([]byte, error)
}
