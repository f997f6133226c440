package repository

import (
	"context"

	"github.com/skiffhq/skiff/internal/domain"
)

// ProjectRepository persists project configuration.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByTenant(ctx context.Context, tenantID string) ([]domain.Project, error)
}

// DeploymentRepository stores deployment rows. Every status mutation is a
// durable write-through performed before the coordinator's in-memory
// projection reflects it.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	PatchDeploymentStatus(ctx context.Context, patch domain.StatusPatch) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListActiveDeployments(ctx context.Context, tenantID string) ([]domain.Deployment, error)
	ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error)
}

// WorkflowRepository is the durable step log backing workflow replay. A step
// result is written exactly once per (workflow, step) pair.
type WorkflowRepository interface {
	PutStepResult(ctx context.Context, workflowID, step string, result []byte) error
	GetStepResult(ctx context.Context, workflowID, step string) ([]byte, bool, error)
}

// WebhookRepository stores sealed per-project webhook secrets.
type WebhookRepository interface {
	UpsertWebhookSecret(ctx context.Context, projectID string, sealed []byte) error
	GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error)
}
