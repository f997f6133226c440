package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/repository"
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
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.WorkflowRepository   = (*Repository)(nil)
	_ repository.WebhookRepository    = (*Repository)(nil)
)

// CreateProject inserts a project.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, tenant_id, name, installation_id, repo_owner, repo_name, default_branch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.TenantID, project.Name, project.InstallationID, project.RepoOwner, project.RepoName, project.DefaultBranch, project.CreatedAt)
	return err
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, tenant_id, name, installation_id, repo_owner, repo_name, default_branch, created_at
		FROM projects WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var project domain.Project
	if err := row.Scan(&project.ID, &project.TenantID, &project.Name, &project.InstallationID, &project.RepoOwner, &project.RepoName, &project.DefaultBranch, &project.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &project, nil
}

// ListProjectsByTenant returns projects for the provided tenant.
func (r *Repository) ListProjectsByTenant(ctx context.Context, tenantID string) ([]domain.Project, error) {
	const query = `SELECT id, tenant_id, name, installation_id, repo_owner, repo_name, default_branch, created_at
		FROM projects WHERE tenant_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var project domain.Project
		if err := rows.Scan(&project.ID, &project.TenantID, &project.Name, &project.InstallationID, &project.RepoOwner, &project.RepoName, &project.DefaultBranch, &project.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// UpsertWebhookSecret stores sealed secret bytes for a project.
func (r *Repository) UpsertWebhookSecret(ctx context.Context, projectID string, sealed []byte) error {
	const query = `INSERT INTO webhook_secrets (project_id, secret, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_id) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, projectID, sealed)
	return err
}

// GetWebhookSecret loads sealed secret bytes for a project.
func (r *Repository) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT secret FROM webhook_secrets WHERE project_id = $1`
	row := r.pool.QueryRow(ctx, query, projectID)
	var sealed []byte
	if err := row.Scan(&sealed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return sealed, nil
}
