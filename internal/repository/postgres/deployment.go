package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/repository"
)

const deploymentColumns = `id, tenant_id, project_id, status, triggered_by, commit_ref, commit_sha, commit_message,
	output, triggered_at, started_at, completed_at, failed_at, canceled_at`

// CreateDeployment inserts a deployment row.
func (r *Repository) CreateDeployment(ctx context.Context, d *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, tenant_id, project_id, status, triggered_by, commit_ref, commit_sha, commit_message, output, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query, d.ID, d.TenantID, d.ProjectID, d.Status, d.Trigger,
		d.Commit.Ref, d.Commit.SHA, d.Commit.Message, d.Output, d.TriggeredAt)
	return err
}

// PatchDeploymentStatus applies a single status mutation. Timestamps already
// set on the row are never cleared.
func (r *Repository) PatchDeploymentStatus(ctx context.Context, patch domain.StatusPatch) error {
	const query = `UPDATE deployments SET
			status = $2,
			output = COALESCE(NULLIF($3, ''), output),
			started_at = COALESCE($4, started_at),
			completed_at = COALESCE($5, completed_at),
			failed_at = COALESCE($6, failed_at),
			canceled_at = COALESCE($7, canceled_at)
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, patch.DeploymentID, patch.Status, patch.Output,
		patch.StartedAt, patch.CompletedAt, patch.FailedAt, patch.CanceledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	d, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListActiveDeployments returns all non-terminal deployments for a tenant
// ordered by trigger time. This is the coordinator's recovery query.
func (r *Repository) ListActiveDeployments(ctx context.Context, tenantID string) ([]domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE tenant_id = $1 AND status IN ('queued', 'building', 'deploying')
		ORDER BY triggered_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsByProject returns recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, projectID string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project_id = $1 ORDER BY triggered_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	if err := row.Scan(
		&d.ID,
		&d.TenantID,
		&d.ProjectID,
		&d.Status,
		&d.Trigger,
		&d.Commit.Ref,
		&d.Commit.SHA,
		&d.Commit.Message,
		&d.Output,
		&d.TriggeredAt,
		&d.StartedAt,
		&d.CompletedAt,
		&d.FailedAt,
		&d.CanceledAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}
