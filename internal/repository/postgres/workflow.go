package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// PutStepResult records a completed workflow step. The first write wins:
// a replayed step must observe the originally persisted result.
func (r *Repository) PutStepResult(ctx context.Context, workflowID, step string, result []byte) error {
	const query = `INSERT INTO workflow_steps (workflow_id, step, result, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (workflow_id, step) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, workflowID, step, result)
	return err
}

// GetStepResult loads a persisted step result, reporting whether it exists.
func (r *Repository) GetStepResult(ctx context.Context, workflowID, step string) ([]byte, bool, error) {
	const query = `SELECT result FROM workflow_steps WHERE workflow_id = $1 AND step = $2`
	row := r.pool.QueryRow(ctx, query, workflowID, step)
	var result []byte
	if err := row.Scan(&result); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return result, true, nil
}
