package domain

import "time"

// DeploymentStatus tracks a deployment through its lifecycle.
type DeploymentStatus string

const (
	StatusQueued    DeploymentStatus = "queued"
	StatusBuilding  DeploymentStatus = "building"
	StatusDeploying DeploymentStatus = "deploying"
	StatusSuccess   DeploymentStatus = "success"
	StatusFailed    DeploymentStatus = "failed"
	StatusCanceled  DeploymentStatus = "canceled"
)

// Terminal reports whether no further transition is permitted.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next respects the
// one-directional status machine. Terminal statuses accept nothing.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusBuilding:
		return s == StatusQueued
	case StatusDeploying:
		return s == StatusBuilding
	case StatusSuccess:
		return s == StatusBuilding || s == StatusDeploying
	case StatusFailed:
		return true
	case StatusCanceled:
		// Publication is a point of no return for the attempt.
		return s == StatusQueued || s == StatusBuilding
	}
	return false
}

// Trigger names what caused a deployment.
type Trigger string

const (
	TriggerGit    Trigger = "git"
	TriggerManual Trigger = "manual"
)

// Commit identifies the source revision being deployed.
type Commit struct {
	Ref     string `json:"ref"`
	SHA     string `json:"sha"`
	Message string `json:"message"`
}

// Deployment captures a single deployment attempt. Status is mutated only by
// the coordinator owning the tenant's queue.
type Deployment struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	ProjectID   string           `json:"project_id"`
	Status      DeploymentStatus `json:"status"`
	Trigger     Trigger          `json:"trigger"`
	Commit      Commit           `json:"commit"`
	Output      string           `json:"output,omitempty"`
	TriggeredAt time.Time        `json:"triggered_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	FailedAt    *time.Time       `json:"failed_at,omitempty"`
	CanceledAt  *time.Time       `json:"canceled_at,omitempty"`
}

// DeploymentRequest describes a deployment to be enqueued for a tenant.
type DeploymentRequest struct {
	ProjectID   string
	Trigger     Trigger
	Commit      Commit
	TriggeredAt time.Time
}

// StatusPatch carries a single status mutation for a deployment.
type StatusPatch struct {
	DeploymentID string
	Status       DeploymentStatus
	Output       string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	CanceledAt   *time.Time
}

// DeploymentEvent is broadcast to status-stream subscribers on transitions.
type DeploymentEvent struct {
	TenantID     string           `json:"tenant_id"`
	ProjectID    string           `json:"project_id"`
	DeploymentID string           `json:"deployment_id"`
	Status       DeploymentStatus `json:"status"`
	Output       string           `json:"output,omitempty"`
	At           time.Time        `json:"at"`
}
