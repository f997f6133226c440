// Package ingest turns provider webhooks into deployment requests. Payloads
// are authenticated with a per-project HMAC secret stored sealed at rest.
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/repository"
	"github.com/skiffhq/skiff/pkg/crypto"
)

// ErrInvalidSignature rejects a payload whose HMAC does not match the
// project's webhook secret.
var ErrInvalidSignature = errors.New("ingest: invalid webhook signature")

// Enqueuer admits normalized deployment requests for a tenant.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, requests []domain.DeploymentRequest) ([]domain.Deployment, error)
}

// Service handles webhook secret storage, signature validation and push
// normalization.
type Service struct {
	projects    repository.ProjectRepository
	webhooks    repository.WebhookRepository
	coordinator Enqueuer
	sealKey     string
	logger      *slog.Logger
}

// New constructs an ingest service.
func New(projects repository.ProjectRepository, webhooks repository.WebhookRepository, coordinator Enqueuer, sealKey string, logger *slog.Logger) Service {
	return Service{
		projects:    projects,
		webhooks:    webhooks,
		coordinator: coordinator,
		sealKey:     sealKey,
		logger:      logger,
	}
}

// UpsertSecret stores a project's webhook secret sealed with the service key.
func (s Service) UpsertSecret(ctx context.Context, projectID, secret string) error {
	value := strings.TrimSpace(secret)
	if value == "" {
		return errors.New("secret is required")
	}
	sealed, err := crypto.Seal(s.sealKey, value)
	if err != nil {
		return err
	}
	return s.webhooks.UpsertWebhookSecret(ctx, projectID, sealed)
}

// ValidateSignature checks the HMAC-SHA256 signature for a payload. The
// provided value may carry the provider's "sha256=" prefix.
func (s Service) ValidateSignature(payload, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// CheckSignature loads and unseals the project's secret, then validates the
// payload signature against it.
func (s Service) CheckSignature(ctx context.Context, projectID string, payload []byte, provided string) error {
	sealed, err := s.webhooks.GetWebhookSecret(ctx, projectID)
	if err != nil {
		return err
	}
	secret, err := crypto.Open(s.sealKey, sealed)
	if err != nil {
		return err
	}
	return s.ValidateSignature(payload, []byte(secret), provided)
}

// pushEvent is the subset of a GitHub push payload the platform consumes.
type pushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Deleted    bool   `json:"deleted"`
	HeadCommit *struct {
		ID        string    `json:"id"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"head_commit"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// HandlePush normalizes a push payload for the project and enqueues the
// resulting deployments. Pushes to branches other than the project's default
// branch, branch deletions and empty pushes are ignored.
func (s Service) HandlePush(ctx context.Context, projectID string, payload []byte) ([]domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	var event pushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode push payload: %w", err)
	}
	if event.Deleted || event.HeadCommit == nil {
		return nil, nil
	}
	if event.Ref != "refs/heads/"+project.DefaultBranch {
		s.logger.Info("ignoring push to non-default branch",
			"project_id", projectID,
			"ref", event.Ref,
		)
		return nil, nil
	}
	if event.Repository.Owner.Login != project.RepoOwner || event.Repository.Name != project.RepoName {
		return nil, fmt.Errorf("push repository %s/%s does not match project %s",
			event.Repository.Owner.Login, event.Repository.Name, projectID)
	}

	triggeredAt := event.HeadCommit.Timestamp.UTC()
	if triggeredAt.IsZero() {
		triggeredAt = time.Now().UTC()
	}
	requests := []domain.DeploymentRequest{{
		ProjectID: projectID,
		Trigger:   domain.TriggerGit,
		Commit: domain.Commit{
			Ref:     event.Ref,
			SHA:     event.After,
			Message: strings.TrimSpace(event.HeadCommit.Message),
		},
		TriggeredAt: triggeredAt,
	}}

	created, err := s.coordinator.Enqueue(ctx, project.TenantID, requests)
	if err != nil {
		return nil, fmt.Errorf("enqueue deployment: %w", err)
	}
	return created, nil
}
