package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"log/slog"

	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/repository"
)

type fakeProjectRepo struct {
	projects map[string]domain.Project
}

func (f *fakeProjectRepo) CreateProject(ctx context.Context, project *domain.Project) error {
	f.projects[project.ID] = *project
	return nil
}

func (f *fakeProjectRepo) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := p
	return &out, nil
}

func (f *fakeProjectRepo) ListProjectsByTenant(ctx context.Context, tenantID string) ([]domain.Project, error) {
	return nil, nil
}

type fakeWebhookRepo struct {
	secrets map[string][]byte
}

func (f *fakeWebhookRepo) UpsertWebhookSecret(ctx context.Context, projectID string, sealed []byte) error {
	f.secrets[projectID] = sealed
	return nil
}

func (f *fakeWebhookRepo) GetWebhookSecret(ctx context.Context, projectID string) ([]byte, error) {
	sealed, ok := f.secrets[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return sealed, nil
}

type fakeEnqueuer struct {
	tenantID string
	requests []domain.DeploymentRequest
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, tenantID string, requests []domain.DeploymentRequest) ([]domain.Deployment, error) {
	f.tenantID = tenantID
	f.requests = append(f.requests, requests...)
	out := make([]domain.Deployment, 0, len(requests))
	for i, req := range requests {
		out = append(out, domain.Deployment{
			ID:        "dep-" + string(rune('1'+i)),
			TenantID:  tenantID,
			ProjectID: req.ProjectID,
			Status:    domain.StatusQueued,
			Commit:    req.Commit,
		})
	}
	return out, nil
}

func newTestService() (Service, *fakeEnqueuer, *fakeWebhookRepo) {
	projects := &fakeProjectRepo{projects: map[string]domain.Project{
		"proj-1": {
			ID:            "proj-1",
			TenantID:      "tenant-1",
			RepoOwner:     "acme",
			RepoName:      "storefront",
			DefaultBranch: "main",
		},
	}}
	webhooks := &fakeWebhookRepo{secrets: make(map[string][]byte)}
	enq := &fakeEnqueuer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(projects, webhooks, enq, "seal-key", logger), enq, webhooks
}

func sign(secret string, payload []byte) string {
	hasher := hmac.New(sha256.New, []byte(secret))
	hasher.Write(payload)
	return "sha256=" + hex.EncodeToString(hasher.Sum(nil))
}

const pushPayload = `{
	"ref": "refs/heads/main",
	"after": "abc123",
	"head_commit": {"id": "abc123", "message": "ship it", "timestamp": "2026-08-30T10:00:00Z"},
	"repository": {"name": "storefront", "owner": {"login": "acme"}}
}`

func TestCheckSignatureRoundTrip(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if err := svc.UpsertSecret(ctx, "proj-1", "hook-secret"); err != nil {
		t.Fatalf("upsert secret: %v", err)
	}

	payload := []byte(pushPayload)
	if err := svc.CheckSignature(ctx, "proj-1", payload, sign("hook-secret", payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := svc.CheckSignature(ctx, "proj-1", payload, sign("wrong-secret", payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong secret: err = %v, want ErrInvalidSignature", err)
	}
	if err := svc.CheckSignature(ctx, "proj-1", payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("empty signature: err = %v, want ErrInvalidSignature", err)
	}
}

func TestHandlePushEnqueuesDeployment(t *testing.T) {
	svc, enq, _ := newTestService()

	created, err := svc.HandlePush(context.Background(), "proj-1", []byte(pushPayload))
	if err != nil {
		t.Fatalf("handle push: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d deployments, want 1", len(created))
	}
	if enq.tenantID != "tenant-1" {
		t.Errorf("enqueued for tenant %s, want tenant-1", enq.tenantID)
	}
	req := enq.requests[0]
	if req.Trigger != domain.TriggerGit {
		t.Errorf("trigger = %s, want git", req.Trigger)
	}
	if req.Commit.SHA != "abc123" || req.Commit.Message != "ship it" {
		t.Errorf("commit = %+v", req.Commit)
	}
	if req.TriggeredAt.IsZero() {
		t.Error("triggered at not set from commit timestamp")
	}
}

func TestHandlePushIgnoresNonDefaultBranch(t *testing.T) {
	svc, enq, _ := newTestService()

	payload := []byte(`{
		"ref": "refs/heads/feature",
		"after": "def456",
		"head_commit": {"id": "def456", "message": "wip"},
		"repository": {"name": "storefront", "owner": {"login": "acme"}}
	}`)
	created, err := svc.HandlePush(context.Background(), "proj-1", payload)
	if err != nil {
		t.Fatalf("handle push: %v", err)
	}
	if created != nil {
		t.Fatalf("created = %v, want nil", created)
	}
	if len(enq.requests) != 0 {
		t.Fatalf("enqueued %d requests, want 0", len(enq.requests))
	}
}

func TestHandlePushIgnoresBranchDeletion(t *testing.T) {
	svc, enq, _ := newTestService()

	payload := []byte(`{
		"ref": "refs/heads/main",
		"after": "0000000000000000000000000000000000000000",
		"deleted": true,
		"repository": {"name": "storefront", "owner": {"login": "acme"}}
	}`)
	if _, err := svc.HandlePush(context.Background(), "proj-1", payload); err != nil {
		t.Fatalf("handle push: %v", err)
	}
	if len(enq.requests) != 0 {
		t.Fatalf("enqueued %d requests, want 0", len(enq.requests))
	}
}

func TestHandlePushRejectsRepositoryMismatch(t *testing.T) {
	svc, _, _ := newTestService()

	payload := []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"head_commit": {"id": "abc123", "message": "ship it"},
		"repository": {"name": "other", "owner": {"login": "intruder"}}
	}`)
	if _, err := svc.HandlePush(context.Background(), "proj-1", payload); err == nil {
		t.Fatal("expected repository mismatch to be rejected")
	}
}
