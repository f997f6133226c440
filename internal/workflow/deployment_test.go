package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/skiffhq/skiff/internal/artifact"
	"github.com/skiffhq/skiff/internal/dispatch"
	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/fleet"
	"github.com/skiffhq/skiff/internal/repository"
	"github.com/skiffhq/skiff/pkg/token"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	succeeded []string
	failed    []string
	deploying []string
	outputs   map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{outputs: make(map[string]string)}
}

func (c *fakeCoordinator) Succeed(ctx context.Context, tenantID, deploymentID, output string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.succeeded = append(c.succeeded, deploymentID)
	c.outputs[deploymentID] = output
	return nil
}

func (c *fakeCoordinator) Fail(ctx context.Context, tenantID, deploymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, deploymentID)
	return nil
}

func (c *fakeCoordinator) Deploying(ctx context.Context, tenantID, deploymentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deploying = append(c.deploying, deploymentID)
	return nil
}

func (c *fakeCoordinator) counts() (succeeded, failed, deploying int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.succeeded), len(c.failed), len(c.deploying)
}

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
	var out []domain.Project
	for _, p := range f.projects {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	minted  int
}

func (s *fakeStore) Bucket() string { return "test-bucket" }

func (s *fakeStore) Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", artifact.ErrObjectMissing, key)
	}
	return io.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
}

func (s *fakeStore) ScopedCredentials(ctx context.Context, prefix string, ttl time.Duration) (artifact.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minted++
	return artifact.Credentials{
		AccessKeyID:     "scoped-key",
		SecretAccessKey: "scoped-secret",
		SessionToken:    fmt.Sprintf("session-%d", s.minted),
		Region:          "us-east-1",
		Bucket:          "test-bucket",
		Endpoint:        "storage:9000",
	}, nil
}

type fakeDispatcher struct {
	mu        sync.Mutex
	sessions  int
	uploaded  []dispatch.Asset
	published []dispatch.PublishRequest
}

func (d *fakeDispatcher) CreateUploadSession(ctx context.Context, scriptName string, hashes []string) (dispatch.UploadSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions++
	return dispatch.UploadSession{SessionToken: "session-jwt", Buckets: [][]string{hashes}}, nil
}

func (d *fakeDispatcher) UploadAssets(ctx context.Context, session dispatch.UploadSession, assets []dispatch.Asset) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploaded = append(d.uploaded, assets...)
	return "completion-token", nil
}

func (d *fakeDispatcher) PublishScript(ctx context.Context, req dispatch.PublishRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = append(d.published, req)
	return nil
}

func (d *fakeDispatcher) publishCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.published)
}

type fakeProvisioner struct {
	mu         sync.Mutex
	provisions int
	lastEnv    map[string]string
}

func (p *fakeProvisioner) Provision(ctx context.Context, name string, env map[string]string) (fleet.Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisions++
	p.lastEnv = env
	return fleet.Machine{ID: fmt.Sprintf("machine-%d", p.provisions)}, nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, machineID string) error { return nil }

type workflowFixture struct {
	log         *memStepLog
	engine      *Engine
	coord       *fakeCoordinator
	store       *fakeStore
	dispatcher  *fakeDispatcher
	provisioner *fakeProvisioner
	wf          *DeploymentWorkflow
	deployment  domain.Deployment
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	log := newMemStepLog()
	engine := NewEngine(log, testLogger())
	coord := newFakeCoordinator()
	store := &fakeStore{objects: make(map[string][]byte)}
	dispatcher := &fakeDispatcher{}
	provisioner := &fakeProvisioner{}
	projects := &fakeProjectRepo{projects: map[string]domain.Project{
		"proj-1": {
			ID:             "proj-1",
			TenantID:       "tenant-1",
			Name:           "storefront",
			InstallationID: 77,
			RepoOwner:      "acme",
			RepoName:       "storefront",
			DefaultBranch:  "main",
		},
	}}
	wf := NewDeploymentWorkflow(
		engine,
		coord,
		projects,
		token.NewService("test-secret", time.Minute),
		store,
		dispatcher,
		provisioner,
		Config{PublicAPIURL: "http://api:4000", BuildWaitTimeout: time.Second, CredentialTTL: time.Minute},
		testLogger(),
	)
	return &workflowFixture{
		log:         log,
		engine:      engine,
		coord:       coord,
		store:       store,
		dispatcher:  dispatcher,
		provisioner: provisioner,
		wf:          wf,
		deployment: domain.Deployment{
			ID:        "dep-1",
			TenantID:  "tenant-1",
			ProjectID: "proj-1",
			Status:    domain.StatusBuilding,
			Commit:    domain.Commit{Ref: "refs/heads/main", SHA: "abc123"},
		},
	}
}

func validManifest() domain.BuildManifest {
	return domain.BuildManifest{
		Entrypoint: "index.js",
		Modules: map[string]domain.ModuleEntry{
			"index.js": {Hash: "aa11", Size: 5, ContentType: "text/javascript", Kind: domain.KindEntryPoint},
			"chunk.js": {Hash: "bb22", Size: 6, ContentType: "text/javascript", Kind: domain.KindChunk},
		},
		Static: map[string]domain.StaticEntry{
			"logo.png": {Hash: "cc33", Size: 4, ContentType: "image/png"},
		},
	}
}

func (f *workflowFixture) seedObjects() {
	f.store.objects["proj-1/dep-1/index.js"] = []byte("entry")
	f.store.objects["proj-1/dep-1/chunk.js"] = []byte("chunk!")
	f.store.objects["proj-1/dep-1/logo.png"] = []byte("icon")
}

func (f *workflowFixture) deliverManifest(t *testing.T, m domain.BuildManifest) {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := f.wf.Deliver(context.Background(), f.deployment.ID, raw); err != nil {
		t.Fatalf("deliver manifest: %v", err)
	}
}

func (f *workflowFixture) runOnce(t *testing.T) error {
	t.Helper()
	return f.engine.Run(context.Background(), f.deployment.ID, func(r *Run) error {
		return f.wf.run(r, f.deployment)
	})
}

func TestDeploymentWorkflowPublishesAndSucceeds(t *testing.T) {
	f := newWorkflowFixture(t)
	f.seedObjects()
	f.deliverManifest(t, validManifest())

	if err := f.runOnce(t); err != nil {
		t.Fatalf("run: %v", err)
	}

	env := f.provisioner.lastEnv
	for _, key := range []string{
		"PROJECT_ID", "DEPLOYMENT_ID", "API_URL",
		"REPO_FETCH_TOKEN", "DEPLOY_TOKEN",
		"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY", "S3_SESSION_TOKEN",
		"S3_REGION", "S3_BUCKET", "S3_ENDPOINT",
	} {
		if env[key] == "" {
			t.Errorf("build env missing %s", key)
		}
	}
	if env["PROJECT_ID"] != "proj-1" || env["DEPLOYMENT_ID"] != "dep-1" {
		t.Errorf("build env ids = %s/%s", env["PROJECT_ID"], env["DEPLOYMENT_ID"])
	}

	svc := token.NewService("test-secret", time.Minute)
	var repoProps token.RepositoryDownload
	if err := svc.Verify(token.TypeRepositoryDownload, env["REPO_FETCH_TOKEN"], &repoProps); err != nil {
		t.Fatalf("verify repo token: %v", err)
	}
	if repoProps.Owner != "acme" || repoProps.Repo != "storefront" || repoProps.Ref != "refs/heads/main" {
		t.Errorf("repo token props = %+v", repoProps)
	}
	var deployProps token.CompleteDeployment
	if err := svc.Verify(token.TypeCompleteDeployment, env["DEPLOY_TOKEN"], &deployProps); err != nil {
		t.Fatalf("verify deploy token: %v", err)
	}
	if deployProps.DeploymentID != "dep-1" {
		t.Errorf("deploy token deployment = %s", deployProps.DeploymentID)
	}

	if n := f.dispatcher.publishCount(); n != 1 {
		t.Fatalf("published %d times, want 1", n)
	}
	pub := f.dispatcher.published[0]
	if pub.Name != "proj-1-dep-1" {
		t.Errorf("dispatch name = %s, want proj-1-dep-1", pub.Name)
	}
	if pub.EntryModule.Path != "index.js" || string(pub.EntryModule.Payload) != "entry" {
		t.Errorf("entry module = %+v", pub.EntryModule)
	}
	if len(pub.Modules) != 1 || pub.Modules[0].Path != "chunk.js" {
		t.Errorf("supporting modules = %+v", pub.Modules)
	}
	if pub.CompletionToken != "completion-token" {
		t.Errorf("completion token = %s", pub.CompletionToken)
	}
	if len(f.dispatcher.uploaded) != 1 || f.dispatcher.uploaded[0].Hash != "cc33" {
		t.Errorf("uploaded assets = %+v", f.dispatcher.uploaded)
	}

	succeeded, failed, deploying := f.coord.counts()
	if succeeded != 1 || failed != 0 || deploying != 1 {
		t.Fatalf("coordinator calls: succeed=%d fail=%d deploying=%d", succeeded, failed, deploying)
	}
}

func TestReplayDoesNotReprovisionOrRepublish(t *testing.T) {
	f := newWorkflowFixture(t)
	f.seedObjects()
	f.deliverManifest(t, validManifest())

	if err := f.runOnce(t); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.runOnce(t); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if f.provisioner.provisions != 1 {
		t.Errorf("provisioned %d times, want 1", f.provisioner.provisions)
	}
	if n := f.dispatcher.publishCount(); n != 1 {
		t.Errorf("published %d times, want 1", n)
	}
	// Credentials are short-lived and must be re-minted per attempt.
	if f.store.minted != 2 {
		t.Errorf("minted credentials %d times, want 2", f.store.minted)
	}
}

func TestInvalidManifestFailsBeforePublish(t *testing.T) {
	f := newWorkflowFixture(t)
	f.seedObjects()
	m := validManifest()
	m.Modules["second.js"] = domain.ModuleEntry{Hash: "dd44", Size: 1, ContentType: "text/javascript", Kind: domain.KindEntryPoint}
	m.Entrypoint = ""
	f.deliverManifest(t, m)

	f.wf.Launch(f.deployment)

	deadline := time.After(time.Second)
	for {
		_, failed, _ := f.coord.counts()
		if failed == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deployment never failed")
		case <-time.After(time.Millisecond):
		}
	}
	if n := f.dispatcher.publishCount(); n != 0 {
		t.Errorf("published %d times, want 0", n)
	}
}

func TestMissingArtifactFailsDeployment(t *testing.T) {
	f := newWorkflowFixture(t)
	f.seedObjects()
	delete(f.store.objects, "proj-1/dep-1/logo.png")
	f.deliverManifest(t, validManifest())

	err := f.runOnce(t)
	if err == nil {
		t.Fatal("expected missing artifact to fail the run")
	}
	if n := f.dispatcher.publishCount(); n != 0 {
		t.Errorf("published %d times, want 0", n)
	}
}

func TestStoredSizeMismatchFailsDeployment(t *testing.T) {
	f := newWorkflowFixture(t)
	f.seedObjects()
	f.store.objects["proj-1/dep-1/logo.png"] = []byte("tampered payload")
	f.deliverManifest(t, validManifest())

	if err := f.runOnce(t); err == nil {
		t.Fatal("expected size mismatch to fail the run")
	}
}
