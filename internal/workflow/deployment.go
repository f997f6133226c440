package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"log/slog"

	"github.com/skiffhq/skiff/internal/artifact"
	"github.com/skiffhq/skiff/internal/coordinator"
	"github.com/skiffhq/skiff/internal/dispatch"
	"github.com/skiffhq/skiff/internal/domain"
	"github.com/skiffhq/skiff/internal/fleet"
	"github.com/skiffhq/skiff/internal/repository"
	"github.com/skiffhq/skiff/pkg/token"
)

// EventBuildComplete is the event name a build machine's completion callback
// delivers, carrying the build manifest as payload.
const EventBuildComplete = "build-complete"

// Coordinator is the slice of the admission registry the workflow reports to.
type Coordinator interface {
	Succeed(ctx context.Context, tenantID, deploymentID, output string) error
	Fail(ctx context.Context, tenantID, deploymentID string) error
	Deploying(ctx context.Context, tenantID, deploymentID string) error
}

// ArtifactStore reads build outputs and mints prefix-scoped credentials.
type ArtifactStore interface {
	Bucket() string
	Fetch(ctx context.Context, key string) (io.ReadCloser, int64, error)
	ScopedCredentials(ctx context.Context, prefix string, ttl time.Duration) (artifact.Credentials, error)
}

// Dispatcher uploads assets and publishes scripts at the dispatch provider.
type Dispatcher interface {
	CreateUploadSession(ctx context.Context, scriptName string, hashes []string) (dispatch.UploadSession, error)
	UploadAssets(ctx context.Context, session dispatch.UploadSession, assets []dispatch.Asset) (string, error)
	PublishScript(ctx context.Context, req dispatch.PublishRequest) error
}

// Config carries the workflow's runtime settings.
type Config struct {
	// PublicAPIURL is the address build machines call back into.
	PublicAPIURL string
	// BuildWaitTimeout bounds the wait for a build-complete event.
	BuildWaitTimeout time.Duration
	// CredentialTTL bounds the lifetime of tokens and storage credentials
	// handed to a build machine.
	CredentialTTL time.Duration
}

// DeploymentWorkflow drives one deployment from admitted to published. It is
// the coordinator's Launcher: every admitted or resumed deployment enters
// through Launch.
type DeploymentWorkflow struct {
	engine      *Engine
	coordinator Coordinator
	projects    repository.ProjectRepository
	tokens      token.Service
	store       ArtifactStore
	dispatcher  Dispatcher
	fleet       fleet.Provisioner
	cfg         Config
	logger      *slog.Logger
}

// NewDeploymentWorkflow wires the deployment workflow.
func NewDeploymentWorkflow(
	engine *Engine,
	coord Coordinator,
	projects repository.ProjectRepository,
	tokens token.Service,
	store ArtifactStore,
	dispatcher Dispatcher,
	provisioner fleet.Provisioner,
	cfg Config,
	logger *slog.Logger,
) *DeploymentWorkflow {
	if cfg.BuildWaitTimeout <= 0 {
		cfg.BuildWaitTimeout = 30 * time.Minute
	}
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 10 * time.Minute
	}
	return &DeploymentWorkflow{
		engine:      engine,
		coordinator: coord,
		projects:    projects,
		tokens:      tokens,
		store:       store,
		dispatcher:  dispatcher,
		fleet:       provisioner,
		cfg:         cfg,
		logger:      logger,
	}
}

// Launch starts (or resumes) the workflow run for a deployment in its own
// goroutine. The deployment id doubles as the workflow id, so a relaunch
// after a restart replays the same step log.
func (w *DeploymentWorkflow) Launch(d domain.Deployment) {
	go func() {
		err := w.engine.Run(context.Background(), d.ID, func(r *Run) error {
			return w.run(r, d)
		})
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) {
			w.logger.Info("deployment workflow canceled",
				"tenant_id", d.TenantID,
				"deployment_id", d.ID,
			)
			return
		}
		w.logger.Error("deployment workflow failed",
			"tenant_id", d.TenantID,
			"deployment_id", d.ID,
			"error", err,
		)
		if failErr := w.coordinator.Fail(context.Background(), d.TenantID, d.ID); failErr != nil {
			w.logger.Error("record deployment failure",
				"deployment_id", d.ID,
				"error", failErr,
			)
		}
	}()
}

// Deliver routes a build-complete callback into the suspended run.
func (w *DeploymentWorkflow) Deliver(ctx context.Context, deploymentID string, manifestJSON []byte) error {
	return w.engine.Deliver(ctx, deploymentID, EventBuildComplete, manifestJSON)
}

// Cancel aborts the in-flight run for a deployment.
func (w *DeploymentWorkflow) Cancel(deploymentID string) {
	w.engine.Cancel(deploymentID)
}

func (w *DeploymentWorkflow) run(r *Run, d domain.Deployment) error {
	ctx := r.Context()

	project, err := Step(r, "fetch-project", func(ctx context.Context) (domain.Project, error) {
		p, err := w.projects.GetProjectByID(ctx, d.ProjectID)
		if err != nil {
			return domain.Project{}, fmt.Errorf("fetch project %s: %w", d.ProjectID, err)
		}
		return *p, nil
	})
	if err != nil {
		return err
	}

	prefix := d.ProjectID + "/" + d.ID + "/"

	// Deliberately not a durable step: tokens and storage credentials are
	// short-lived, so a replay must mint fresh ones rather than hand the
	// builder expired material from the log.
	env, err := w.buildEnvironment(ctx, project, d, prefix)
	if err != nil {
		return err
	}

	machine, err := Step(r, "provision-builder", func(ctx context.Context) (fleet.Machine, error) {
		return w.fleet.Provision(ctx, "builder-"+d.ID, env)
	})
	if err != nil {
		return err
	}
	w.logger.Info("build machine provisioned",
		"deployment_id", d.ID,
		"machine_id", machine.ID,
	)

	payload, err := AwaitEvent(r, EventBuildComplete, w.cfg.BuildWaitTimeout)
	if err != nil {
		return err
	}
	var manifest domain.BuildManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return fmt.Errorf("decode build manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("reject build manifest: %w", err)
	}

	name := d.ProjectID + "-" + d.ID

	completion, err := Step(r, "upload-assets", func(ctx context.Context) (string, error) {
		return w.uploadAssets(ctx, name, prefix, manifest)
	})
	if err != nil {
		return err
	}

	if _, err := Step(r, "publish-script", func(ctx context.Context) (bool, error) {
		if err := w.publishScript(ctx, name, prefix, manifest, completion); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return err
	}

	// The artifact is live behind a new version; flip to deploying so a
	// cancel arriving now is rejected. A replay past this point sees the row
	// already in deploying and moves on.
	if err := w.coordinator.Deploying(ctx, d.TenantID, d.ID); err != nil && !errors.Is(err, coordinator.ErrInvalidTransition) {
		return err
	}

	return w.coordinator.Succeed(ctx, d.TenantID, d.ID, "published "+name)
}

func (w *DeploymentWorkflow) buildEnvironment(ctx context.Context, project domain.Project, d domain.Deployment, prefix string) (map[string]string, error) {
	repoToken, err := w.tokens.Sign(token.TypeRepositoryDownload, token.RepositoryDownload{
		InstallationID: project.InstallationID,
		Owner:          project.RepoOwner,
		Repo:           project.RepoName,
		Ref:            d.Commit.Ref,
	})
	if err != nil {
		return nil, fmt.Errorf("sign repository token: %w", err)
	}
	deployToken, err := w.tokens.Sign(token.TypeCompleteDeployment, token.CompleteDeployment{
		TenantID:     d.TenantID,
		ProjectID:    d.ProjectID,
		DeploymentID: d.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign deploy token: %w", err)
	}
	creds, err := w.store.ScopedCredentials(ctx, prefix, w.cfg.CredentialTTL)
	if err != nil {
		return nil, fmt.Errorf("mint storage credentials: %w", err)
	}

	return map[string]string{
		"PROJECT_ID":           d.ProjectID,
		"DEPLOYMENT_ID":        d.ID,
		"API_URL":              w.cfg.PublicAPIURL,
		"REPO_FETCH_TOKEN":     repoToken,
		"DEPLOY_TOKEN":         deployToken,
		"S3_ACCESS_KEY_ID":     creds.AccessKeyID,
		"S3_SECRET_ACCESS_KEY": creds.SecretAccessKey,
		"S3_SESSION_TOKEN":     creds.SessionToken,
		"S3_REGION":            creds.Region,
		"S3_BUCKET":            creds.Bucket,
		"S3_ENDPOINT":          creds.Endpoint,
	}, nil
}

// uploadAssets computes the upload plan with the dispatch provider and pushes
// every missing asset, fetched from the artifact store rather than the build
// machine, which may be gone by now. A manifest-referenced object missing
// from storage fails the deployment outright.
func (w *DeploymentWorkflow) uploadAssets(ctx context.Context, scriptName, prefix string, manifest domain.BuildManifest) (string, error) {
	if len(manifest.Static) == 0 {
		return "", nil
	}

	pathByHash := make(map[string]string, len(manifest.Static))
	hashes := make([]string, 0, len(manifest.Static))
	for path, entry := range manifest.Static {
		if _, seen := pathByHash[entry.Hash]; seen {
			continue
		}
		pathByHash[entry.Hash] = path
		hashes = append(hashes, entry.Hash)
	}
	sort.Strings(hashes)

	session, err := w.dispatcher.CreateUploadSession(ctx, scriptName, hashes)
	if err != nil {
		return "", err
	}

	var assets []dispatch.Asset
	for _, bucket := range session.Buckets {
		for _, hash := range bucket {
			path, ok := pathByHash[hash]
			if !ok {
				return "", fmt.Errorf("upload plan references unknown hash %s", hash)
			}
			entry := manifest.Static[path]
			payload, size, err := w.fetchObject(ctx, prefix+path)
			if err != nil {
				return "", err
			}
			if size != entry.Size {
				return "", fmt.Errorf("asset %s size mismatch: manifest %d, stored %d", path, entry.Size, size)
			}
			assets = append(assets, dispatch.Asset{
				Hash:        hash,
				ContentType: entry.ContentType,
				Payload:     payload,
			})
		}
	}

	return w.dispatcher.UploadAssets(ctx, session, assets)
}

func (w *DeploymentWorkflow) publishScript(ctx context.Context, name, prefix string, manifest domain.BuildManifest, completion string) error {
	entryPath := manifest.EntryModule()

	paths := make([]string, 0, len(manifest.Modules))
	for path := range manifest.Modules {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var entry dispatch.Module
	modules := make([]dispatch.Module, 0, len(paths)-1)
	for _, path := range paths {
		mod := manifest.Modules[path]
		payload, size, err := w.fetchObject(ctx, prefix+path)
		if err != nil {
			return err
		}
		if size != mod.Size {
			return fmt.Errorf("module %s size mismatch: manifest %d, stored %d", path, mod.Size, size)
		}
		m := dispatch.Module{
			Path:        path,
			Kind:        string(mod.Kind),
			ContentType: mod.ContentType,
			Payload:     payload,
		}
		if path == entryPath {
			entry = m
			continue
		}
		modules = append(modules, m)
	}

	return w.dispatcher.PublishScript(ctx, dispatch.PublishRequest{
		Name:            name,
		EntryModule:     entry,
		Modules:         modules,
		CompletionToken: completion,
	})
}

func (w *DeploymentWorkflow) fetchObject(ctx context.Context, key string) ([]byte, int64, error) {
	body, size, err := w.store.Fetch(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer body.Close()
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, fmt.Errorf("read object %s: %w", key, err)
	}
	return payload, size, nil
}
