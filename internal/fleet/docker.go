package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerProvisioner runs the builder image in a local container. It keeps the
// same contract as the fleet API: the container receives the build environment
// and calls back into the control plane on its own.
type DockerProvisioner struct {
	inner *client.Client
	image string
}

// NewDockerProvisioner creates a provisioner over the local Docker daemon.
// An empty host uses environment defaults.
func NewDockerProvisioner(host, image string) (*DockerProvisioner, error) {
	if strings.TrimSpace(image) == "" {
		return nil, fmt.Errorf("fleet: builder image cannot be empty")
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerProvisioner{inner: inner, image: image}, nil
}

// Ping validates connectivity to the Docker daemon.
func (p *DockerProvisioner) Ping(ctx context.Context) error {
	if p == nil || p.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := p.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Provision starts a builder container with the given environment. A stale
// container under the same name is removed first so retried provisions of the
// same deployment do not collide.
func (p *DockerProvisioner) Provision(ctx context.Context, name string, env map[string]string) (Machine, error) {
	if strings.TrimSpace(name) == "" {
		return Machine{}, fmt.Errorf("container name cannot be empty")
	}
	if err := p.Destroy(ctx, name); err != nil {
		return Machine{}, err
	}

	cfg := &container.Config{
		Image:        p.image,
		Env:          flattenEnv(env),
		ExposedPorts: map[nat.Port]struct{}{},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: false,
		RestartPolicy: container.RestartPolicy{
			Name: "no",
		},
	}
	created, err := p.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Machine{}, fmt.Errorf("container create: %w", err)
	}
	if err := p.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Machine{}, fmt.Errorf("container start: %w", err)
	}
	return Machine{ID: created.ID, State: "started"}, nil
}

// Destroy removes a builder container if it exists.
func (p *DockerProvisioner) Destroy(ctx context.Context, machineID string) error {
	if strings.TrimSpace(machineID) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := p.inner.ContainerRemove(ctx, machineID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// WaitForStop blocks until the container exits and returns its exit code.
func (p *DockerProvisioner) WaitForStop(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := p.inner.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	for {
		select {
		case err := <-errCh:
			if err == nil {
				continue
			}
			if client.IsErrNotFound(err) {
				return 0, nil
			}
			return 0, fmt.Errorf("wait for container stop: %w", err)
		case status := <-statusCh:
			return status.StatusCode, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close releases resources held by the Docker client.
func (p *DockerProvisioner) Close() error {
	if p.inner == nil {
		return nil
	}
	return p.inner.Close()
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
