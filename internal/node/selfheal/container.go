package selfheal

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// ContainerRuntime restarts the vendor daemon (or device bridge) when it
// runs as a Docker container instead of a bare host process — the same
// kill→relaunch shape as killProcess/launchProcess, but through the Docker
// API rather than a signal and a fork/exec.
type ContainerRuntime struct {
	docker *dockerclient.Client
	name   string
}

// NewContainerRuntime connects to the Docker daemon at socketPath (empty
// string uses the SDK's default resolution) and targets containerName for
// restarts.
func NewContainerRuntime(socketPath, containerName string) (*ContainerRuntime, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("selfheal: docker client: %w", err)
	}
	return &ContainerRuntime{docker: dc, name: containerName}, nil
}

// Restart stops then starts the target container. Docker's stop is a no-op
// on an already-stopped container, so only a genuine failure (including
// the container not existing) is treated as an error.
func (c *ContainerRuntime) Restart(ctx context.Context) error {
	timeout := 10
	if err := c.docker.ContainerStop(ctx, c.name, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("selfheal: stop container %s: %w", c.name, err)
	}
	time.Sleep(killWait)

	if err := c.docker.ContainerStart(ctx, c.name, container.StartOptions{}); err != nil {
		return fmt.Errorf("selfheal: start container %s: %w", c.name, err)
	}
	return nil
}

// Close releases the underlying Docker client connection.
func (c *ContainerRuntime) Close() error {
	return c.docker.Close()
}
