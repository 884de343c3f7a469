// Package sandbox implements clirunner.Sandbox by running one `mu` CLI
// invocation to completion inside a throwaway Docker container, instead of
// a direct host subprocess. It is grounded on
// internal/ruriko/runtime/docker.Adapter's create→start→wait→logs→remove
// lifecycle, narrowed from a long-lived agent container (spawned once,
// inspected/stopped/removed across its own lifetime) to a single
// ephemeral container created fresh for each invocation and always
// removed afterward.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/mu/internal/controlplane/clirunner"
)

const labelManagedBy = "mu.managed-by"
const managedByValue = "mu-controlplane"

// DockerSandbox runs each clirunner.InvocationPlan in a fresh container of
// Image, on NetworkName if set, removing the container once the command
// finishes regardless of outcome.
type DockerSandbox struct {
	client      *dockerclient.Client
	image       string
	networkName string
}

// New connects to the Docker Engine named by the DOCKER_HOST env var (or
// the default socket) and returns a sandbox that launches every
// invocation from image.
func New(image, networkName string) (*DockerSandbox, error) {
	if image == "" {
		return nil, fmt.Errorf("sandbox: image is required")
	}
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	return &DockerSandbox{client: cli, image: image, networkName: networkName}, nil
}

// buildContainerConfig builds the container.Config for one InvocationPlan,
// carrying its argv/env through as-is and stamping the managed-by label so
// a stray container from a crashed control plane is identifiable.
func buildContainerConfig(image string, plan clirunner.InvocationPlan) *container.Config {
	return &container.Config{
		Image:      image,
		Cmd:        plan.Argv,
		Env:        plan.Env,
		Labels:     map[string]string{labelManagedBy: managedByValue},
		WorkingDir: "/workspace",
	}
}

// networkingConfigFor returns the NetworkingConfig attaching the container
// to networkName, or nil to leave Docker's default bridge network in place.
func networkingConfigFor(networkName string) *network.NetworkingConfig {
	if networkName == "" {
		return nil
	}
	return &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{networkName: {}},
	}
}

// Run implements clirunner.Sandbox.
func (s *DockerSandbox) Run(ctx context.Context, plan clirunner.InvocationPlan) (stdout, stderr string, exitCode int, err error) {
	containerCfg := buildContainerConfig(s.image, plan)
	hostCfg := &container.HostConfig{AutoRemove: false}
	netCfg := networkingConfigFor(s.networkName)

	resp, err := s.client.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("sandbox: create container: %w", err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.client.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("sandbox: start container: %w", err)
	}

	statusCh, errCh := s.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case waitErr := <-errCh:
		if waitErr != nil {
			return "", "", -1, fmt.Errorf("sandbox: wait container: %w", waitErr)
		}
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		return "", "", -1, ctx.Err()
	}

	logs, err := s.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("sandbox: read logs: %w", err)
	}
	defer logs.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, logs); err != nil {
		return "", "", exitCode, fmt.Errorf("sandbox: demux logs: %w", err)
	}

	return outBuf.String(), errBuf.String(), exitCode, nil
}
