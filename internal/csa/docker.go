package csa

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
)

// roleLabel marks every container this adapter launches, so List and the
// garbage-collection sweep can select only worker containers and leave
// anything else on the host alone.
const (
	roleLabel  = "runforge.role"
	roleValue  = "worker"
	runIDLabel = "runforge.run_id"
)

// DockerAdapter implements Adapter by launching one container per run
// against a Docker Engine API endpoint. It is a concrete stand-in for the
// base spec's "container-orchestration cluster" — the contract is the same
// shape a Kubernetes Job or Nomad batch adapter would implement.
type DockerAdapter struct {
	docker *dockerclient.Client
}

// NewDockerAdapter connects to the Docker daemon at socketPath. An empty
// socketPath falls back to the SDK default (DOCKER_HOST, or the platform
// default socket).
func NewDockerAdapter(socketPath string) (*DockerAdapter, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}

	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("csa: creating docker client: %w", err)
	}
	return &DockerAdapter{docker: dc}, nil
}

// Close releases the underlying Docker client.
func (a *DockerAdapter) Close() error {
	return a.docker.Close()
}

// Ping verifies the daemon is reachable. Call it once at startup.
func (a *DockerAdapter) Ping(ctx context.Context) error {
	_, err := a.docker.Ping(ctx)
	return err
}

// containerName derives the deterministic, idempotency-bearing container
// name from the caller-supplied request id. Docker rejects duplicate names,
// which is exactly the property Launch needs: a retried call with the same
// RequestID collides with the container already created by the first
// attempt instead of creating a second one.
func containerName(requestID string) string {
	return "runforge-" + requestID
}

func (a *DockerAdapter) Launch(ctx context.Context, spec Spec) (string, error) {
	name := containerName(spec.RequestID)

	if existing, err := a.docker.ContainerInspect(ctx, name); err == nil {
		return existing.ID, nil
	} else if !dockerclient.IsErrNotFound(err) {
		return "", fmt.Errorf("%w: inspecting existing container: %s", ErrTransient, err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	labels := map[string]string{
		roleLabel:  roleValue,
		runIDLabel: spec.RunID,
	}

	resp, err := a.docker.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			Resources: toDockerResources(spec),
			AutoRemove: false, // reaper/GC sweep owns teardown, not the daemon
		},
		nil, nil, name,
	)
	if err != nil {
		return "", classifyCreateError(err)
	}

	if err := a.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("%w: starting container: %s", ErrTransient, err)
	}

	return resp.ID, nil
}

func (a *DockerAdapter) Inspect(ctx context.Context, handle string) (WorkerState, error) {
	info, err := a.docker.ContainerInspect(ctx, handle)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return WorkerUnknown, nil
		}
		return WorkerUnknown, err
	}

	if info.State == nil {
		return WorkerUnknown, nil
	}

	switch {
	case info.State.Running, info.State.Status == "created", info.State.Restarting:
		return WorkerActive, nil
	case info.State.Status == "exited":
		if info.State.ExitCode == 0 {
			return WorkerSucceeded, nil
		}
		return WorkerFailed, nil
	case info.State.Dead:
		return WorkerFailed, nil
	default:
		return WorkerUnknown, nil
	}
}

func (a *DockerAdapter) Delete(ctx context.Context, handle string) error {
	err := a.docker.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (a *DockerAdapter) List(ctx context.Context) ([]WorkerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", roleLabel+"="+roleValue)

	containers, err := a.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, err
	}

	infos := make([]WorkerInfo, 0, len(containers))
	for _, c := range containers {
		state := WorkerUnknown
		var finishedAt time.Time
		switch c.State {
		case "running", "created", "restarting":
			state = WorkerActive
		case "exited", "dead":
			if strings.Contains(c.Status, "Exited (0)") {
				state = WorkerSucceeded
			} else {
				state = WorkerFailed
			}
			finishedAt = time.Unix(c.Created, 0) // the list API carries no exit time; creation time stands in for it
		}
		infos = append(infos, WorkerInfo{
			Handle:     c.ID,
			RunID:      c.Labels[runIDLabel],
			State:      state,
			FinishedAt: finishedAt,
		})
	}
	return infos, nil
}

func toDockerResources(spec Spec) container.Resources {
	r := container.Resources{}
	if mem, ok := parseMemMB(spec.ResourceLimits.Memory); ok {
		r.Memory = mem * 1024 * 1024
	}
	if cpu, ok := parseMilliCPU(spec.ResourceLimits.CPU); ok {
		r.NanoCPUs = cpu * 1_000_000
	}
	return r
}

// parseMemMB parses a "256Mi" style quantity into whole megabytes.
func parseMemMB(q string) (int64, bool) {
	q = strings.TrimSuffix(strings.TrimSuffix(q, "i"), "M")
	n, err := strconv.ParseInt(q, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseMilliCPU parses a "500m" style quantity into millicores.
func parseMilliCPU(q string) (int64, bool) {
	if !strings.HasSuffix(q, "m") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(q, "m"), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func classifyCreateError(err error) error {
	msg := err.Error()
	// Image pull failures and malformed references can never succeed on
	// retry; anything else (daemon momentarily busy, connection reset) is
	// treated as transient and left to the coordinator's backoff loop.
	if strings.Contains(msg, "No such image") || strings.Contains(msg, "invalid reference format") {
		return fmt.Errorf("%w: %s", ErrPermanent, msg)
	}
	return fmt.Errorf("%w: %s", ErrTransient, msg)
}
