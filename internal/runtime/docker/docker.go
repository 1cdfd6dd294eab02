// Package docker implements runtime.ContainerRuntime against a
// Docker-compatible daemon, the way Docker-Sentinel's agent package
// narrows the full Docker SDK down to a small DockerAPI interface before
// using it (internal/cluster/agent/agent.go in that repo). The
// orchestrator only ever needs container lifecycle + stats + exec, never
// images, networks, or swarm, so the surface stays narrow here too.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/filters"
	dockerclient "github.com/moby/moby/client"

	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
)

func decodeJSON(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

// Runtime adapts a *dockerclient.Client to runtime.ContainerRuntime.
type Runtime struct {
	cli *dockerclient.Client
}

// New connects to the Docker daemon using the standard DOCKER_HOST /
// DOCKER_CERT_PATH environment conventions.
func New() (*Runtime, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: new client: %w", err)
	}
	return &Runtime{cli: cli}, nil
}

func (r *Runtime) ListByLabel(ctx context.Context, filterLabels map[string]string) ([]runtime.ContainerInfo, error) {
	f := filters.NewArgs()
	for k, v := range filterLabels {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	out := make([]runtime.ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info := runtime.ContainerInfo{
			ID:      c.ID,
			Image:   c.Image,
			State:   c.State,
			Labels:  c.Labels,
			Created: time.Unix(c.Created, 0),
		}
		if len(c.Names) > 0 {
			info.Name = c.Names[0]
		}
		for _, p := range c.Ports {
			if p.PublicPort != 0 {
				info.HostPort = int(p.PublicPort)
				info.Host = p.IP
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	hostCfg := &container.HostConfig{}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}
	if spec.PortBinding != nil {
		cp, err := natPort(spec.PortBinding.ContainerPort)
		if err != nil {
			return "", err
		}
		hostCfg.PortBindings = map[container.PortRangeProto][]container.PortBinding{
			cp: {{HostPort: fmt.Sprintf("%d", spec.PortBinding.HostPort)}},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("docker: create container %s: %w", spec.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("docker: start container %s: %w", resp.ID, err)
	}
	return resp.ID, nil
}

func (r *Runtime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("docker: stop container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("docker: remove container %s: %w", id, err)
	}
	return nil
}

func (r *Runtime) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	resp, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return runtime.ContainerInfo{}, fmt.Errorf("docker: inspect container %s: %w", id, err)
	}
	info := runtime.ContainerInfo{
		ID:     resp.ID,
		Name:   resp.Name,
		Image:  resp.Config.Image,
		State:  resp.State.Status,
		Labels: resp.Config.Labels,
	}
	if resp.State.Health != nil {
		healthy := resp.State.Health.Status == "healthy"
		info.Healthy = &healthy
	}
	if resp.NetworkSettings != nil {
		for _, bindings := range resp.NetworkSettings.Ports {
			for _, b := range bindings {
				var port int
				fmt.Sscanf(b.HostPort, "%d", &port)
				info.HostPort = port
				info.Host = b.HostIP
				break
			}
		}
	}
	return info, nil
}

func (r *Runtime) Stats(ctx context.Context, id string) (runtime.ContainerStats, error) {
	resp, err := r.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return runtime.ContainerStats{}, fmt.Errorf("docker: stats container %s: %w", id, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := decodeJSON(resp.Body, &raw); err != nil {
		return runtime.ContainerStats{}, fmt.Errorf("docker: decode stats for %s: %w", id, err)
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	var cpuPct float64
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPct = (cpuDelta / sysDelta) * float64(len(raw.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	const mib = 1024 * 1024
	return runtime.ContainerStats{
		CPUPercent:    cpuPct,
		MemoryUsedMB:  float64(raw.MemoryStats.Usage) / mib,
		MemoryLimitMB: float64(raw.MemoryStats.Limit) / mib,
	}, nil
}

func (r *Runtime) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := r.cli.ContainerExecCreate(ctx, id, execCfg)
	if err != nil {
		return "", fmt.Errorf("docker: exec create on %s: %w", id, err)
	}
	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("docker: exec attach on %s: %w", id, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		return "", fmt.Errorf("docker: exec read output on %s: %w", id, err)
	}
	return buf.String(), nil
}

func natPort(p int) (container.PortRangeProto, error) {
	return container.PortRangeProto(fmt.Sprintf("%d/tcp", p)), nil
}
