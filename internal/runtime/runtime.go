// Package runtime defines the orchestrator's port onto the container
// engine (spec.md §4 "Container Runtime Adapter"). Every other subsystem
// depends only on the ContainerRuntime interface, never on a concrete
// Docker client, so tests substitute internal/runtimetest's fake.
package runtime

import (
	"context"
	"time"
)

// ContainerSpec describes a container to create: image, name, env,
// labels, an optional network mode (used for VPN routing) and an optional
// host port binding.
type ContainerSpec struct {
	Image       string
	Name        string
	Env         []string
	Labels      map[string]string
	NetworkMode string // e.g. "container:<gluetun-id>" when VPN routed
	PortBinding *PortBinding
}

// PortBinding maps a container's internal HTTP port to a host port.
type PortBinding struct {
	ContainerPort int
	HostPort      int
}

// ContainerInfo is the runtime-observed state of one container.
type ContainerInfo struct {
	ID       string
	Name     string
	Image    string
	State    string // "running", "exited", "created", ...
	Healthy  *bool  // nil when the container defines no Docker HEALTHCHECK
	Labels   map[string]string
	HostPort int
	Host     string
	Created  time.Time
}

// ContainerStats is a lightweight resource snapshot of one container,
// returned by ContainerRuntime.Stats. No HTTP endpoint exposes it.
type ContainerStats struct {
	CPUPercent    float64
	MemoryUsedMB  float64
	MemoryLimitMB float64
}

// ContainerRuntime is the port every orchestrator subsystem programs
// against. A Docker-backed implementation lives in runtime/docker.
type ContainerRuntime interface {
	// ListByLabel returns containers carrying all of filterLabels.
	ListByLabel(ctx context.Context, filterLabels map[string]string) ([]ContainerInfo, error)
	// Create starts a new container from spec and returns its id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	// Stop stops the container, waiting up to timeout for a graceful exit.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Remove deletes a stopped container.
	Remove(ctx context.Context, id string) error
	// Inspect returns current info for one container.
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// Stats returns a resource usage snapshot for one container.
	Stats(ctx context.Context, id string) (ContainerStats, error)
	// Exec runs cmd inside the container and returns combined output.
	Exec(ctx context.Context, id string, cmd []string) (string, error)
}
