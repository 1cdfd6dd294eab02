// Package runtimetest provides an in-memory runtime.ContainerRuntime for
// use across package tests, following the teacher's preference for
// directly-constructed fakes (e.g. orchClient built by hand with fields
// set in orchestrator_health_test.go) over a mocking framework.
package runtimetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
)

// Fake is a deterministic, in-memory ContainerRuntime. Every method is
// safe for concurrent use. Tests can inject failures via CreateErr /
// StopErr / etc. and inspect calls via the Calls counters.
type Fake struct {
	mu sync.Mutex

	containers map[string]runtime.ContainerInfo
	nextID     int

	CreateErr error
	StopErr   error
	RemoveErr error
	ExecErr   error
	ExecOut   string
	StatsOut  runtime.ContainerStats

	Calls struct {
		Create, Stop, Remove, Inspect, List, Exec int
	}
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{containers: make(map[string]runtime.ContainerInfo)}
}

// Seed adds a container directly, bypassing Create, for tests that need
// to start from an already-populated runtime.
func (f *Fake) Seed(info runtime.ContainerInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[info.ID] = info
}

func (f *Fake) ListByLabel(ctx context.Context, filterLabels map[string]string) ([]runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.List++

	var out []runtime.ContainerInfo
	for _, c := range f.containers {
		if matchesLabels(c.Labels, filterLabels) {
			out = append(out, c)
		}
	}
	return out, nil
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (f *Fake) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Create++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	info := runtime.ContainerInfo{
		ID:      id,
		Name:    spec.Name,
		Image:   spec.Image,
		State:   "running",
		Labels:  cloneLabels(spec.Labels),
		Host:    "127.0.0.1",
		Created: time.Now(),
	}
	if spec.PortBinding != nil {
		info.HostPort = spec.PortBinding.HostPort
	}
	f.containers[id] = info
	return id, nil
}

func cloneLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (f *Fake) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Stop++
	if f.StopErr != nil {
		return f.StopErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("runtimetest: no such container %s", id)
	}
	c.State = "exited"
	f.containers[id] = c
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Remove++
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Inspect++
	c, ok := f.containers[id]
	if !ok {
		return runtime.ContainerInfo{}, fmt.Errorf("runtimetest: no such container %s", id)
	}
	return c, nil
}

func (f *Fake) Stats(ctx context.Context, id string) (runtime.ContainerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[id]; !ok {
		return runtime.ContainerStats{}, fmt.Errorf("runtimetest: no such container %s", id)
	}
	return f.StatsOut, nil
}

func (f *Fake) Exec(ctx context.Context, id string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls.Exec++
	if f.ExecErr != nil {
		return "", f.ExecErr
	}
	return f.ExecOut, nil
}

// Count returns the number of containers currently tracked.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
