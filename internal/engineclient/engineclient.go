// Package engineclient is the orchestrator-side HTTP client to a managed
// AceStream engine, the mirror image of the teacher's orchClient (which
// is an engine-proxy's HTTP client to the orchestrator, in
// orchestrator_events.go). It ports check_acestream_health's endpoint
// and status-code handling from
// original_source/app/services/health.py, and adds the
// network-connection-status call spec.md 4.F's VPN health secondary
// check requires (not present in health.py, since that check belongs to
// the Python server's gluetun.py module, which was not in the retrieval
// pack).
package engineclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/model"
)

const (
	statusTimeout  = 5 * time.Second
	networkTimeout = 3 * time.Second
)

// Client talks to a single engine's HTTP API. One Client is reused
// across engines; callers pass host/port per call.
type Client struct {
	hc *http.Client
}

// New constructs a Client with bounded per-call timeouts applied at the
// request level (spec.md §5: "bounded timeouts: 3-5s for status").
func New() *Client {
	return &Client{hc: &http.Client{}}
}

// GetStatus calls the engine's get_status API method, returning the
// health classification check_acestream_health implements: a 200
// response with parseable JSON is healthy; a transport error (timeout,
// refused connection), a non-200 or an undecodable body is unhealthy;
// only a request that cannot be constructed is unknown.
func (c *Client) GetStatus(ctx context.Context, host string, port int) model.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_status", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.HealthUnknown
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return model.HealthUnhealthy
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.HealthUnhealthy
	}

	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return model.HealthUnhealthy
	}
	return model.HealthHealthy
}

// NetworkConnectionStatus reports whether the engine considers itself
// connected through its VPN-routed network namespace, used by the VPN
// Health Monitor's secondary check (spec.md 4.F).
func (c *Client) NetworkConnectionStatus(ctx context.Context, host string, port int) (connected bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/server/api?api_version=3&method=get_network_connection_status", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("engineclient: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Result struct {
			Connected bool `json:"connected"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("engineclient: decode network status: %w", err)
	}
	return body.Result.Connected, nil
}

// GetVersion calls the engine's webui service get_version method, used
// for status reporting only (never gates provisioning decisions).
func (c *Client) GetVersion(ctx context.Context, host string, port int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/webui/api/service?method=get_version", host, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Result struct {
			Version string `json:"version"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("engineclient: decode version: %w", err)
	}
	return body.Result.Version, nil
}
