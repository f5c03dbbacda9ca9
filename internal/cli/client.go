// Package cli implements the operator side of the admin API: a small HTTP
// client and the table renderers used by the status command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/energizer-project/gatekeeper/internal/gateway"
	"github.com/energizer-project/gatekeeper/internal/util"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// Client talks to a running gatekeeper's admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://127.0.0.1:5000". token may be empty when auth is disabled.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Ping is the /api/ping reply.
type Ping struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Version  string `json:"version"`
	Instance string `json:"instance"`
}

// Health is the subset of /api/health the CLI shows.
type Health struct {
	Status      string         `json:"status"`
	Instance    string         `json:"instance"`
	UptimeSec   int64          `json:"uptime_sec"`
	Connections int            `json:"connections"`
	Usage       util.HostUsage `json:"usage"`
}

// Status bundles everything the status command prints.
type Status struct {
	Ping        Ping                 `json:"ping"`
	Health      Health               `json:"health"`
	Worlds      []world.World        `json:"worlds"`
	Connections []gateway.ClientInfo `json:"connections"`
}

// GetJSON fetches path and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return oops.Code("REQUEST_INVALID").With("path", path).Wrap(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return oops.Code("API_UNREACHABLE").With("url", c.baseURL).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oops.Code("API_ERROR").
			With("path", path).
			With("status", resp.StatusCode).
			Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return oops.Code("API_DECODE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

// FetchStatus queries ping, health, worlds and connections.
func (c *Client) FetchStatus(ctx context.Context) (Status, error) {
	var st Status
	if err := c.GetJSON(ctx, "/api/ping", &st.Ping); err != nil {
		return st, err
	}
	if err := c.GetJSON(ctx, "/api/health", &st.Health); err != nil {
		return st, err
	}

	var worlds struct {
		Worlds []world.World `json:"worlds"`
	}
	if err := c.GetJSON(ctx, "/api/worlds", &worlds); err != nil {
		return st, err
	}
	st.Worlds = worlds.Worlds

	var conns struct {
		Clients []gateway.ClientInfo `json:"clients"`
	}
	if err := c.GetJSON(ctx, "/api/connections", &conns); err != nil {
		return st, err
	}
	st.Connections = conns.Clients
	return st, nil
}

func formatUptime(sec int64) string {
	d := time.Duration(sec) * time.Second
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
