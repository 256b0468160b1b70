package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
)

// Client connects to a running node's admin control socket.
type Client struct {
	httpClient *http.Client
	authToken  string
}

// NewClient creates a client for the admin socket at socketPath,
// reading its auth cookie from cookiePath.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrAdminNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin API cookie: %w", err)
	}

	c := &Client{
		authToken: strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
	return c, nil
}

func (c *Client) doJSON(method, path string, target any) error {
	req, err := http.NewRequest(method, "http://gossipmesh"+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to admin API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: admin API rejected the auth cookie", ErrUnauthorized)
	}
	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("admin API: %s", errResp.Error)
		}
		return fmt.Errorf("admin API returned HTTP %d", resp.StatusCode)
	}

	if target != nil {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if err := json.Unmarshal(raw.Data, target); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// Status returns the node's status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON("GET", "/v1/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Peers returns the node's currently known peers.
func (c *Client) Peers() ([]PeerInfo, error) {
	var resp []PeerInfo
	if err := c.doJSON("GET", "/v1/peers", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown requests the node shut down gracefully.
func (c *Client) Shutdown() error {
	return c.doJSON("POST", "/v1/shutdown", nil)
}

// Metrics returns the raw Prometheus exposition-format body from the
// node's /metrics route. Unlike the other endpoints this is not wrapped
// in a {"data": ...} envelope, so it bypasses doJSON.
func (c *Client) Metrics() ([]byte, error) {
	req, err := http.NewRequest("GET", "http://gossipmesh/metrics", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("admin API returned HTTP %d for /metrics", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
