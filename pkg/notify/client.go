// Package notify tells the platform that a runtime image was published.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vyvo/compute/rootfs/pkg/artifact"
)

// Client posts publication notices over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a notifier with sane defaults. An empty baseURL yields a
// nil client, and notifying through a nil client is a no-op.
func NewClient(baseURL string) *Client {
	trimmed := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil
	}
	return &Client{
		baseURL: trimmed,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Notice is the body sent for one published image.
type Notice struct {
	Name   string            `json:"name"`
	Digest string            `json:"digest"`
	Base   string            `json:"base"`
	Size   int64             `json:"size"`
	Env    map[string]string `json:"env"`
	Cmd    []string          `json:"cmd,omitempty"`
	Status string            `json:"status"`
}

// Published sends a READY notice for art under name.
func (c *Client) Published(ctx context.Context, name string, art *artifact.ImageArtifact) error {
	if c == nil {
		return nil
	}
	body, err := json.Marshal(Notice{
		Name:   name,
		Digest: art.Digest,
		Base:   art.Base,
		Size:   art.Size,
		Env:    art.Env,
		Cmd:    art.Cmd,
		Status: "READY",
	})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/runtimes/%s/images", c.baseURL, url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("notice rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
