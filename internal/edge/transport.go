package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"palisade/internal/vcl"
)

const defaultBaseURL = "https://api.fastly.com"

// errNotFound distinguishes a missing resource from real failures; it only
// matters for the create-or-update snippet flow.
var errNotFound = errors.New("edge: not found")

// Client is the HTTP implementation of API against a fastly-compatible edge
// control plane. One client per account: the token scopes every call.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ClientOption func(*Client)

// WithBaseURL points the client at a different control plane, used by tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// classifyStatus maps HTTP responses onto the error taxonomy so the version
// manager reacts correctly: auth failures park the service, conflicts force a
// re-clone, rate limits and server errors are retried.
func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, status, body)
	case status == http.StatusConflict:
		return fmt.Errorf("%w: status %d: %s", ErrConflict, status, body)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: status %d: %s", errNotFound, status, body)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, body)
	default:
		return fmt.Errorf("edge: unexpected status %d: %s", status, body)
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Fastly-Key", c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) ReadActiveVersion(ctx context.Context, serviceID string) (string, error) {
	var versions []struct {
		Number json.Number `json:"number"`
		Active bool        `json:"active"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/service/%s/version", serviceID), nil, &versions); err != nil {
		return "", err
	}
	for _, v := range versions {
		if v.Active {
			return v.Number.String(), nil
		}
	}
	return "", fmt.Errorf("edge: service %s has no active version", serviceID)
}

func (c *Client) CloneVersion(ctx context.Context, serviceID, sourceVersion string) (string, error) {
	var cloned struct {
		Number json.Number `json:"number"`
	}
	path := fmt.Sprintf("/service/%s/version/%s/clone", serviceID, sourceVersion)
	if err := c.do(ctx, http.MethodPut, path, nil, &cloned); err != nil {
		return "", err
	}
	return cloned.Number.String(), nil
}

func (c *Client) CreateContainer(ctx context.Context, serviceID, version, name string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/service/%s/version/%s/acl", serviceID, version)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"name": name}, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (c *Client) ReadContainer(ctx context.Context, serviceID, containerID string) (map[string]struct{}, error) {
	var entries []struct {
		IP     string `json:"ip"`
		Subnet *int   `json:"subnet"`
	}
	path := fmt.Sprintf("/service/%s/acl/%s/entries", serviceID, containerID)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	members := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		value := e.IP
		if e.Subnet != nil {
			value = fmt.Sprintf("%s/%d", e.IP, *e.Subnet)
		}
		members[value] = struct{}{}
	}
	return members, nil
}

// WriteContainer batches removals and additions into one entries update.
// Removals come first in the batch so a full container frees slots before
// new members land.
func (c *Client) WriteContainer(ctx context.Context, serviceID, containerID string, additions, removals []string) error {
	type batchEntry struct {
		Op     string `json:"op"`
		IP     string `json:"ip"`
		Subnet *int   `json:"subnet,omitempty"`
	}
	entries := make([]batchEntry, 0, len(additions)+len(removals))
	for _, value := range removals {
		ip, subnet := splitCIDR(value)
		entries = append(entries, batchEntry{Op: "delete", IP: ip, Subnet: subnet})
	}
	for _, value := range additions {
		ip, subnet := splitCIDR(value)
		entries = append(entries, batchEntry{Op: "create", IP: ip, Subnet: subnet})
	}
	if len(entries) == 0 {
		return nil
	}
	path := fmt.Sprintf("/service/%s/acl/%s/entries", serviceID, containerID)
	return c.do(ctx, http.MethodPatch, path, map[string]any{"entries": entries}, nil)
}

func (c *Client) UpdateSnippet(ctx context.Context, serviceID, version string, snippet vcl.Snippet) error {
	payload := map[string]any{
		"name":    snippet.Name,
		"type":    string(snippet.Type),
		"dynamic": 0,
		"content": snippet.Content,
	}
	path := fmt.Sprintf("/service/%s/version/%s/snippet/%s", serviceID, version, snippet.Name)
	err := c.do(ctx, http.MethodPut, path, payload, nil)
	if err == nil || !errors.Is(err, errNotFound) {
		return err
	}
	path = fmt.Sprintf("/service/%s/version/%s/snippet", serviceID, version)
	return c.do(ctx, http.MethodPost, path, payload, nil)
}

func (c *Client) ActivateVersion(ctx context.Context, serviceID, version string) error {
	path := fmt.Sprintf("/service/%s/version/%s/activate", serviceID, version)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func splitCIDR(value string) (string, *int) {
	if idx := strings.IndexByte(value, '/'); idx >= 0 {
		var bits int
		if _, err := fmt.Sscanf(value[idx+1:], "%d", &bits); err == nil {
			return value[:idx], &bits
		}
	}
	return value, nil
}
