// Package feed implements the HTTP client for the decision engine's stream
// endpoint. It is a thin adapter: everything after the wire format is handled
// by the decision normalizer.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"palisade/internal/decision"
)

const maxResponseBytes = 32 << 20 // 32 MiB safety cap

// Client polls the decision stream endpoint. The first pull (and every full
// reconciliation pull) asks the engine for the complete decision set; other
// pulls return deltas since the previous call.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// wireDecision is one decision as the engine serializes it.
type wireDecision struct {
	Origin   string `json:"origin"`
	Type     string `json:"type"`
	Scope    string `json:"scope"`
	Value    string `json:"value"`
	Scenario string `json:"scenario"`
	Duration string `json:"duration"`
}

type streamResponse struct {
	New     []wireDecision `json:"new"`
	Deleted []wireDecision `json:"deleted"`
}

// Pull fetches the next batch of decision events.
func (c *Client) Pull(ctx context.Context, full bool) ([]decision.Event, error) {
	endpoint := fmt.Sprintf("%s/v1/decisions/stream?startup=%s", c.baseURL, url.QueryEscape(fmt.Sprint(full)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("User-Agent", "palisade/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var stream streamResponse
	if err := json.Unmarshal(raw, &stream); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	now := time.Now()
	events := make([]decision.Event, 0, len(stream.New)+len(stream.Deleted))
	for _, wd := range stream.New {
		events = append(events, toEvent(wd, decision.EventAdd, now))
	}
	for _, wd := range stream.Deleted {
		events = append(events, toEvent(wd, decision.EventDelete, now))
	}
	return events, nil
}

func toEvent(wd wireDecision, kind decision.EventKind, now time.Time) decision.Event {
	ev := decision.Event{
		Kind:     kind,
		Scope:    wd.Scope,
		Value:    wd.Value,
		Action:   wd.Type,
		Origin:   wd.Origin,
		Scenario: wd.Scenario,
	}
	if wd.Duration != "" {
		if d, err := time.ParseDuration(wd.Duration); err == nil {
			expiry := now.Add(d)
			ev.Expiry = &expiry
		}
	}
	return ev
}
