package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Health is the relay's /health response.
type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Waiting     int    `json:"waiting"`
	Pairs       int    `json:"pairs"`
	Uptime      string `json:"uptime"`
}

// Expected reports whether the pairing figures are what n connected
// endpoints that never pressed next must produce: every endpoint paired
// except at most one left waiting.
func (h Health) Expected(n int) bool {
	return h.Pairs == n/2 && h.Waiting == n%2
}

// HealthURL derives the /health URL from the relay's WebSocket URL.
func HealthURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", wsURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

// FetchHealth reads the relay's health figures.
func FetchHealth(ctx context.Context, client *http.Client, healthURL string) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return Health{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("health: status %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("health: decode: %w", err)
	}
	return h, nil
}
