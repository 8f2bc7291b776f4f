// Package geo resolves a client IP to an ISO country code through an
// ipinfo-style HTTP API. Lookups are best effort: callers run them off the
// matchmaking path and treat any error as "unknown".
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotRoutable is returned for loopback, private and unparseable addresses,
// which no public service can place.
var ErrNotRoutable = errors.New("geo: address is not publicly routable")

// Locator resolves an IP to a country code.
type Locator interface {
	Country(ctx context.Context, ip string) (string, error)
}

// Nop is a Locator used when geolocation is disabled.
type Nop struct{}

// Country always returns "".
func (Nop) Country(context.Context, string) (string, error) { return "", nil }

// ipInfoResponse is the subset of the ipinfo.io response the relay uses.
type ipInfoResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

const (
	cacheTTL     = time.Hour
	maxCacheSize = 10000
)

type cached struct {
	country string
	at      time.Time
}

// HTTPLocator queries a lookup URL such as "https://ipinfo.io/%s/json".
// The %s is replaced by the IP; a non-empty token is sent as a query
// parameter. Results are cached per IP for an hour.
type HTTPLocator struct {
	client      *http.Client
	urlTemplate string
	token       string

	mu    sync.Mutex
	cache map[string]cached
}

// NewHTTPLocator creates an HTTPLocator. The timeout bounds a single request.
func NewHTTPLocator(urlTemplate, token string, timeout time.Duration) *HTTPLocator {
	return &HTTPLocator{
		client:      &http.Client{Timeout: timeout},
		urlTemplate: urlTemplate,
		token:       token,
		cache:       make(map[string]cached),
	}
}

// Country returns the upper-case ISO 3166 code for ip, or "" when the
// service does not know it.
func (l *HTTPLocator) Country(ctx context.Context, ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast() {
		return "", ErrNotRoutable
	}

	if country, ok := l.lookupCache(ip); ok {
		return country, nil
	}

	url := l.urlTemplate
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(url, ip)
	}
	if l.token != "" {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "token=" + l.token
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo: lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo: lookup %s: status %d", ip, resp.StatusCode)
	}

	var info ipInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("geo: decode response: %w", err)
	}

	country := strings.ToUpper(strings.TrimSpace(info.Country))
	l.storeCache(ip, country)
	return country, nil
}

func (l *HTTPLocator) lookupCache(ip string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.cache[ip]
	if !ok || time.Since(c.at) > cacheTTL {
		return "", false
	}
	return c.country, true
}

func (l *HTTPLocator) storeCache(ip, country string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cache) >= maxCacheSize {
		l.cache = make(map[string]cached)
	}
	l.cache[ip] = cached{country: country, at: time.Now()}
}
