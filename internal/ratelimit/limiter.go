// Package ratelimit provides fixed-window rate limiting. Each rule counts
// actions per identifier (typically a client IP) and rejects once the count
// exceeds the rule's limit inside the current window. Two backends exist: a
// Redis one shared between relay instances and an in-memory one used when no
// Redis is configured.
package ratelimit

import (
	"context"
	"time"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:conn:", "rl:report:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules. The relay builds its effective rules from configuration.
var (
	// RuleConnect allows 30 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}

	// RuleReport allows 5 abuse reports per ten minutes per reporter IP.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: 10 * time.Minute}
)

// WithLimits returns a copy of r with the given limit and window. Non-positive
// values keep the rule's own.
func (r Rule) WithLimits(limit int, window time.Duration) Rule {
	if limit > 0 {
		r.Limit = limit
	}
	if window > 0 {
		r.Window = window
	}
	return r
}

// Limiter is implemented by every backend.
//
// Allow increments the identifier's counter and reports whether it is still
// within the rule. Backends that can fail return true together with the
// error so an outage does not block legitimate traffic.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (bool, error)
	Remaining(ctx context.Context, identifier string, rule Rule) (int, error)
}
