// Package moderation polices abuse. Gate decides whether a new connection
// may be admitted; Service runs the report flow that bans an offender and
// sends the reporter back into matchmaking.
package moderation

import (
	"context"

	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/ban"
	"github.com/whisper/video-relay/internal/metrics"
	"github.com/whisper/video-relay/internal/ratelimit"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	// Admit lets the connection through.
	Admit Decision = iota
	// RejectRateLimited refuses an address that connected too often.
	RejectRateLimited
	// RejectBanned refuses an address under an active ban.
	RejectBanned
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "admit"
	case RejectRateLimited:
		return "rate_limited"
	case RejectBanned:
		return "banned"
	default:
		return "unknown"
	}
}

// Verdict is returned by Gate.Check. Ban is set only for RejectBanned.
type Verdict struct {
	Decision Decision
	Ban      ban.Record
}

// Gate runs the admission checks for one client address.
type Gate struct {
	bans    *ban.Store
	limiter ratelimit.Limiter
	rule    ratelimit.Rule
	log     *zap.Logger
}

// NewGate creates a Gate. rule is the per-IP connect limit.
func NewGate(bans *ban.Store, limiter ratelimit.Limiter, rule ratelimit.Rule, log *zap.Logger) *Gate {
	return &Gate{
		bans:    bans,
		limiter: limiter,
		rule:    rule,
		log:     log,
	}
}

// Check applies the connect rate limit and then the ban lookup for ip.
// A limiter error is logged and the attempt is allowed.
func (g *Gate) Check(ctx context.Context, ip string) Verdict {
	allowed, err := g.limiter.Allow(ctx, ip, g.rule)
	if err != nil {
		g.log.Warn("connect rate limit check failed", zap.String("ip", ip), zap.Error(err))
	}
	if !allowed {
		metrics.AdmissionsRejected.WithLabelValues("rate_limited").Inc()
		g.log.Info("connection rate limited", zap.String("ip", ip))
		return Verdict{Decision: RejectRateLimited}
	}

	if rec, banned := g.bans.IsBanned(ip); banned {
		metrics.AdmissionsRejected.WithLabelValues("banned").Inc()
		g.log.Info("rejected banned address",
			zap.String("ip", ip), zap.String("reason", rec.Reason), zap.Time("expires_at", rec.ExpiresAt))
		return Verdict{Decision: RejectBanned, Ban: rec}
	}

	return Verdict{Decision: Admit}
}
