package moderation

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/whisper/video-relay/internal/ban"
	"github.com/whisper/video-relay/internal/messaging"
	"github.com/whisper/video-relay/internal/metrics"
	"github.com/whisper/video-relay/internal/pairing"
	"github.com/whisper/video-relay/internal/protocol"
	"github.com/whisper/video-relay/internal/ratelimit"
	"github.com/whisper/video-relay/internal/registry"
	"github.com/whisper/video-relay/internal/report"
)

const (
	maxReasonRunes = 200
	defaultReason  = "unspecified"
	auditTimeout   = 5 * time.Second
)

// Outcome describes what a report did.
type Outcome int

const (
	// Ignored means the reporter had no partner.
	Ignored Outcome = iota
	// RateLimited means the reporter filed too many reports.
	RateLimited
	// Banned means the partner was banned and disconnected.
	Banned
)

// Transport delivers frames to connections and closes them. Send must not
// block. Close flushes what is already queued before closing.
type Transport interface {
	Send(id string, frame []byte) error
	Close(id string)
}

// AuditSink persists reports for review.
type AuditSink interface {
	Create(ctx context.Context, r *report.Report) error
}

// ServiceConfig holds the report flow settings.
type ServiceConfig struct {
	BanDuration time.Duration
	ReportRule  ratelimit.Rule
}

// DefaultServiceConfig returns the default report flow settings.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		BanDuration: ban.DefaultDuration,
		ReportRule:  ratelimit.RuleReport,
	}
}

// Service runs the report flow.
type Service struct {
	config  ServiceConfig
	engine  *pairing.Engine
	reg     *registry.Registry
	bans    *ban.Store
	limiter ratelimit.Limiter
	out     Transport
	audit   AuditSink
	events  messaging.Publisher
	log     *zap.Logger
}

// NewService creates a Service. audit may be nil; events may be messaging.Nop.
func NewService(
	config ServiceConfig,
	engine *pairing.Engine,
	reg *registry.Registry,
	bans *ban.Store,
	limiter ratelimit.Limiter,
	out Transport,
	audit AuditSink,
	events messaging.Publisher,
	log *zap.Logger,
) *Service {
	if config.BanDuration <= 0 {
		config.BanDuration = ban.DefaultDuration
	}
	if events == nil {
		events = messaging.Nop{}
	}
	return &Service{
		config:  config,
		engine:  engine,
		reg:     reg,
		bans:    bans,
		limiter: limiter,
		out:     out,
		audit:   audit,
		events:  events,
		log:     log,
	}
}

// Report handles a report from reporterID against its current partner. The
// partner's address is banned, the partner is told so and disconnected, and
// the reporter is acknowledged and sent back into matchmaking. A reporter
// without a partner gets no response.
func (s *Service) Report(ctx context.Context, reporterID, reason string, evidence json.RawMessage) Outcome {
	reporter := s.reg.Get(reporterID)
	if _, ok := s.engine.PartnerOf(reporterID); !ok || reporter == nil {
		metrics.ReportsTotal.WithLabelValues("unpaired").Inc()
		s.log.Debug("report from unpaired endpoint", zap.String("session", reporterID))
		return Ignored
	}

	allowed, err := s.limiter.Allow(ctx, reporter.RemoteAddr, s.config.ReportRule)
	if err != nil {
		s.log.Warn("report rate limit check failed", zap.String("ip", reporter.RemoteAddr), zap.Error(err))
	}
	if !allowed {
		metrics.ReportsTotal.WithLabelValues("rate_limited").Inc()
		s.send(reporterID, protocol.TypeReportResult, protocol.ReportResultMsg{
			Success: false,
			Message: "too many reports",
		})
		return RateLimited
	}

	// The partner is taken out of the engine in one step; a report that
	// races with this one, or with the partner leaving, finds no partner.
	offender, ok := s.engine.Eject(reporterID)
	if !ok {
		metrics.ReportsTotal.WithLabelValues("unpaired").Inc()
		s.log.Debug("partner left before report", zap.String("session", reporterID))
		return Ignored
	}
	offenderID := offender.ID

	reason = CleanReason(reason)
	rec := s.bans.Ban(offender.RemoteAddr, "Reported by "+reporter.RemoteAddr+": "+reason,
		s.config.BanDuration, reporter.RemoteAddr)
	offenses := s.bans.RecordReport(offender.RemoteAddr)

	s.send(offenderID, protocol.TypeBanned, BannedMessage(rec))
	s.out.Close(offenderID)

	s.send(reporterID, protocol.TypeReportResult, protocol.ReportResultMsg{
		Success: true,
		Message: "User has been reported and banned",
	})
	if err := s.engine.Next(reporterID); err != nil {
		s.log.Warn("reporter left before rematch", zap.String("session", reporterID), zap.Error(err))
	}

	metrics.ReportsTotal.WithLabelValues("banned").Inc()
	s.log.Info("banned reported endpoint",
		zap.String("reporter", reporterID),
		zap.String("offender", offenderID),
		zap.String("offender_ip", offender.RemoteAddr),
		zap.Int("offense_count", offenses),
		zap.Time("expires_at", rec.ExpiresAt))

	go s.record(&report.Report{
		ReporterIP:      reporter.RemoteAddr,
		OffenderIP:      offender.RemoteAddr,
		OffenderSession: offenderID,
		Reason:          rec.Reason,
		Evidence:        evidence,
		OffenseCount:    offenses,
		BanExpiresAt:    rec.ExpiresAt,
	})
	return Banned
}

// record writes the audit row and publishes the ban event. Both are best
// effort.
func (s *Service) record(r *report.Report) {
	if s.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
		if err := s.audit.Create(ctx, r); err != nil {
			s.log.Error("failed to store abuse report", zap.String("offender_ip", r.OffenderIP), zap.Error(err))
		}
		cancel()
	}

	err := s.events.PublishBan(messaging.BanEvent{
		IP:              r.OffenderIP,
		Reason:          r.Reason,
		ReporterIP:      r.ReporterIP,
		OffenderSession: r.OffenderSession,
		OffenseCount:    r.OffenseCount,
		ExpiresAt:       r.BanExpiresAt.UnixMilli(),
	})
	if err != nil {
		s.log.Warn("failed to publish ban event", zap.String("offender_ip", r.OffenderIP), zap.Error(err))
	}
}

func (s *Service) send(id, msgType string, payload interface{}) {
	frame, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.log.Error("failed to build message", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := s.out.Send(id, frame); err != nil {
		s.log.Debug("message not delivered", zap.String("session", id), zap.String("type", msgType), zap.Error(err))
	}
}

// BannedMessage converts a ban record to its wire form.
func BannedMessage(rec ban.Record) protocol.BannedMsg {
	msg := protocol.BannedMsg{Reason: rec.Reason}
	if !rec.ExpiresAt.IsZero() {
		msg.ExpiresAt = rec.ExpiresAt.UnixMilli()
	}
	return msg
}

// CleanReason trims the client-supplied reason and caps its length.
func CleanReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return defaultReason
	}
	if utf8.RuneCountInString(reason) > maxReasonRunes {
		reason = string([]rune(reason)[:maxReasonRunes])
	}
	return reason
}
