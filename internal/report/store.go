// Package report provides an append-only PostgreSQL audit trail of abuse
// reports. Ban decisions are made in memory; rows written here are for
// moderator review and are never read back for admission.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// MaxEvidenceBytes bounds the evidence blob stored with a report.
const MaxEvidenceBytes = 16 << 10

// Store manages abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report represents a single abuse report to be persisted.
type Report struct {
	ReporterIP      string
	OffenderIP      string
	OffenderSession string
	Reason          string
	Evidence        json.RawMessage // opaque client-supplied JSON, may be nil
	OffenseCount    int
	BanExpiresAt    time.Time
}

// NewStore creates a new report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL at databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("report: ping: %w", err)
	}
	return db, nil
}

// Create inserts an abuse report. Evidence that is not valid JSON or exceeds
// MaxEvidenceBytes is dropped rather than failing the insert.
func (s *Store) Create(ctx context.Context, report *Report) error {
	var evidence interface{}
	if len(report.Evidence) > 0 && len(report.Evidence) <= MaxEvidenceBytes && json.Valid(report.Evidence) {
		evidence = []byte(report.Evidence)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_ip, offender_ip, offender_session, reason, evidence, offense_count, ban_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		report.ReporterIP,
		report.OffenderIP,
		report.OffenderSession,
		report.Reason,
		evidence,
		report.OffenseCount,
		report.BanExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}
