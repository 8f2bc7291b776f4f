package report

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)

	var up, down int
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			up++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			down++
		}
	}
	assert.Equal(t, up, down, "every up migration needs a down")
	assert.NotZero(t, up)
}

// setupStore connects to TEST_DATABASE_URL and migrates it, or skips.
func setupStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := Open(ctx, url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	require.NoError(t, Migrate(url))

	_, err = db.ExecContext(ctx, `DELETE FROM abuse_reports WHERE offender_ip LIKE 'test-%'`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.ExecContext(ctx, `DELETE FROM abuse_reports WHERE offender_ip LIKE 'test-%'`)
		db.Close()
	})
	return NewStore(db), ctx
}

func TestCreate(t *testing.T) {
	store, ctx := setupStore(t)

	err := store.Create(ctx, &Report{
		ReporterIP:      "198.51.100.1",
		OffenderIP:      "test-203.0.113.7",
		OffenderSession: "6f1c1f55-8a0e-4bd4-9d1c-1e2f3a4b5c6d",
		Reason:          "Reported by 198.51.100.1: spam",
		Evidence:        json.RawMessage(`{"note":"links in video"}`),
		OffenseCount:    1,
		BanExpiresAt:    time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	var (
		count    int
		evidence []byte
	)
	err = store.db.QueryRowContext(ctx,
		`SELECT offense_count, evidence FROM abuse_reports WHERE offender_ip = $1`,
		"test-203.0.113.7").Scan(&count, &evidence)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.JSONEq(t, `{"note":"links in video"}`, string(evidence))
}

func TestCreate_DropsInvalidEvidence(t *testing.T) {
	store, ctx := setupStore(t)

	err := store.Create(ctx, &Report{
		ReporterIP:      "198.51.100.1",
		OffenderIP:      "test-203.0.113.8",
		OffenderSession: "s",
		Reason:          "r",
		Evidence:        json.RawMessage(`{not json`),
		OffenseCount:    2,
		BanExpiresAt:    time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	var evidence []byte
	err = store.db.QueryRowContext(ctx,
		`SELECT evidence FROM abuse_reports WHERE offender_ip = $1`,
		"test-203.0.113.8").Scan(&evidence)
	require.NoError(t, err)
	assert.Nil(t, evidence)
}
