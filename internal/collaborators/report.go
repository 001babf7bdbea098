package collaborators

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var validReportReasons = map[string]bool{
	"harassment": true,
	"spam":       true,
	"explicit":   true,
	"other":      true,
}

// PostgresReportRecorder persists abuse reports to Postgres, adapted from
// report/store.go: same db/sql + lib/pq usage and JSONB-marshaled message
// context, renamed from the teacher's fingerprint-keyed columns to the
// core's userId-based Report shape.
type PostgresReportRecorder struct {
	db *sql.DB
}

// NewPostgresReportRecorder wraps an already-opened *sql.DB.
func NewPostgresReportRecorder(db *sql.DB) *PostgresReportRecorder {
	return &PostgresReportRecorder{db: db}
}

// RecordReport validates the reason and inserts a row into abuse_reports.
func (s *PostgresReportRecorder) RecordReport(ctx context.Context, r Report) error {
	if !validReportReasons[r.Reason] {
		return fmt.Errorf("invalid report reason: %q", r.Reason)
	}

	messagesJSON, err := json.Marshal(r.RecentMessages)
	if err != nil {
		return fmt.Errorf("marshal recent messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO abuse_reports
			(report_id, reporter_id, reported_id, session_id, reason, description, recent_messages, status, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, 'open', $8)
	`, uuid.New().String(), r.ReporterID, r.ReportedUserID, nullableSessionID(r.SessionID), r.Reason, r.Description, messagesJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert abuse report: %w", err)
	}
	return nil
}

// CountRecent returns how many reports have been filed against userID
// within window, used to feed (not enforce) an external moderation
// decision — the core itself never bans on this count.
func (s *PostgresReportRecorder) CountRecent(ctx context.Context, userID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM abuse_reports
		WHERE reported_id = $1 AND created_at > $2
	`, userID, time.Now().UTC().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent reports: %w", err)
	}
	return count, nil
}

func nullableSessionID(id string) interface{} {
	if id == "" {
		return nil
	}
	return id
}
