package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"sensoralert/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_records (
	id                TEXT PRIMARY KEY,
	alert_id          TEXT NOT NULL,
	action_id         BIGINT NOT NULL,
	channel           TEXT NOT NULL,
	recipient_user_id BIGINT,
	status            TEXT NOT NULL,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ,
	duration_ms       BIGINT,
	attempt_number    INTEGER NOT NULL,
	error_message     TEXT,
	payload_sent      TEXT NOT NULL,
	response_received TEXT
);
CREATE INDEX IF NOT EXISTS execution_records_alert_idx ON execution_records (alert_id, started_at);
CREATE INDEX IF NOT EXISTS execution_records_action_idx ON execution_records (action_id, started_at);
`

const recordColumns = `id, alert_id, action_id, channel, recipient_user_id, status, started_at, finished_at, duration_ms, attempt_number, error_message, payload_sent, response_received`

// SQL stores execution records in Postgres.
// Params: database handle opened with "postgres" (lib/pq) or "pgx" driver.
// Returns: durable ledger.
type SQL struct {
	db *sql.DB
}

// NewSQL wraps opened database handle.
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenSQL opens database, verifies connectivity, and optionally migrates schema.
// Params: context, driver, DSN, and migrate flag.
// Returns: SQL ledger or setup error.
func OpenSQL(ctx context.Context, driver, dsn string, migrate bool) (*SQL, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s ledger: %w", driver, err)
	}
	ledger := NewSQL(db)
	if migrate {
		if err := ledger.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return ledger, nil
}

// Migrate creates execution_records table and indexes.
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// Begin inserts running record.
func (s *SQL) Begin(ctx context.Context, rec domain.ExecutionRecord) (domain.ExecutionRecord, error) {
	rec = prepareBegin(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $8, NULL, $9, NULL)`,
		rec.ID, rec.AlertID, rec.ActionID, string(rec.Channel), nullInt64(rec.RecipientUserID), string(rec.Status),
		rec.StartedAt, rec.AttemptNumber, rec.PayloadSent,
	)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("insert execution record: %w", err)
	}
	return rec, nil
}

// Finish sets terminal fields only while finished_at is null.
func (s *SQL) Finish(ctx context.Context, rec domain.ExecutionRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE execution_records SET status = $2, finished_at = $3, duration_ms = $4, error_message = $5, response_received = $6 WHERE id = $1 AND finished_at IS NULL`,
		rec.ID, string(rec.Status), rec.FinishedAt, rec.DurationMS, nullString(rec.ErrorMessage), nullString(rec.ResponseReceived),
	)
	if err != nil {
		return fmt.Errorf("finish execution record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish execution record: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyFinished
	}
	return nil
}

// ListByAlert returns records for alert ordered by start time.
func (s *SQL) ListByAlert(ctx context.Context, alertID string) ([]domain.ExecutionRecord, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE alert_id = $1 ORDER BY started_at, attempt_number`, alertID)
}

// ListByAction returns records for action ordered by start time.
func (s *SQL) ListByAction(ctx context.Context, actionID int64) ([]domain.ExecutionRecord, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE action_id = $1 ORDER BY started_at, attempt_number`, actionID)
}

// Stats aggregates status counts for filter.
func (s *SQL) Stats(ctx context.Context, filter Filter) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM execution_records WHERE ($1 = '' OR alert_id = $1) AND ($2 = 0 OR action_id = $2) GROUP BY status`,
		filter.AlertID, filter.ActionID,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query execution stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan execution stats: %w", err)
		}
		stats.add(domain.ExecutionStatus(status), count)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate execution stats: %w", err)
	}
	stats.finalize()
	return stats, nil
}

// Close releases database handle.
func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) query(ctx context.Context, query string, arg any) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query execution records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ExecutionRecord, 0)
	for rows.Next() {
		var (
			rec                    domain.ExecutionRecord
			channel, status        string
			recipient, duration    sql.NullInt64
			finishedAt             sql.NullTime
			errorMessage, response sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.AlertID, &rec.ActionID, &channel, &recipient, &status, &rec.StartedAt,
			&finishedAt, &duration, &rec.AttemptNumber, &errorMessage, &rec.PayloadSent, &response); err != nil {
			return nil, fmt.Errorf("scan execution record: %w", err)
		}
		rec.Channel = domain.Channel(channel)
		rec.Status = domain.ExecutionStatus(status)
		rec.RecipientUserID = recipient.Int64
		if finishedAt.Valid {
			finished := finishedAt.Time
			rec.FinishedAt = &finished
		}
		if duration.Valid {
			value := duration.Int64
			rec.DurationMS = &value
		}
		rec.ErrorMessage = errorMessage.String
		rec.ResponseReceived = response.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution records: %w", err)
	}
	return out, nil
}

func nullInt64(value int64) sql.NullInt64 {
	return sql.NullInt64{Int64: value, Valid: value != 0}
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
