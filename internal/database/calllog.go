package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// callLogRepo implements CallLogRepository.
type callLogRepo struct {
	db *DB
}

// NewCallLogRepository creates a new CallLogRepository.
func NewCallLogRepository(db *DB) CallLogRepository {
	return &callLogRepo{db: db}
}

const callLogColumns = `call_id, direction, mode, extension, remote,
	 final_state, reason, turn_count, duration_secs, created_at, answered_at, ended_at`

// Create inserts a terminal call record. Each call id is written exactly
// once; a duplicate insert is a caller bug and surfaces as a key violation.
func (r *callLogRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO call_log (`+callLogColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.CallID, rec.Direction, rec.Mode, rec.Extension, rec.Remote,
		rec.FinalState, rec.Reason, rec.TurnCount, rec.DurationSecs,
		formatTime(&rec.CreatedAt), formatTime(rec.AnsweredAt), formatTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}
	return nil
}

// GetByCallID returns a call record by call id, or (nil, nil) when absent.
func (r *callLogRepo) GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error) {
	rec, err := scanCallRecord(r.db.QueryRowContext(ctx, r.db.rebind(
		`SELECT `+callLogColumns+` FROM call_log WHERE call_id = ?`), callID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning call record: %w", err)
	}
	return rec, nil
}

// ListRecent returns up to limit call records, newest first.
func (r *callLogRepo) ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT `+callLogColumns+` FROM call_log ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("querying call log: %w", err)
	}
	defer rows.Close()

	var recs []models.CallRecord
	for rows.Next() {
		rec, err := scanCallRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning call record row: %w", err)
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// DeleteOlderThan removes records created before the RFC3339 cutoff and
// returns how many were deleted.
func (r *callLogRepo) DeleteOlderThan(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM call_log WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	return n, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func scanCallRecord(scan func(dest ...any) error) (*models.CallRecord, error) {
	var rec models.CallRecord
	var created string
	var answered, ended sql.NullString
	err := scan(&rec.CallID, &rec.Direction, &rec.Mode, &rec.Extension, &rec.Remote,
		&rec.FinalState, &rec.Reason, &rec.TurnCount, &rec.DurationSecs,
		&created, &answered, &ended)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if answered.Valid {
		if t, err := time.Parse(time.RFC3339, answered.String); err == nil {
			rec.AnsweredAt = &t
		}
	}
	if ended.Valid {
		if t, err := time.Parse(time.RFC3339, ended.String); err == nil {
			rec.EndedAt = &t
		}
	}
	return &rec, nil
}
