package fieldsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/platform/localdb"
)

// Failure is a record the server refused. It is kept so the operator can
// correct and resubmit the attendance.
type Failure struct {
	ID           int64                           `json:"id" db:"id"`
	RecordID     string                          `json:"record_id" db:"record_id"`
	BusinessDate string                          `json:"business_date" db:"business_date"`
	AreaID       string                          `json:"area_id" db:"area_id"`
	StatusCode   int                             `json:"status_code" db:"status_code"`
	Message      string                          `json:"message" db:"message"`
	Payload      string                          `json:"-" db:"payload"`
	FailedAtRaw  string                          `json:"-" db:"failed_at"`
	FailedAt     time.Time                       `json:"failed_at" db:"-"`
	Attendance   []attendance.CustomerAttendance `json:"attendance" db:"-"`
}

// Reject moves a record out of the queue into the failure log atomically.
func (s *Store) Reject(ctx context.Context, rec Record, statusCode int, message string) error {
	payload, err := json.Marshal(rec.Attendance)
	if err != nil {
		return err
	}
	return localdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_failures (record_id, business_date, area_id, status_code, message, payload, failed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Date, rec.AreaID, statusCode, message, string(payload), s.timestamp()); err != nil {
			return fmt.Errorf("fieldsync: record failure: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, rec.ID); err != nil {
			return fmt.Errorf("fieldsync: drop rejected record: %w", err)
		}
		return nil
	})
}

// Failures lists rejected records, newest first.
func (s *Store) Failures(ctx context.Context) ([]Failure, error) {
	var out []Failure
	if err := s.db.SelectContext(ctx, &out, `
		SELECT id, record_id, business_date, area_id, status_code, message, payload, failed_at
		FROM sync_failures ORDER BY id DESC`); err != nil {
		return nil, fmt.Errorf("fieldsync: list failures: %w", err)
	}
	for i := range out {
		out[i].FailedAt = parseTimestamp(out[i].FailedAtRaw)
		if err := json.Unmarshal([]byte(out[i].Payload), &out[i].Attendance); err != nil {
			return nil, fmt.Errorf("fieldsync: decode failure %d: %w", out[i].ID, err)
		}
	}
	return out, nil
}

// DismissFailure deletes a failure once the operator has dealt with it.
func (s *Store) DismissFailure(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_failures WHERE id = ?`, id); err != nil {
		return fmt.Errorf("fieldsync: dismiss failure: %w", err)
	}
	return nil
}
