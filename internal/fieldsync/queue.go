package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/platform/httpx"
	"github.com/routebook/routebook/internal/platform/localdb"
)

// ErrRecordNotFound is returned when a queued record no longer exists.
var ErrRecordNotFound = errors.New("fieldsync: queued record not found")

// Record is one finalized submission waiting for upload. Records are never
// edited once queued.
type Record struct {
	ID         string                          `json:"id"`
	Date       string                          `json:"date"`
	AreaID     string                          `json:"area_id"`
	Attendance []attendance.CustomerAttendance `json:"attendance"`
	CreatedAt  time.Time                       `json:"created_at"`
}

type recordRow struct {
	Seq          int64  `db:"seq"`
	ID           string `db:"id"`
	BusinessDate string `db:"business_date"`
	AreaID       string `db:"area_id"`
	Payload      string `db:"payload"`
	CreatedAt    string `db:"created_at"`
}

func (r recordRow) decode() (Record, error) {
	var list []attendance.CustomerAttendance
	if err := json.Unmarshal([]byte(r.Payload), &list); err != nil {
		return Record{}, fmt.Errorf("fieldsync: decode record %s: %w", r.ID, err)
	}
	return Record{
		ID:         r.ID,
		Date:       r.BusinessDate,
		AreaID:     r.AreaID,
		Attendance: list,
		CreatedAt:  parseTimestamp(r.CreatedAt),
	}, nil
}

// Enqueue appends a submission with a fresh id and creation time.
func (s *Store) Enqueue(ctx context.Context, date, areaID string, list []attendance.CustomerAttendance) (Record, error) {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return Record{}, err
	}
	if len(list) == 0 {
		return Record{}, ErrEmptyDraft
	}
	if err := checkItems(list); err != nil {
		return Record{}, err
	}
	var rec Record
	err = localdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		rec, err = s.insertRecord(ctx, tx, date, areaID, list)
		return err
	})
	return rec, err
}

func (s *Store) insertRecord(ctx context.Context, tx *sqlx.Tx, date, areaID string, list []attendance.CustomerAttendance) (Record, error) {
	payload, err := json.Marshal(list)
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		ID:         uuid.NewString(),
		Date:       date,
		AreaID:     areaID,
		Attendance: list,
		CreatedAt:  s.now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue (id, business_date, area_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Date, rec.AreaID, string(payload), rec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, fmt.Errorf("fieldsync: enqueue: %w", err)
	}
	return rec, nil
}

// Finalize turns the draft for (date, area) into a queued record and
// discards the draft in the same local transaction.
func (s *Store) Finalize(ctx context.Context, date, areaID string) (Record, error) {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = localdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		draft, err := loadDraft(ctx, tx, date, areaID)
		if err != nil {
			return err
		}
		sequence, err := loadSequence(ctx, tx, areaID)
		if err != nil {
			return err
		}
		list := draft.records(sequence)
		if len(list) == 0 {
			return ErrEmptyDraft
		}
		if err := checkItems(list); err != nil {
			return err
		}
		rec, err = s.insertRecord(ctx, tx, date, areaID, list)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM drafts WHERE business_date = ? AND area_id = ?`, date, areaID)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	s.logger.Info("draft finalized",
		slog.String("record_id", rec.ID),
		slog.String("business_date", rec.Date),
		slog.String("area_id", rec.AreaID),
		slog.Int("customers", len(rec.Attendance)),
	)
	return rec, nil
}

// checkItems applies the server's per-product rules so a bad draft is caught
// while the device is still offline. The draft is kept for correction.
func checkItems(list []attendance.CustomerAttendance) error {
	verr := httpx.NewValidationError()
	for _, ca := range list {
		for _, p := range ca.Products {
			field := fmt.Sprintf("attendance.%s.%s", ca.CustomerID, p.ProductID)
			if !p.Status.Valid() {
				verr.Add(field+".status", fmt.Sprintf("unknown status %q", p.Status))
			}
			switch {
			case p.Quantity < 0:
				verr.Add(field+".quantity", "must be greater than or equal to 0")
			case p.Quantity == 0 && p.Status == attendance.StatusDelivered:
				verr.Add(field+".quantity", "must be greater than 0 when delivered")
			}
		}
	}
	return verr.Err()
}

// List returns queued records in enqueue order.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var rows []recordRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, id, business_date, area_id, payload, created_at FROM queue ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("fieldsync: list queue: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Remove deletes a record after it was accepted by the server.
func (s *Store) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("fieldsync: remove: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// HasPending reports whether any record awaits upload.
func (s *Store) HasPending(ctx context.Context) (bool, error) {
	n, err := s.Pending(ctx)
	return n > 0, err
}

// Pending counts queued records.
func (s *Store) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queue`); err != nil {
		return 0, fmt.Errorf("fieldsync: count queue: %w", err)
	}
	return n, nil
}
