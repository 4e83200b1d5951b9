package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/routebook/routebook/internal/attendance"
	"github.com/routebook/routebook/internal/platform/localdb"
	"github.com/routebook/routebook/internal/shared"
)

var (
	// ErrDraftNotFound is returned when no draft exists for a (date, area).
	ErrDraftNotFound = errors.New("fieldsync: draft not found")
	// ErrEmptyDraft is returned when finalizing a draft with nothing to send.
	ErrEmptyDraft = errors.New("fieldsync: draft has no attendance")
)

// DraftItem is the in-progress state of one product for one customer.
type DraftItem struct {
	Status   attendance.Status `json:"status"`
	Quantity int               `json:"quantity"`
}

// Draft is the not-yet-submitted attendance of one area's business day.
type Draft struct {
	BusinessDate         string                          `json:"business_date"`
	AreaID               string                          `json:"area_id"`
	Attendance           map[string]map[string]DraftItem `json:"attendance"`
	ModifiedProductLists map[string][]string             `json:"modified_product_lists,omitempty"`
	Timestamp            time.Time                       `json:"timestamp"`
}

// DraftPatch carries the fields to merge into a draft. Items replace the
// matching customer/product pair; product lists replace per customer.
type DraftPatch struct {
	Attendance           map[string]map[string]DraftItem `json:"attendance,omitempty"`
	ModifiedProductLists map[string][]string             `json:"modified_product_lists,omitempty"`
}

type draftPayload struct {
	Attendance           map[string]map[string]DraftItem `json:"attendance"`
	ModifiedProductLists map[string][]string             `json:"modified_product_lists,omitempty"`
}

func draftKey(date, areaID string) (string, string, error) {
	normalized, err := shared.ParseBusinessDate(date)
	if err != nil {
		return "", "", err
	}
	areaID = strings.TrimSpace(areaID)
	if areaID == "" {
		return "", "", errors.New("fieldsync: area id is required")
	}
	return normalized, areaID, nil
}

// SetDraft merges patch into the draft for (date, area), creating it when
// absent, and refreshes its timestamp.
func (s *Store) SetDraft(ctx context.Context, date, areaID string, patch DraftPatch) (Draft, error) {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return Draft{}, err
	}
	var out Draft
	err = localdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		draft, err := loadDraft(ctx, tx, date, areaID)
		if errors.Is(err, ErrDraftNotFound) {
			draft = newDraft(date, areaID)
		} else if err != nil {
			return err
		}
		draft.merge(patch)
		draft.Timestamp = s.now()
		if err := saveDraft(ctx, tx, draft); err != nil {
			return err
		}
		out = draft
		return nil
	})
	return out, err
}

// GetDraft returns the draft for (date, area) or ErrDraftNotFound.
func (s *Store) GetDraft(ctx context.Context, date, areaID string) (Draft, error) {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return Draft{}, err
	}
	return loadDraft(ctx, s.db, date, areaID)
}

// ClearDraft discards the draft for (date, area). Clearing a missing draft is not an error.
func (s *Store) ClearDraft(ctx context.Context, date, areaID string) error {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE business_date = ? AND area_id = ?`, date, areaID); err != nil {
		return fmt.Errorf("fieldsync: clear draft: %w", err)
	}
	return nil
}

// CycleStatus advances one product to the next status in the cycle and
// returns the updated item. A product not yet in the draft starts as
// delivered with quantity 1.
func (s *Store) CycleStatus(ctx context.Context, date, areaID, customerID, productID string) (DraftItem, error) {
	date, areaID, err := draftKey(date, areaID)
	if err != nil {
		return DraftItem{}, err
	}
	if customerID == "" || productID == "" {
		return DraftItem{}, errors.New("fieldsync: customer and product ids are required")
	}
	var item DraftItem
	err = localdb.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		draft, err := loadDraft(ctx, tx, date, areaID)
		if errors.Is(err, ErrDraftNotFound) {
			draft = newDraft(date, areaID)
		} else if err != nil {
			return err
		}
		products := draft.Attendance[customerID]
		if products == nil {
			products = make(map[string]DraftItem)
			draft.Attendance[customerID] = products
		}
		current, ok := products[productID]
		if ok {
			current.Status = current.Status.Next()
		} else {
			current = DraftItem{Status: attendance.StatusDelivered, Quantity: 1}
		}
		if current.Status == attendance.StatusDelivered && current.Quantity == 0 {
			current.Quantity = 1
		}
		products[productID] = current
		draft.Timestamp = s.now()
		if err := saveDraft(ctx, tx, draft); err != nil {
			return err
		}
		item = current
		return nil
	})
	return item, err
}

// ListDrafts returns every pending draft ordered by date then area.
func (s *Store) ListDrafts(ctx context.Context) ([]Draft, error) {
	var rows []draftRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT business_date, area_id, payload, updated_at FROM drafts
		ORDER BY business_date, area_id`); err != nil {
		return nil, fmt.Errorf("fieldsync: list drafts: %w", err)
	}
	drafts := make([]Draft, 0, len(rows))
	for _, row := range rows {
		d, err := row.decode()
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

// SetSequence stores the route order of customers in an area.
func (s *Store) SetSequence(ctx context.Context, areaID string, customerIDs []string) error {
	if strings.TrimSpace(areaID) == "" {
		return errors.New("fieldsync: area id is required")
	}
	payload, err := json.Marshal(customerIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO area_sequences (area_id, customers, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (area_id) DO UPDATE SET customers = excluded.customers, updated_at = excluded.updated_at`,
		areaID, string(payload), s.timestamp())
	if err != nil {
		return fmt.Errorf("fieldsync: set sequence: %w", err)
	}
	return nil
}

// Sequence returns the stored route order for an area, empty when unset.
func (s *Store) Sequence(ctx context.Context, areaID string) ([]string, error) {
	return loadSequence(ctx, s.db, areaID)
}

func loadSequence(ctx context.Context, q sqlx.QueryerContext, areaID string) ([]string, error) {
	var raw string
	err := sqlx.GetContext(ctx, q, &raw, `SELECT customers FROM area_sequences WHERE area_id = ?`, areaID)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fieldsync: load sequence: %w", err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("fieldsync: decode sequence: %w", err)
	}
	return ids, nil
}

type draftRow struct {
	BusinessDate string `db:"business_date"`
	AreaID       string `db:"area_id"`
	Payload      string `db:"payload"`
	UpdatedAt    string `db:"updated_at"`
}

func (r draftRow) decode() (Draft, error) {
	var p draftPayload
	if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
		return Draft{}, fmt.Errorf("fieldsync: decode draft %s/%s: %w", r.BusinessDate, r.AreaID, err)
	}
	d := Draft{
		BusinessDate:         r.BusinessDate,
		AreaID:               r.AreaID,
		Attendance:           p.Attendance,
		ModifiedProductLists: p.ModifiedProductLists,
		Timestamp:            parseTimestamp(r.UpdatedAt),
	}
	if d.Attendance == nil {
		d.Attendance = make(map[string]map[string]DraftItem)
	}
	return d, nil
}

func newDraft(date, areaID string) Draft {
	return Draft{BusinessDate: date, AreaID: areaID, Attendance: make(map[string]map[string]DraftItem)}
}

func (d *Draft) merge(patch DraftPatch) {
	for customerID, products := range patch.Attendance {
		current := d.Attendance[customerID]
		if current == nil {
			current = make(map[string]DraftItem, len(products))
			d.Attendance[customerID] = current
		}
		for productID, item := range products {
			current[productID] = item
		}
	}
	if len(patch.ModifiedProductLists) > 0 && d.ModifiedProductLists == nil {
		d.ModifiedProductLists = make(map[string][]string, len(patch.ModifiedProductLists))
	}
	for customerID, list := range patch.ModifiedProductLists {
		d.ModifiedProductLists[customerID] = append([]string(nil), list...)
	}
}

// records converts the draft into the wire shape, customers in route order
// then by id, products by id.
func (d Draft) records(sequence []string) []attendance.CustomerAttendance {
	rank := make(map[string]int, len(sequence))
	for i, id := range sequence {
		rank[id] = i
	}
	customers := make([]string, 0, len(d.Attendance))
	for id, products := range d.Attendance {
		if len(products) > 0 {
			customers = append(customers, id)
		}
	}
	sort.Slice(customers, func(i, j int) bool {
		ri, iok := rank[customers[i]]
		rj, jok := rank[customers[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return customers[i] < customers[j]
		}
	})

	out := make([]attendance.CustomerAttendance, 0, len(customers))
	for _, customerID := range customers {
		products := d.Attendance[customerID]
		ids := make([]string, 0, len(products))
		for id := range products {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		ca := attendance.CustomerAttendance{CustomerID: customerID}
		for _, id := range ids {
			item := products[id]
			ca.Products = append(ca.Products, attendance.ProductAttendance{
				ProductID: id,
				Quantity:  item.Quantity,
				Status:    item.Status,
			})
		}
		out = append(out, ca)
	}
	return out
}

func loadDraft(ctx context.Context, q sqlx.QueryerContext, date, areaID string) (Draft, error) {
	var row draftRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT business_date, area_id, payload, updated_at FROM drafts
		WHERE business_date = ? AND area_id = ?`, date, areaID)
	if errors.Is(err, sql.ErrNoRows) {
		return Draft{}, ErrDraftNotFound
	}
	if err != nil {
		return Draft{}, fmt.Errorf("fieldsync: load draft: %w", err)
	}
	return row.decode()
}

func saveDraft(ctx context.Context, tx *sqlx.Tx, d Draft) error {
	payload, err := json.Marshal(draftPayload{Attendance: d.Attendance, ModifiedProductLists: d.ModifiedProductLists})
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO drafts (business_date, area_id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (business_date, area_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		d.BusinessDate, d.AreaID, string(payload), d.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("fieldsync: save draft: %w", err)
	}
	return nil
}
