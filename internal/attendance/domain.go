package attendance

import (
	"fmt"
	"time"
)

// Status describes what happened to one subscribed product on a delivery day.
type Status string

const (
	StatusDelivered    Status = "delivered"
	StatusSkipped      Status = "skipped"
	StatusOutOfStock   Status = "out_of_stock"
	StatusNotDelivered Status = "not_delivered"
)

// nextStatus is the cycle an operator steps through by tapping a product.
var nextStatus = map[Status]Status{
	StatusDelivered:    StatusSkipped,
	StatusSkipped:      StatusOutOfStock,
	StatusOutOfStock:   StatusNotDelivered,
	StatusNotDelivered: StatusDelivered,
}

// Statuses lists every valid status in cycle order.
func Statuses() []Status {
	return []Status{StatusDelivered, StatusSkipped, StatusOutOfStock, StatusNotDelivered}
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool {
	_, ok := nextStatus[s]
	return ok
}

// Next returns the following status in the cycle. Unknown values restart at delivered.
func (s Status) Next() Status {
	if next, ok := nextStatus[s]; ok {
		return next
	}
	return StatusDelivered
}

// Billable reports whether the product counts toward the customer's invoice.
func (s Status) Billable() bool {
	return s == StatusDelivered
}

// ParseStatus validates raw input.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown attendance status %q", raw)
	}
	return s, nil
}

// ProductAttendance is the outcome for one product.
type ProductAttendance struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
	Status    Status `json:"status" validate:"required"`
}

// CustomerAttendance groups product outcomes for one customer.
type CustomerAttendance struct {
	CustomerID string              `json:"customer_id" validate:"required"`
	Products   []ProductAttendance `json:"products" validate:"required,min=1,dive"`
}

// Entry is the canonical ledger row for one customer on one business day in one area.
type Entry struct {
	ID           int64               `json:"id"`
	CustomerID   string              `json:"customer_id"`
	BusinessDate string              `json:"business_date"`
	AreaID       string              `json:"area_id"`
	Products     []ProductAttendance `json:"products"`
	SubmissionID string              `json:"submission_id,omitempty"`
	Version      int64               `json:"version"`
	UpdatedBy    string              `json:"updated_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Day tracks whether an area's business day still accepts plain submissions.
type Day struct {
	BusinessDate string     `json:"business_date"`
	AreaID       string     `json:"area_id"`
	Closed       bool       `json:"closed"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ClosedBy     string     `json:"closed_by,omitempty"`
}

// DaySheet is the read model returned for one area's day.
type DaySheet struct {
	Day
	Entries []Entry `json:"entries"`
}

// SubmitInput carries one offline record or one direct submission.
type SubmitInput struct {
	Date         string
	AreaID       string
	SubmissionID string
	Attendance   []CustomerAttendance
}

// AmendInput corrects a day that no longer accepts plain submissions.
type AmendInput struct {
	SubmitInput
	Reason string
}

// SubmitResult counts inserted and replaced ledger entries.
type SubmitResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// UpsertEntryInput is the persistence payload for one customer.
type UpsertEntryInput struct {
	CustomerID   string
	BusinessDate string
	AreaID       string
	Products     []ProductAttendance
	SubmissionID string
	UpdatedBy    string
	At           time.Time
}

// Amendment is the audit row written for each amended customer.
type Amendment struct {
	CustomerID   string
	BusinessDate string
	AreaID       string
	Reason       string
	Previous     []ProductAttendance
	Products     []ProductAttendance
	AmendedBy    string
	AmendedAt    time.Time
}
