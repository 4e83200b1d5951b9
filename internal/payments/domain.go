package payments

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/routebook/routebook/internal/platform/httpx"
)

// AccountStatus is derived from paid and due amounts, never set directly.
type AccountStatus string

const (
	AccountPending AccountStatus = "pending"
	AccountPartial AccountStatus = "partial"
	AccountPaid    AccountStatus = "paid"
)

// DeriveStatus is the single rule mapping amounts to a status.
func DeriveStatus(paid, due decimal.Decimal) AccountStatus {
	switch {
	case due.IsZero():
		return AccountPaid
	case paid.IsPositive() && due.IsPositive():
		return AccountPartial
	default:
		return AccountPending
	}
}

// AccountKind distinguishes receivables from payables.
type AccountKind string

const (
	KindInvoice    AccountKind = "invoice"
	KindVendorBill AccountKind = "vendor_bill"
)

// PartyType identifies who owes or is owed.
type PartyType string

const (
	PartyCustomer PartyType = "customer"
	PartyVendor   PartyType = "vendor"
)

// Valid reports whether t is a known party type.
func (t PartyType) Valid() bool {
	return t == PartyCustomer || t == PartyVendor
}

// PartyFor returns the party type owning accounts of kind k.
func (k AccountKind) PartyFor() PartyType {
	if k == KindVendorBill {
		return PartyVendor
	}
	return PartyCustomer
}

// Method is how money moved.
type Method string

const (
	MethodCash         Method = "cash"
	MethodUPI          Method = "upi"
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
	MethodCheque       Method = "cheque"
)

// Valid reports whether m is a supported method.
func (m Method) Valid() bool {
	switch m {
	case MethodCash, MethodUPI, MethodCard, MethodBankTransfer, MethodCheque:
		return true
	}
	return false
}

// RequiresTransactionID reports whether a reference from the payment rail is mandatory.
func (m Method) RequiresTransactionID() bool {
	return m != MethodCash
}

// PaymentStatus tracks the lifecycle of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Valid reports whether s is a known payment status.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// transitionEffect tells the service what a status change does to the ledger.
type transitionEffect int

const (
	effectNone transitionEffect = iota
	effectApply
	effectReverse
)

var paymentTransitions = map[PaymentStatus]map[PaymentStatus]transitionEffect{
	PaymentPending: {
		PaymentCompleted: effectApply,
		PaymentFailed:    effectNone,
	},
	PaymentCompleted: {
		PaymentFailed:   effectReverse,
		PaymentRefunded: effectReverse,
	},
}

// transition returns the ledger effect of from -> to or ErrInvalidTransition.
func transition(from, to PaymentStatus) (transitionEffect, error) {
	if effect, ok := paymentTransitions[from][to]; ok {
		return effect, nil
	}
	return effectNone, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Balance carries the three amounts shared by accounts and party balances.
// Invariant: Paid + Due == Total and Status == DeriveStatus(Paid, Due).
type Balance struct {
	Total  decimal.Decimal `json:"total_amount"`
	Paid   decimal.Decimal `json:"paid_amount"`
	Due    decimal.Decimal `json:"due_amount"`
	Status AccountStatus   `json:"status"`
}

// NewBalance opens a balance owing total.
func NewBalance(total decimal.Decimal) Balance {
	b := Balance{Total: total, Paid: decimal.Zero, Due: total}
	b.Status = DeriveStatus(b.Paid, b.Due)
	return b
}

func (b *Balance) recompute() {
	b.Due = b.Total.Sub(b.Paid)
	if b.Due.IsNegative() {
		b.Due = decimal.Zero
	}
	b.Status = DeriveStatus(b.Paid, b.Due)
}

// Apply records amount as paid. It refuses overpayment.
func (b *Balance) Apply(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(b.Due) {
		return fmt.Errorf("%w: amount %s exceeds due %s", ErrOverpayment, amount.StringFixed(2), b.Due.StringFixed(2))
	}
	b.Paid = b.Paid.Add(amount)
	b.recompute()
	return nil
}

// Reverse removes amount from paid. When paid would go negative it is clamped
// to zero and the uncovered part is returned so the caller can flag it.
func (b *Balance) Reverse(amount decimal.Decimal) decimal.Decimal {
	overshoot := decimal.Zero
	b.Paid = b.Paid.Sub(amount)
	if b.Paid.IsNegative() {
		overshoot = b.Paid.Neg()
		b.Paid = decimal.Zero
	}
	b.recompute()
	return overshoot
}

// AdjustTotal grows or shrinks what is owed. The total may never drop below
// what has already been paid.
func (b *Balance) AdjustTotal(delta decimal.Decimal) error {
	next := b.Total.Add(delta)
	if next.LessThan(b.Paid) {
		return fmt.Errorf("%w: total %s would fall below paid %s", httpx.ErrInvariant, next.StringFixed(2), b.Paid.StringFixed(2))
	}
	b.Total = next
	b.recompute()
	return nil
}

// CheckInvariant verifies conservation and status consistency.
func (b Balance) CheckInvariant() error {
	if b.Paid.IsNegative() || b.Due.IsNegative() {
		return fmt.Errorf("%w: negative amount (paid %s, due %s)", httpx.ErrInvariant, b.Paid.StringFixed(2), b.Due.StringFixed(2))
	}
	if !b.Paid.Add(b.Due).Equal(b.Total) {
		return fmt.Errorf("%w: paid %s + due %s != total %s", httpx.ErrInvariant,
			b.Paid.StringFixed(2), b.Due.StringFixed(2), b.Total.StringFixed(2))
	}
	if want := DeriveStatus(b.Paid, b.Due); b.Status != want {
		return fmt.Errorf("%w: status %s, expected %s", httpx.ErrInvariant, b.Status, want)
	}
	return nil
}

// Account is an invoice or vendor bill.
type Account struct {
	ID        uuid.UUID   `json:"id"`
	Kind      AccountKind `json:"kind"`
	PartyType PartyType   `json:"party_type"`
	PartyID   string      `json:"party_id"`
	Period    string      `json:"period,omitempty"`
	Reference string      `json:"reference,omitempty"`
	Balance
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PartyBalance aggregates every account of a customer or vendor.
type PartyBalance struct {
	PartyType PartyType `json:"party_type"`
	PartyID   string    `json:"party_id"`
	Balance
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payment is one movement of money against an account.
type Payment struct {
	ID            uuid.UUID       `json:"id"`
	AccountID     uuid.UUID       `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Method        Method          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Status        PaymentStatus   `json:"status"`
	Reversed      bool            `json:"reversed"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DiscrepancyKind classifies flagged ledger anomalies.
type DiscrepancyKind string

const (
	DiscrepancyReversalClamped DiscrepancyKind = "reversal_clamped"
	DiscrepancyIntegrity       DiscrepancyKind = "integrity_mismatch"
	DiscrepancyPartyMismatch   DiscrepancyKind = "party_total_mismatch"
)

// Discrepancy is persisted whenever the ledger had to be corrected or was
// found inconsistent.
type Discrepancy struct {
	ID        int64           `json:"id"`
	Kind      DiscrepancyKind `json:"kind"`
	AccountID *uuid.UUID      `json:"account_id,omitempty"`
	PartyType PartyType       `json:"party_type,omitempty"`
	PartyID   string          `json:"party_id,omitempty"`
	PaymentID *uuid.UUID      `json:"payment_id,omitempty"`
	Detail    string          `json:"detail"`
	Expected  decimal.Decimal `json:"expected"`
	Actual    decimal.Decimal `json:"actual"`
	CreatedAt time.Time       `json:"created_at"`
}

// RecordPaymentInput is the request to apply money to an account.
type RecordPaymentInput struct {
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	Method         Method
	TransactionID  string
	Notes          string
	Status         PaymentStatus
	IdempotencyKey string
}

// OpenAccountInput creates an invoice or vendor bill.
type OpenAccountInput struct {
	Kind      AccountKind
	PartyID   string
	Reference string
	Period    string
	Total     decimal.Decimal
}

// ChargeInput posts one customer's billed amount for an area's business day.
type ChargeInput struct {
	CustomerID   string
	BusinessDate string
	AreaID       string
	Amount       decimal.Decimal
}

// ChargeResult reports how the invoice moved.
type ChargeResult struct {
	AccountID uuid.UUID       `json:"account_id"`
	Previous  decimal.Decimal `json:"previous"`
	Delta     decimal.Decimal `json:"delta"`
}

// InvoiceLine is one customer-day-area charge on a period invoice.
type InvoiceLine struct {
	AccountID    uuid.UUID
	CustomerID   string
	BusinessDate string
	AreaID       string
	Amount       decimal.Decimal
	UpdatedAt    time.Time
}
