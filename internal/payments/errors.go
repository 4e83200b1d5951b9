package payments

import (
	"errors"
	"fmt"

	"github.com/routebook/routebook/internal/platform/httpx"
)

// Domain errors for payment reconciliation.
var (
	ErrAccountNotFound = fmt.Errorf("%w: account", httpx.ErrNotFound)
	ErrPaymentNotFound = fmt.Errorf("%w: payment", httpx.ErrNotFound)
	ErrPartyNotFound   = fmt.Errorf("%w: party balance", httpx.ErrNotFound)

	ErrInvalidAmount      = fmt.Errorf("%w: amount must be greater than zero", httpx.ErrValidation)
	ErrOverpayment        = fmt.Errorf("%w: payment exceeds amount due", httpx.ErrValidation)
	ErrInvalidTransition  = fmt.Errorf("%w: payment status transition not allowed", httpx.ErrValidation)
	ErrAlreadyReversed    = fmt.Errorf("%w: payment already reversed", httpx.ErrConflict)
	ErrVersionConflict    = fmt.Errorf("%w: record changed concurrently", httpx.ErrConflict)
	ErrDuplicatePayment   = fmt.Errorf("%w: payment already recorded for idempotency key", httpx.ErrDuplicate)
	ErrRepositoryNotReady = errors.New("payments: repository not configured")
)
