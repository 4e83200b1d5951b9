package shared

import (
	"context"
	"fmt"
)

// Locker serialises writers on a key. The release func must always be called.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// NopLocker never blocks. Used where database locks are sufficient, e.g. tests.
type NopLocker struct{}

// Acquire implements Locker.
func (NopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// AttendanceLockKey builds redis keys guarding one area's business day.
func AttendanceLockKey(businessDate, areaID string) string {
	return fmt.Sprintf("attendance:%s:%s:lock", businessDate, areaID)
}

// AccountLockKey builds redis keys guarding ledger account mutations.
func AccountLockKey(accountID string) string {
	return fmt.Sprintf("ledger:account:%s:lock", accountID)
}

// PartyLockKey builds redis keys guarding party level mutations such as invoice creation.
func PartyLockKey(partyType, partyID string) string {
	return fmt.Sprintf("ledger:party:%s:%s:lock", partyType, partyID)
}
