package attendance

import (
	"errors"
	"fmt"

	"github.com/routebook/routebook/internal/platform/httpx"
)

var (
	// ErrDayClosed rejects plain submissions once a day has been closed.
	ErrDayClosed = fmt.Errorf("%w: attendance day is closed, submit an amendment instead", httpx.ErrConflict)
	// ErrEntryNotFound indicates no ledger entry exists for the key.
	ErrEntryNotFound = fmt.Errorf("%w: attendance entry", httpx.ErrNotFound)
	// ErrRepositoryUnavailable is returned when the service was built without storage.
	ErrRepositoryUnavailable = errors.New("attendance: repository not configured")
)
