package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv makes every binary return from main before touching Postgres,
// Redis or the device store.
const TestModeEnv = "ROUTEBOOK_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether TestModeEnv was set when first asked.
func InTestMode() bool {
	if v := testMode.Load(); v != nil {
		return *v
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads TestModeEnv and returns the new value.
func RefreshTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	on = err == nil && on
	testMode.Store(&on)
	return on
}
