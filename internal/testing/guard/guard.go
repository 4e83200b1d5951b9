// Package guard is blank-imported by cmd tests so that calling main() is
// harmless.
package guard

import (
	"os"

	"github.com/routebook/routebook/internal/app"
)

func init() {
	if os.Getenv(app.TestModeEnv) == "" {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
	app.RefreshTestMode()
}
