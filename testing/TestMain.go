package testing

import (
	"os"
	stdtesting "testing"

	"github.com/routebook/routebook/internal/app"
)

// testEnv is what a test run needs for LoadConfig and LoadAgentConfig to
// succeed without a developer .env file.
var testEnv = map[string]string{
	app.TestModeEnv: "1",
	"JWT_SECRET":    "routebook-test-secret",
	"AGENT_DB_PATH": os.DevNull,
}

func init() {
	for key, value := range testEnv {
		if _, ok := os.LookupEnv(key); !ok || key == app.TestModeEnv {
			_ = os.Setenv(key, value)
		}
	}
	app.RefreshTestMode()
}

func TestMain(m *stdtesting.M) {
	os.Exit(m.Run())
}
