package main

import (
	"testing"

	_ "github.com/routebook/routebook/internal/testing/guard"

	"github.com/routebook/routebook/internal/app"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be active")
	}
	main()
}
