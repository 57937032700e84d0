package runner

import (
	"context"
	"os"
	"testing"

	"github.com/specialistvlad/forgegrid/internal/monitor"
)

const monitorHelperEnv = "FORGEGRID_MONITOR_TEST_HELPER"

// TestMain turns the test binary into the monitor helper when a
// controller re-executes it.
func TestMain(m *testing.M) {
	if os.Getenv(monitorHelperEnv) == "1" {
		argv := os.Args[1:]
		for i, a := range argv {
			if a == "--" {
				argv = argv[i+1:]
				break
			}
		}
		os.Exit(monitor.RunHelper(context.Background(), argv, monitor.DefaultInterceptor()))
	}
	os.Exit(m.Run())
}
