package app

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/specialistvlad/forgegrid/internal/config"
	"github.com/specialistvlad/forgegrid/internal/monitor"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// SetupAppTest creates an app rooted at dir for system testing. Operations
// run without interception; settings are applied with config.Set.
func SetupAppTest(t *testing.T, dir string, settings map[string]string) (*App, *SafeBuffer) {
	t.Helper()

	cfg := config.Default(dir)
	cfg.LogLevel = "debug"
	cfg.Sandbox = monitor.ModeDisabled
	for k, v := range settings {
		if err := cfg.Set(k, v); err != nil {
			t.Fatalf("setting %s: %v", k, err)
		}
	}

	logBuffer := &SafeBuffer{}
	testApp, err := NewApp(logBuffer, cfg)
	if err != nil {
		t.Fatalf("creating app: %v", err)
	}

	t.Cleanup(func() {
		_ = testApp.Close()
		if os.Getenv("FORGEGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	return testApp, logBuffer
}
