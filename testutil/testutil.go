package testutil

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/DalavanCloud/randomness-testing-toolkit/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

var registryMu sync.Mutex

// ResetRegistryForTest provides an isolated Prometheus registry for the lifetime
// of the test. It reconfigures the metrics package to use the per-test registry
// and restores the default registerer once the test completes.
//
// The package-level lock is held for the entire test, so tests using this
// helper execute serially.
func ResetRegistryForTest(t *testing.T) *prometheus.Registry {
	t.Helper()

	registryMu.Lock()

	reg := prometheus.NewRegistry()
	metrics.ResetForTesting(reg)

	t.Cleanup(func() {
		metrics.ResetForTesting(prometheus.DefaultRegisterer)
		registryMu.Unlock()
	})

	return reg
}

// WriteScript writes an executable /bin/sh script with body into a
// test-scoped directory and returns its path. Scripts stand in for battery
// binaries.
func WriteScript(t *testing.T, name, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}

	path := filepath.Join(t.TempDir(), name)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil { // #nosec G306 -- must be executable
		t.Fatalf("write script %s: %v", path, err)
	}
	return path
}

// WaitForCondition polls probe until it reports success or the context is
// cancelled.
func WaitForCondition[T any](ctx context.Context, probe func() (T, bool)) (T, error) {
	var zero T
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		if val, ok := probe(); ok {
			return val, nil
		}

		runtime.Gosched()
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitFor blocks until ch yields a value or timeout elapses, failing the
// test on timeout.
func WaitFor[T any](t *testing.T, ch <-chan T, timeout time.Duration, desc string) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := WaitForCondition(ctx, func() (T, bool) {
		select {
		case v := <-ch:
			return v, true
		default:
			var zero T
			return zero, false
		}
	})
	if err != nil {
		t.Fatalf("timeout waiting for %s: %v", desc, err)
	}
	return result
}
