// ABOUTME: Test helpers for config tests
// ABOUTME: Provides a clean environment with the required Passport client set

package config

import (
	"os"
	"strings"
	"testing"
)

// withCleanEnv clears the environment, sets the required Passport client
// credentials plus extra, and returns a cleanup that restores the original env.
//
//	t.Cleanup(withCleanEnv(t, map[string]string{"AUTH_MODE": "required"}))
func withCleanEnv(t *testing.T, extra map[string]string) func() {
	t.Helper()
	original := os.Environ()

	os.Clearenv()
	os.Setenv("PASSPORT_CLIENT_ID", "test-client")
	os.Setenv("PASSPORT_CLIENT_SECRET", "test-secret")
	for key, value := range extra {
		os.Setenv(key, value)
	}

	return func() {
		os.Clearenv()
		for _, env := range original {
			if key, value, ok := strings.Cut(env, "="); ok {
				os.Setenv(key, value)
			}
		}
	}
}
