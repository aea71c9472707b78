package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteScript writes an executable shell script and returns its path.
func WriteScript(t testing.TB, dir, name, body string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	target := filepath.Join(dir, name)
	script := "#!/bin/sh\nset -e\n" + body + "\n"
	if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
	return target
}
