package config

import (
	"bytes"
	"os"
	"testing"
)

func TestExitCodefWritesMessageAndCode(t *testing.T) {
	var gotCode int
	exit = func(code int) { gotCode = code }
	t.Cleanup(func() { exit = os.Exit })

	var buf bytes.Buffer
	ExitCodef(&buf, 2, "chain broken at %d", 7)

	if gotCode != 2 {
		t.Fatalf("exit code = %d, want 2", gotCode)
	}
	if buf.String() != "chain broken at 7\n" {
		t.Fatalf("message = %q", buf.String())
	}
}
