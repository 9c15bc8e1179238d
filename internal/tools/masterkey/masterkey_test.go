package masterkey

import (
	"bytes"
	"encoding/base64"
	"flag"
	"fmt"
	"strings"
	"testing"
)

func TestParseConfig(t *testing.T) {
	fs := flag.NewFlagSet("master-key", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-key-id", "k2"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.KeyID != "k2" {
		t.Fatalf("key id = %q", cfg.KeyID)
	}
}

func TestRunWritesSingleKey(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader(bytes.Repeat([]byte{0x01}, 32))
	if err := Run(Config{}, buf, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "LEDGERKEEP_MASTER_KEY=" + base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
	if got := strings.TrimSpace(buf.String()); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRunWritesKeyListEntry(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := Run(Config{KeyID: "k2"}, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "LEDGERKEEP_MASTER_KEYS=k2=") || lines[1] != "LEDGERKEEP_MASTER_KEY_ID=k2" {
		t.Fatalf("unexpected output: %q", buf.String())
	}
	encoded := strings.TrimPrefix(lines[0], "LEDGERKEEP_MASTER_KEYS=k2=")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != 32 {
		t.Fatalf("unexpected key %q: %v", encoded, err)
	}
}

func TestRunRejectsBadKeyID(t *testing.T) {
	if err := Run(Config{KeyID: "a=b"}, &bytes.Buffer{}, nil); err == nil {
		t.Fatal("expected error for key id with separator")
	}
}

func TestRunNilOutput(t *testing.T) {
	if err := Run(Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, fmt.Errorf("read error") }

func TestRunReaderError(t *testing.T) {
	if err := Run(Config{}, &bytes.Buffer{}, errReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
}
