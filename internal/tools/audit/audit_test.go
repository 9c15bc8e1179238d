package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
)

type fakeLedger struct {
	result    chain.IntegrityCheckResult
	entry     chain.Entry
	found     bool
	lookupErr error

	gotFrom int64
	gotTo   *int64
	gotSeq  int64
}

func (f *fakeLedger) Append(context.Context, int64, string, time.Time) (chain.Entry, error) {
	return chain.Entry{}, errors.New("not used")
}

func (f *fakeLedger) Verify(_ context.Context, tenantID, from int64, to *int64) chain.IntegrityCheckResult {
	f.gotFrom, f.gotTo = from, to
	result := f.result
	result.TenantID = tenantID
	return result
}

func (f *fakeLedger) GetEntry(_ context.Context, _ int64, seq int64) (chain.Entry, bool, error) {
	f.gotSeq = seq
	return f.entry, f.found, f.lookupErr
}

func (f *fakeLedger) GetLatest(context.Context, int64) (chain.Entry, bool, error) {
	return f.entry, f.found, f.lookupErr
}

func failedResult() chain.IntegrityCheckResult {
	return chain.IntegrityCheckResult{
		FromSequence:  1,
		ToSequence:    3,
		CheckedCount:  3,
		FailedEntries: []chain.FailedEntry{{SequenceNumber: 2, Reason: chain.ReasonHashMismatch}},
		CheckedAt:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("LEDGERKEEP_TOOL_TIMEOUT", "30s")
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-tenant-id", "7"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.TenantID != 7 || cfg.From != 1 || cfg.To != 0 || cfg.Format != FormatText {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("timeout = %s", cfg.Timeout)
	}
}

func TestParseConfigNormalizesFormat(t *testing.T) {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-tenant-id", "7", "-format", " YAML "})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Format != FormatYAML {
		t.Fatalf("format = %q", cfg.Format)
	}
}

func TestParseConfigBadArgs(t *testing.T) {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := ParseConfig(fs, []string{"-tenant-id", "abc"}); err == nil {
		t.Fatal("expected error for non-numeric tenant")
	}
}

func TestRunValidatesConfig(t *testing.T) {
	tests := []Config{
		{Format: FormatText},
		{TenantID: 1, Format: "xml"},
		{TenantID: 1, Format: FormatText, Entry: 2, Latest: true},
		{TenantID: 1, Format: FormatText, To: -1},
	}
	for _, cfg := range tests {
		if err := Run(context.Background(), cfg, &fakeLedger{}, &bytes.Buffer{}); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
	if err := Run(context.Background(), Config{TenantID: 1, Format: FormatText}, nil, nil); err == nil {
		t.Fatal("expected error for nil ledger")
	}
}

func TestRunVerifyOKText(t *testing.T) {
	ledger := &fakeLedger{result: chain.IntegrityCheckResult{FromSequence: 1, ToSequence: 3, CheckedCount: 3, OK: true, FailedEntries: []chain.FailedEntry{}}}
	var out bytes.Buffer
	if err := Run(context.Background(), Config{TenantID: 7, From: 1, Format: FormatText}, ledger, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ledger.gotTo != nil {
		t.Fatalf("expected latest bound, got %d", *ledger.gotTo)
	}
	if !strings.Contains(out.String(), "tenant 7 sequences 1..3 checked 3: OK") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunVerifyFailureJSON(t *testing.T) {
	ledger := &fakeLedger{result: failedResult()}
	var out bytes.Buffer
	err := Run(context.Background(), Config{TenantID: 7, From: 1, To: 3, Format: FormatJSON}, ledger, &out)
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	if ledger.gotTo == nil || *ledger.gotTo != 3 {
		t.Fatal("expected explicit upper bound")
	}

	var decoded map[string]any
	if err := json.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded["ok"] != false || decoded["checked_count"] != float64(3) || decoded["tenant_id"] != float64(7) {
		t.Fatalf("unexpected report: %v", decoded)
	}
	if runID, _ := decoded["run_id"].(string); len(runID) != 26 {
		t.Fatalf("unexpected run id %q", runID)
	}
	failed := decoded["failed_entries"].([]any)
	first := failed[0].(map[string]any)
	if first["reason"] != "Hash mismatch" || first["sequence_number"] != float64(2) {
		t.Fatalf("unexpected finding: %v", first)
	}
}

func TestRunVerifyFailureYAML(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), Config{TenantID: 7, From: 1, Format: FormatYAML}, &fakeLedger{result: failedResult()}, &out)
	if !errors.Is(err, ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
	var decoded struct {
		RunID         string `yaml:"run_id"`
		TenantID      int64  `yaml:"tenant_id"`
		OK            bool   `yaml:"ok"`
		FailedEntries []struct {
			SequenceNumber int64  `yaml:"sequence_number"`
			Reason         string `yaml:"reason"`
		} `yaml:"failed_entries"`
	}
	if err := yaml.Unmarshal(out.Bytes(), &decoded); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if decoded.RunID == "" || decoded.TenantID != 7 || decoded.OK || len(decoded.FailedEntries) != 1 {
		t.Fatalf("unexpected report: %+v", decoded)
	}
	if decoded.FailedEntries[0].Reason != "Hash mismatch" {
		t.Fatalf("reason = %q", decoded.FailedEntries[0].Reason)
	}
}

func TestRunVerifyFailureText(t *testing.T) {
	var out bytes.Buffer
	_ = Run(context.Background(), Config{TenantID: 7, From: 1, Format: FormatText}, &fakeLedger{result: failedResult()}, &out)
	if !strings.Contains(out.String(), "FAILED") || !strings.Contains(out.String(), "seq 2: Hash mismatch") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunEntryLookup(t *testing.T) {
	entry := chain.Next(7, nil, "A", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)).Entry
	ledger := &fakeLedger{entry: entry, found: true}
	var out bytes.Buffer
	if err := Run(context.Background(), Config{TenantID: 7, Entry: 1, Format: FormatJSON}, ledger, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ledger.gotSeq != 1 {
		t.Fatalf("looked up seq %d", ledger.gotSeq)
	}
	var report EntryReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if !report.Found || report.Entry.EntryHash != entry.EntryHash || report.Entry.CreatedAt != "2024-03-01T12:00:00Z" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunLatestNotFound(t *testing.T) {
	var out bytes.Buffer
	if err := Run(context.Background(), Config{TenantID: 7, Latest: true, Format: FormatText}, &fakeLedger{}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "entry not found") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunLookupError(t *testing.T) {
	ledger := &fakeLedger{lookupErr: errors.New("disk gone")}
	if err := Run(context.Background(), Config{TenantID: 7, Latest: true, Format: FormatText}, ledger, nil); err == nil {
		t.Fatal("expected lookup error")
	}
}
