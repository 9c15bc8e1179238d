// Package audit implements the ledger audit command: chain verification
// reports and point lookups for one tenant.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/platform/id"
	"github.com/louisbranch/ledgerkeep/internal/platform/timeouts"
	"github.com/louisbranch/ledgerkeep/internal/services/ledger/chain"
	ledgerservice "github.com/louisbranch/ledgerkeep/internal/services/ledger/service"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ErrIntegrityViolation is returned by Run when the verification report is
// not OK. The report has already been written.
var ErrIntegrityViolation = errors.New("ledger integrity violation")

// Config holds audit command configuration.
type Config struct {
	TenantID int64
	From     int64
	// To is the last sequence to verify; 0 verifies through the latest entry.
	To      int64
	Entry   int64
	Latest  bool
	Format  string
	Timeout time.Duration
}

type envConfig struct {
	Timeout time.Duration `env:"LEDGERKEEP_TOOL_TIMEOUT"`
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := config.ParseEnv(&envCfg); err != nil {
		return Config{}, err
	}
	if envCfg.Timeout <= 0 {
		envCfg.Timeout = timeouts.Tool
	}

	cfg := Config{
		From:    1,
		Format:  FormatText,
		Timeout: envCfg.Timeout,
	}
	fs.Int64Var(&cfg.TenantID, "tenant-id", 0, "tenant whose chain to audit (required)")
	fs.Int64Var(&cfg.From, "from", cfg.From, "first sequence number to verify")
	fs.Int64Var(&cfg.To, "to", 0, "last sequence number to verify (0 = latest)")
	fs.Int64Var(&cfg.Entry, "entry", 0, "print one entry instead of verifying")
	fs.BoolVar(&cfg.Latest, "latest", false, "print the latest entry instead of verifying")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "output format (text|json|yaml)")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Format = strings.ToLower(strings.TrimSpace(cfg.Format))
	return cfg, nil
}

func (c Config) validate() error {
	if c.TenantID <= 0 {
		return errors.New("-tenant-id must be positive")
	}
	switch c.Format {
	case FormatText, FormatJSON, FormatYAML:
	default:
		return fmt.Errorf("unknown -format %q", c.Format)
	}
	if c.Entry < 0 {
		return errors.New("-entry must be positive")
	}
	if c.Entry > 0 && c.Latest {
		return errors.New("-entry cannot be combined with -latest")
	}
	if c.To < 0 {
		return errors.New("-to must not be negative")
	}
	return nil
}

// VerifyReport is the output of a verification run.
type VerifyReport struct {
	RunID                      string `json:"run_id" yaml:"run_id"`
	chain.IntegrityCheckResult `yaml:",inline"`
}

// EntryReport is the output of a point lookup.
type EntryReport struct {
	RunID    string     `json:"run_id" yaml:"run_id"`
	TenantID int64      `json:"tenant_id" yaml:"tenant_id"`
	Found    bool       `json:"found" yaml:"found"`
	Entry    *EntryView `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// EntryView is the printable form of a chain entry.
type EntryView struct {
	SequenceNumber int64  `json:"sequence_number" yaml:"sequence_number"`
	EntryHash      string `json:"entry_hash" yaml:"entry_hash"`
	PreviousHash   string `json:"previous_hash" yaml:"previous_hash"`
	CreatedAt      string `json:"created_at" yaml:"created_at"`
}

// Run executes the audit command against ledger and writes the report to out.
func Run(ctx context.Context, cfg Config, ledger ledgerservice.HashChain, out io.Writer) error {
	if ledger == nil {
		return errors.New("ledger is required")
	}
	if out == nil {
		out = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	runID, err := id.NewID()
	if err != nil {
		return err
	}

	if cfg.Entry > 0 || cfg.Latest {
		var (
			entry chain.Entry
			found bool
		)
		if cfg.Latest {
			entry, found, err = ledger.GetLatest(ctx, cfg.TenantID)
		} else {
			entry, found, err = ledger.GetEntry(ctx, cfg.TenantID, cfg.Entry)
		}
		if err != nil {
			return err
		}
		report := EntryReport{RunID: runID, TenantID: cfg.TenantID, Found: found}
		if found {
			report.Entry = &EntryView{
				SequenceNumber: entry.SequenceNumber,
				EntryHash:      entry.EntryHash,
				PreviousHash:   entry.PreviousHash,
				CreatedAt:      chain.FormatTimestamp(entry.CreatedAt),
			}
		}
		return write(out, cfg.Format, report, func(w io.Writer) error { return writeEntryText(w, report) })
	}

	var to *int64
	if cfg.To > 0 {
		to = &cfg.To
	}
	result := ledger.Verify(ctx, cfg.TenantID, cfg.From, to)
	report := VerifyReport{RunID: runID, IntegrityCheckResult: result}
	if err := write(out, cfg.Format, report, func(w io.Writer) error { return writeVerifyText(w, report) }); err != nil {
		return err
	}
	if !result.OK {
		return fmt.Errorf("%w: %d failed entries", ErrIntegrityViolation, len(result.FailedEntries))
	}
	return nil
}

func write(out io.Writer, format string, value any, text func(io.Writer) error) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(value)
	case FormatYAML:
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		if err := encoder.Encode(value); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return text(out)
	}
}

func writeVerifyText(w io.Writer, report VerifyReport) error {
	status := "OK"
	if !report.OK {
		status = "FAILED"
	}
	if _, err := fmt.Fprintf(w, "run %s: tenant %d sequences %d..%d checked %d: %s\n",
		report.RunID, report.TenantID, report.FromSequence, report.ToSequence, report.CheckedCount, status); err != nil {
		return err
	}
	for _, failed := range report.FailedEntries {
		if _, err := fmt.Fprintf(w, "  seq %d: %s\n", failed.SequenceNumber, failed.Reason); err != nil {
			return err
		}
	}
	return nil
}

func writeEntryText(w io.Writer, report EntryReport) error {
	if !report.Found {
		_, err := fmt.Fprintf(w, "run %s: tenant %d: entry not found\n", report.RunID, report.TenantID)
		return err
	}
	e := report.Entry
	_, err := fmt.Fprintf(w, "run %s: tenant %d seq %d\n  entry_hash    %s\n  previous_hash %s\n  created_at    %s\n",
		report.RunID, report.TenantID, e.SequenceNumber, e.EntryHash, e.PreviousHash, e.CreatedAt)
	return err
}
