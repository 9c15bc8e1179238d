// Package main verifies a tenant's ledger hash chain.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/ledgerkeep/internal/app"
	entrypoint "github.com/louisbranch/ledgerkeep/internal/platform/cmd"
	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/tools/audit"
)

func main() {
	cfg, err := audit.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	appCfg, err := app.LoadConfig()
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := appCfg.NewLogger()
	ledger, closeLedger, err := app.OpenLedger(ctx, appCfg, logger)
	if err != nil {
		config.Exitf("open ledger: %v", err)
	}
	defer closeLedger()

	err = entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAudit, entrypoint.RunOptions{Timeout: cfg.Timeout}, func(ctx context.Context) error {
		return audit.Run(ctx, cfg, ledger, os.Stdout)
	})
	if errors.Is(err, audit.ErrIntegrityViolation) {
		closeLedger()
		config.ExitCodef(os.Stderr, entrypoint.ExitIntegrityViolation, "audit: %v", err)
	}
	if err != nil {
		closeLedger()
		config.ExitCodef(os.Stderr, entrypoint.ExitCode(err), "%s", entrypoint.FormatFailure(entrypoint.ServiceAudit, err, cfg.Format == audit.FormatJSON))
	}
}
