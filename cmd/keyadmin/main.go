// Package main inspects, rotates and destroys tenant key versions.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/ledgerkeep/internal/app"
	entrypoint "github.com/louisbranch/ledgerkeep/internal/platform/cmd"
	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/tools/keyadmin"
)

func main() {
	cfg, err := keyadmin.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	appCfg, err := app.LoadConfig()
	if err != nil {
		config.Exitf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vault, closeVault, err := app.OpenVault(ctx, appCfg, appCfg.NewLogger())
	if err != nil {
		config.Exitf("open key vault: %v", err)
	}
	defer closeVault()

	err = entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceKeyAdmin, entrypoint.RunOptions{Timeout: cfg.Timeout}, func(ctx context.Context) error {
		return keyadmin.Run(ctx, cfg, vault, os.Stdout)
	})
	if err != nil {
		closeVault()
		config.ExitCodef(os.Stderr, entrypoint.ExitCode(err), "%s", entrypoint.FormatFailure(entrypoint.ServiceKeyAdmin, err, cfg.JSONOutput))
	}
}
