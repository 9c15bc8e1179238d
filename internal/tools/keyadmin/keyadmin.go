// Package keyadmin implements the key administration command: inspect,
// rotate and destroy a tenant's key versions.
package keyadmin

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/platform/timeouts"
	"github.com/louisbranch/ledgerkeep/internal/services/keyvault/field"
)

// Vault is the subset of the key vault the command drives.
type Vault interface {
	CurrentKeyVersion(ctx context.Context, tenantID int64) (int, error)
	RotateKey(ctx context.Context, tenantID int64) (int, error)
	DestroyKey(ctx context.Context, tenantID int64, version int) error
	KeyVersions(ctx context.Context, tenantID int64) ([]field.KeyVersion, error)
}

// Config holds keyadmin command configuration.
type Config struct {
	TenantID       int64
	Current        bool
	Rotate         bool
	DestroyVersion int
	List           bool
	JSONOutput     bool
	Timeout        time.Duration
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

	cfg := Config{Timeout: envCfg.Timeout}
	fs.Int64Var(&cfg.TenantID, "tenant-id", 0, "tenant whose keys to manage (required)")
	fs.BoolVar(&cfg.Current, "current", false, "print the current key version, creating version 1 if needed")
	fs.BoolVar(&cfg.Rotate, "rotate", false, "create a new key version")
	fs.IntVar(&cfg.DestroyVersion, "destroy-version", 0, "destroy this key version (irreversible)")
	fs.BoolVar(&cfg.List, "list", false, "list key versions and their state")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TenantID <= 0 {
		return errors.New("-tenant-id must be positive")
	}
	if c.DestroyVersion < 0 {
		return errors.New("-destroy-version must be positive")
	}
	actions := 0
	for _, set := range []bool{c.Current, c.Rotate, c.DestroyVersion > 0, c.List} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return errors.New("exactly one of -current, -rotate, -destroy-version or -list is required")
	}
	return nil
}

type versionResult struct {
	TenantID int64  `json:"tenant_id"`
	Action   string `json:"action"`
	Version  int    `json:"version"`
}

// Run executes the keyadmin command against vault and writes the result to out.
func Run(ctx context.Context, cfg Config, vault Vault, out io.Writer) error {
	if vault == nil {
		return errors.New("vault is required")
	}
	if out == nil {
		out = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	switch {
	case cfg.Current:
		version, err := vault.CurrentKeyVersion(ctx, cfg.TenantID)
		if err != nil {
			return err
		}
		return writeVersion(out, cfg, versionResult{TenantID: cfg.TenantID, Action: "current", Version: version})
	case cfg.Rotate:
		version, err := vault.RotateKey(ctx, cfg.TenantID)
		if err != nil {
			return err
		}
		return writeVersion(out, cfg, versionResult{TenantID: cfg.TenantID, Action: "rotated", Version: version})
	case cfg.DestroyVersion > 0:
		if err := vault.DestroyKey(ctx, cfg.TenantID, cfg.DestroyVersion); err != nil {
			return err
		}
		return writeVersion(out, cfg, versionResult{TenantID: cfg.TenantID, Action: "destroyed", Version: cfg.DestroyVersion})
	default:
		versions, err := vault.KeyVersions(ctx, cfg.TenantID)
		if err != nil {
			return err
		}
		return writeList(out, cfg, versions)
	}
}

func writeVersion(out io.Writer, cfg Config, result versionResult) error {
	if cfg.JSONOutput {
		return json.NewEncoder(out).Encode(result)
	}
	_, err := fmt.Fprintf(out, "tenant %d: %s key version %d\n", result.TenantID, result.Action, result.Version)
	return err
}

func writeList(out io.Writer, cfg Config, versions []field.KeyVersion) error {
	if cfg.JSONOutput {
		if versions == nil {
			versions = []field.KeyVersion{}
		}
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(versions)
	}
	if len(versions) == 0 {
		_, err := fmt.Fprintf(out, "tenant %d: no key versions\n", cfg.TenantID)
		return err
	}
	for _, v := range versions {
		line := fmt.Sprintf("v%d\t%s\t%s\tmaster=%s\tcreated=%s", v.Version, v.State, v.Algorithm, v.MasterKeyID, v.CreatedAt.UTC().Format(time.RFC3339))
		if v.DestroyedAt != nil {
			line += "\tdestroyed=" + v.DestroyedAt.UTC().Format(time.RFC3339)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
