package main

import (
	"flag"
	"os"

	"github.com/louisbranch/ledgerkeep/internal/platform/config"
	"github.com/louisbranch/ledgerkeep/internal/tools/masterkey"
)

func main() {
	cfg, err := masterkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := masterkey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
