package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vburojevic/replaykit/internal/cli"
	"github.com/vburojevic/replaykit/internal/config"
)

const quickStart = `replaykit - session replay segmenter and uploader

Quick start:
  replaykit upload --dry-run session.ndjson       Segment a recording without uploading
  replaykit upload --dsn https://KEY@HOST/PROJECT session.ndjson
  replaykit session show                          Inspect the sticky session

For help:
  replaykit --help                                All commands and flags
  replaykit schema                                Input and output record schemas
`

func main() {
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Config values become flag defaults; flags still win
	vars := kong.Vars{
		"config_format": cfg.Format,
	}

	ctx := kong.Parse(&c,
		kong.Name("replaykit"),
		kong.Description("replaykit: record page sessions into replay segments and upload them"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	globals := cli.NewGlobalsWithConfig(&c, cfg)
	if err := ctx.Run(globals); err != nil {
		os.Exit(1)
	}
}
