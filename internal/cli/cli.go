// Package cli implements the command-line interface for fwlog.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/fwlog/internal/logctx"
	"github.com/eunmann/fwlog/pkg/config"
	"github.com/eunmann/fwlog/pkg/logging"
	"golang.org/x/term"
)

const usage = `usage: fwlog <command> [options]
commands:
  init   create device images and partition table, initialize the RAM buffer
  emit   append one record (--source, --line, --level, then parameter words)
  flush  move all pending records to the log partition
  dump   print the RAM buffer header and pending bytes
  scan   decode the records stored in the log partition
  stress emit from several goroutines at once and report buffer statistics`

// Run executes the CLI with the given arguments, writing command output
// to stdout.
func Run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:], stdout)
	case "emit":
		return runEmit(ctx, args[1:], stdout)
	case "flush":
		return runFlush(ctx, args[1:], stdout)
	case "dump":
		return runDump(ctx, args[1:], stdout)
	case "scan":
		return runScan(ctx, args[1:], stdout)
	case "stress":
		return runStress(ctx, args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// common holds the flags every subcommand accepts.
type common struct {
	configPath string
	debug      bool
	logFormat  string
}

func newFlagSet(name string) (*flag.FlagSet, *common) {
	c := &common{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&c.configPath, "config", "fwlog.yaml", "YAML configuration file")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.StringVar(&c.logFormat, "log-format", "auto", "log output: auto, json or console")
	return fs, c
}

// setup loads the configuration and installs the process logger. The
// returned context carries a logger tagged with the command name.
func (c *common) setup(ctx context.Context, cmd string) (context.Context, *config.Config, error) {
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		return ctx, nil, err
	}

	human, err := humanOutput(c.logFormat, cfg.Logging.Human)
	if err != nil {
		return ctx, nil, err
	}
	logging.Init(c.debug || cfg.Logging.Debug, human)

	ctx = logctx.WithLogger(ctx, logging.WithComponent("cli"))
	ctx = logctx.WithStr(ctx, "cmd", cmd)
	return ctx, cfg, nil
}

func humanOutput(format string, fromConfig bool) (bool, error) {
	switch format {
	case "json":
		return false, nil
	case "console":
		return true, nil
	case "auto", "":
		return fromConfig || term.IsTerminal(int(os.Stderr.Fd())), nil
	}
	return false, fmt.Errorf("--log-format must be auto, json or console, got %q", format)
}
