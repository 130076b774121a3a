/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the commission ledger. Loads .env and
  configuration, sets up logging, then dispatches to a subcommand.

COMMANDS:
  serve     HTTP API (optionally with the Kafka consumer in-process)
  consume   Kafka consumer only
  quote     Print the breakdown for a hypothetical order; writes nothing

CONFIGURATION:
  Defaults, then config.yaml (or --config), then LEDGER_* environment
  variables. A .env file in the working directory is loaded first.

EXAMPLES:
  # HTTP API on an SQLite file
  LEDGER_DATABASE_DSN=./data/ledger.db ledger serve

  # API and consumer against Postgres
  LEDGER_DATABASE_DRIVER=postgres LEDGER_DATABASE_DSN=postgres://... ledger serve --with-consumer

  # Preview a sale
  ledger quote --gross 2200 --seller seller-1 --buyer buyer-1

SEE ALSO:
  - app.go: dependency wiring
  - internal/config/config.go: configuration keys
*/
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/warp/commission-ledger/internal/config"
	"github.com/warp/commission-ledger/internal/logger"
)

var version = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env file: %v\n", err)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are shared by every subcommand.
type options struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "ledger",
		Short:         "Commission and settlement ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if _, err := logger.Setup(cfg.Log.Logger()); err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./config.yaml if present)")

	root.AddCommand(
		newServeCmd(opts),
		newConsumeCmd(opts),
		newQuoteCmd(opts),
	)
	return root
}
