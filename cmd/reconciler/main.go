/*
main.go - Application entry point

PURPOSE:
  Runs the reconciler command line. Every subcommand loads configuration,
  opens the SQLite store and wires the pipeline (see cli/app.go).

COMMANDS:
  serve        HTTP API plus optional scheduler, graceful shutdown on SIGINT/SIGTERM
  run          One reconciliation (validate, load, merge)
  merge        One fact table merge
  ingest       Append a batch file to the staging buffer
  quarantine   List rows awaiting correction (--exhausted for given-up rows)
  correct      Correct a quarantined row
  runs         Run history and error log

EXIT CODES:
  0  success
  1  the pipeline recorded a failed run
  2  command error (config, database, input)

ENVIRONMENT:
  Any config key can be set as an environment variable, e.g.
  DATABASE_PATH=/var/lib/reconciler.db PIPELINE_MAX_RETRIES=5

SEE ALSO:
  - cli/root.go: Command tree
  - config/config.go: Settings and defaults
*/
package main

import (
	"fmt"
	"os"

	"github.com/warp/order-reconciler/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
