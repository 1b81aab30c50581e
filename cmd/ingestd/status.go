package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ingestd/internal/ledger"
)

var statusJSON bool

// statusCmd reports ledger and backend state for a collection.
var statusCmd = &cobra.Command{
	Use:   "status <collection>",
	Short: "Show ledger and backend state for a collection",
	Long: `Show the backend row count and ledger attempt counts for a collection.

A non-zero pending count means ingestion attempts are in flight or were
abandoned; run "ingestd sweep" to resolve abandoned ones.

Examples:
  ingestd status docs
  ingestd status --json docs`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print status as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	status, err := app.service.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Collection:   %s\n", status.Collection)
	fmt.Printf("Backend rows: %d\n", status.RowCount)
	for _, state := range []ledger.State{ledger.StatePending, ledger.StateCommitted, ledger.StateFailed, ledger.StateSkipped} {
		fmt.Printf("%-12s  %d\n", string(state)+":", status.Attempts[state])
	}
	return nil
}
