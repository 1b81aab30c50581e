package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ingestd/pkg/ingest"
)

var sweepWatch bool

// sweepCmd resolves stale pending attempts left by crashed or timed-out
// ingestion runs.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve stale pending ingestion attempts",
	Long: `Resolve pending attempts older than the configured maximum age.

Each stale attempt is checked against the backend: if its row landed the
attempt is marked committed, otherwise it is marked failed and becomes
eligible for retry.

Examples:
  # Run one sweep and exit
  ingestd sweep

  # Keep sweeping on the configured interval until interrupted
  ingestd sweep --watch`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepWatch, "watch", false, "sweep continuously on the configured interval")
}

func runSweep(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if !sweepWatch {
		reports, err := app.service.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		printSweepReports(reports)
		return nil
	}

	sweeper := ingest.NewSweeper(app.service, app.logger.Named("sweeper"))
	if err := sweeper.Start(cmd.Context()); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-cmd.Context().Done():
	}
	sweeper.Stop()
	return nil
}

func printSweepReports(reports []ingest.SweepReport) {
	if len(reports) == 0 {
		fmt.Println("No pending attempts.")
		return
	}
	for _, rep := range reports {
		fmt.Printf("%s: resolved %d (committed %d, failed %d)\n",
			rep.Collection, rep.Resolved, rep.Committed, rep.Failed)
	}
}
