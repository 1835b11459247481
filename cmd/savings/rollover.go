// rollover.go - One-shot billing month rollover.
//
// Runs the same pass the in-process scheduler runs: ensure the current
// month's row for every ACTIVE enrollment and mark past-due months MISSED.
// Safe to re-run; row creation is idempotent.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarna/savings-engine/savings"
)

var rolloverRetailer string

func init() {
	rootCmd.AddCommand(rolloverCmd)
	rolloverCmd.Flags().StringVar(&rolloverRetailer, "retailer", "", "Retailer (tenant) ID; empty means all")
}

var rolloverCmd = &cobra.Command{
	Use:   "rollover",
	Short: "Run one billing month rollover pass",
	RunE:  runRollover,
}

func runRollover(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	today := time.Now().UTC()

	retailers := []string{rolloverRetailer}
	if rolloverRetailer == "" {
		retailers, err = store.Retailers(ctx)
		if err != nil {
			return err
		}
	}

	sched := savings.NewScheduler(store)
	totalCreated, totalMissed := 0, 0
	for _, retailerID := range retailers {
		created, missed, err := sched.Rollover(ctx, retailerID, today)
		if err != nil {
			return fmt.Errorf("rollover failed for retailer %s: %w", retailerID, err)
		}
		totalCreated += created
		totalMissed += missed
	}

	fmt.Fprintf(os.Stdout, "Rollover complete: %d months created, %d marked missed\n", totalCreated, totalMissed)
	return nil
}
