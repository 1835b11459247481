// rates.go - Rate management commands.
//
// `rates set` appends a new rate row; prior rows are never modified, so
// running it twice leaves two history entries. `rates list` prints the
// history newest first.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/swarna/savings-engine/config"
	"github.com/swarna/savings-engine/savings"
	"github.com/swarna/savings-engine/store/sqlite"
)

var (
	ratesRetailer string
	ratesActor    string
)

func init() {
	rootCmd.AddCommand(ratesCmd)
	ratesCmd.AddCommand(ratesSetCmd)
	ratesCmd.AddCommand(ratesListCmd)

	ratesCmd.PersistentFlags().StringVar(&ratesRetailer, "retailer", "", "Retailer (tenant) ID")
	ratesCmd.PersistentFlags().StringVar(&ratesActor, "actor", "cli", "Actor recorded on the rate row")
}

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Manage per-gram rates",
}

var ratesSetCmd = &cobra.Command{
	Use:   "set KIND PER_GRAM",
	Short: "Record a new rate for a metal kind",
	Long: `Record a new per-gram rate. Rates are append-only: this inserts a new
row effective now and leaves history untouched. Existing transactions keep
their locked rates.`,
	Args: cobra.ExactArgs(2),
	RunE: runRatesSet,
}

func runRatesSet(cmd *cobra.Command, args []string) error {
	if ratesRetailer == "" {
		return fmt.Errorf("--retailer is required")
	}

	kind := savings.MetalKind(args[0])
	perGram, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid rate %q: %w", args[1], err)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	scope := savings.Scope{RetailerID: ratesRetailer, ActorID: ratesActor}
	rate, err := savings.NewRateBook(store).Record(context.Background(), scope, kind, perGram)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Rate recorded: %s = %s/g effective %s\n",
		rate.Kind, rate.PerGram, rate.EffectiveFrom.Format(time.RFC3339))
	return nil
}

var ratesListCmd = &cobra.Command{
	Use:   "list KIND",
	Short: "Show rate history for a metal kind, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRatesList,
}

func runRatesList(cmd *cobra.Command, args []string) error {
	if ratesRetailer == "" {
		return fmt.Errorf("--retailer is required")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	rates, err := savings.NewRateBook(store).History(context.Background(), ratesRetailer, savings.MetalKind(args[0]))
	if err != nil {
		return err
	}
	if len(rates) == 0 {
		fmt.Fprintln(os.Stdout, "No rates recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EFFECTIVE FROM\tKIND\tPER GRAM\tRECORDED BY")
	for _, r := range rates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.EffectiveFrom.Format(time.RFC3339), r.Kind, r.PerGram, r.RecordedBy)
	}
	return w.Flush()
}

func openStore() (*sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return sqlite.New(cfg.Database.Path)
}
