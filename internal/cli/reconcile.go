package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/pob/internal/engine"
	"github.com/ppiankov/pob/internal/logging"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/store"
	"github.com/ppiankov/pob/internal/worker"
)

var (
	reconcileTimeout time.Duration
	reconcileWorkers int
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile [ids-file]",
	Short: "Retry distribution of finalized claims",
	Long: `Reconcile opens the store, applies any timers that came due while the
engine was down, and hands finalized claims to the ledger:
- With an ids file (one claim id per line), only those claims
- Without one, every finalized claim that has no distribution yet

Claims whose ledger requests still fail stay Finalized and get a new
reconciliation audit entry.

Example:
  pob reconcile --store ./pob-data
  pob reconcile stuck-claims.txt --workers 8`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().DurationVar(&reconcileTimeout, "timeout", 10*time.Minute, "total timeout for reconciliation")
	reconcileCmd.Flags().IntVar(&reconcileWorkers, "workers", 0, "concurrent ledger requests (overrides concurrency.distribution_workers)")
	reconcileCmd.Flags().StringVar(&serveStorePath, "store", "", "store directory (overrides store.path)")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveStorePath != "" {
		cfg.Store.Path = serveStorePath
	}
	if reconcileWorkers > 0 {
		cfg.Concurrency.DistributionWorkers = reconcileWorkers
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("%w: reconcile needs a persistent store (--store or store.path)", model.ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	e, err := engine.New(cfg, engineOptions(cfg, st, logger))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  pob Reconciliation\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Store:     %s\n", cfg.Store.Path)
	fmt.Fprintf(os.Stderr, "  Workers:   %d\n", cfg.Concurrency.DistributionWorkers)
	fmt.Fprintf(os.Stderr, "  Timeout:   %v\n", reconcileTimeout)
	fmt.Fprintf(os.Stderr, "\n")

	if fired := e.Advance(time.Now().UTC()); fired > 0 {
		fmt.Fprintf(os.Stderr, "✓ Applied %d overdue timers\n", fired)
	}

	var results []*worker.ClaimResult
	if len(args) == 1 {
		var err error
		if results, err = e.DistributeFile(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ Processed %d claim ids from %s\n\n", len(results), args[0])
	} else {
		results = e.DistributeFinalized(ctx)
	}

	failed := 0
	for _, r := range results {
		if r.Error != nil {
			failed++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", r.ClaimID, r.Error)
			continue
		}
		snap, err := e.ClaimStatus(r.ClaimID)
		if err != nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "✓ %s (%s, adjusted %s)\n", r.ClaimID, snap.Status, snap.Adjusted)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Reconciliation Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:     %d claims\n", len(results))
	fmt.Fprintf(os.Stderr, "  Success:   %d\n", len(results)-failed)
	fmt.Fprintf(os.Stderr, "  Pending:   %d\n", failed)
	fmt.Fprintf(os.Stderr, "\n")

	if failed > 0 {
		return fmt.Errorf("%w: %d claims still awaiting the ledger", model.ErrLedger, failed)
	}
	return nil
}
