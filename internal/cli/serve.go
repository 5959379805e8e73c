package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/pob/internal/api"
	"github.com/ppiankov/pob/internal/cache"
	"github.com/ppiankov/pob/internal/distribution"
	"github.com/ppiankov/pob/internal/engine"
	"github.com/ppiankov/pob/internal/logging"
	"github.com/ppiankov/pob/internal/metrics"
	"github.com/ppiankov/pob/internal/model"
	"github.com/ppiankov/pob/internal/oracle"
	"github.com/ppiankov/pob/internal/pipeline"
	"github.com/ppiankov/pob/internal/store"
)

var (
	serveAddr      string
	serveStorePath string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its HTTP API",
	Long: `Serve runs the scoring and consensus engine:
- Restores claims, validators and audit state from the store
- Delivers vote timeouts, challenge windows and decay recomputations
- Distributes finalized claims to the ledger, retrying until confirmed
- Streams metrics snapshots
- Exposes the HTTP API under /v1

Example:
  pob serve
  pob serve --addr :9090 --store ./pob-data
  POB_DISTRIBUTION_LEDGER_URL=https://ledger.internal pob serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&serveStorePath, "store", "", "store directory (overrides store.path, empty keeps state in memory)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}
	if serveStorePath != "" {
		cfg.Store.Path = serveStorePath
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	e, err := engine.New(cfg, engineOptions(cfg, st, logger))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	var feed oracle.Feed
	if cfg.Oracle.FeedURL != "" {
		feed = oracle.NewHTTPFeed(cfg.Oracle.FeedURL, cfg.Oracle.FeedTimeout)
	}
	streamer := metrics.NewStreamer(e, cfg.Metrics, nil, logger.Named("metrics"))
	router := api.NewRouter(api.NewHandler(e, streamer, feed, logger.Named("api")), cfg.Server.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("pob starting",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Path),
		zap.Bool("remote_ledger", cfg.Distribution.LedgerURL != ""),
		zap.Bool("task_pipeline", cfg.Pipeline.URL != ""),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error { return streamer.Run(ctx) })
	g.Go(func() error { return api.Serve(ctx, cfg.Server.Addr, router, logger.Named("http")) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// engineOptions wires the configured external collaborators
func engineOptions(cfg *model.Config, st *store.Store, logger *zap.Logger) engine.Options {
	opts := engine.Options{
		Logger: logger,
		Store:  st,
		Cache:  cache.New(cfg.Cache.Enabled, cfg.Cache.TTL, cfg.Cache.CleanupInterval),
	}
	if cfg.Distribution.LedgerURL != "" {
		opts.Ledger = distribution.NewHTTPLedger(cfg.Distribution)
	}
	if cfg.Pipeline.URL != "" {
		opts.Tasks = pipeline.NewHTTPSource(cfg.Pipeline, logger.Named("pipeline"))
	}
	return opts
}
