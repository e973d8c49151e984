// Command replicad runs the block replication control plane: it tracks
// which storage nodes hold which blocks, detects lost nodes, schedules
// repairs and drains nodes being decommissioned.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/config"
	"github.com/dreamware/replicad/internal/coordinator"
	"github.com/dreamware/replicad/internal/metrics"
	"github.com/dreamware/replicad/internal/replication"
	"github.com/dreamware/replicad/internal/storage"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "replicad",
		Short: "Block replication control plane",
		Long: `replicad keeps every block at its target replication.

Storage nodes register, heartbeat and report the blocks they hold. replicad
declares silent nodes dead, queues their blocks for repair by urgency, hands
copy and delete commands back in heartbeat responses, and drains nodes listed
in the exclude file.

Examples:
  # Run with defaults on :8080
  replicad serve

  # Run with a config file
  replicad serve --config /etc/replicad/replicad.yaml --log-level debug`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (env REPLICAD_CONFIG)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "replicad %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit: %s\n", Commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(config.Path(cfgFile))
	if err != nil {
		return err
	}
	cfg.ApplyEnv()

	a, err := newApp(cfg, clock.New(), log.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.run(ctx)
}

// app wires the replication manager to its drivers and the HTTP API.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	mgr      *replication.Manager
	commands *coordinator.CommandQueue
	health   *coordinator.HealthMonitor
	repl     *coordinator.ReplicationMonitor
	exclude  *coordinator.ExcludeWatcher // nil without hosts_exclude
	metrics  *metrics.Metrics
	srv      *server
}

func newApp(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (*app, error) {
	var dumps storage.Store = storage.NewMemoryStore()
	if cfg.MetasaveDir != "" {
		dir, err := storage.NewDirStore(cfg.MetasaveDir)
		if err != nil {
			return nil, err
		}
		dumps = dir
	}

	mgr := replication.NewManager(replication.Config{
		Clock:                     clk,
		Logger:                    &logger,
		Dumps:                     dumps,
		DefaultReplication:        cfg.DefaultReplication,
		MaxReplication:            cfg.MaxReplication,
		DeadNodeTimeout:           cfg.DeadNodeTimeout.Std(),
		PendingReplicationTimeout: cfg.PendingReplicationTimeout.Std(),
		ReclassifyBatchSize:       cfg.ReclassifyBatchSize,
	})
	commands := coordinator.NewCommandQueue()
	m := metrics.New(metrics.NewRegistry(), mgr.Stats)

	health := coordinator.NewHealthMonitor(mgr, clk, cfg.HeartbeatRecheckInterval.Std(), logger)
	health.SetOnDead(func(ids []cluster.NodeID) { commands.Drop(ids...) })
	health.SetOnSweep(m.HeartbeatChecks.Inc)

	repl := coordinator.NewReplicationMonitor(mgr, commands, clk,
		cfg.ReplicationInterval.Std(), cfg.ReplicationWorkPerTick, logger)
	repl.SetOnTick(func(int, int) { m.ReplicationTicks.Inc() })

	var exclude *coordinator.ExcludeWatcher
	if cfg.HostsExclude != "" {
		exclude = coordinator.NewExcludeWatcher(cfg.HostsExclude, mgr, clk, logger)
		exclude.SetOnRefresh(func(_ []string, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.ExcludeRefreshes.WithLabelValues(result).Inc()
		})
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		mgr:      mgr,
		commands: commands,
		health:   health,
		repl:     repl,
		exclude:  exclude,
		metrics:  m,
	}
	a.srv = newServer(a)
	return a, nil
}

// run serves HTTP and runs the drivers until ctx is cancelled or one of
// them fails.
func (a *app) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("listen", a.cfg.Listen).Str("version", Version).Msg("replicad listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.health.Start(ctx)
		return nil
	})
	g.Go(func() error {
		a.repl.Start(ctx)
		return nil
	})
	if a.exclude != nil {
		g.Go(func() error {
			return a.exclude.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info().Msg("replicad stopped")
	return err
}
