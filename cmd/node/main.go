// Command replicad-node runs a storage node agent against a replicad
// control plane.
//
// The agent keeps block replicas in a volume (in memory, or in a directory
// with --data-dir), registers with the control plane, heartbeats, reports
// the replicas it receives and deletes, and carries out the copy and delete
// commands it is handed back.
//
// HTTP API:
//
//	GET    /blocks        - list held replicas
//	PUT    /blocks/{id}   - store a replica (X-Gen-Stamp header)
//	GET    /blocks/{id}   - read a replica
//	DELETE /blocks/{id}   - drop a replica and report it deleted
//	GET    /info          - node identity and volume stats
//	GET    /health        - liveness probe
//
// Example usage:
//
//	replicad-node --coordinator http://localhost:8080 --id dn1 \
//	  --listen :9866 --capacity 10GiB --data-dir /var/lib/replicad/dn1
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/facebookgo/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/replicad/internal/cluster"
	"github.com/dreamware/replicad/internal/storage"
	"github.com/dreamware/replicad/internal/volume"
)

var Version = "dev"

type options struct {
	coordinator       string
	id                string
	name              string
	listen            string
	dataDir           string
	capacity          string
	heartbeatInterval time.Duration
	logLevel          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "replicad-node",
		Short:        "Storage node agent for replicad",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts)
		},
	}

	f := rootCmd.Flags()
	f.StringVarP(&opts.coordinator, "coordinator", "C", getenv("REPLICAD_COORDINATOR", "http://127.0.0.1:8080"), "control plane URL")
	f.StringVar(&opts.id, "id", getenv("REPLICAD_NODE_ID", ""), "storage ID (assigned by the control plane when empty)")
	f.StringVar(&opts.name, "name", "", "advertised host:port (derived from --listen when empty)")
	f.StringVar(&opts.listen, "listen", ":9866", "listen address")
	f.StringVar(&opts.dataDir, "data-dir", "", "replica directory (in memory when empty)")
	f.StringVar(&opts.capacity, "capacity", "0", "volume capacity, e.g. 10GiB (0 is unlimited)")
	f.DurationVar(&opts.heartbeatInterval, "heartbeat-interval", 3*time.Second, "heartbeat interval")
	f.StringVarP(&opts.logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "replicad-node %s\n", Version)
		},
	})
	return rootCmd
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// advertisedName returns name, or a dialable host:port derived from listen.
func advertisedName(name, listen string) (string, error) {
	if name != "" {
		return name, nil
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

func openVolume(dataDir, capacity string) (*volume.Volume, error) {
	limit, err := humanize.ParseBytes(capacity)
	if err != nil {
		return nil, fmt.Errorf("capacity %q: %w", capacity, err)
	}
	var store storage.Store = storage.NewMemoryStore()
	if dataDir != "" {
		dir, err := storage.NewDirStore(dataDir)
		if err != nil {
			return nil, err
		}
		store = dir
	}
	return volume.Open(store, int64(limit))
}

func runNode(opts *options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	name, err := advertisedName(opts.name, opts.listen)
	if err != nil {
		return err
	}
	vol, err := openVolume(opts.dataDir, opts.capacity)
	if err != nil {
		return err
	}
	agent := NewAgent(cluster.NodeInfo{ID: cluster.NodeID(opts.id), Name: name},
		opts.coordinator, vol, clock.New(), opts.heartbeatInterval, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, agent, opts.listen)
}

// serve runs the agent's HTTP API and protocol loop until ctx is cancelled.
func serve(ctx context.Context, agent *Agent, listen string) error {
	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           agent.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		agent.logger.Info().Str("listen", listen).Str("name", agent.Info().Name).Msg("node listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return agent.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	agent.logger.Info().Msg("node stopped")
	return err
}
