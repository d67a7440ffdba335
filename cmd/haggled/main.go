// Command haggled is the Haggle daemon binary: a single-process kernel
// (internal/kernel) driving the node, data, forwarding, application and
// security managers, grounded on Warren's cmd/warren root command
// (pkg/log.Init before anything else, a Prometheus endpoint served
// alongside the real workload, signal.Notify-based graceful shutdown).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/haggle-project/haggled/internal/config"
	"github.com/haggle-project/haggled/internal/kernel"
	"github.com/haggle-project/haggled/internal/manager/application"
	"github.com/haggle-project/haggled/internal/manager/benchmark"
	"github.com/haggle-project/haggled/internal/manager/data"
	"github.com/haggle-project/haggled/internal/manager/forwarding"
	nodemgr "github.com/haggle-project/haggled/internal/manager/node"
	"github.com/haggle-project/haggled/internal/manager/security"
	"github.com/haggle-project/haggled/internal/manager/trace"
	"github.com/haggle-project/haggled/internal/metrics"
	hnode "github.com/haggle-project/haggled/internal/node"
	"github.com/haggle-project/haggled/internal/prophet"
	"github.com/haggle-project/haggled/internal/store"
	"github.com/haggle-project/haggled/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "haggled: %v\n", err)
		os.Exit(1)
	}
}

var (
	cfg          = config.Default()
	flags        config.Flags
	metricsAddr  string
	forwardStrat string
)

var rootCmd = &cobra.Command{
	Use:   "haggled",
	Short: "Haggle opportunistic content-dissemination daemon",
	RunE:  run,
}

func init() {
	config.BindFlags(rootCmd.Flags(), &cfg, &flags)
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	rootCmd.Flags().StringVar(&forwardStrat, "forwarding-strategy", "GRTR", "PRoPHET forwarding strategy: GRTR or GTMX")
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.Resolve(&cfg, flags); err != nil {
		return err
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: cfg.Daemonize})
	logger := log.WithComponent("main")

	release, err := acquirePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer release()

	if cfg.RecreateDataStore {
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return fmt.Errorf("recreating data store: %w", err)
		}
	}

	dataStore, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening data store: %w", err)
	}
	defer dataStore.Close()

	thisNode := hnode.New(hnode.TypeThisNode, hostNodeName())
	nodes := hnode.NewStore()

	k := kernel.New()
	k.SetResourceMonitor(kernel.NoopResourceMonitor{})

	// Every manager's Sender is left nil: the platform-specific
	// connectivity layer (Bluetooth/Wi-Fi scanning, raw sockets) is out
	// of scope per spec §1's Non-goals, so there is no concrete Sender
	// to wire in here.
	k.Register(application.New(k, thisNode, nodes, dataStore, nil))
	k.Register(nodemgr.New(k, thisNode, nodes, nil))
	k.Register(data.New(k, thisNode, nodes, dataStore))

	forwarder := forwarding.NewProphetForwarder(prophet.StrategyByName(forwardStrat))
	k.Register(forwarding.New(k, thisNode, nodes, dataStore, forwarder, nil))
	k.Register(security.New(k, thisNode, nodes, dataStore))

	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		defer f.Close()
		k.Register(trace.New(k, f))
	}

	if cfg.Benchmark != nil {
		k.Register(benchmark.New(k, nodes, *cfg.Benchmark))
	}

	go serveMetrics(metricsAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("node", thisNode.Name).Str("data_dir", cfg.DataDir).Msg("haggled starting")
	if err := k.Run(ctx); err != nil {
		return fmt.Errorf("kernel run: %w", err)
	}
	logger.Info().Msg("haggled shut down cleanly")
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("metrics server exited")
	}
}

func hostNodeName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "haggled"
	}
	return h
}
