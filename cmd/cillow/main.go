package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/synacktraa/cillow/pkg/broker"
	"github.com/synacktraa/cillow/pkg/events"
	"github.com/synacktraa/cillow/pkg/hooks"
	"github.com/synacktraa/cillow/pkg/interpreter"
	"github.com/synacktraa/cillow/pkg/log"
	"github.com/synacktraa/cillow/pkg/metrics"
	"github.com/synacktraa/cillow/pkg/pool"
	"github.com/synacktraa/cillow/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cillow",
	Short: "Cillow - code execution service with pooled interpreter workers",
	Long: `Cillow is a code-execution service: clients submit source code, shell
commands, or package-install requests over a router socket, and the broker
dispatches them to isolated interpreter workers pooled per client and
environment, streaming captured output back frame by frame.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cillow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(installCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(logLevel, logJSON, nil)
}

// registerCaptureHooks loads the prebuilt capture hooks. The worker process
// snapshots the registry at startup, so this runs in the worker entry point;
// embedders wiring custom hooks register theirs the same way before spawning
// workers.
func registerCaptureHooks() {
	hooks.Register(hooks.PillowShow())
	hooks.Register(hooks.MatplotlibShow())
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Cillow broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		// Logging settings from the config file apply unless set by flag.
		logLevel, _ := cmd.Flags().GetString("log-level")
		if !cmd.Flags().Changed("log-level") {
			logLevel = cfg.LogLevel
		}
		logJSON, _ := cmd.Flags().GetBool("log-json")
		if !cmd.Flags().Changed("log-json") {
			logJSON = cfg.LogJSON
		}
		log.Init(logLevel, logJSON, nil)

		bus := events.NewBus()
		metrics.Attach(bus)
		bus.Start()
		defer bus.Stop()

		if cfg.MetricsAddr != "" {
			go func() {
				if err := metrics.Serve(cfg.MetricsAddr); err != nil {
					log.Logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
		}

		p := pool.New(pool.Config{
			MaxInterpreters: cfg.MaxInterpreters,
			PerClient:       cfg.PerClient,
		}, bus)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return broker.New(cfg, p, bus).Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("host", "", "Bind host (default 127.0.0.1)")
	serveCmd.Flags().Int("port", 0, "Bind port (default 5556)")
	serveCmd.Flags().Int("max-interpreters", 0, "Global interpreter cap (default derived from CPU count)")
	serveCmd.Flags().Int("interpreters-per-client", 0, "Per-client interpreter cap (default 1)")
	serveCmd.Flags().Int("worker-threads", 0, "Dispatcher goroutines (default 2x interpreter cap)")
	serveCmd.Flags().Int("queue-size", 0, "Request queue bound (default worker-threads)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus /metrics listen address (disabled when empty)")
}

// loadServeConfig merges the config file and flags; flags win.
func loadServeConfig(cmd *cobra.Command) (*broker.Config, error) {
	cfg := &broker.Config{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := broker.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("max-interpreters") {
		cfg.MaxInterpreters, _ = cmd.Flags().GetInt("max-interpreters")
	}
	if cmd.Flags().Changed("interpreters-per-client") {
		cfg.PerClient, _ = cmd.Flags().GetInt("interpreters-per-client")
	}
	if cmd.Flags().Changed("worker-threads") {
		cfg.WorkerThreads, _ = cmd.Flags().GetInt("worker-threads")
	}
	if cmd.Flags().Changed("queue-size") {
		cfg.QueueSize, _ = cmd.Flags().GetInt("queue-size")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run an interpreter worker (spawned by the broker)",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _ := cmd.Flags().GetString("env")
		if env == "" {
			return fmt.Errorf("--env is required")
		}
		registerCaptureHooks()
		return interpreter.Run(types.Environment(env))
	},
}

func init() {
	workerCmd.Flags().String("env", "", "Environment to bind ($system or a virtualenv path)")
}
