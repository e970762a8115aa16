package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/morningstarxcdcode/anonsuite/pkg/config"
	"github.com/morningstarxcdcode/anonsuite/pkg/log"
	"github.com/morningstarxcdcode/anonsuite/pkg/metrics"
	"github.com/morningstarxcdcode/anonsuite/pkg/supervisor"
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
		os.Exit(exitPrecondition)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anonsuite",
	Short: "AnonSuite - multi-instance anonymizing proxy supervisor",
	Long: `AnonSuite supervises a pool of onion-router instances behind a TCP
load balancer and an optional HTTP filter, and transparently redirects the
host's outbound traffic through the chain. On shutdown the host network
state is restored exactly as it was found.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AnonSuite version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(upCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the proxy chain up and redirect host traffic through it",
	Long: `Start the onion-router pool, the load balancer, the optional HTTP
filter, and the transparent-redirection rules, then run until interrupted.

SIGINT or SIGTERM initiates an orderly stop that restores the host network
state.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runUp(cmd))
	},
}

func init() {
	upCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	upCmd.Flags().Int("instances", config.DefaultInstances, "Onion-router instances to spawn")
	upCmd.Flags().Int("socks-base-port", config.DefaultSocksBasePort, "Starting port for SOCKS allocation")
	upCmd.Flags().Int("control-base-port", config.DefaultControlBasePort, "Starting port for control allocation")
	upCmd.Flags().Int("lb-front-port", config.DefaultLBFrontPort, "Load-balancer front-end port (redirect target)")
	upCmd.Flags().Int("filter-listen-port", config.DefaultFilterListenPort, "HTTP-filter listen port; 0 disables the filter")
	upCmd.Flags().Duration("bootstrap-timeout", config.DefaultBootstrapTimeout, "Per-instance readiness deadline")
	upCmd.Flags().Duration("health-interval", config.DefaultHealthInterval, "Per-instance probe cadence")
	upCmd.Flags().Duration("grace", config.DefaultStopGrace, "SIGTERM to SIGKILL window")
	upCmd.Flags().String("user", "", "Effective user for onion-router child processes")
	upCmd.Flags().String("probe-target", "", "host:port for SOCKS round-trip health probes (empty = connect-only)")
	upCmd.Flags().String("templates-dir", "", "Directory containing the config templates (required)")
	upCmd.Flags().String("run-dir", "", "Root for rendered configs and logs (required)")
	upCmd.Flags().String("metrics-addr", "", "Expose Prometheus metrics on this address (empty disables)")
}

// runUp executes the supervisor lifecycle and maps the outcome to the
// documented exit codes.
func runUp(cmd *cobra.Command) int {
	opts, err := loadOptions(cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitPrecondition
	}

	coord, err := supervisor.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitPrecondition
	}
	defer coord.Close()

	if opts.MetricsAddr != "" {
		metrics.Register()
		metricsLogger := log.WithComponent("metrics")
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(opts.MetricsAddr, mux); err != nil {
				metricsLogger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	// A signal during startup cancels the in-flight stage; the
	// coordinator's rollback path then runs.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code := classify(err)
		if code == exitRestorePartial {
			printRestoreHints()
		}
		return code
	}

	fmt.Printf("✓ Proxy chain running (run %s)\n", coord.RunID())
	for _, st := range coord.Status().Instances {
		fmt.Printf("  instance %d: pid %d\n", st.Index, st.PID)
	}

	// SIGHUP rotates circuits on every instance without restarting.
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	coordLogger := log.WithComponent("coordinator")
	poolFailed := false
wait:
	for {
		select {
		case <-ctx.Done():
			coordLogger.Info().Msg("shutdown requested")
			break wait
		case <-hupCh:
			if err := coord.Rotate(context.Background()); err != nil {
				coordLogger.Warn().Err(err).Msg("circuit rotation failed")
			} else {
				coordLogger.Info().Msg("circuits rotated")
			}
		case <-coord.PoolFailed():
			coordLogger.Error().Msg("instance pool failed, draining")
			poolFailed = true
			break wait
		}
	}

	// Stop runs on a fresh context: the signal context is already done.
	if err := coord.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		printRestoreHints()
		return classify(err)
	}

	if poolFailed {
		return exitRuntimeRolledBack
	}
	fmt.Println("✓ Stopped, host state restored")
	return exitOK
}

// loadOptions merges the YAML file (when given) with the CLI flags. Flags
// win when set explicitly.
func loadOptions(cmd *cobra.Command) (config.Options, error) {
	opts := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if opts, err = config.Load(path); err != nil {
			return opts, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("instances") {
		opts.Instances, _ = flags.GetInt("instances")
	}
	if flags.Changed("socks-base-port") {
		opts.SocksBasePort, _ = flags.GetInt("socks-base-port")
	}
	if flags.Changed("control-base-port") {
		opts.ControlBasePort, _ = flags.GetInt("control-base-port")
	}
	if flags.Changed("lb-front-port") {
		opts.LBFrontPort, _ = flags.GetInt("lb-front-port")
	}
	if flags.Changed("filter-listen-port") {
		opts.FilterListenPort, _ = flags.GetInt("filter-listen-port")
	}
	if flags.Changed("bootstrap-timeout") {
		opts.BootstrapTimeout, _ = flags.GetDuration("bootstrap-timeout")
	}
	if flags.Changed("health-interval") {
		opts.HealthInterval, _ = flags.GetDuration("health-interval")
	}
	if flags.Changed("grace") {
		opts.Grace, _ = flags.GetDuration("grace")
	}
	if v, _ := flags.GetString("user"); v != "" {
		opts.User = v
	}
	if v, _ := flags.GetString("probe-target"); v != "" {
		opts.ProbeTarget = v
	}
	if v, _ := flags.GetString("templates-dir"); v != "" {
		opts.TemplatesDir = v
	}
	if v, _ := flags.GetString("run-dir"); v != "" {
		opts.RunDir = v
	}
	if v, _ := flags.GetString("metrics-addr"); v != "" {
		opts.MetricsAddr = v
	}

	return opts, nil
}

func printRestoreHints() {
	fmt.Fprintln(os.Stderr, "Host state may need manual inspection:")
	for _, hint := range supervisor.RestoreHints() {
		fmt.Fprintf(os.Stderr, "  %s\n", hint)
	}
}
