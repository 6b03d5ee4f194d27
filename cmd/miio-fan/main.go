package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"miio-fan/internal/automation"
	"miio-fan/internal/cli"
	"miio-fan/internal/coordinator"
	"miio-fan/internal/fan"
	"miio-fan/internal/miot"
	"miio-fan/internal/mqtt"
	"miio-fan/internal/store"
	"miio-fan/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// app carries what PersistentPreRunE loaded for the subcommands.
type app struct {
	cfgPath  string
	cfg      *Config
	logger   *slog.Logger
	closeLog func()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "miio-fan",
		Short:         "Control a Xiaomi Mi Smart Pedestal Fan 1C (dmaker.fan.1c)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.cfgPath, !cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			a.cfg = cfg
			a.logger, a.closeLog = newLogger(cfg)
			slog.SetDefault(a.logger)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "config.yaml", "path to the YAML config file")

	cli.AddCommands(root, a.openFan)
	root.AddCommand(a.serveCommand(), a.runCommand(), a.mappingCommand(), a.simCommand())
	return root
}

// openFan connects a one-shot fan adapter for the table commands.
func (a *app) openFan(context.Context) (cli.Fan, func(), error) {
	t, err := createTransport(a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return fan.New(t), func() { t.Close() }, nil
}

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll the fan and serve the web UI, MQTT bridge and automations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve()
		},
	}
}

func (a *app) serve() error {
	cfg, logger := a.cfg, a.logger
	logger.Info("miio-fan starting", "version", version, "did", cfg.Device.DID, "transport", cfg.Transport.Type)

	transport, err := createTransport(cfg, logger)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	defer transport.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(transport, events, coordinator.NewMetrics(reg), coordinator.Config{
		Name:         cfg.Device.Name,
		DID:          cfg.Device.DID,
		PollInterval: cfg.PollInterval,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	coord.Start(ctx)
	cancel()

	// No-op when built with the no_automation tag.
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(reg),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// No-op when built with the no_mqtt tag.
	bridge := initMQTT(coord, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	bridge.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
	return nil
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <script.lua>",
		Short: "Run a Lua automation script once against the fan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			transport, err := createTransport(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			coord := coordinator.New(transport, coordinator.NewEventBus(a.logger), nil, coordinator.Config{
				Name: a.cfg.Device.Name,
				DID:  a.cfg.Device.DID,
			}, a.logger)
			defer coord.Stop()
			coord.Start(cmd.Context())

			res := automation.NewEngine(coord, nil, a.logger).RunLuaCode(string(code))
			return printRunResult(cmd.OutOrStdout(), res, jsonOutput(cmd))
		},
	}
}

func printRunResult(w io.Writer, res *automation.RunResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		for _, line := range res.Logs {
			fmt.Fprintln(w, line)
		}
	}
	if !res.OK {
		return fmt.Errorf("script failed after %s: %s", res.Duration, res.Error)
	}
	return nil
}

func (a *app) mappingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mapping",
		Short: "Print the attribute to siid/piid table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printMapping(cmd.OutOrStdout(), fan.Mapping.Properties(), jsonOutput(cmd))
		},
	}
}

func printMapping(w io.Writer, props []miot.Property, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(props)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ATTRIBUTE\tSIID\tPIID")
	for _, p := range props {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", p.Name, p.SIID, p.PIID)
	}
	return tw.Flush()
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool(cli.JSONFlag)
	return v
}

func createTransport(cfg *Config, logger *slog.Logger) (miot.Transport, error) {
	switch cfg.Transport.Type {
	case "mqtt":
		logger.Debug("using MQTT relay transport", "broker", cfg.Transport.MQTT.Broker)
		return mqtt.Dial(mqtt.TransportConfig{
			BrokerConfig: mqtt.BrokerConfig{
				Broker:   cfg.Transport.MQTT.Broker,
				Username: cfg.Transport.MQTT.Username,
				Password: cfg.Transport.MQTT.Password,
			},
			TopicPrefix: cfg.Transport.MQTT.TopicPrefix,
			DID:         cfg.Device.DID,
			Timeout:     cfg.Transport.MQTT.Timeout,
		}, logger)
	case "sim", "":
		logger.Debug("using simulated fan", "path", cfg.Transport.Sim.Path)
		db, err := store.NewBoltStore(cfg.Transport.Sim.Path)
		if err != nil {
			return nil, err
		}
		sim, err := miot.NewSimulator(cfg.Device.DID, fan.SimulatorSpecs(),
			miot.WithStateStore(db), miot.WithSimulatorLogger(logger))
		if err != nil {
			db.Close()
			return nil, err
		}
		return &storedSimulator{Simulator: sim, db: db}, nil
	default:
		return nil, fmt.Errorf("unknown transport type: %q (supported: sim, mqtt)", cfg.Transport.Type)
	}
}

// storedSimulator closes the state store together with the simulator.
type storedSimulator struct {
	*miot.Simulator
	db *store.BoltStore
}

func (s *storedSimulator) Close() error {
	s.Simulator.Close()
	return s.db.Close()
}

// newLogger builds the process logger. Logs go to stderr so command output
// on stdout stays clean; log.file adds a rotated copy.
func newLogger(cfg *Config) (*slog.Logger, func()) {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
			LocalTime:  true,
		}
		out = io.MultiWriter(os.Stderr, rotated)
		closeFn = func() { rotated.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn
}
