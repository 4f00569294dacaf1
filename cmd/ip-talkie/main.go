package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/sergiterupri/ip-talkie/internal/config"
	"github.com/sergiterupri/ip-talkie/internal/device"
	"github.com/sergiterupri/ip-talkie/internal/lifecycle"
	"github.com/sergiterupri/ip-talkie/internal/link"
	"github.com/sergiterupri/ip-talkie/internal/metrics"
	"github.com/sergiterupri/ip-talkie/internal/server"
)

const (
	serviceName    = "ip-talkie"
	serviceVersion = "1.0.0"
)

// options holds command line values layered over the config file
type options struct {
	configPath string
	host       string
	port       int
	localPort  int
	rule       string
	backend    string
	httpPort   int
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     serviceName,
		Short:   "Peer-to-peer voice walkie-talkie over UDP",
		Long:    `ip-talkie streams microphone audio to one peer over UDP and plays the peer's audio back.`,
		Version: serviceVersion,
		Args:    cobra.NoArgs,

		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cfg, opts.configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&opts.host, "host", "", "IP address or hostname of the peer")
	flags.IntVarP(&opts.port, "port", "p", 0, "UDP port of the peer")
	flags.IntVar(&opts.localPort, "local-port", config.DefaultLocalPort, "Local UDP port used for sending and receiving")
	flags.StringVar(&opts.rule, "rule", "", "Quantization rule: offset, signed, saturate or pcm16")
	flags.StringVar(&opts.backend, "backend", "", "Audio backend: portaudio or null")
	flags.IntVar(&opts.httpPort, "http-port", 0, "Enable the monitoring API on this port")

	return cmd
}

// loadConfig reads the config file, applies explicitly set flags and validates the result
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Peer.Host = opts.host
	}
	if flags.Changed("port") {
		cfg.Peer.Port = opts.port
	}
	if flags.Changed("local-port") {
		cfg.Transport.LocalPort = opts.localPort
	}
	if flags.Changed("rule") {
		cfg.Codec.Rule = opts.rule
	}
	if flags.Changed("backend") {
		cfg.Audio.Backend = opts.backend
	}
	if flags.Changed("http-port") {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Port = opts.httpPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config, configPath string) error {
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
	)

	logger.Info("Configuration loaded",
		slog.String("peer", cfg.Peer.Address()),
		slog.Int("local_port", cfg.Transport.LocalPort),
		slog.String("backend", cfg.Audio.Backend),
		slog.String("codec_rule", cfg.Codec.Rule),
		slog.Float64("codec_scale", cfg.Codec.Scale),
		slog.Bool("legacy_blocking", cfg.Playback.LegacyBlocking),
		slog.String("failure_policy", cfg.Pipeline.FailurePolicy),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(nil)

	devices, err := device.Open(cfg.Audio, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to open audio devices: %w", err)
	}
	defer func() {
		if err := devices.Close(); err != nil {
			logger.Warn("Error closing audio devices", slog.String("error", err.Error()))
		}
	}()

	token := lifecycle.New()
	voice, err := link.New(cfg, devices, token, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create voice link: %w", err)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, voice, appMetrics, nil)
		if err := httpServer.Start(); err != nil {
			token.Stop()
			if cerr := voice.Close(); cerr != nil {
				logger.Warn("Error releasing voice link", slog.String("error", cerr.Error()))
			}
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	// Only interrupt triggers shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt, shutting down...")
			voice.Stop()
		case <-token.Done():
		}
	}()

	logger.Info("Voice link started, press Ctrl+C to stop",
		slog.String("local_address", voice.LocalAddr()),
	)

	runErr := voice.Run(context.Background())

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	stats := voice.Statistics()
	logger.Info("Final link statistics",
		slog.Uint64("packets_sent", stats.Transport.PacketsSent),
		slog.Uint64("packets_received", stats.Transport.PacketsReceived),
		slog.Uint64("send_errors", stats.Transport.SendErrors),
		slog.Uint64("played", stats.Playout.Played),
		slog.Uint64("underruns", stats.Playout.Underruns),
		slog.Uint64("decode_errors", stats.Playout.DecodeErrors),
	)

	if runErr != nil {
		logger.Error("Voice link failed", slog.String("error", runErr.Error()))
		return errors.Join(errors.New("voice link stopped with an error"), runErr)
	}

	logger.Info("Application has exited gracefully.")
	return nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
