package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"gopkg.in/yaml.v3"
)

const version = "0.3.0"

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "axisd v%s\n", version)
	fmt.Fprintln(w, "Analog axis tracker daemon: calibrated positions and idle events over WebSocket")
}

func printUsage() {
	w := os.Stdout
	printVersion(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  axisd [OPTIONS]")
	fmt.Fprintln(w, "  axisd dump-config [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "DESCRIPTION:")
	fmt.Fprintln(w, "  Polls analog inputs (IIO ADC channels, evdev absolute axes, serial ADCs),")
	fmt.Fprintln(w, "  quantizes them into discrete positions with auto-calibration and publishes")
	fmt.Fprintln(w, "  axis_changed / axis_idle events to WebSocket clients.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "OPTIONS:")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SUBCOMMANDS:")
	fmt.Fprintln(w, "  dump-config")
	fmt.Fprintln(w, "        Print the effective configuration (defaults + file + flags) as YAML and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "EXAMPLES:")
	fmt.Fprintln(w, "  axisd -config /etc/axisd.yaml")
	fmt.Fprintln(w, "  axisd -config ~/axisd.yaml -log-level debug -update-hz 200")
	fmt.Fprintln(w, "  axisd dump-config -config /etc/axisd.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "NOTES:")
	fmt.Fprintln(w, "  - evdev sources need read access to the input device (add user to 'input' group)")
	fmt.Fprintln(w, "  - Calibration changes made over IPC are not persisted")
	fmt.Fprintln(w)
}

func main() {
	args := os.Args[1:]
	dumpConfig := false
	if len(args) > 0 && args[0] == "dump-config" {
		dumpConfig = true
		args = args[1:]
	}

	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		updateHz     = flag.Int("update-hz", defaultUpdateHz, "Control loop frequency in Hz (1-1000)")
		httpPort     = flag.Int("http-port", defaultHTTPPort, "HTTP listener port for the event WebSocket")
		ipcSocket    = flag.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		logLevelStr  = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		logFormatStr = flag.String("log-format", "text", "Log format: text, json")
		showVersion  = flag.Bool("version", false, "Print version and exit")
		showHelp     = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(2)
	}

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion(os.Stdout)
		return
	}

	// Only flags given on the command line override the file.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "update-hz":
			overrides.UpdateHz = updateHz
		case "http-port":
			overrides.HTTPPort = httpPort
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocket
		case "log-level":
			overrides.LogLevel = logLevelStr
		case "log-format":
			overrides.LogFormat = logFormatStr
		}
	})

	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	if dumpConfig {
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		_ = enc.Close()
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig applies defaults, the optional config file, flag overrides and validation, in that order.
func loadConfig(path string, overrides FlagOverrides) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// run starts every component and blocks until SIGINT/SIGTERM.
func run(cfg Config) error {
	// Validated already.
	level, _ := parseLogLevel(cfg.Logging.Level)
	format, _ := parseLogFormat(cfg.Logging.Format)
	logger := setupLogger(os.Stderr, level, format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	axes, err := newAxisSet(cfg.Axes, openSource, nil, logger)
	if err != nil {
		return fmt.Errorf("open axes: %w", err)
	}
	defer func() {
		if err := axes.Close(); err != nil {
			logger.Warn("closing sources", "error", err)
		}
	}()

	events := make(chan Event, eventQueueSize)
	broadcasts := make(chan StateBroadcast, broadcastQueueSize)
	axes.publishTo(broadcasts)

	ws := NewServer(logger, events, ServerConfig{})

	// A listener failing to start is fatal: record the first error and stop everything.
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		logger.Error("component failed", "error", err)
		stop()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		ws.Hub().Run(ctx)
	}()
	go func() {
		defer wg.Done()
		RunBroadcaster(ctx, ws.Hub(), broadcasts, logger)
	}()
	go func() {
		defer wg.Done()
		if err := runIPCServer(ctx, ExpandPath(cfg.IPC.SocketPath), events, logger); err != nil {
			fail(fmt.Errorf("IPC server: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := runHTTPServer(ctx, cfg.HTTP.Port, newHTTPMux(ws, cfg.HTTP.WSPath), logger); err != nil {
			fail(err)
		}
	}()

	logger.Info("axisd starting",
		"version", version,
		"axes", len(cfg.Axes),
		"update_hz", cfg.Daemon.UpdateHz,
		"http_port", cfg.HTTP.Port,
		"ws_path", cfg.HTTP.WSPath,
		"ipc_socket", cfg.IPC.SocketPath,
	)

	runDaemon(ctx, events, axes, cfg.Daemon.UpdateHz, logger)

	stop()
	wg.Wait()
	logger.Info("shutdown complete")
	return runErr
}
