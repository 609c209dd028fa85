package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"mediasessiond/internal/ipc"
	"mediasessiond/internal/mpris"
	"mediasessiond/internal/platform"
	"mediasessiond/internal/session"
	"mediasessiond/internal/thumbnail"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("mediasessiond v%s\n", version)
	fmt.Println("Media session monitor: exposes the current player's state and forwards transport commands")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  mediasessiond [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Tracks the media session the OS considers current (MPRIS on Linux),")
	fmt.Println("  caches its playback state and track metadata, and publishes changes over")
	fmt.Println("  a WebSocket stream, a small HTTP API and a Unix socket. Media keys read")
	fmt.Println("  from evdev devices are forwarded to the current session.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default %q if it exists)\n", DefaultConfigPath())
	fmt.Println()
	fmt.Println("  -detector string")
	fmt.Println("        Session change detection: auto|event|polling (default \"auto\")")
	fmt.Println()
	fmt.Println("  -poll-interval-ms int")
	fmt.Printf("        Polling detector interval in ms (default %d)\n", DefaultConfig().Monitor.PollIntervalMS)
	fmt.Println()
	fmt.Println("  -input-device string")
	fmt.Println("        evdev device to read media keys from (e.g. /dev/input/event6)")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", ipc.DefaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-listen string")
	fmt.Printf("        HTTP/WebSocket listen address (default %q)\n", DefaultConfig().HTTP.Listen)
	fmt.Println()
	fmt.Println("  -http")
	fmt.Println("        Enable the HTTP/WebSocket server (default true)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start with defaults (config file is optional)")
	fmt.Println("  mediasessiond")
	fmt.Println()
	fmt.Println("  # Force polling and read media keys from a keyboard")
	fmt.Println("  mediasessiond -detector polling -input-device /dev/input/event3")
	fmt.Println()
	fmt.Println("  # Watch the state stream")
	fmt.Println("  ws_listen -url ws://127.0.0.1:3002/ws/state")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Media keys need read access to the input device (add user to 'input' group)")
	fmt.Println("  - Changes to logging.level in the config file apply without a restart")
	fmt.Println()
}

func main() {
	var (
		configPath     = flag.String("config", "", "YAML config file")
		detector       = flag.String("detector", "", "Session change detection: auto|event|polling")
		pollIntervalMS = flag.Int("poll-interval-ms", 0, "Polling detector interval in ms")
		inputDevice    = flag.String("input-device", "", "evdev device to read media keys from")
		ipcSocketPath  = flag.String("ipc-socket", "", "Unix domain socket path for IPC")
		httpListen     = flag.String("http-listen", "", "HTTP/WebSocket listen address")
		httpEnabled    = flag.Bool("http", true, "Enable the HTTP/WebSocket server")
		logLevelStr    = flag.String("log-level", "", "Log level: error, warn, info, debug")
		showVersion    = flag.Bool("version", false, "Print version and exit")
		showHelp       = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Only flags given on the command line override the config file.
	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "detector":
			overrides.Detector = detector
		case "poll-interval-ms":
			overrides.PollIntervalMS = pollIntervalMS
		case "input-device":
			overrides.InputDevice = inputDevice
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "http-listen":
			overrides.HTTPListen = httpListen
		case "http":
			overrides.HTTPEnabled = httpEnabled
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})

	cfg, cfgFile, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	overrides.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger, levelVar := setupLogger(os.Stderr, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	info := platform.Probe()
	logger.Info("starting mediasessiond", "version", version, "platform", info.String(), "config", cfgFile)
	logger.Debug("configuration",
		"detector", cfg.Monitor.Detector,
		"poll_interval_ms", cfg.Monitor.PollIntervalMS,
		"call_timeout_ms", cfg.Monitor.CallTimeoutMS,
		"preferred_players", cfg.MPRIS.PreferredPlayers,
		"input_devices", cfg.Input.Devices,
		"ipc_socket", cfg.IPC.SocketPath,
		"http_enabled", cfg.HTTP.Enabled,
		"http_listen", cfg.HTTP.Listen,
	)

	monOpts := cfg.MonitorOptions()
	monOpts.Logger = logger
	monitor := session.NewMonitor(mpris.Opener(cfg.MPRISOptions(!info.SupportsSessionListEvents()), logger), monOpts)
	if err := monitor.Initialize(ctx); err != nil {
		logger.Error("failed to initialize media session monitor", "error", err)
		os.Exit(1)
	}
	defer monitor.Dispose()

	thumbOpts := cfg.ThumbnailOptions()
	thumbOpts.Logger = logger
	thumbs := thumbnail.New(thumbOpts)

	hub := NewHub(logger, HubConfig{SendBuf: 32, BroadcastBuf: 128})
	presenter := NewPresenter(monitor, thumbs, hub, logger)
	events, unsubscribe := monitor.Subscribe(cfg.Monitor.SubscriberBuffer)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		presenter.Run(gctx, events)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, hub, presenter.Broadcasts(), logger)
		return nil
	})
	g.Go(func() error {
		return ipc.Serve(gctx, cfg.IPC.SocketPath, presenter, logger)
	})
	if cfg.HTTP.Enabled {
		ws := NewStateServer(logger, hub, func(ctx context.Context) ipc.Snapshot {
			return presenter.Snapshot(ctx, true)
		})
		router := newRouter(presenter, ws, cfg.HTTP.CORSOrigins)
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Listen, router, logger)
		})
	}
	if len(cfg.Input.Devices) > 0 {
		g.Go(func() error {
			return runMediaKeys(gctx, cfg.Input.Devices, presenter, logger)
		})
	}
	if cfgFile != "" {
		reloader := newConfigReloader(cfgFile, overrides, cfg, levelVar, logger)
		g.Go(func() error {
			if err := reloader.run(gctx); err != nil {
				// Hot reload is a convenience; keep serving without it.
				logger.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("mediasessiond stopped with error", "error", err)
		monitor.Dispose()
		os.Exit(1)
	}
	logger.Info("mediasessiond stopped")
}

// loadConfig reads the explicit config path, or the default path when it
// exists, or falls back to built-in defaults. It returns the file it used.
func loadConfig(explicit string) (Config, string, error) {
	if explicit != "" {
		cfg, err := LoadConfigFile(explicit)
		return cfg, explicit, err
	}
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), "", nil
		}
		return Config{}, "", fmt.Errorf("stat default config: %w", err)
	}
	cfg, err := LoadConfigFile(path)
	return cfg, path, err
}
