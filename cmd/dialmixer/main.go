package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

const defaultConfigPath = "~/.config/dialmixer/config.yaml"

func printVersion() {
	fmt.Printf("dialmixer v%s\n", version)
	fmt.Println("Per-application dial volume mixer for PulseAudio")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  dialmixer [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that turns rotary encoders into per-category volume dials.")
	fmt.Println("  Each dial controls every running application listed in its category;")
	fmt.Println("  applications started later pick up the dial's current volume and mute.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        YAML config file (default %q if it exists)\n", defaultConfigPath)
	fmt.Println()
	fmt.Println("  -state-file string")
	fmt.Printf("        Category state file; .json keeps the app_list.json layout (default %q)\n", defaultStateFile)
	fmt.Println()
	fmt.Println("  -pulse-server string")
	fmt.Println("        PulseAudio server address (default: $PULSE_SERVER or the local socket)")
	fmt.Println()
	fmt.Println("  -min-percent int")
	fmt.Printf("        Lowest volume a dial can reach (default %d)\n", defaultMinPercent)
	fmt.Println()
	fmt.Println("  -max-percent int")
	fmt.Printf("        Highest volume a dial can reach (default %d)\n", defaultMaxPercent)
	fmt.Println()
	fmt.Println("  -step-size int")
	fmt.Printf("        Percent per encoder detent (default %d)\n", defaultStepSize)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultSocketPath)
	fmt.Println()
	fmt.Println("  -http-port int")
	fmt.Printf("        Port for /ws status and /metrics, 0 disables (default %d)\n", defaultHTTPPort)
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
	fmt.Println("  # Start with ~/.config/dialmixer/config.yaml")
	fmt.Println("  dialmixer")
	fmt.Println()
	fmt.Println("  # Allow boosting to 200% in 2% steps")
	fmt.Println("  dialmixer -max-percent 200 -step-size 2")
	fmt.Println()
	fmt.Println("  # Control dials from a script")
	fmt.Println("  dialmixer-ctl step Music +5")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires read access to input devices (run as root or add user to 'input' group)")
	fmt.Println("  - Works with PulseAudio and PipeWire (pipewire-pulse)")
	fmt.Println("  - An application listed in two categories belongs to the first one")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath  = flag.String("config", "", "YAML config file")
		stateFile   = flag.String("state-file", defaultStateFile, "Category state file")
		pulseServer = flag.String("pulse-server", "", "PulseAudio server address")
		minPercent  = flag.Int("min-percent", defaultMinPercent, "Lowest dial volume in percent")
		maxPercent  = flag.Int("max-percent", defaultMaxPercent, "Highest dial volume in percent")
		stepSize    = flag.Int("step-size", defaultStepSize, "Percent per encoder detent")
		ipcSocket   = flag.String("ipc-socket", defaultSocketPath, "Unix domain socket path for IPC")
		httpPort    = flag.Int("http-port", defaultHTTPPort, "Port for /ws and /metrics (0 disables)")
		logLevelStr = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		_           = flag.Bool("version", false, "Print version and exit")
		_           = flag.Bool("help", false, "Print help message")
	)
	flag.Usage = printUsage
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Only flags given on the command line override the file.
	var o FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "state-file":
			o.StateFile = stateFile
		case "pulse-server":
			o.PulseServer = pulseServer
		case "min-percent":
			o.MinPercent = minPercent
		case "max-percent":
			o.MaxPercent = maxPercent
		case "step-size":
			o.StepSize = stepSize
		case "ipc-socket":
			o.IPCSocketPath = ipcSocket
		case "http-port":
			o.HTTPPort = httpPort
		case "log-level":
			o.LogLevel = logLevelStr
		}
	})
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error: invalid config:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dialmixer stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// loadConfig loads path, or the default config file when path is empty and
// that file exists, on top of DefaultConfig.
func loadConfig(path string) (Config, error) {
	if path != "" {
		return LoadConfigFile(path)
	}
	if _, err := os.Stat(ExpandPath(defaultConfigPath)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("stat default config: %w", err)
	}
	return LoadConfigFile(defaultConfigPath)
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	logger.Debug("starting dialmixer", "version", version)

	metrics, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	// Persisted categories
	store := NewFileStore(cfg.StateFile)
	records, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state from %s: %w", store.Path(), err)
	}
	categories, seeded := cfg.Categories(records)
	for _, cat := range categories {
		if !slices.Contains(seeded, cat.Name) {
			continue
		}
		rec := CategoryRecord{Apps: cat.Apps, Volume: cat.Volume, Muted: cat.Muted}
		if err := store.Save(cat.Name, rec); err != nil {
			logger.Warn("persist new category failed", "category", cat.Name, "error", err)
		}
		logger.Info("new category", "category", cat.Name, "apps", cat.Apps, "volume", cat.Volume)
	}

	// Audio server
	pulse := NewPulseServer(cfg.Pulse, logger)
	if err := pulse.Connect(ctx); err != nil {
		return err
	}
	defer pulse.Close()

	// Dials
	statuses := newNotifier[DialStatus]("status", cfg.Coordinator.StatusBuffer, metrics, logger)
	deps := dialDeps{
		Audio:   pulse,
		Store:   store,
		Limits:  cfg.Limits(),
		Notify:  statuses.Publish,
		Metrics: metrics,
		Logger:  logger,
	}
	dials := make([]*Dial, 0, len(categories))
	for i, cat := range categories {
		dials = append(dials, newDial(i, cat, deps))
	}
	registry, err := NewRegistry(dials)
	if err != nil {
		return err
	}
	for _, dup := range registry.Duplicates() {
		logger.Warn("application listed in several categories; the first one controls it",
			"app", dup.AppName, "owner", dup.Owner, "shadowed", dup.Shadowed)
	}

	// Bring running applications to their stored levels before anything else touches the dials.
	live, err := pulse.ListLiveStreams()
	if err != nil {
		logger.Warn("initial stream listing failed; waiting for the first reconcile", "error", err)
	}
	registry.Prime(live)
	registry.Publish()

	coord := NewCoordinator(registry, pulse, statuses, cfg.CoordinatorOptions(), metrics, logger)
	status := NewStatusServer(logger, coord, HubConfig{})
	input := newInputHandler(coord, registry.Len(), cfg.RotaryConfig(), logger)

	mux := http.NewServeMux()
	status.Register(mux, "/ws")
	metrics.RegisterHandlers(mux)

	logger.Info("listening",
		"dials", registry.Len(),
		"state_file", store.Path(),
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"input_devices", len(cfg.Input.Devices))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		status.Hub().Run(gctx)
		return nil
	})
	g.Go(func() error {
		RunBroadcaster(gctx, status.Hub(), coord.Statuses(), coord.Health(), logger)
		return nil
	})
	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, coord, logger)
	})
	if cfg.HTTP.Port > 0 {
		g.Go(func() error {
			return runHTTPServer(gctx, cfg.HTTP.Port, mux, logger)
		})
	}
	g.Go(func() error {
		if err := runInput(gctx, cfg.Input.Devices, input, logger); err != nil {
			return fmt.Errorf("input reader stopped: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutting down", "reason", waitReason(ctx, err))
	return err
}

// waitReason describes why the errgroup returned.
func waitReason(ctx context.Context, err error) string {
	switch {
	case err != nil:
		return err.Error()
	case ctx.Err() != nil:
		return "signal"
	default:
		return "done"
	}
}
