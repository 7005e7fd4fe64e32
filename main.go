package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/cwsl/ipserver/intercom"
	"github.com/cwsl/ipserver/wavetable"
)

const Version = "v1.0.0"

// DebugMode controls debug logging
var DebugMode bool

// transitionQueue is how many talk state changes may wait for the MQTT publisher
const transitionQueue = 256

func main() {
	var (
		configFile = pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
		debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
		loopback   = pflag.StringP("loop", "l", "", "Loop one station's capture straight to playback (C, F or O)")
		version    = pflag.BoolP("version", "v", false, "Print version and exit")
	)
	pflag.Parse()

	if *version {
		fmt.Printf("ipserver %s\n", Version)
		os.Exit(0)
	}

	// Set global debug mode - check environment variable first, then CLI flag
	DebugMode = *debug
	if debugEnv := os.Getenv("DEBUG"); debugEnv != "" {
		// Environment variable takes precedence
		DebugMode = debugEnv == "true" || debugEnv == "1" || debugEnv == "yes"
	}

	bootLogger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "ipserver"})

	config, err := LoadConfig(*configFile)
	if err != nil {
		// Running without a config file is fine as long as nobody asked for one
		if !errors.Is(err, fs.ErrNotExist) || pflag.CommandLine.Changed("config") {
			bootLogger.Fatal("failed to load configuration", "err", err)
		}
		bootLogger.Warn("no configuration file, using defaults", "path", *configFile)
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		bootLogger.Fatal("invalid configuration", "err", err)
	}

	logger := newLogger(config.Logging, DebugMode)
	logger.Info("ipserver starting", "version", Version, "backend", config.Audio.Backend,
		"rate", config.Audio.SampleRate, "period", config.Audio.Period)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *loopback != "" {
		err = runLoopback(ctx, config, *loopback, logger)
	} else {
		err = run(ctx, config, logger)
	}
	if err != nil {
		logger.Error("ipserver stopped", "err", err)
		stop()
		os.Exit(1)
	}
	logger.Info("ipserver stopped")
}

// newLogger builds the root logger from the logging section
func newLogger(cfg LoggingConfig, debug bool) *log.Logger {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if debug {
		level = log.DebugLevel
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.StampMilli,
		Level:           level,
		Prefix:          "ipserver",
	})
	switch strings.ToLower(cfg.Format) {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}
	return logger
}

// run brings up all three stations and serves status until ctx is cancelled
// or a station fails
func run(ctx context.Context, config *Config, logger *log.Logger) error {
	if config.Realtime.LockMemory {
		if err := lockMemory(); err != nil {
			return err
		}
		logger.Info("memory locked")
	}

	lib, err := loadWavetable(config.Wavetable, config.Audio.SampleRate, logger)
	if err != nil {
		return err
	}

	registry, err := intercom.NewRegistry(config.Audio.Period)
	if err != nil {
		return err
	}

	metrics := NewPrometheusMetrics()
	observer := newStationObserver(metrics, transitionQueue)

	// Panels first: binding may wait for the network, and an open sound card
	// would underrun for the whole wait
	tablets := make(map[intercom.Identity]*TabletReceiver, intercom.NumStations)
	defer func() {
		for _, tr := range tablets {
			tr.Close()
		}
	}()
	for _, id := range intercom.Identities {
		st, _ := config.Station(id)
		tr, err := openTabletReceiver(ctx, id, st, config.Tablet, logger.With("station", id.Code()))
		if err != nil {
			return fmt.Errorf("station %s: %w", id.Code(), err)
		}
		tablets[id] = tr
	}

	if config.Audio.Backend == "portaudio" {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		defer portaudio.Terminate()
	}

	devices := make(map[intercom.Identity]intercom.AudioDevice, intercom.NumStations)
	defer func() {
		for id, dev := range devices {
			if err := dev.Close(); err != nil {
				logger.Warn("error closing audio device", "station", id.Code(), "err", err)
			}
		}
	}()
	for _, id := range intercom.Identities {
		st, _ := config.Station(id)
		dev, err := openAudioDevice(ctx, st, config.Audio, logger.With("station", id.Code()))
		if err != nil {
			return fmt.Errorf("station %s: %w", id.Code(), err)
		}
		devices[id] = dev
	}

	threadSetup := realtimeThreadSetup(config.Realtime)
	loops := make([]*intercom.Loop, 0, intercom.NumStations)
	for _, id := range intercom.Identities {
		l, err := intercom.NewLoop(intercom.LoopConfig{
			Registry:    registry,
			Identity:    id,
			Device:      devices[id],
			Tablet:      tablets[id],
			Sources:     wavetable.NewPlayer(lib),
			Observer:    observer,
			Logger:      logger.With("station", id.Code()),
			ThreadSetup: threadSetup,
		})
		if err != nil {
			return err
		}
		loops = append(loops, l)
	}

	loadTracker := NewLoadHistoryTracker(metrics, logger)
	loadTracker.Start()
	defer loadTracker.Stop()

	hub := NewStatusHub(config, "intercom", registry, devices, observer, loadTracker, metrics, logger)
	server := startHTTPServer(config, hub, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error closing HTTP server", "err", err)
		}
	}()

	if config.MQTT.Enabled {
		publisher, err := NewMQTTPublisher(&config.MQTT, metrics, registry, observer.Events(), logger)
		if err != nil {
			// Publishing is optional; the crew can still talk
			logger.Warn("MQTT publishing disabled", "err", err)
		} else {
			publisher.StartPublisher(ctx)
			defer publisher.Disconnect()
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(loops))
	for i, l := range loops {
		i, l := i, l
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = l.Run(ctx)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// runLoopback opens a single station's audio and copies capture to playback
func runLoopback(ctx context.Context, config *Config, code string, logger *log.Logger) error {
	id, err := intercom.ParseIdentity(code)
	if err != nil {
		return err
	}
	st, _ := config.Station(id)

	if config.Audio.Backend == "portaudio" {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize portaudio: %w", err)
		}
		defer portaudio.Terminate()
	}

	stationLogger := logger.With("station", id.Code())
	dev, err := openAudioDevice(ctx, st, config.Audio, stationLogger)
	if err != nil {
		return fmt.Errorf("station %s: %w", id.Code(), err)
	}
	defer dev.Close()

	return intercom.Passthrough(ctx, id, dev, config.Audio.Period, intercom.NopObserver{}, stationLogger)
}

// openAudioDevice opens a station's audio through the configured backend
func openAudioDevice(ctx context.Context, st StationConfig, cfg AudioConfig, logger *log.Logger) (intercom.AudioDevice, error) {
	switch cfg.Backend {
	case "rtp":
		return openRTPDevice(ctx, st, cfg, logger)
	default:
		return openPortAudioDevice(st.AudioDevice, cfg, logger)
	}
}

// loadWavetable loads the receiver recordings, or an empty library when none are configured
func loadWavetable(cfg WavetableConfig, sampleRate int, logger *log.Logger) (*wavetable.Library, error) {
	if cfg.Config == "" {
		logger.Warn("no wavetable configured, all receivers are silent")
		return wavetable.NewLibrary(nil), nil
	}

	wcfg, err := wavetable.LoadConfig(cfg.Config)
	if err != nil {
		return nil, err
	}
	lib, err := wavetable.Load(wcfg, filepath.Dir(cfg.Config), sampleRate, logger)
	if err != nil {
		return nil, err
	}
	loaded, silent := wavetableSummary(lib)
	logger.Info("wavetable loaded", "config", cfg.Config, "assets", len(loaded))
	if len(silent) > 0 {
		logger.Warn("receivers without a recording play silence", "assets", strings.Join(silent, ","))
	}
	return lib, nil
}

// wavetableSummary splits the assets into those with a recording, keyed to
// the file they came from, and those that play silence.
func wavetableSummary(lib *wavetable.Library) (loaded map[string]string, silent []string) {
	loaded = make(map[string]string)
	for i := 0; i < wavetable.NumAssets; i++ {
		a := wavetable.Asset(i)
		if lib.Len(a) == 0 {
			silent = append(silent, a.String())
			continue
		}
		loaded[a.String()] = lib.Path(a)
	}
	return loaded, silent
}

// startHTTPServer serves status, health and metrics in the background
func startHTTPServer(config *Config, hub *StatusHub, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/api/status", hub.handleStatus)
	mux.HandleFunc("/ws/status", hub.handleStatusWebSocket)
	if config.Prometheus.Enabled {
		mux.Handle("/metrics", handlePrometheusMetrics(&config.Prometheus))
		logger.Info("Prometheus metrics enabled", "allowed_hosts", config.Prometheus.AllowedHosts)
	}

	server := &http.Server{
		Addr:              config.Server.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", config.Server.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "err", err)
		}
	}()

	return server
}
