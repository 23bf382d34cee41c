package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/clary-camera/recorder/internal/api"
	"github.com/dj-oyu/clary-camera/recorder/internal/config"
	"github.com/dj-oyu/clary-camera/recorder/internal/journal"
	"github.com/dj-oyu/clary-camera/recorder/internal/logger"
	"github.com/dj-oyu/clary-camera/recorder/internal/metrics"
	"github.com/dj-oyu/clary-camera/recorder/internal/mode"
	"github.com/dj-oyu/clary-camera/recorder/internal/source"
	"github.com/dj-oyu/clary-camera/recorder/internal/subsystem"
)

var (
	// Command-line flags. Explicitly set flags override the config file.
	configPath  = flag.String("config", "", "JSON config file (defaults when empty)")
	httpAddr    = flag.String("http", "", "HTTP control surface address")
	metricsAddr = flag.String("metrics", "", "Metrics server address (empty disables)")
	recordsRoot = flag.String("records", "", "Records root directory")
	sourceSpec  = flag.String("source", "", "Frame source: pattern[:fps] or mjpeg:<url>")
	triggerLine = flag.String("line", "", "Trigger line as /dev/gpiochipN:OFFSET")
	pwmLine     = flag.String("pwm-line", "", "PWM line as /dev/gpiochipN:OFFSET")
	noPWM       = flag.Bool("no-pwm", false, "Disable the duty decoder")
	encoder     = flag.String("encoder", "", "Clip encoder (ffmpeg, mjpeg)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	logFormat   = flag.String("log-format", "", "Log format (text, json)")
	logColor    = flag.Bool("log-color", true, "Enable colored log output")
)

// Daemon wires the recording subsystem to its frame source and HTTP surface.
type Daemon struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	journal    *journal.Journal
	sub        *subsystem.Subsystem
	source     source.Source
	httpServer *http.Server
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	format, err := logger.ParseFormat(cfg.LogFormat)
	if err != nil {
		log.Fatalf("Invalid log format: %v", err)
	}
	l := logger.New(level, os.Stderr, cfg.LogColor)
	l.SetFormat(format)
	logger.SetDefault(l)

	logger.Info("Main", "Recorder starting...")
	logger.Info("Main", "Log level: %s", level)

	d, err := NewDaemon(cfg)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		log.Fatalf("Failed to start daemon: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Main", "Received %s, shutting down...", sig)
	if err := d.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Recorder stopped")
}

// loadConfig overlays the config file with the flags given on the command
// line.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return cfg, err
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http":
			cfg.HTTPAddr = *httpAddr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "records":
			cfg.Recording.RecordsRoot = *recordsRoot
		case "source":
			cfg.Source = *sourceSpec
		case "line":
			cfg.Recording.Line = *triggerLine
		case "pwm-line":
			cfg.PWM.Line = *pwmLine
		case "no-pwm":
			cfg.PWM.Enabled = !*noPWM
		case "encoder":
			cfg.Recording.Encoder = *encoder
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "log-color":
			cfg.LogColor = *logColor
		}
	})
	return cfg, cfg.Validate()
}

// NewDaemon builds every component without starting any of them.
func NewDaemon(cfg config.Config) (*Daemon, error) {
	src, err := source.Parse(cfg.Source)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Recording.RecordsRoot, 0o755); err != nil {
		logger.Warn("Main", "Records root %s not writable yet: %v", cfg.Recording.RecordsRoot, err)
	}

	m := metrics.New()
	d := &Daemon{cfg: cfg, metrics: m, source: src}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	// The journal is optional: dispatch still works without it.
	var (
		j       mode.Journal
		history api.History
	)
	path := cfg.Modes.JournalPath
	if path == "" {
		path = filepath.Join(cfg.Recording.RecordsRoot, "mode_journal.db")
	}
	if jr, err := journal.Open(path); err != nil {
		logger.Warn("Main", "Dispatch journal disabled: %v", err)
	} else {
		d.journal = jr
		j, history = jr, jr
	}

	dispatcher := mode.NewDispatcher(cfg.Modes.CommandTimeout.D(), j)
	mode.NewActions(cfg.Modes, mode.ExecRunner{}).Install(dispatcher)

	sub, err := subsystem.New(subsystem.Options{
		Config:     cfg,
		Dispatcher: dispatcher,
		Metrics:    m,
	})
	if err != nil {
		d.cancel()
		d.closeJournal()
		return nil, fmt.Errorf("failed to create subsystem: %w", err)
	}
	d.sub = sub

	apiCfg := api.DefaultConfig()
	apiCfg.PreviewInterval = time.Second / time.Duration(cfg.PreviewFPS)
	srv := api.NewServer(apiCfg, sub, history)
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.Handle("/metrics", m.Handler())
	d.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end with the daemon context.
		BaseContext: func(net.Listener) context.Context { return d.ctx },
	}
	return d, nil
}

// Start launches the subsystem, the servers and the frame source.
func (d *Daemon) Start() error {
	logger.Info("Main", "Starting recorder...")
	logger.Info("Main", "  HTTP server: %s", d.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", d.cfg.MetricsAddr)
	logger.Info("Main", "  Records root: %s", d.cfg.Recording.RecordsRoot)
	logger.Info("Main", "  Trigger line: %s", d.cfg.Recording.Line)
	if d.cfg.PWM.Enabled {
		logger.Info("Main", "  PWM line: %s", d.cfg.PWM.Line)
	}

	if err := d.sub.Start(); err != nil {
		return err
	}

	if d.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", d.cfg.MetricsAddr)
			if err := d.metrics.StartServer(d.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", d.cfg.HTTPAddr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if d.source != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			logger.Info("Main", "Frame source: %s", d.cfg.Source)
			if err := d.source.Run(d.ctx, d.sub); err != nil {
				logger.Error("Main", "Frame source stopped: %v", err)
			}
		}()
	} else {
		logger.Warn("Main", "No frame source configured; clips stay empty until frames arrive")
	}

	logger.Info("Main", "Recorder started (session %s)", d.sub.Session().Name)
	return nil
}

// Shutdown stops the producer first so the writer drains a quiet queue,
// then the subsystem, then the HTTP server and the journal.
func (d *Daemon) Shutdown() error {
	d.cancel()
	d.wg.Wait()

	d.sub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.httpServer.Shutdown(ctx)

	d.closeJournal()
	return err
}

func (d *Daemon) closeJournal() {
	if d.journal == nil {
		return
	}
	if err := d.journal.Close(); err != nil {
		logger.Warn("Main", "Journal close: %v", err)
	}
}
