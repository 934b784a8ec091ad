// tapwire is an intercepting proxy for LLM API traffic: it forwards
// Anthropic-style Messages calls to a per-session upstream, rewrites request
// bodies through filter profiles, executes intercepted WebFetch tool calls
// proxy-side, and persists every request/response pair for the dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/dashboard"
	"github.com/tapwire/tapwire/internal/proxy"
	"github.com/tapwire/tapwire/internal/store"
	"github.com/tapwire/tapwire/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	initLogging()

	listen := pflag.String("listen", config.DefaultListenAddr, "listen address")
	dbPath := pflag.String("db", config.DefaultDBPath, "SQLite database path")
	withDashboard := pflag.Bool("dashboard", false, "serve the dashboard under /_dashboard")
	configPath := pflag.String("config", "tapwire.yaml", "optional YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if pflag.CommandLine.Changed("listen") || cfg.Listen == "" {
		cfg.Listen = *listen
	}
	if pflag.CommandLine.Changed("db") || cfg.DBPath == "" {
		cfg.DBPath = *dbPath
	}
	if pflag.CommandLine.Changed("dashboard") {
		cfg.Dashboard = *withDashboard
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tracker, err := telemetry.NewTracker(cfg.Telemetry.Path)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	p := proxy.New(st, cfg, tracker)

	mux := http.NewServeMux()
	mux.Handle("/p/", p)
	if cfg.Dashboard {
		dash := dashboard.New(st)
		dash.Register(mux)
		p.OnCapture = dash.Hub().BroadcastCapture
		log.Info().Msg("dashboard enabled at /_dashboard")
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		// No WriteTimeout: SSE responses stream for as long as the model
		// talks. Header read and idle limits still bound dead connections.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout.Std(),
		IdleTimeout:       cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Listen).Str("db", cfg.DBPath).Msg("tapwire listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// initLogging configures zerolog: level from TAPWIRE_LOG, console output on
// a terminal, JSON otherwise.
func initLogging() {
	level := zerolog.InfoLevel
	if v := os.Getenv("TAPWIRE_LOG"); v != "" {
		if parsed, err := zerolog.ParseLevel(v); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	}
}
