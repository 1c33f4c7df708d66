package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	offlinegateway "github.com/always-cache/offline-gateway"
	"github.com/always-cache/offline-gateway/cache"
	"github.com/always-cache/offline-gateway/config"
	"github.com/always-cache/offline-gateway/metrics"
	"github.com/always-cache/offline-gateway/pkg/notify"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	originFlag         string
	portFlag           int
	versionFlag        string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	build string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Configuration file to use")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&versionFlag, "version", "", "Deployment version, determines generation names (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, 'memory' for in-memory db (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if build == "" {
		build = "DEV"
	}
}

func main() {
	flag.Parse()

	overrides := map[string]any{}
	if originFlag != "" {
		overrides["origin.url"] = originFlag
	}
	if portFlag != 0 {
		overrides["listen.port"] = portFlag
	}
	if versionFlag != "" {
		overrides["shell.version"] = versionFlag
	}
	if dbFilenameFlag != "" {
		overrides["store.sqlite.file"] = dbFilenameFlag
	}

	cfg, err := config.Load(configFlag, overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load configuration")
	}

	// set log level
	logLevel, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.DebugLevel
	}
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	logFilename := cfg.Logging.File
	if logFilenameFlag != "" {
		logFilename = logFilenameFlag
	}
	if logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", build).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot initialize generation store")
	}
	defer provider.Close()

	originURL, err := cfg.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	recorder := metrics.NewRecorder(nil)
	hub := notify.NewHub(&log.Logger)

	gateway := offlinegateway.CreateGateway(offlinegateway.Config{
		Cache:           provider,
		OriginURL:       originURL,
		OriginHost:      cfg.Origin.Host,
		Version:         cfg.Shell.Version,
		ShellManifest:   cfg.Shell.Manifest,
		RootDocument:    cfg.Shell.RootDocument,
		OfflineDocument: cfg.Shell.OfflineDocument,
		BypassOrigins:   cfg.Policy.BypassOrigins,
		StaticKinds:     cfg.Policy.StaticKinds,
		Logger:          &log.Logger,
		Metrics:         recorder,
		Hub:             hub,
		FetchTimeout:    time.Duration(cfg.Origin.TimeoutSeconds) * time.Second,
	})

	if err := gateway.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Gateway startup failed")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: newRouter(gateway, hub, recorder),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Msgf("Proxying %s to %s (version '%s')", addr, originURL.String(), cfg.Shell.Version)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server terminated unexpectedly")
	}
	log.Info().Msg("Server shutdown complete")
}

// buildProvider selects the generation store backend.
func buildProvider(cfg config.StoreConfig) (cache.Provider, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "memory":
		log.Info().Msg("Using in-memory generation store")
		return cache.NewMemProvider(), nil
	case "valkey":
		log.Info().Str("address", cfg.Valkey.Address).Msg("Using valkey generation store")
		return cache.NewValkeyProvider(cache.ValkeyConfig{
			Address:  cfg.Valkey.Address,
			Username: cfg.Valkey.Username,
			Password: cfg.Valkey.Password,
			DB:       cfg.Valkey.DB,
		})
	default:
		dbFilename := cfg.SQLite.File
		if dbFilename == "memory" {
			dbFilename = "file::memory:?cache=shared"
		}
		log.Info().Str("db", dbFilename).Msg("Using sqlite generation store")
		return cache.NewSQLiteProvider(dbFilename), nil
	}
}
