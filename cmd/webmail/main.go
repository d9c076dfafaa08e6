package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marcuscabrera/simple-webmail-imap/cache"
	"github.com/marcuscabrera/simple-webmail-imap/config"
	"github.com/marcuscabrera/simple-webmail-imap/db"
	"github.com/marcuscabrera/simple-webmail-imap/gateway"
	"github.com/marcuscabrera/simple-webmail-imap/logger"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/errors"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/health"
	"github.com/marcuscabrera/simple-webmail-imap/pkg/workpool"
	"github.com/marcuscabrera/simple-webmail-imap/server/mailsync"
	"github.com/marcuscabrera/simple-webmail-imap/server/webapi"
	"github.com/marcuscabrera/simple-webmail-imap/session"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serverDependencies holds the long-lived components shared by the servers.
type serverDependencies struct {
	config   config.Config
	store    cache.Store
	cache    *cache.MessageCache
	gateway  *gateway.Gateway
	registry *session.Registry
	pool     *workpool.Pool
	mail     *mailsync.Service
	health   *health.HealthMonitor
	servers  sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file applied over the configuration")
	flag.Parse()

	if *showVersion {
		fmt.Printf("webmail version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, *envFile, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WEBMAIL: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.Info("Webmail gateway starting", "version", version, "commit", commit, "built", date)
	logger.Info("Upstream servers", "imap", cfg.Upstream.IMAP.Addr(), "smtp", cfg.Upstream.SMTP.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := make(chan error, 2)
	startServers(ctx, deps, errChan)

	exitCode := 0
	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		exitCode = errorHandler.WaitForExit()
		stop()
	}

	shutdown(deps)
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// loadAndValidateConfig applies the TOML file and the environment over the
// defaults. A missing default config file is not an error.
func loadAndValidateConfig(configPath, envFile string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Info("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := config.ApplyEnvironment(cfg, envFile); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func initializeServices(ctx context.Context, cfg config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{config: cfg}

	var ping func(context.Context) error
	switch cfg.Cache.Backend {
	case "sqlite":
		store, err := cache.NewSQLiteStore(cfg.Cache.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite cache: %w", err)
		}
		deps.store = store
		ping = store.Ping
	default:
		database, err := db.NewDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		database.StartPoolMetrics(ctx)
		deps.store = database
		ping = database.Ping
	}
	deps.cache = cache.New(deps.store)

	gwConfig, err := gateway.ConfigFromSettings(cfg.Upstream, cfg.Gateway)
	if err != nil {
		deps.cache.Close()
		return nil, err
	}
	deps.gateway = gateway.New(gwConfig)

	// Validate has already parsed every duration.
	ttl, _ := cfg.Session.GetTTL()
	idle, _ := cfg.Session.GetIdleTimeout()
	sweep, _ := cfg.Session.GetSweepInterval()
	refresh, _ := cfg.Fetch.GetRefreshInterval()

	deps.registry = session.NewRegistry(deps.gateway, session.Options{
		TTL:         ttl,
		IdleTimeout: idle,
		MaxSessions: cfg.Session.MaxSessions,
		IMAP:        gwConfig.IMAP.Endpoint(),
		SMTP:        gwConfig.SMTP.Endpoint(),
		Users:       deps.cache,
	})
	deps.registry.StartSweeper(ctx, sweep)

	deps.pool = workpool.New(cfg.Gateway.MaxConcurrent)
	deps.mail = mailsync.New(deps.gateway, deps.cache, deps.pool, mailsync.Options{
		DefaultLimit:    cfg.Fetch.DefaultLimit,
		MaxLimit:        cfg.Fetch.MaxLimit,
		RefreshInterval: refresh,
		SyncTimeout:     gwConfig.ConnectTimeout + gwConfig.OperationTimeout,
	})

	deps.health = health.NewHealthMonitor()
	deps.health.RegisterCheck(health.PingCheck("cache", true, ping))
	deps.health.RegisterCheck(health.BreakerCheck("imap", deps.gateway.Breaker("imap")))
	deps.health.RegisterCheck(health.BreakerCheck("smtp", deps.gateway.Breaker("smtp")))
	deps.health.Start(ctx)

	return deps, nil
}

func startServers(ctx context.Context, deps *serverDependencies, errChan chan error) {
	cfg := deps.config

	deps.servers.Add(1)
	go func() {
		defer deps.servers.Done()
		webapi.Start(ctx, deps.registry, deps.mail, webapi.ServerOptions{
			Addr:           cfg.HTTP.Addr,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			TLS:            cfg.HTTP.TLS,
			TLSCertFile:    cfg.HTTP.TLSCertFile,
			TLSKeyFile:     cfg.HTTP.TLSKeyFile,
			LoginRateLimit: cfg.HTTP.LoginRateLimit,
			LoginBurst:     cfg.HTTP.LoginBurst,
			TrustedProxies: cfg.HTTP.TrustedProxies,
			Health:         deps.health,
		}, errChan)
	}()

	if cfg.Metrics.Enabled {
		deps.servers.Add(1)
		go func() {
			defer deps.servers.Done()
			startMetricsServer(ctx, cfg.Metrics.Addr, errChan)
		}()
	}
}

func startMetricsServer(ctx context.Context, addr string, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server", "addr", addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}

// shutdown waits for the listeners to close and then releases sessions,
// in-flight upstream work and the cache, in that order.
func shutdown(deps *serverDependencies) {
	done := make(chan struct{})
	go func() {
		deps.servers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All server listeners closed")
	case <-time.After(20 * time.Second):
		logger.Warn("Server shutdown timeout reached after 20 seconds")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deps.health.Stop()
	if err := deps.registry.Stop(ctx); err != nil {
		logger.Warn("Error stopping session registry", "error", err)
	}
	if err := deps.pool.Close(ctx); err != nil {
		logger.Warn("Upstream operations still running at shutdown", "error", err)
	}
	if err := deps.cache.Close(); err != nil {
		logger.Warn("Error closing message cache", "error", err)
	}
	logger.Info("Webmail gateway stopped")
}
