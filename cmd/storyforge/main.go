package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/storyforge/internal/agentproc"
	"github.com/p-blackswan/storyforge/internal/agents"
	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/config"
	"github.com/p-blackswan/storyforge/internal/health"
	"github.com/p-blackswan/storyforge/internal/metrics"
	"github.com/p-blackswan/storyforge/internal/mgmt"
	"github.com/p-blackswan/storyforge/internal/retry"
	"github.com/p-blackswan/storyforge/internal/runner"
	"github.com/p-blackswan/storyforge/internal/statefile"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

const retentionInterval = time.Hour

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Str("state_backend", cfg.StateBackend).
		Str("default_agent", cfg.DefaultAgent).
		Msg("starting storyforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.New(cfg.DBPath, logger, store.WithHistoryLimit(cfg.ProcessHistoryLimit))
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open database")
	}

	catalog, err := loadCatalog(cfg.AgentsFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AgentsFile).Msg("failed to load agent catalog")
	}
	if _, err := catalog.Get(cfg.DefaultAgent); err != nil {
		logger.Fatal().Err(err).Str("agent", cfg.DefaultAgent).Msg("unknown default agent")
	}

	m := metrics.New()
	registry := build.NewRegistry(logger, build.WithMetrics(m))

	var states build.StateStore = db
	if cfg.StateBackend == config.StateBackendFile {
		states = statefile.New(logger)
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.SaveRetries
	checkpoint := build.NewCheckpointer(registry, states, retryCfg, m, logger)

	sup := agentproc.New(registry, logger,
		agentproc.WithHistory(db),
		agentproc.WithKillTimeout(cfg.KillTimeout),
	)

	opener := vcs.NewOpener(cfg.RepoCacheSize, logger)
	repos := func(path string) (runner.Repo, error) { return opener.Open(path) }

	loops := runner.New(registry, checkpoint, sup, catalog, repos, logger,
		runner.WithPollInterval(cfg.PausePollInterval),
		runner.WithDefaultAgent(cfg.DefaultAgent),
		runner.WithMetrics(m),
	)

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(db))

	available := 0
	for _, st := range catalog.Detect(ctx) {
		if st.Status == agents.StatusAvailable {
			available++
			logger.Info().Str("agent", st.Agent.ID).Str("version", st.InstalledVersion).Msg("agent available")
		}
	}
	if available == 0 {
		logger.Warn().Msg("no agent CLI found on PATH; builds will fail until one is installed")
	}
	checker.Register("agents", health.AtLeastCheck(1, func(context.Context) int { return available }))

	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		AuthConfig: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
		RateLimit: mgmt.RateLimitConfig{
			RPS:   cfg.MgmtRateLimitRPS,
			Burst: cfg.MgmtRateLimitBurst,
		},
		CORSOrigins: cfg.MgmtCORSOrigins,
		TLSCert:     cfg.MgmtTLSCert,
		TLSKey:      cfg.MgmtTLSKey,
	}, mgmt.Deps{
		Store:    db,
		Registry: registry,
		Runner:   loops,
		Repos:    opener,
		Agents:   catalog,
		Checker:  checker,
		Metrics:  m,
	}, logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("management API server error")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRetention(ctx, db, store.RetentionPolicy{
			ProcessHistory: cfg.HistoryRetention,
			AuditLog:       cfg.AuditRetention,
		}, logger)
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("management API server shutdown error")
	}

	// Loops first so their stories stay in progress, then the agents.
	if err := loops.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("build loops did not stop in time")
	}
	if err := sup.KillAll(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("agent processes did not stop in time")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		logger.Warn().Msg("forced shutdown after timeout")
	}

	if err := db.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close database")
	}

	logger.Info().Msg("storyforge stopped")
}

func loadCatalog(path string) (*agents.Catalog, error) {
	if path == "" {
		return agents.Builtin()
	}
	return agents.LoadCatalog(path)
}

// runRetention trims old process history and audit rows until ctx ends.
func runRetention(ctx context.Context, db *store.Store, policy store.RetentionPolicy, logger zerolog.Logger) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		if err := db.RunRetention(ctx, policy); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("retention run failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
