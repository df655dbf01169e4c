// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/qsync/internal/api"
	"github.com/autobrr/qsync/internal/backend"
	"github.com/autobrr/qsync/internal/buildinfo"
	"github.com/autobrr/qsync/internal/cache"
	"github.com/autobrr/qsync/internal/config"
	"github.com/autobrr/qsync/internal/database"
	"github.com/autobrr/qsync/internal/domain"
	"github.com/autobrr/qsync/internal/metrics"
	"github.com/autobrr/qsync/internal/models"
	"github.com/autobrr/qsync/internal/pool"
	"github.com/autobrr/qsync/internal/repository"
)

const (
	warmUpConcurrency = 4
	warmUpAttempts    = 3
)

func RunServeCommand() *cobra.Command {
	var (
		configDir string
		dataDir   string
		logPath   string
		pprofFlag bool
	)

	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
	}

	command.Flags().StringVar(&configDir, "config-dir", "", "config directory path (default is OS-specific: ~/.config/qsync/ or %APPDATA%\\qsync\\). Can also be a direct path to a .toml file")
	command.Flags().StringVar(&dataDir, "data-dir", "", "data directory for the database (default is next to config file)")
	command.Flags().StringVar(&logPath, "log-path", "", "log file path (default is stderr)")
	command.Flags().BoolVar(&pprofFlag, "pprof", false, "enable pprof server on :6060")

	command.Run = func(cmd *cobra.Command, args []string) {
		app := NewApplication(configDir, dataDir, logPath, pprofFlag)
		app.runServer()
	}

	return command
}

type Application struct {
	configDir string
	dataDir   string
	logPath   string
	pprofFlag bool
}

func NewApplication(configDir, dataDir, logPath string, pprofFlag bool) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
		pprofFlag: pprofFlag,
	}
}

// engine is the wired sync stack shared by serve and the one-shot commands.
type engine struct {
	cfg      *config.AppConfig
	db       *database.DB
	accounts *models.AccountStore
	metrics  *metrics.Manager
	pool     *pool.ClientPool
	store    *cache.Store
	repo     *repository.Service
}

func openEngine(cfg *config.AppConfig) (*engine, error) {
	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize database")
	}

	accounts, err := models.NewAccountStore(db, cfg.GetEncryptionKey())
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize account store")
	}

	metricsManager := metrics.NewManager()

	clientPool := pool.New(accounts, models.NewSessionStore(db),
		pool.WithMetrics(metricsManager),
		pool.WithSessionTTL(cfg.Config.SessionTTL),
		pool.WithRequestTimeout(cfg.Config.RequestTimeout),
	)

	store := cache.NewStore(db)
	repo := repository.NewService(clientPool, store, metricsManager, syncSettings(cfg.Config))

	return &engine{
		cfg:      cfg,
		db:       db,
		accounts: accounts,
		metrics:  metricsManager,
		pool:     clientPool,
		store:    store,
		repo:     repo,
	}, nil
}

func syncSettings(c *domain.Config) repository.Config {
	return repository.Config{
		PageSize:         c.PageSize,
		CacheTimeout:     c.CacheTimeout,
		MetadataCacheTTL: c.MetadataCacheTTL,
	}
}

func (e *engine) Close() {
	e.repo.Close()
	if err := e.pool.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close client pool")
	}
	if err := e.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

// warmUp connects every active account. Network failures are retried,
// anything else is logged once and left for the first request to report.
func (e *engine) warmUp(ctx context.Context) error {
	accounts, err := e.accounts.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list accounts")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmUpConcurrency)

	for _, account := range accounts {
		if !account.IsActive {
			log.Debug().Int("accountID", account.ID).Str("accountName", account.Name).Msg("Skipping startup connection for disabled account")
			continue
		}

		g.Go(func() error {
			err := retry.Do(
				func() error {
					client, err := e.pool.GetClient(ctx, account.ID)
					if err != nil {
						return err
					}
					_, err = client.GetAppVersion(ctx)
					return err
				},
				retry.Context(ctx),
				retry.Attempts(warmUpAttempts),
				retry.Delay(2*time.Second),
				retry.LastErrorOnly(true),
				retry.RetryIf(backend.IsNetwork),
				retry.OnRetry(func(n uint, err error) {
					log.Debug().Err(err).Int("accountID", account.ID).Uint("attempt", n+1).Msg("Retrying startup connection")
				}),
			)
			if err != nil {
				log.Warn().Err(err).Int("accountID", account.ID).Str("accountName", account.Name).Msg("Failed to connect to account on startup")
				return nil
			}

			log.Debug().Int("accountID", account.ID).Str("accountName", account.Name).Msg("Connected to account on startup")
			return nil
		})
	}

	return g.Wait()
}

func (app *Application) runServer() {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize configuration")
	}

	if app.dataDir != "" {
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		cfg.Config.LogPath = app.logPath
	}
	if app.pprofFlag {
		cfg.Config.PprofEnabled = true
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting qsync")

	eng, err := openEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sync engine")
	}
	defer eng.Close()

	cfg.RegisterReloadListener(func(c *domain.Config) {
		eng.repo.ApplyConfig(syncSettings(c))
		log.Info().Int("pageSize", c.PageSize).Dur("metadataCacheTtl", c.MetadataCacheTTL).Msg("Applied reloaded sync settings")
	})

	warmUpCtx, cancelWarmUp := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelWarmUp()
	go func() {
		if err := eng.warmUp(warmUpCtx); err != nil {
			log.Error().Err(err).Msg("Failed to warm up account clients")
		}
	}()

	httpServer := api.NewServer(&api.Dependencies{
		Config:     cfg.Config,
		Version:    buildinfo.Version,
		Accounts:   eng.accounts,
		Clients:    eng.pool,
		Repository: eng.repo,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		log.Fatal().Err(err).Msg("failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if cfg.Config.MetricsEnabled {
		metricsServer, err = metrics.NewServer(eng.metrics, cfg.Config.MetricsHost, cfg.Config.MetricsPort, cfg.Config.MetricsBasicAuthUsers)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure metrics server")
		}

		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorChannel <- err
			}
		}()
	}

	if cfg.Config.PprofEnabled {
		go func() {
			log.Info().Msg("Starting pprof server on :6060")
			log.Info().Msg("Access profiling at: http://localhost:6060/debug/pprof/")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				log.Error().Err(err).Msg("Profiling server failed")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Msgf("got signal %v, shutting down server", sig.String())
	case err := <-errorChannel:
		log.Error().Err(err).Msg("got unexpected error from server")
		exitCode = 1
	}

	cancelWarmUp()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		exitCode = 1
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics server shutdown")
		}
	}

	if exitCode != 0 {
		eng.Close()
		os.Exit(exitCode)
	}
}
