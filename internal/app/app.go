package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"rdpguard/internal/app/bootstrap"
	"rdpguard/internal/app/server"
	"rdpguard/internal/app/version"
	"rdpguard/internal/auth"
	"rdpguard/internal/config"
	"rdpguard/internal/support"
)

const (
	defaultAPIPort         = 8085
	settingsReloadDebounce = 500 * time.Millisecond
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	apiPortFlag := flag.Int("api-port", defaultAPIPort, "Port for the admin API")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	settingsFlag := flag.String("settings", "", "Path to the settings file")
	flag.Parse()

	config.SetProductionMode(*productionFlag)

	defaultLevel := "debug"
	if *productionFlag {
		defaultLevel = "info"
	}
	logCloser := support.SetupLogging(support.LogConfigFromEnv(defaultLevel))
	defer logCloser.Close()

	log.Info("Starting rdpguard", "version", version.Get().BuildVersion)

	if path := resolveSettingsPath(*settingsFlag); path != "" {
		config.SetSettingsPath(path)
	}
	if err := config.ReadSettings(); err != nil {
		return fmt.Errorf("failed to read settings: %w", err)
	}

	if err := auth.LoadAdminPassword(); err != nil && !errors.Is(err, auth.ErrNoAdminPassword) {
		return fmt.Errorf("failed to load admin password: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if redisClient, err := support.GetRedisClient(); err == nil {
		config.EnableRedisSynchronization(ctx, redisClient)
		defer func() {
			config.DisableRedisSynchronization()
			if err := support.CloseRedisClient(); err != nil {
				log.Warn("error closing redis client", "error", err)
			}
		}()
	} else if !errors.Is(err, support.ErrRedisNotConfigured) {
		log.Warn("Redis unavailable, settings stay local to this host", "error", err)
	}

	components, err := bootstrap.Setup()
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			log.Warn("error releasing resources", "error", err)
		}
	}()

	components.Reconcile(ctx)

	api := server.New(server.Deps{
		Blacklist:   components.Blacklist,
		Whitelist:   components.Whitelist,
		Scheduler:   components.Scheduler,
		Connections: components.Connections,
		Source:      components.Source,
		Ports:       components.Preferences,
		Locator:     components.Locator,
	})
	apiPort := resolvePort("API_PORT", "RDPGUARD_PORT", *apiPortFlag)
	maxConns := support.GetEnvInt("API_MAX_CONNECTIONS", 64)

	components.Scheduler.Start(ctx)
	defer components.Scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return components.RunListeners(gctx)
	})
	g.Go(func() error {
		if err := config.WatchSettings(gctx, settingsReloadDebounce); err != nil {
			log.Warn("Settings hot reload disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return api.Serve(gctx, apiPort, maxConns)
	})

	err = g.Wait()
	log.Info("rdpguard stopped")
	return err
}

func resolveSettingsPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return support.GetEnv("RDPGUARD_SETTINGS", "")
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
