// Package main is the entry point for the kerneld server.
//
// kerneld provisions, pools, and tracks interpreter kernels — both
// in-process and sandboxed (Docker-backed) — and exposes them over a
// namespaced REST and WebSocket API.
//
// Usage:
//
//	kerneld
//
// kerneld takes no command-line flags. It loads the YAML config file
// named by the KERNELD_CONFIG environment variable (built-in defaults
// only when that is unset), overlaid with the KERNELD_* environment
// variables. The -c/--config, -a/--addr and --pool-size flags are
// provided by "kernelctl serve".
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kernelforge/kerneld/internal/api"
	"github.com/kernelforge/kerneld/internal/config"
	"github.com/kernelforge/kerneld/internal/driver"

	_ "github.com/kernelforge/kerneld/internal/driver/container"
	_ "github.com/kernelforge/kerneld/internal/driver/subprocess"

	"github.com/kernelforge/kerneld/internal/manager"
	"github.com/kernelforge/kerneld/internal/pool"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("KERNELD_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Info().Str("version", Version).Str("commit", GitCommit).Str("built", BuildDate).Msg("kerneld starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	cfg, err := config.Load(os.Getenv("KERNELD_CONFIG"), config.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	containerDrv, err := driver.NewDriver("container", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize container driver")
	}
	defer containerDrv.Close()

	subprocessDrv, err := driver.NewDriver("subprocess", nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize subprocess driver")
	}
	defer subprocessDrv.Close()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 5*time.Second)
	if err := containerDrv.Healthy(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("container driver health check failed, sandboxed kernels will be unavailable")
	}
	cancelTimeout()

	drivers := map[driver.Mode]driver.Driver{
		driver.ModeSandboxed: containerDrv,
		driver.ModeInProcess: subprocessDrv,
	}

	policyPairs, err := config.KernelTypes(cfg.AllowedKernelTypes)
	if err != nil {
		log.Error().Err(err).Msg("invalid kernel type policy")
		os.Exit(2)
	}
	policy := manager.Policy{MaxKernels: cfg.MaxKernels}
	for _, pair := range policyPairs {
		policy.Allowed = append(policy.Allowed, manager.AllowedKind{
			Mode:     driver.Mode(pair[0]),
			Language: driver.Language(pair[1]),
		})
	}

	var p *pool.Pool
	if cfg.PoolEnabled && cfg.PoolSize > 0 {
		p = pool.New(drivers, cfg.PoolSize, cfg.PoolAutoRefill, log.Logger)
		preloadPairs, err := config.KernelTypes(cfg.PoolPreload)
		if err != nil {
			log.Error().Err(err).Msg("invalid pool preload key")
			os.Exit(2)
		}
		preload := make([]pool.Key, 0, len(preloadPairs))
		for _, pair := range preloadPairs {
			preload = append(preload, pool.Key{Mode: driver.Mode(pair[0]), Language: driver.Language(pair[1])})
		}
		p.Warm(preload)
	}

	defaults := manager.Defaults{
		InactivityTimeout: cfg.DefaultInactivity,
		MaxExecutionTime:  cfg.DefaultMaxExecution,
	}
	mgr := manager.New(drivers, p, policy, defaults, log.Logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	apiKey := os.Getenv("KERNELD_API_KEY")
	h := api.NewHandler(mgr, apiKey)
	h.RegisterRoutes(e)

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("server listening")
		serverErr <- e.Start(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if p != nil {
			p.DestroyAll(shutdownCtx)
		}
		if err := mgr.DestroyAll(shutdownCtx, ""); err != nil {
			log.Error().Err(err).Msg("error destroying kernels during shutdown")
		}
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server forced to shutdown")
		}
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("server startup failed")
	}
}
