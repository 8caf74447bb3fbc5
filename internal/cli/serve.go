package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kernelforge/kerneld/internal/api"
	"github.com/kernelforge/kerneld/internal/config"
	"github.com/kernelforge/kerneld/internal/driver"

	// Register drivers.
	_ "github.com/kernelforge/kerneld/internal/driver/container"
	_ "github.com/kernelforge/kerneld/internal/driver/subprocess"

	"github.com/kernelforge/kerneld/internal/manager"
	"github.com/kernelforge/kerneld/internal/pool"
)

var (
	configPath string
	addrFlag   string
	poolFlag   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kerneld server",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "kerneld.yaml", "Path to config file")
	serveCmd.Flags().StringVarP(&addrFlag, "addr", "a", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().IntVar(&poolFlag, "pool-size", 0, "Warm pool size per (mode,language) bucket (overrides config)")
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	var overrides config.Overrides
	if addrFlag != "" {
		overrides.Addr = &addrFlag
	}
	if poolFlag > 0 {
		overrides.PoolSize = &poolFlag
	}

	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log.Info().Str("addr", cfg.Addr).Int("pool_size", cfg.PoolSize).Msg("starting kerneld")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	containerDriverCfg := map[string]any{}
	if cfg.DockerAgentPath != "" {
		containerDriverCfg["agent_path"] = cfg.DockerAgentPath
	}
	if cfg.InterruptDir != "" {
		containerDriverCfg["interrupt_dir"] = cfg.InterruptDir
	}

	containerDrv, err := driver.NewDriver("container", containerDriverCfg)
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

	policy, err := buildPolicy(cfg)
	if err != nil {
		log.Error().Err(err).Msg("invalid kernel type policy")
		os.Exit(2)
	}

	var p *pool.Pool
	if cfg.PoolEnabled && cfg.PoolSize > 0 {
		p = pool.New(drivers, cfg.PoolSize, cfg.PoolAutoRefill, log.Logger)
		preload, err := preloadKeys(cfg)
		if err != nil {
			log.Error().Err(err).Msg("invalid pool preload key")
			os.Exit(2)
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

// buildPolicy translates the config whitelist into the manager's
// injected policy.
func buildPolicy(cfg config.Config) (manager.Policy, error) {
	pairs, err := config.KernelTypes(cfg.AllowedKernelTypes)
	if err != nil {
		return manager.Policy{}, err
	}
	policy := manager.Policy{MaxKernels: cfg.MaxKernels}
	for _, p := range pairs {
		policy.Allowed = append(policy.Allowed, manager.AllowedKind{
			Mode:     driver.Mode(p[0]),
			Language: driver.Language(p[1]),
		})
	}
	return policy, nil
}

func preloadKeys(cfg config.Config) ([]pool.Key, error) {
	pairs, err := config.KernelTypes(cfg.PoolPreload)
	if err != nil {
		return nil, err
	}
	keys := make([]pool.Key, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, pool.Key{
			Mode:     driver.Mode(p[0]),
			Language: driver.Language(p[1]),
		})
	}
	return keys, nil
}
