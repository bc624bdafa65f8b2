package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/amberflow/stagehand"
	"github.com/amberflow/stagehand/internal/config"
	"github.com/amberflow/stagehand/internal/logging"
	"github.com/amberflow/stagehand/pkg/adapters/process"
	"github.com/amberflow/stagehand/pkg/adapters/redis"
	"github.com/amberflow/stagehand/pkg/bus"
	"github.com/amberflow/stagehand/pkg/persistence/middleware"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Stagehand is a tool operation lifecycle engine",
	Long: `Stagehand turns a single user command into a supervised multi-step
workflow: content generation, human review, scheduling and monitored execution.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
}

// loadConfig resolves the configuration for a command, falling back to
// defaults when no --config was given.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildEngine assembles an Engine from the configuration: store backend,
// event bus and logger. The bus is returned alongside the engine so the
// HTTP adapter can stream it over SSE; it is nil when the backend is "none".
// Extra options are appended last so callers can override anything the
// config chose.
func buildEngine(cfg config.Config, extra ...stagehand.Option) (*stagehand.Engine, *slog.Logger, bus.Bus, error) {
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))

	opts := []stagehand.Option{
		stagehand.WithLogger(logger),
		stagehand.WithExecutorTick(cfg.Executor.Tick),
		stagehand.WithMonitorTick(cfg.Monitor.Tick),
	}

	if cfg.Store.Backend == "redis" {
		store := redis.New(cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB,
			redis.WithPrefix(cfg.Store.Redis.Prefix))
		opts = append(opts,
			stagehand.WithStore(store),
			stagehand.WithSessionLocker(store.Locker()))
	}

	mws, err := securityMiddleware(cfg.Security)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(mws) > 0 {
		opts = append(opts, stagehand.WithStoreMiddleware(mws...))
	}

	var b bus.Bus
	switch cfg.Bus.Backend {
	case "nats":
		nb, err := bus.NewNATSBus(cfg.Bus.NATSURL, "stagehand")
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connecting to nats: %w", err)
		}
		b = nb
	case "memory":
		b = bus.NewMemoryBus()
	}
	if b != nil {
		opts = append(opts, stagehand.WithPublisher(b))
	}

	opts = append(opts, extra...)

	eng, err := stagehand.New(opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	return eng, logger, b, nil
}

// securityMiddleware translates the config's security section into store
// decorators. PII masking sits outermost so already-masked values are what
// encryption seals.
func securityMiddleware(sec config.SecurityConfig) ([]middleware.Middleware, error) {
	var mws []middleware.Middleware
	if len(sec.PIIPatterns) > 0 {
		mws = append(mws, middleware.NewPIIMiddleware(sec.PIIPatterns))
	}
	key, err := sec.ActiveKey()
	if err != nil {
		return nil, err
	}
	if key != nil {
		fallbacks, err := sec.FallbackKeyBytes()
		if err != nil {
			return nil, err
		}
		mws = append(mws, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    key,
			FallbackKeys: fallbacks,
		}))
	}
	return mws, nil
}

// registerTools adds the built-in demo tool plus any process-backed tools
// declared in the configured tools.yaml.
func registerTools(eng *stagehand.Engine, cfg config.Config) error {
	eng.RegisterTool(newTweetTool())
	if cfg.ToolsPath == "" {
		return nil
	}
	tools, err := process.LoadTools(cfg.ToolsPath)
	if err != nil {
		return err
	}
	for _, t := range tools {
		eng.RegisterTool(t)
	}
	return nil
}
