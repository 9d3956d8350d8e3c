package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/secforge/plugrun/config"
	"github.com/secforge/plugrun/logging/logger"
	"github.com/secforge/plugrun/runtime/event"
	"github.com/secforge/plugrun/runtime/loader"
	"github.com/secforge/plugrun/runtime/monitor"
	"github.com/secforge/plugrun/runtime/sandbox"
	"github.com/secforge/plugrun/version"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plugrun",
		Short: "Sandboxed plugin runtime for security operations",
	}

	rootCmd.AddCommand(
		NewServeCommand(),
		NewListCommand(),
		NewExecCommand(),
		NewVersionCommand(),
	)

	return rootCmd
}

// runtimeParts holds the wired subsystems for a running instance
type runtimeParts struct {
	cfg     *config.Config
	engine  *sandbox.Engine
	loader  *loader.Loader
	monitor *monitor.Monitor
	cleanup func()
}

// setup wires configuration, logging, engine, monitor and loader
func setup(configFile string) (*runtimeParts, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	logCleanup, err := logger.New(cfg.Logger.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}
	logger.SetVersion(version.GetVersionInfo().Version)

	engine := sandbox.NewEngine(cfg.Engine.EngineConfig())

	factories := loader.NewFactoryRegistry()
	factories.Register(sandbox.NewFactory(engine))

	bus := event.NewBus()

	var storage monitor.Storage
	if addr := cfg.Monitor.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Monitor.RedisPassword,
		})
		storage = monitor.NewRedisStorage(client, cfg.AppName, 24*time.Hour,
			cfg.Monitor.MetricsCapacity, cfg.Monitor.ErrorCapacity)
	}

	mon := monitor.New(cfg.Monitor.MonitorConfig(), storage, bus)
	mon.RegisterHandler(monitor.LogHandler{})
	if dsn := cfg.Monitor.SentryDSN; dsn != "" {
		sentryHandler, err := monitor.NewSentryHandler(dsn, cfg.RunMode)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sentry: %v", err)
		}
		mon.RegisterHandler(sentryHandler)
	}

	ldr := loader.New(cfg.Loader.LoaderConfig(), factories, bus, mon)

	return &runtimeParts{
		cfg:     cfg,
		engine:  engine,
		loader:  ldr,
		monitor: mon,
		cleanup: logCleanup,
	}, nil
}

// shutdown tears the subsystems down in reverse order
func (p *runtimeParts) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.loader.Close(ctx); err != nil {
		logger.Errorf(ctx, "loader shutdown: %v", err)
	}
	p.monitor.Stop(ctx)
	if err := p.engine.Close(ctx); err != nil {
		logger.Errorf(ctx, "engine shutdown: %v", err)
	}
	p.cleanup()
}

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load plugins and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := setup(configFile)
			if err != nil {
				return err
			}
			defer parts.shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			parts.monitor.Start(ctx)

			if err := parts.loader.DiscoverAndLoad(ctx); err != nil {
				return fmt.Errorf("failed to load plugins: %v", err)
			}

			if parts.cfg.Loader.HotReload {
				if err := parts.loader.StartWatcher(ctx); err != nil {
					return fmt.Errorf("failed to start watcher: %v", err)
				}
			}

			logger.Infof(ctx, "plugrun serving %d plugins", len(parts.loader.List()))
			<-ctx.Done()
			logger.Infof(context.Background(), "shutting down")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

// NewListCommand creates the list command
func NewListCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Discover and list plugins from the configured directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := setup(configFile)
			if err != nil {
				return err
			}
			defer parts.shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := parts.loader.DiscoverAndLoad(ctx); err != nil {
				return fmt.Errorf("failed to load plugins: %v", err)
			}

			for _, md := range parts.loader.List() {
				fmt.Printf("Plugin: %s\n", md.ID)
				fmt.Printf("  Name: %s\n", md.Name)
				fmt.Printf("  Version: %s\n", md.Version)
				fmt.Printf("  Type: %s\n", md.Type)
				if state, ok := parts.loader.LoadState(md.ID); ok {
					fmt.Printf("  Path: %s\n", state.Path)
					fmt.Printf("  Loaded: %s\n\n", state.LastLoaded.Format(time.RFC3339))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	return cmd
}

// NewExecCommand creates the exec command
func NewExecCommand() *cobra.Command {
	var configFile string
	var payload string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "exec [plugin-id]",
		Short: "Execute a plugin once and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := setup(configFile)
			if err != nil {
				return err
			}
			defer parts.shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := parts.loader.DiscoverAndLoad(ctx); err != nil {
				return fmt.Errorf("failed to load plugins: %v", err)
			}

			result, err := parts.loader.Execute(ctx, args[0], []byte(payload), timeout)
			if err != nil {
				return err
			}

			if result.Success {
				fmt.Printf("OK (%v)\n", result.ExecutionTime)
				if len(result.Output) > 0 {
					fmt.Println(string(result.Output))
				}
				return nil
			}
			fmt.Printf("FAILED [%s]: %s (%v)\n", result.ErrorCode, result.Error, result.ExecutionTime)
			return fmt.Errorf("plugin %s execution failed", args[0])
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "config file path")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "payload passed to the plugin")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "execution timeout, engine default when zero")
	return cmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.GetVersionInfo()
			if asJSON {
				fmt.Println(info.JSON())
				return
			}
			fmt.Println(info.String())
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
