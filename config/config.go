// Package config loads runtime configuration from file and environment
// via viper, with per-section validation and change watching.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Run modes
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

var (
	config *Config
	mu     sync.Mutex
	v      *viper.Viper
)

func init() {
	v = viper.New()
}

// Config represents the runtime configuration
type Config struct {
	AppName string
	RunMode string
	Logger  *Logger
	Engine  *Engine
	Loader  *Loader
	Monitor *Monitor
	Viper   *viper.Viper
}

// Load reads configuration from the given path, or from the default
// search locations when path is empty, and sets it globally.
func Load(configPath string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	return loadLocked(configPath)
}

func loadLocked(configPath string) (*Config, error) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		ex, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}
		v.SetConfigName("plugrun")
		v.AddConfigPath("/etc/plugrun")
		v.AddConfigPath("$HOME/.plugrun")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Dir(ex))
	}

	v.SetEnvPrefix("PLUGRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// missing file is acceptable, defaults and env carry the config
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setDefaults(v)

	cfg := &Config{
		AppName: v.GetString("app_name"),
		RunMode: v.GetString("run_mode"),
		Logger:  getLoggerConfig(v),
		Engine:  getEngineConfig(v),
		Loader:  getLoaderConfig(v),
		Monitor: getMonitorConfig(v),
		Viper:   v,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	config = cfg
	return cfg, nil
}

// setDefaults installs defaults keyed to the run mode
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "plugrun")
	v.SetDefault("run_mode", ModeDevelopment)

	production := v.GetString("run_mode") == ModeProduction

	if production {
		v.SetDefault("logger.level", 4) // logrus InfoLevel
		v.SetDefault("logger.format", "json")
		v.SetDefault("loader.require_signature", true)
		v.SetDefault("loader.hot_reload", false)
	} else {
		v.SetDefault("logger.level", 5) // logrus DebugLevel
		v.SetDefault("logger.format", "text")
		v.SetDefault("loader.require_signature", false)
		v.SetDefault("loader.hot_reload", true)
	}
	v.SetDefault("logger.output", "stdout")

	v.SetDefault("engine.max_memory_pages", 1024)
	v.SetDefault("engine.max_instances", 128)
	v.SetDefault("engine.compile_timeout", "30s")
	v.SetDefault("engine.default_execution_timeout", "5s")

	v.SetDefault("loader.dirs", []string{"./plugins"})
	v.SetDefault("loader.max_concurrent_loads", 4)
	v.SetDefault("loader.max_plugins", 256)
	v.SetDefault("loader.debounce_interval", "500ms")

	v.SetDefault("monitor.evaluation_interval", "30s")
	v.SetDefault("monitor.metrics_capacity", 100)
	v.SetDefault("monitor.error_capacity", 50)
	v.SetDefault("monitor.trace_sample_rate", 0.1)
	v.SetDefault("monitor.thresholds.max_execution_time", "30s")
	v.SetDefault("monitor.thresholds.max_memory_mb", 512)
	v.SetDefault("monitor.thresholds.max_error_rate", 0.5)
	v.SetDefault("monitor.thresholds.min_success_rate", 0.5)
	v.SetDefault("monitor.thresholds.max_cpu_percent", 80.0)
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.RunMode != ModeDevelopment && c.RunMode != ModeProduction {
		return fmt.Errorf("run_mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.RunMode)
	}
	for _, check := range []func() error{
		c.Logger.Validate,
		c.Engine.Validate,
		c.Loader.Validate,
		c.Monitor.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// GetConfig returns the last loaded configuration
func GetConfig() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if config == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return config, nil
}

// Reload re-reads the configuration from its source
func Reload() error {
	mu.Lock()
	defer mu.Unlock()

	if _, err := loadLocked(v.ConfigFileUsed()); err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	return nil
}

// Watch watches the configuration file and invokes callback on change
func Watch(callback func(*Config)) {
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := Reload(); err != nil {
			fmt.Printf("Error reloading config: %v\n", err)
			return
		}
		callback(config)
	})
}
