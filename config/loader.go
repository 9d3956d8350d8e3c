package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/secforge/plugrun/runtime/loader"
)

// Loader plugin loader config struct
type Loader struct {
	Dirs               []string
	MaxConcurrentLoads int
	MaxPlugins         int
	Includes           []string
	Excludes           []string
	TrustedKeys        []string // base64 ed25519 public keys
	RequireSignature   bool
	HotReload          bool
	DebounceInterval   string

	debounce time.Duration
	keys     []ed25519.PublicKey
}

func getLoaderConfig(v *viper.Viper) *Loader {
	return &Loader{
		Dirs:               v.GetStringSlice("loader.dirs"),
		MaxConcurrentLoads: v.GetInt("loader.max_concurrent_loads"),
		MaxPlugins:         v.GetInt("loader.max_plugins"),
		Includes:           v.GetStringSlice("loader.includes"),
		Excludes:           v.GetStringSlice("loader.excludes"),
		TrustedKeys:        v.GetStringSlice("loader.trusted_keys"),
		RequireSignature:   v.GetBool("loader.require_signature"),
		HotReload:          v.GetBool("loader.hot_reload"),
		DebounceInterval:   v.GetString("loader.debounce_interval"),
	}
}

// Validate checks the loader section, parses its durations and decodes
// the trusted keys
func (l *Loader) Validate() error {
	if len(l.Dirs) == 0 {
		return fmt.Errorf("loader.dirs must name at least one plugin directory")
	}
	if l.MaxConcurrentLoads < 1 {
		return fmt.Errorf("loader.max_concurrent_loads must be greater than 0")
	}
	var err error
	if l.debounce, err = time.ParseDuration(l.DebounceInterval); err != nil {
		return fmt.Errorf("loader.debounce_interval: %w", err)
	}

	l.keys = l.keys[:0]
	for i, encoded := range l.TrustedKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("loader.trusted_keys[%d] is not valid base64: %w", i, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("loader.trusted_keys[%d] is not an ed25519 public key", i)
		}
		l.keys = append(l.keys, ed25519.PublicKey(raw))
	}
	if l.RequireSignature && len(l.keys) == 0 {
		return fmt.Errorf("loader.require_signature needs loader.trusted_keys")
	}
	return nil
}

// LoaderConfig converts the section into the loader package's config
func (l *Loader) LoaderConfig() *loader.Config {
	return &loader.Config{
		Dirs:               l.Dirs,
		MaxConcurrentLoads: l.MaxConcurrentLoads,
		MaxPlugins:         l.MaxPlugins,
		Includes:           l.Includes,
		Excludes:           l.Excludes,
		TrustedKeys:        l.keys,
		RequireSignature:   l.RequireSignature,
		HotReload:          l.HotReload,
		DebounceInterval:   l.debounce,
	}
}
